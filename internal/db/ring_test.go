package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/maren/divvy/internal/models"
)

func TestPersonUpsertAndSelf(t *testing.T) {
	db := newTestDB(t)

	err := db.WithTx(func(tx *sql.Tx) error {
		if err := UpsertPersonTx(tx, models.Person{UUID: "p1", Name: "Ana", IsSelf: true, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return UpsertPersonTx(tx, models.Person{UUID: "p2", Name: "Ben", CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("upsert persons: %v", err)
	}

	self, err := db.SelfPerson()
	if err != nil {
		t.Fatalf("SelfPerson failed: %v", err)
	}
	if self.UUID != "p1" {
		t.Errorf("self = %s, want p1", self.UUID)
	}

	// Rename via re-upsert keeps is_self
	err = db.WithTx(func(tx *sql.Tx) error {
		return UpsertPersonTx(tx, models.Person{UUID: "p1", Name: "Ana M", CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	self, _ = db.SelfPerson()
	if self.Name != "Ana M" {
		t.Errorf("name = %q, want Ana M", self.Name)
	}

	persons, err := db.ListPersons(false)
	if err != nil {
		t.Fatalf("ListPersons failed: %v", err)
	}
	if len(persons) != 2 {
		t.Errorf("persons = %d, want 2", len(persons))
	}
}

func TestPersonRemoval(t *testing.T) {
	db := newTestDB(t)

	db.WithTx(func(tx *sql.Tx) error {
		return UpsertPersonTx(tx, models.Person{UUID: "p2", Name: "Ben", CreatedAt: time.Now()})
	})
	err := db.WithTx(func(tx *sql.Tx) error {
		return MarkPersonRemovedTx(tx, "p2")
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	active, _ := db.ListPersons(false)
	if len(active) != 0 {
		t.Errorf("active persons = %d, want 0", len(active))
	}
	all, _ := db.ListPersons(true)
	if len(all) != 1 {
		t.Fatalf("all persons = %d, want 1", len(all))
	}
	if all[0].RemovedAt == nil {
		t.Error("removed_at not set")
	}
}

func testDevice(id, person string) models.Device {
	return models.Device{
		DeviceID:         id,
		PersonUUID:       person,
		Name:             "laptop",
		SigningPublicKey: "04aabb",
		PublishIdentity:  "ccdd",
		AddedAt:          time.Now(),
	}
}

func TestDeviceUpsertAndRemove(t *testing.T) {
	db := newTestDB(t)

	err := db.WithTx(func(tx *sql.Tx) error {
		if err := UpsertDeviceTx(tx, testDevice("dev-a", "p1")); err != nil {
			return err
		}
		return UpsertDeviceTx(tx, testDevice("dev-b", "p2"))
	})
	if err != nil {
		t.Fatalf("upsert devices: %v", err)
	}
	if err := db.UpsertPeer("dev-b", "ccdd"); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}

	d, err := db.GetDevice("dev-a")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if d == nil || d.PersonUUID != "p1" {
		t.Fatalf("device = %+v, want person p1", d)
	}

	err = db.WithTx(func(tx *sql.Tx) error {
		return MarkDeviceRemovedTx(tx, "dev-b")
	})
	if err != nil {
		t.Fatalf("remove device: %v", err)
	}

	active, _ := db.ListDevices(false)
	if len(active) != 1 {
		t.Errorf("active devices = %d, want 1", len(active))
	}

	// Removal also drops the peer cursor
	if _, err := db.GetPeer("dev-b"); err == nil {
		t.Error("peer state survived device removal")
	}
}

func TestActivePeerDevices(t *testing.T) {
	db := newTestDB(t)

	db.WithTx(func(tx *sql.Tx) error {
		UpsertDeviceTx(tx, testDevice("dev-self", "p1"))
		UpsertDeviceTx(tx, testDevice("dev-b", "p2"))
		UpsertDeviceTx(tx, testDevice("dev-c", "p2"))
		return MarkDeviceRemovedTx(tx, "dev-c")
	})

	peers, err := db.ActivePeerDevices("dev-self")
	if err != nil {
		t.Fatalf("ActivePeerDevices failed: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("peers = %d, want 1", len(peers))
	}
	if peers[0].DeviceID != "dev-b" {
		t.Errorf("peer = %s, want dev-b", peers[0].DeviceID)
	}
}

func TestGetDeviceUnknown(t *testing.T) {
	db := newTestDB(t)

	d, err := db.GetDevice("nope")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if d != nil {
		t.Errorf("expected nil for unknown device, got %+v", d)
	}
}
