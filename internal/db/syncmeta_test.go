package db

import (
	"database/sql"
	"testing"
)

func TestAppliedLogDedup(t *testing.T) {
	db := newTestDB(t)

	err := db.WithTx(func(tx *sql.Tx) error {
		applied, err := MarkAppliedTx(tx, "dev-a", 1, "m1")
		if err != nil {
			return err
		}
		if !applied {
			t.Error("first apply reported as duplicate")
		}

		applied, err = MarkAppliedTx(tx, "dev-a", 1, "m1")
		if err != nil {
			return err
		}
		if applied {
			t.Error("duplicate apply not detected")
		}

		// Same id from another device is distinct
		applied, err = MarkAppliedTx(tx, "dev-b", 1, "m2")
		if err != nil {
			return err
		}
		if !applied {
			t.Error("cross-device id collision treated as duplicate")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	count, _ := db.AppliedCount()
	if count != 2 {
		t.Errorf("applied count = %d, want 2", count)
	}
}

func TestTargetClock(t *testing.T) {
	db := newTestDB(t)

	err := db.WithTx(func(tx *sql.Tx) error {
		if err := BumpTargetClockTx(tx, "rec-1", "dev-a", 3); err != nil {
			return err
		}
		if err := BumpTargetClockTx(tx, "rec-1", "dev-b", 7); err != nil {
			return err
		}
		// Replay with a lower id must not move the clock backwards
		if err := BumpTargetClockTx(tx, "rec-1", "dev-a", 2); err != nil {
			return err
		}

		clock, err := TargetClockTx(tx, "rec-1")
		if err != nil {
			return err
		}
		if clock["dev-a"] != 3 {
			t.Errorf("dev-a clock = %d, want 3", clock["dev-a"])
		}
		if clock["dev-b"] != 7 {
			t.Errorf("dev-b clock = %d, want 7", clock["dev-b"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestTargetClockEmpty(t *testing.T) {
	db := newTestDB(t)

	err := db.WithTx(func(tx *sql.Tx) error {
		clock, err := TargetClockTx(tx, "unseen")
		if err != nil {
			return err
		}
		if len(clock) != 0 {
			t.Errorf("clock for unseen target = %v, want empty", clock)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestFieldWriteRoundTrip(t *testing.T) {
	db := newTestDB(t)

	err := db.WithTx(func(tx *sql.Tx) error {
		fw, err := GetFieldWriteTx(tx, "rec-1", "amount")
		if err != nil {
			return err
		}
		if fw != nil {
			t.Errorf("unexpected field write: %+v", fw)
		}

		if err := PutFieldWriteTx(tx, FieldWrite{
			TargetUUID:   "rec-1",
			Field:        "amount",
			DeviceID:     "dev-a",
			MutationID:   4,
			MutationUUID: "m4",
			HLC:          "9:0:dev-a",
			Value:        []byte(`"10.00"`),
			Basis:        map[string]int64{"dev-b": 2},
		}); err != nil {
			return err
		}

		fw, err = GetFieldWriteTx(tx, "rec-1", "amount")
		if err != nil {
			return err
		}
		if fw == nil {
			t.Fatal("expected field write")
		}
		if fw.DeviceID != "dev-a" || fw.MutationID != 4 {
			t.Errorf("field write = %+v", fw)
		}
		if string(fw.Value) != `"10.00"` {
			t.Errorf("value = %s", fw.Value)
		}
		if !fw.Covers("dev-b", 2) || fw.Covers("dev-b", 3) {
			t.Errorf("basis coverage wrong: %+v", fw.Basis)
		}
		if !fw.Covers("dev-a", 4) {
			t.Error("write does not cover its own id")
		}

		// Overwrite by a later write
		if err := PutFieldWriteTx(tx, FieldWrite{
			TargetUUID:   "rec-1",
			Field:        "amount",
			DeviceID:     "dev-b",
			MutationID:   2,
			MutationUUID: "m2",
			HLC:          "11:0:dev-b",
			Value:        []byte(`"12.00"`),
		}); err != nil {
			return err
		}
		fw, _ = GetFieldWriteTx(tx, "rec-1", "amount")
		if fw.DeviceID != "dev-b" {
			t.Errorf("overwrite lost: %+v", fw)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestDeleteMarkerFieldWrite(t *testing.T) {
	db := newTestDB(t)

	err := db.WithTx(func(tx *sql.Tx) error {
		if err := PutFieldWriteTx(tx, FieldWrite{
			TargetUUID:   "rec-1",
			Field:        "",
			DeviceID:     "dev-a",
			MutationID:   5,
			MutationUUID: "m5",
			HLC:          "9:0:dev-a",
			IsDelete:     true,
		}); err != nil {
			return err
		}
		fw, err := GetFieldWriteTx(tx, "rec-1", "")
		if err != nil {
			return err
		}
		if fw == nil || !fw.IsDelete {
			t.Errorf("delete marker = %+v", fw)
		}
		if fw.Value != nil {
			t.Errorf("delete marker has value: %s", fw.Value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestMalformedReports(t *testing.T) {
	db := newTestDB(t)

	if err := db.InsertMalformedReport("dev-x", "bad_signature", "mutation m9"); err != nil {
		t.Fatalf("InsertMalformedReport failed: %v", err)
	}
	if err := db.InsertMalformedReport("dev-x", "undecryptable", "chunk addr-3"); err != nil {
		t.Fatalf("InsertMalformedReport failed: %v", err)
	}

	reports, err := db.ListMalformedReports(10)
	if err != nil {
		t.Fatalf("ListMalformedReports failed: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	// Newest first
	if reports[0].Reason != "undecryptable" {
		t.Errorf("first reason = %q, want undecryptable", reports[0].Reason)
	}
	if reports[1].PeerDeviceID != "dev-x" {
		t.Errorf("peer = %q, want dev-x", reports[1].PeerDeviceID)
	}
}
