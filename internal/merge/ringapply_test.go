package merge

import (
	"strings"
	"testing"

	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

const testPublishIdentity = "6d0f8a2c4e1b3d5f7a9c0e2b4d6f8a1c3e5b7d9f0a2c4e6b8d0f2a4c6e8b0d1f"

func enroll(t *testing.T, author *testDevice, member *testDevice, personUUID string) *mutation.Mutation {
	t.Helper()
	return author.append(t, models.TargetDevice, member.id, models.VerbCreate, &mutation.DeviceAdd{
		PersonUUID:       personUUID,
		Name:             "laptop",
		SigningPublicKey: member.pubHex,
		PublishIdentity:  testPublishIdentity,
	})
}

func TestPersonCreateAndConcurrentRename(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	a.append(t, models.TargetPerson, "person-1", models.VerbCreate, &mutation.PersonUpsert{Name: "Maren"})
	b.syncFrom(t, a)

	p, err := b.db.GetPerson("person-1")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Name != "Maren" {
		t.Fatalf("person = %+v", p)
	}

	// Concurrent renames settle by timestamp, not by conflict.
	a.append(t, models.TargetPerson, "person-1", models.VerbUpdate, &mutation.PersonUpsert{Name: "Mo"})
	b.append(t, models.TargetPerson, "person-1", models.VerbUpdate, &mutation.PersonUpsert{Name: "Mia"})
	b.syncFrom(t, a)
	a.syncFrom(t, b)

	for name, d := range map[string]*testDevice{"a": a, "b": b} {
		p, err := d.db.GetPerson("person-1")
		if err != nil {
			t.Fatal(err)
		}
		if p.Name != "Mia" {
			t.Errorf("%s: name = %s, want Mia (later write)", name, p.Name)
		}
		if n := len(d.pendingConflicts(t)); n != 0 {
			t.Errorf("%s: ring writes opened %d conflicts", name, n)
		}
	}
}

func TestDeviceEnrollment(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	enroll(t, a, b, "person-1")

	d, err := a.db.GetDevice(b.id)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.PersonUUID != "person-1" || d.SigningPublicKey != b.pubHex {
		t.Fatalf("device on a = %+v", d)
	}
	peer, err := a.db.GetPeer(b.id)
	if err != nil {
		t.Fatalf("enrolling should create peer state: %v", err)
	}
	if peer.PublishIdentity != testPublishIdentity {
		t.Errorf("peer identity = %s", peer.PublishIdentity)
	}

	// On the enrolled device itself, no peer row for self.
	out := b.syncFrom(t, a)
	if !out.RingChanged {
		t.Error("enrollment did not flag ring change")
	}
	if d, _ := b.db.GetDevice(b.id); d == nil {
		t.Fatal("device row missing on b")
	}
	if _, err := b.db.GetPeer(b.id); err == nil || !strings.Contains(err.Error(), "unknown peer") {
		t.Errorf("self peer row should not exist, got err = %v", err)
	}
}

func TestDeviceRemovalFlagsOutcome(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	enroll(t, a, b, "person-1")
	b.syncFrom(t, a)

	a.append(t, models.TargetDevice, b.id, models.VerbDelete, &mutation.DeviceRemove{Reason: "lost"})

	devices, err := a.db.ListDevices(false)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range devices {
		if d.DeviceID == b.id {
			t.Error("removed device still listed as active")
		}
	}
	if _, err := a.db.GetPeer(b.id); err == nil {
		t.Error("peer state survived removal")
	}

	out := b.syncFrom(t, a)
	if !out.SelfRemoved {
		t.Error("b did not notice its own removal")
	}
	if len(out.RemovedDevices) != 1 || out.RemovedDevices[0] != b.id {
		t.Errorf("removed devices = %v", out.RemovedDevices)
	}
}

func TestSelfRemovalAnnouncement(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	enroll(t, a, b, "person-1")
	b.syncFrom(t, a)

	// b removes itself; a learns about it but is not the target.
	b.append(t, models.TargetDevice, b.id, models.VerbDelete, &mutation.DeviceRemove{Reason: "self_removal"})
	out := a.syncFrom(t, b)

	if out.SelfRemoved {
		t.Error("a flagged itself removed for someone else's departure")
	}
	if len(out.RemovedDevices) != 1 || out.RemovedDevices[0] != b.id {
		t.Errorf("removed devices = %v", out.RemovedDevices)
	}
	d, err := a.db.GetDevice(b.id)
	if err != nil {
		t.Fatal(err)
	}
	if d.RemovedAt == nil {
		t.Error("b not tombstoned on a")
	}
}

func TestDeviceRenameBeforeEnrollmentArrives(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)
	c := newTestDevice(t)

	enroll(t, a, b, "person-1")
	b.syncFrom(t, a)
	b.append(t, models.TargetDevice, b.id, models.VerbUpdate, &mutation.DeviceUpdate{Name: "laptop-renamed"})

	// c hears the rename before the enrollment.
	c.syncFrom(t, b)
	c.syncFrom(t, a)

	d, err := c.db.GetDevice(b.id)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("device missing on c")
	}
	if d.Name != "laptop-renamed" {
		t.Errorf("name = %s, want laptop-renamed", d.Name)
	}
	if d.PersonUUID != "person-1" || d.SigningPublicKey != b.pubHex {
		t.Errorf("enrollment columns not backfilled: %+v", d)
	}
}

func TestPublishIdentityRotation(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	enroll(t, a, b, "person-1")
	b.syncFrom(t, a)

	rotated := strings.Repeat("ab", 32)
	b.append(t, models.TargetDevice, b.id, models.VerbUpdate, &mutation.DeviceUpdate{PublishIdentity: rotated})
	out := a.syncFrom(t, b)

	if !out.RingChanged {
		t.Error("identity rotation did not flag ring change")
	}
	d, err := a.db.GetDevice(b.id)
	if err != nil {
		t.Fatal(err)
	}
	if d.PublishIdentity != rotated {
		t.Errorf("publish identity = %s, want rotated", d.PublishIdentity)
	}
	peer, err := a.db.GetPeer(b.id)
	if err != nil {
		t.Fatal(err)
	}
	if peer.PublishIdentity != rotated {
		t.Errorf("peer identity = %s, want rotated", peer.PublishIdentity)
	}
}

func TestGroupLifecycle(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	a.append(t, models.TargetGroup, "group-1", models.VerbCreate, &mutation.GroupCreate{
		Name:        "household",
		MemberUUIDs: []string{"person-1", "person-2"},
	})
	b.syncFrom(t, a)

	g, err := b.db.GetGroup("group-1")
	if err != nil {
		t.Fatal(err)
	}
	if g == nil || g.Name != "household" || len(g.MemberUUIDs) != 2 {
		t.Fatalf("group on b = %+v", g)
	}

	b.append(t, models.TargetGroup, "group-1", models.VerbUpdate, &mutation.GroupUpdate{
		MemberUUIDs: []string{"person-1"},
	})
	out := a.syncFrom(t, b)
	if !out.RingChanged {
		t.Error("membership change did not flag ring change")
	}
	g, err = a.db.GetGroup("group-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(g.MemberUUIDs) != 1 || g.MemberUUIDs[0] != "person-1" {
		t.Errorf("members = %v, want [person-1]", g.MemberUUIDs)
	}

	a.append(t, models.TargetGroup, "group-1", models.VerbDelete, nil)
	b.syncFrom(t, a)
	groups, err := b.db.ListGroups(false)
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range groups {
		if g.UUID == "group-1" {
			t.Error("removed group still listed")
		}
	}
}

func TestForkedGroupKeepsLineage(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	a.append(t, models.TargetGroup, "group-1", models.VerbCreate, &mutation.GroupCreate{
		Name:        "trip",
		MemberUUIDs: []string{"person-1", "person-2", "person-3"},
	})
	a.append(t, models.TargetGroup, "group-2", models.VerbCreate, &mutation.GroupCreate{
		Name:        "trip",
		MemberUUIDs: []string{"person-1", "person-2"},
		ForkedFrom:  "group-1",
	})
	b.syncFrom(t, a)

	g, err := b.db.GetGroup("group-2")
	if err != nil {
		t.Fatal(err)
	}
	if g.ForkedFrom != "group-1" {
		t.Errorf("forked_from = %q, want group-1", g.ForkedFrom)
	}
}
