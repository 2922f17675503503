package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
	"github.com/maren/divvy/internal/syncconfig"
)

func TestTwoDeviceConvergence(t *testing.T) {
	a, b, _ := pairedRing(t)

	addExpense(t, a, "rec-1", map[string]any{"amount": 42.5})
	mustSync(t, a)
	mustSync(t, b)
	if !hasRecord(t, b, "rec-1") {
		t.Fatal("rec-1 did not reach b")
	}

	addExpense(t, b, "rec-2", map[string]any{"amount": 7})
	setField(t, b, "rec-1", "amount", 50)
	mustSync(t, b)
	mustSync(t, a)

	if !hasRecord(t, a, "rec-2") {
		t.Fatal("rec-2 did not reach a")
	}
	rec, err := a.db.GetRecord("rec-1")
	if err != nil {
		t.Fatal(err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		t.Fatal(err)
	}
	if string(data["amount"]) != "50" {
		t.Errorf("amount after pull = %s, want 50", data["amount"])
	}
}

func TestConcurrentEditsConflictOnBothSides(t *testing.T) {
	a, b, _ := pairedRing(t)

	addExpense(t, a, "rec-1", map[string]any{"amount": 42.5})
	mustSync(t, a)
	mustSync(t, b)

	// Both edit the same field with no sync in between.
	setField(t, a, "rec-1", "amount", 10)
	setField(t, b, "rec-1", "amount", 20)

	mustSync(t, a)
	mustSync(t, b)
	mustSync(t, a)

	for _, d := range []*syncDevice{a, b} {
		conflicts, err := d.db.ListConflicts(models.ConflictPending)
		if err != nil {
			t.Fatal(err)
		}
		if len(conflicts) != 1 {
			t.Fatalf("%s has %d pending conflicts, want 1", d.ident.DeviceName, len(conflicts))
		}
		c := conflicts[0]
		if c.TargetUUID != "rec-1" || c.Field != "amount" || len(c.Options) != 2 {
			t.Errorf("%s conflict = target %s field %s with %d options, want rec-1 amount with 2",
				d.ident.DeviceName, c.TargetUUID, c.Field, len(c.Options))
		}
	}
}

func TestGroupKeyRotationReachesPeerByEnvelope(t *testing.T) {
	a, b, _ := pairedRing(t)

	groupUUID, err := a.keys.Create("trip", nil)
	if err != nil {
		t.Fatal(err)
	}
	mustSync(t, a)
	mustSync(t, b)

	if err := a.keys.Rotate(groupUUID); err != nil {
		t.Fatal(err)
	}
	mustSync(t, a)
	mustSync(t, b)

	aKey, err := a.db.ActiveGroupKey(groupUUID)
	if err != nil {
		t.Fatal(err)
	}
	bKey, err := b.db.ActiveGroupKey(groupUUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(aKey) == 0 || string(aKey) != string(bKey) {
		t.Error("rotated group key did not reach the peer by envelope")
	}
}

func TestPublishFailureStillPulls(t *testing.T) {
	a, b, store := pairedRing(t)

	addExpense(t, b, "rec-1", map[string]any{"amount": 12})
	mustSync(t, b)

	store.FailUploads = true
	err := a.eng.ManualSync(context.Background())
	if err == nil {
		t.Fatal("cycle succeeded with a dead upload path")
	}
	if !hasRecord(t, a, "rec-1") {
		t.Error("pull skipped because publish failed")
	}
	if st := a.eng.State(); st.LastError == "" {
		t.Error("LastError not recorded after a failed cycle")
	}

	store.FailUploads = false
	if err := a.eng.ManualSync(context.Background()); err != nil {
		t.Errorf("cycle still failing after uploads recovered: %v", err)
	}
}

// A removal the target can still read drops it to solo mode on the spot.
// Authored directly so no key rotation accompanies the announcement.
func TestPulledRemovalNoticeDropsToSolo(t *testing.T) {
	a, b, _ := pairedRing(t)

	if _, _, err := a.writer.Append(models.TargetDevice, b.ident.DeviceID, models.VerbDelete,
		&mutation.DeviceRemove{Reason: mutation.RemovalReasonPeer}); err != nil {
		t.Fatal(err)
	}
	mustSync(t, a)

	err := b.eng.ManualSync(context.Background())
	if !errors.Is(err, ErrRemovedFromRing) {
		t.Fatalf("sync on the removed device = %v, want ErrRemovedFromRing", err)
	}
	mode, err := b.db.GetMeta(db.MetaMode)
	if err != nil {
		t.Fatal(err)
	}
	if mode != string(models.ModeSolo) {
		t.Errorf("mode = %q, want solo", mode)
	}
	if err := b.eng.ManualSync(context.Background()); !errors.Is(err, ErrSoloMode) {
		t.Errorf("next sync = %v, want ErrSoloMode", err)
	}
}

// The real eviction flow rotates keys before announcing, so the evicted
// device sees nothing but undecryptable manifests and has to infer its
// removal from the failure streak.
func TestEvictionLocksOutRemovedDevice(t *testing.T) {
	a, b, _ := pairedRing(t)

	if err := a.ring.RemoveDevice(b.ident.DeviceID); err != nil {
		t.Fatalf("RemoveDevice failed: %v", err)
	}
	mustSync(t, a)

	threshold := syncconfig.GetRemovalSuspicionThreshold()
	var lastErr error
	for i := 0; i < threshold; i++ {
		lastErr = b.eng.ManualSync(context.Background())
		if lastErr == nil {
			t.Fatal("evicted device pulled successfully")
		}
	}
	if errors.Is(lastErr, ErrRemovedFromRing) {
		t.Fatal("locked-out device should fail to decrypt, not read its own removal")
	}

	if !b.eng.State().PossiblyRemoved {
		t.Errorf("PossiblyRemoved still false after %d failed cycles", threshold)
	}
	reports, err := b.db.ListMalformedReports(threshold)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) == 0 || reports[0].Reason != "undecryptable_manifest" {
		t.Errorf("got %d reports, want undecryptable_manifest entries", len(reports))
	}

	// The remover dropped the peer row outright.
	if _, err := a.db.GetPeer(b.ident.DeviceID); err == nil {
		t.Error("evicted device still has a peer row on the remover")
	}
}
