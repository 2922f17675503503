package merge

import (
	"testing"

	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

// concurrentAmountConflict builds the canonical two-writer conflict:
// a creates an expense both devices know, then each edits amount without
// seeing the other. Returns the two concurrent update mutations.
func concurrentAmountConflict(t *testing.T, a, b *testDevice, uuid string) (fromA, fromB *mutation.Mutation) {
	t.Helper()
	newExpense(t, a, uuid, map[string]any{"amount": 10})
	b.syncFrom(t, a)

	fromA = updateField(t, a, uuid, "amount", 20)
	fromB = updateField(t, b, uuid, "amount", 30)

	b.syncFrom(t, a)
	a.syncFrom(t, b)
	return fromA, fromB
}

func TestConcurrentWritesOpenConflictBothSides(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)
	concurrentAmountConflict(t, a, b, "rec-1")

	for name, d := range map[string]*testDevice{"a": a, "b": b} {
		conflicts := d.pendingConflicts(t)
		if len(conflicts) != 1 {
			t.Fatalf("%s: conflicts = %d, want 1", name, len(conflicts))
		}
		c := conflicts[0]
		if c.Type != models.ConflictField || c.Field != "amount" || c.TargetUUID != "rec-1" {
			t.Errorf("%s: conflict = %+v", name, c)
		}
		if len(c.Options) != 2 {
			t.Errorf("%s: options = %d, want 2", name, len(c.Options))
		}
	}

	// Each side keeps its first-applied value until someone resolves.
	if got := a.fieldString(t, "rec-1", "amount"); got != "20" {
		t.Errorf("a amount = %s, want 20", got)
	}
	if got := b.fieldString(t, "rec-1", "amount"); got != "30" {
		t.Errorf("b amount = %s, want 30", got)
	}
}

func TestIdenticalConcurrentWritesAgree(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	newExpense(t, a, "rec-1", map[string]any{"amount": 10})
	b.syncFrom(t, a)

	updateField(t, a, "rec-1", "amount", 50)
	updateField(t, b, "rec-1", "amount", 50)
	b.syncFrom(t, a)
	a.syncFrom(t, b)

	for name, d := range map[string]*testDevice{"a": a, "b": b} {
		if n := len(d.pendingConflicts(t)); n != 0 {
			t.Errorf("%s: conflicts = %d, want 0", name, n)
		}
		if got := d.fieldString(t, "rec-1", "amount"); got != "50" {
			t.Errorf("%s: amount = %s, want 50", name, got)
		}
	}
}

func TestThirdConcurrentWriteGrowsConflict(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)
	c := newTestDevice(t)

	newExpense(t, a, "rec-1", map[string]any{"amount": 10})
	b.syncFrom(t, a)
	c.syncFrom(t, a)

	updateField(t, a, "rec-1", "amount", 20)
	updateField(t, b, "rec-1", "amount", 30)
	updateField(t, c, "rec-1", "amount", 40)

	a.syncFrom(t, b)
	a.syncFrom(t, c)

	conflicts := a.pendingConflicts(t)
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	if len(conflicts[0].Options) != 3 {
		t.Errorf("options = %d, want 3", len(conflicts[0].Options))
	}

	// Replaying the same writers adds nothing.
	a.syncFrom(t, b)
	conflicts = a.pendingConflicts(t)
	if len(conflicts[0].Options) != 3 {
		t.Errorf("options after replay = %d, want 3", len(conflicts[0].Options))
	}
}

func TestCoveringWriteCancelsConflictEverywhere(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)
	concurrentAmountConflict(t, a, b, "rec-1")

	// a has seen both options; its next write settles the question.
	updateField(t, a, "rec-1", "amount", 99)

	if n := len(a.pendingConflicts(t)); n != 0 {
		t.Fatalf("a: conflicts after covering write = %d, want 0", n)
	}
	cancelled, err := a.db.ListConflicts(models.ConflictCancelled)
	if err != nil {
		t.Fatal(err)
	}
	if len(cancelled) != 1 {
		t.Errorf("a: cancelled conflicts = %d, want 1", len(cancelled))
	}
	if got := a.fieldString(t, "rec-1", "amount"); got != "99" {
		t.Errorf("a amount = %s, want 99", got)
	}

	// The covering write cancels b's copy of the conflict too.
	b.syncFrom(t, a)
	if n := len(b.pendingConflicts(t)); n != 0 {
		t.Errorf("b: conflicts after covering write = %d, want 0", n)
	}
	if got := b.fieldString(t, "rec-1", "amount"); got != "99" {
		t.Errorf("b amount = %s, want 99", got)
	}
}

func TestDeleteVsUpdateConflict(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	newExpense(t, a, "rec-1", map[string]any{"amount": 10, "note": "x"})
	b.syncFrom(t, a)

	a.append(t, models.TargetRecord, "rec-1", models.VerbDelete, nil)
	updateField(t, b, "rec-1", "note", "y")

	b.syncFrom(t, a)
	a.syncFrom(t, b)

	for name, d := range map[string]*testDevice{"a": a, "b": b} {
		conflicts := d.pendingConflicts(t)
		if len(conflicts) != 1 {
			t.Fatalf("%s: conflicts = %d, want 1", name, len(conflicts))
		}
		c := conflicts[0]
		if c.Type != models.ConflictDeleteVsUpdate {
			t.Errorf("%s: conflict type = %s", name, c.Type)
		}
		var sawDelete, sawUpdate bool
		for _, opt := range c.Options {
			if opt.IsDelete {
				sawDelete = true
			} else {
				sawUpdate = true
			}
		}
		if !sawDelete || !sawUpdate {
			t.Errorf("%s: options missing a side: %+v", name, c.Options)
		}
	}

	// The delete stays applied where it landed first; the update stays
	// where it landed first. Resolution reconciles them.
	recA, err := a.db.GetRecord("rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if recA.DeletedAt == nil {
		t.Error("a: record not tombstoned")
	}
	recB, err := b.db.GetRecord("rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if recB.DeletedAt != nil {
		t.Error("b: record tombstoned despite concurrent update")
	}
}

func TestUpdateAfterDeleteRevives(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	newExpense(t, a, "rec-1", map[string]any{"amount": 10})
	a.append(t, models.TargetRecord, "rec-1", models.VerbDelete, nil)
	b.syncFrom(t, a)

	rec, err := b.db.GetRecord("rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.DeletedAt == nil {
		t.Fatal("b: delete did not apply")
	}

	// b saw the delete; its edit deliberately brings the record back.
	updateField(t, b, "rec-1", "amount", 70)
	a.syncFrom(t, b)

	for name, d := range map[string]*testDevice{"a": a, "b": b} {
		rec, err := d.db.GetRecord("rec-1")
		if err != nil {
			t.Fatal(err)
		}
		if rec.DeletedAt != nil {
			t.Errorf("%s: record still tombstoned after revive", name)
		}
		if got := d.fieldString(t, "rec-1", "amount"); got != "70" {
			t.Errorf("%s: amount = %s, want 70", name, got)
		}
		if n := len(d.pendingConflicts(t)); n != 0 {
			t.Errorf("%s: conflicts = %d, want 0", name, n)
		}
	}
}

func TestStaleDeleteIgnored(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)
	c := newTestDevice(t)

	newExpense(t, a, "rec-1", map[string]any{"amount": 10})
	a.append(t, models.TargetRecord, "rec-1", models.VerbDelete, nil)
	b.syncFrom(t, a)
	updateField(t, b, "rec-1", "amount", 70)

	// c hears about the revival before the delete that preceded it.
	c.syncFrom(t, b)
	c.syncFrom(t, a)

	rec, err := c.db.GetRecord("rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.DeletedAt != nil {
		t.Fatalf("c: record = %+v, want alive", rec)
	}
	if got := c.fieldString(t, "rec-1", "amount"); got != "70" {
		t.Errorf("c amount = %s, want 70", got)
	}
	if n := len(c.pendingConflicts(t)); n != 0 {
		t.Errorf("c conflicts = %d, want 0", n)
	}
}

func TestConcurrentWritesToDifferentFieldsMergeCleanly(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	newExpense(t, a, "rec-1", map[string]any{"amount": 10, "note": "x"})
	b.syncFrom(t, a)

	updateField(t, a, "rec-1", "amount", 25)
	updateField(t, b, "rec-1", "note", "groceries")
	b.syncFrom(t, a)
	a.syncFrom(t, b)

	for name, d := range map[string]*testDevice{"a": a, "b": b} {
		if got := d.fieldString(t, "rec-1", "amount"); got != "25" {
			t.Errorf("%s amount = %s, want 25", name, got)
		}
		if got := d.fieldString(t, "rec-1", "note"); got != `"groceries"` {
			t.Errorf("%s note = %s", name, got)
		}
		if n := len(d.pendingConflicts(t)); n != 0 {
			t.Errorf("%s conflicts = %d, want 0", name, n)
		}
	}
}
