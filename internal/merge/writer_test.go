package merge

import (
	"testing"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

func TestAppendAllocatesSequentialIDs(t *testing.T) {
	a := newTestDevice(t)

	m1 := newExpense(t, a, "rec-1", map[string]any{"amount": 1})
	m2 := updateField(t, a, "rec-1", "amount", 2)
	m3 := newExpense(t, a, "rec-2", map[string]any{"amount": 3})

	if m1.ID != 1 || m2.ID != 2 || m3.ID != 3 {
		t.Errorf("ids = %d, %d, %d, want 1, 2, 3", m1.ID, m2.ID, m3.ID)
	}
	rows, err := a.db.PendingMutations()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("queue rows = %d, want 3", len(rows))
	}
	for i, row := range rows {
		if row.ID != int64(i+1) {
			t.Errorf("queue row %d has id %d", i, row.ID)
		}
	}
}

func TestAppendBasisTracksTarget(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	m1 := newExpense(t, a, "rec-1", map[string]any{"amount": 1})
	if len(m1.Basis) != 0 {
		t.Errorf("first write basis = %v, want empty", m1.Basis)
	}

	m2 := updateField(t, a, "rec-1", "amount", 2)
	if m2.Basis[a.id] != 1 {
		t.Errorf("basis = %v, want own write covered", m2.Basis)
	}

	// Writes to another target start from that target's own clock.
	m3 := newExpense(t, a, "rec-2", map[string]any{"amount": 3})
	if len(m3.Basis) != 0 {
		t.Errorf("fresh target basis = %v, want empty", m3.Basis)
	}

	// Once a peer's write is applied, later local writes cover it.
	b.syncFrom(t, a)
	mb := updateField(t, b, "rec-1", "amount", 4)
	if mb.Basis[a.id] != 2 {
		t.Errorf("b basis = %v, want a covered through id 2", mb.Basis)
	}
	a.syncFrom(t, b)
	m4 := updateField(t, a, "rec-1", "amount", 5)
	if m4.Basis[b.id] != 1 || m4.Basis[a.id] != 2 {
		t.Errorf("basis after pull = %v", m4.Basis)
	}
}

func TestAppendRejectsInvalidOperation(t *testing.T) {
	a := newTestDevice(t)

	_, _, err := a.writer.Append(models.TargetRecord, "rec-1", models.VerbUpdate,
		&mutation.RecordUpdate{})
	if err == nil {
		t.Fatal("empty update accepted")
	}

	// The rejected append leaves nothing behind.
	rows, err := a.db.PendingMutations()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("queue rows = %d, want 0", len(rows))
	}
	n, err := a.db.AppliedCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("applied count = %d, want 0", n)
	}
}

func TestAppendPersistsClock(t *testing.T) {
	a := newTestDevice(t)
	m := newExpense(t, a, "rec-1", map[string]any{"amount": 1})

	stored, err := a.db.GetMeta(db.MetaLastHLC)
	if err != nil {
		t.Fatal(err)
	}
	if stored != m.HLC.String() {
		t.Errorf("stored HLC = %s, want %s", stored, m.HLC)
	}
}

func TestAppendedMutationRoundTripsThroughQueue(t *testing.T) {
	a := newTestDevice(t)
	m := newExpense(t, a, "rec-1", map[string]any{"amount": 1, "note": "coffee"})

	rows, err := a.db.PendingMutations()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := mutation.Decode(rows[0].Data)
	if err != nil {
		t.Fatalf("decode queue row: %v", err)
	}
	if decoded.UUID != m.UUID || decoded.Signature != m.Signature {
		t.Errorf("queue row drifted from signed mutation")
	}
	if err := decoded.Verify(); err != nil {
		t.Errorf("queued mutation does not verify: %v", err)
	}
	if rows[0].TargetUUID != "rec-1" || rows[0].Verb != string(models.VerbCreate) {
		t.Errorf("queue row metadata = %+v", rows[0])
	}
}
