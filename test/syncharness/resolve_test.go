package syncharness

import (
	"testing"

	"github.com/maren/divvy/internal/models"
)

// pickOption returns the option of c authored by the named device.
func (h *Harness) pickOption(c models.Conflict, device string) models.ConflictOption {
	h.t.Helper()
	deviceID := h.device(device).Ident.DeviceID
	for _, opt := range c.Options {
		if opt.DeviceID == deviceID {
			return opt
		}
	}
	h.t.Fatalf("conflict %d has no option from %s", c.ID, device)
	return models.ConflictOption{}
}

// pickDeleteOption returns the delete option of c.
func (h *Harness) pickDeleteOption(c models.Conflict) models.ConflictOption {
	h.t.Helper()
	for _, opt := range c.Options {
		if opt.IsDelete {
			return opt
		}
	}
	h.t.Fatalf("conflict %d has no delete option", c.ID)
	return models.ConflictOption{}
}

func TestResolutionConvergesRing(t *testing.T) {
	h := TrioRing(t)

	exp := h.AddExpense("laptop", map[string]any{"amount": "30.00"})
	h.Converge()

	h.SetField("laptop", exp, "amount", "35.00")
	h.SetField("phone", exp, "amount", "32.00")
	h.Converge()

	// Any ring member may resolve, not just the authors of the options.
	cs := h.PendingConflicts("tablet")
	if len(cs) != 1 {
		t.Fatalf("tablet has %d pending conflicts, want 1", len(cs))
	}
	winner := h.pickOption(cs[0], "phone")
	h.Resolve("tablet", cs[0].ID, winner.MutationUUID)
	h.Converge()

	var refHLC string
	for _, name := range []string{"laptop", "phone", "tablet"} {
		if open := h.PendingConflicts(name); len(open) != 0 {
			t.Errorf("%s still has %d pending conflicts", name, len(open))
		}
		resolved, err := h.Devices[name].DB.ListConflicts(models.ConflictResolved)
		if err != nil {
			t.Fatalf("list resolved on %s: %v", name, err)
		}
		if len(resolved) != 1 {
			t.Fatalf("%s has %d resolved conflicts, want 1", name, len(resolved))
		}
		c := resolved[0]
		if c.WinnerUUID != winner.MutationUUID {
			t.Errorf("winner on %s = %s, want %s", name, c.WinnerUUID, winner.MutationUUID)
		}
		if refHLC == "" {
			refHLC = c.ResolvedHLC
		} else if c.ResolvedHLC != refHLC {
			t.Errorf("resolution hlc on %s = %s, want %s", name, c.ResolvedHLC, refHLC)
		}
		if got := h.RecordField(name, exp, "amount"); got != `"32.00"` {
			t.Errorf("amount on %s = %s, want the chosen %q", name, got, `"32.00"`)
		}
	}
	h.AssertConverged()
}

func TestResolveKeepsDelete(t *testing.T) {
	h := PairedRing(t)

	exp := h.AddExpense("laptop", map[string]any{"amount": "30.00", "note": "dinner"})
	h.Converge()

	h.DeleteRecord("laptop", exp)
	h.SetField("phone", exp, "note", "dinner, split three ways")
	h.Converge()

	cs := h.PendingConflicts("phone")
	if len(cs) != 1 {
		t.Fatalf("phone has %d pending conflicts, want 1", len(cs))
	}
	winner := h.pickDeleteOption(cs[0])
	h.Resolve("phone", cs[0].ID, winner.MutationUUID)
	h.Converge()

	for _, name := range []string{"laptop", "phone"} {
		if open := h.PendingConflicts(name); len(open) != 0 {
			t.Errorf("%s still has %d pending conflicts", name, len(open))
		}
		rec := h.Record(name, exp)
		if rec == nil || rec.DeletedAt == nil {
			t.Errorf("record on %s should be tombstoned after the delete won", name)
		}
	}
	h.AssertConverged()
}

func TestResolveRevivesUpdate(t *testing.T) {
	h := PairedRing(t)

	exp := h.AddExpense("laptop", map[string]any{"amount": "30.00", "note": "dinner"})
	h.Converge()

	h.DeleteRecord("laptop", exp)
	h.SetField("phone", exp, "note", "dinner, split three ways")
	h.Converge()

	// Resolved on the device that deleted, in favor of the edit.
	cs := h.PendingConflicts("laptop")
	if len(cs) != 1 {
		t.Fatalf("laptop has %d pending conflicts, want 1", len(cs))
	}
	winner := h.pickOption(cs[0], "phone")
	if winner.IsDelete {
		t.Fatal("picked the wrong option: expected the phone's update")
	}
	h.Resolve("laptop", cs[0].ID, winner.MutationUUID)
	h.Converge()

	for _, name := range []string{"laptop", "phone"} {
		rec := h.Record(name, exp)
		if rec == nil || rec.DeletedAt != nil {
			t.Fatalf("record on %s should be live after the update won", name)
		}
		if got := h.RecordField(name, exp, "note"); got != `"dinner, split three ways"` {
			t.Errorf("note on %s = %s", name, got)
		}
		if got := h.RecordField(name, exp, "amount"); got != `"30.00"` {
			t.Errorf("amount on %s = %s, want untouched %q", name, got, `"30.00"`)
		}
	}
	h.AssertConverged()
}

func TestResolutionCarriesWinnerToLateDevice(t *testing.T) {
	h := TrioRing(t)

	exp := h.AddExpense("laptop", map[string]any{"amount": "30.00"})
	h.Converge()

	h.SetField("laptop", exp, "amount", "35.00")
	h.SetField("phone", exp, "amount", "32.00")

	// Laptop and phone trade their edits without the tablet seeing any
	// of it, then the laptop resolves. The tablet pulls the edits and
	// the resolution together; depending on pull order it may never
	// materialize the conflict at all, but the resolution payload
	// carries the winning value so it lands on the outcome regardless.
	h.MustSync("laptop", "phone", "laptop")
	cs := h.PendingConflicts("laptop")
	if len(cs) != 1 {
		t.Fatalf("laptop has %d pending conflicts, want 1", len(cs))
	}
	winner := h.pickOption(cs[0], "laptop")
	h.Resolve("laptop", cs[0].ID, winner.MutationUUID)
	h.Converge()

	for _, name := range []string{"laptop", "phone", "tablet"} {
		if open := h.PendingConflicts(name); len(open) != 0 {
			t.Errorf("%s still has %d pending conflicts", name, len(open))
		}
		if got := h.RecordField(name, exp, "amount"); got != `"35.00"` {
			t.Errorf("amount on %s = %s, want %q", name, got, `"35.00"`)
		}
	}
	for _, name := range []string{"laptop", "phone"} {
		resolved, err := h.Devices[name].DB.ListConflicts(models.ConflictResolved)
		if err != nil {
			t.Fatalf("list resolved on %s: %v", name, err)
		}
		if len(resolved) != 1 || resolved[0].WinnerUUID != winner.MutationUUID {
			t.Errorf("%s resolved history = %+v, want one conflict won by %s",
				name, resolved, winner.MutationUUID)
		}
	}
	h.AssertConverged()
}
