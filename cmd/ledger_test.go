package cmd

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

// openTestLedger bootstraps a solo ledger in a temp dir and wires the
// write path, the way openLedger does for commands.
func openTestLedger(t *testing.T) (*ledger, string) {
	t.Helper()
	dir := t.TempDir()

	personUUID, _, err := initLedger(dir, "maren", "laptop")
	if err != nil {
		t.Fatalf("initLedger failed: %v", err)
	}

	database, err := db.Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	led, err := wireLedger(database, dir)
	if err != nil {
		database.Close()
		t.Fatalf("wireLedger failed: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	return led, personUUID
}

func addTestExpense(t *testing.T, led *ledger, fields map[string]string) string {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw[k] = fieldJSON(v)
	}

	recordUUID := uuid.NewString()
	create := &mutation.RecordCreate{RecordType: expenseType, Fields: raw}
	if _, _, err := led.writer.Append(models.TargetRecord, recordUUID, models.VerbCreate, create); err != nil {
		t.Fatalf("append expense failed: %v", err)
	}
	return recordUUID
}

func TestParseSetArgs(t *testing.T) {
	fields, err := parseSetArgs([]string{"amount=42.50", "note=split evenly"})
	if err != nil {
		t.Fatalf("parseSetArgs failed: %v", err)
	}
	if string(fields["amount"]) != `"42.50"` {
		t.Errorf("amount = %s, want quoted 42.50", fields["amount"])
	}
	if string(fields["note"]) != `"split evenly"` {
		t.Errorf("note = %s", fields["note"])
	}

	if _, err := parseSetArgs([]string{"noequals"}); err == nil {
		t.Error("expected error for argument without =")
	}
	if _, err := parseSetArgs([]string{"=value"}); err == nil {
		t.Error("expected error for empty field name")
	}
}

func TestParseSetArgsKeepsEqualsInValue(t *testing.T) {
	fields, err := parseSetArgs([]string{"note=a=b"})
	if err != nil {
		t.Fatalf("parseSetArgs failed: %v", err)
	}
	if string(fields["note"]) != `"a=b"` {
		t.Errorf("note = %s, want \"a=b\"", fields["note"])
	}
}

func TestPersonByRef(t *testing.T) {
	led, personUUID := openTestLedger(t)

	byUUID, err := personByRef(led.db, personUUID)
	if err != nil || byUUID.UUID != personUUID {
		t.Errorf("by uuid = %v, %v", byUUID, err)
	}

	byName, err := personByRef(led.db, "MAREN")
	if err != nil || byName.UUID != personUUID {
		t.Errorf("by name = %v, %v", byName, err)
	}

	byPrefix, err := personByRef(led.db, personUUID[:8])
	if err != nil || byPrefix.UUID != personUUID {
		t.Errorf("by prefix = %v, %v", byPrefix, err)
	}

	if _, err := personByRef(led.db, "nobody"); err == nil {
		t.Error("expected error for unknown person")
	}
}

func TestGroupByRef(t *testing.T) {
	led, personUUID := openTestLedger(t)

	groupUUID, err := led.keys.Create("trip", []string{personUUID})
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}

	byName, err := groupByRef(led.db, "trip")
	if err != nil || byName.UUID != groupUUID {
		t.Errorf("by name = %v, %v", byName, err)
	}
	byPrefix, err := groupByRef(led.db, groupUUID[:8])
	if err != nil || byPrefix.UUID != groupUUID {
		t.Errorf("by prefix = %v, %v", byPrefix, err)
	}
	if _, err := groupByRef(led.db, "no-such-group"); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestRecordByRef(t *testing.T) {
	led, _ := openTestLedger(t)

	recordUUID := addTestExpense(t, led, map[string]string{
		"description": "dinner",
		"amount":      "42.50",
	})

	byUUID, err := recordByRef(led.db, recordUUID)
	if err != nil || byUUID.UUID != recordUUID {
		t.Fatalf("by uuid = %v, %v", byUUID, err)
	}
	byPrefix, err := recordByRef(led.db, recordUUID[:8])
	if err != nil || byPrefix.UUID != recordUUID {
		t.Fatalf("by prefix = %v, %v", byPrefix, err)
	}
	if _, err := recordByRef(led.db, "ffffffff"); err == nil {
		t.Error("expected error for unknown record")
	}
}

func TestFieldJSON(t *testing.T) {
	if got := string(fieldJSON("dinner")); got != `"dinner"` {
		t.Errorf("fieldJSON = %s", got)
	}
	if got := string(fieldJSON(`say "hi"`)); !strings.Contains(got, `\"hi\"`) {
		t.Errorf("fieldJSON did not escape quotes: %s", got)
	}
}
