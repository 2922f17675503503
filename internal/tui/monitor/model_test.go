package monitor

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/engine"
	"github.com/maren/divvy/internal/models"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "shift+tab":
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	updated, _ := m.Update(msg)
	next, ok := updated.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", updated)
	}
	return next
}

func TestPanelCycling(t *testing.T) {
	m := NewModel(nil, nil, "dev-1", time.Second)

	m = update(t, m, keyMsg("tab"))
	if m.ActivePanel != PanelActivity {
		t.Errorf("after tab: panel = %d", m.ActivePanel)
	}
	m = update(t, m, keyMsg("tab"))
	if m.ActivePanel != PanelLedger {
		t.Errorf("after 2x tab: panel = %d", m.ActivePanel)
	}
	m = update(t, m, keyMsg("tab"))
	if m.ActivePanel != PanelRing {
		t.Errorf("tab should wrap to ring, got %d", m.ActivePanel)
	}

	m = update(t, m, keyMsg("shift+tab"))
	if m.ActivePanel != PanelLedger {
		t.Errorf("shift+tab should wrap backwards, got %d", m.ActivePanel)
	}

	m = update(t, m, keyMsg("2"))
	if m.ActivePanel != PanelActivity {
		t.Errorf("after 2: panel = %d", m.ActivePanel)
	}
}

func TestScrollBounds(t *testing.T) {
	m := NewModel(nil, nil, "dev-1", time.Second)

	m = update(t, m, keyMsg("k"))
	if m.ScrollOffset[PanelRing] != 0 {
		t.Error("k at top should not go negative")
	}

	m = update(t, m, keyMsg("j"))
	m = update(t, m, keyMsg("j"))
	if m.ScrollOffset[PanelRing] != 2 {
		t.Errorf("offset = %d, want 2", m.ScrollOffset[PanelRing])
	}

	m = update(t, m, keyMsg("k"))
	if m.ScrollOffset[PanelRing] != 1 {
		t.Errorf("offset = %d, want 1", m.ScrollOffset[PanelRing])
	}
}

func TestRefreshDataMsg(t *testing.T) {
	m := NewModel(nil, nil, "dev-1", time.Second)
	now := time.Now()

	m = update(t, m, RefreshDataMsg{
		Devices:   []DeviceRow{{Device: models.Device{DeviceID: "dev-1", Name: "laptop"}, IsSelf: true}},
		Activity:  []ActivityItem{{ID: 1, Verb: "create", TargetType: "record"}},
		Ledger:    LedgerData{Expenses: 3, QueuePending: 1},
		Timestamp: now,
	})

	if len(m.Devices) != 1 || !m.Devices[0].IsSelf {
		t.Errorf("devices not applied: %+v", m.Devices)
	}
	if len(m.Activity) != 1 {
		t.Errorf("activity not applied")
	}
	if m.Ledger.Expenses != 3 {
		t.Errorf("ledger not applied")
	}
	if !m.LastRefresh.Equal(now) {
		t.Errorf("last refresh not applied")
	}
}

func TestSyncDoneMsg(t *testing.T) {
	m := NewModel(nil, nil, "dev-1", time.Second)
	m.Syncing = true

	m = update(t, m, SyncDoneMsg{Err: nil})
	if m.Syncing {
		t.Error("syncing flag not cleared")
	}
	if m.SyncNote != "" {
		t.Errorf("note = %q, want empty", m.SyncNote)
	}

	m = update(t, m, SyncDoneMsg{Err: engine.ErrSoloMode})
	if m.SyncNote != "not paired, nothing to sync" {
		t.Errorf("note = %q", m.SyncNote)
	}

	m = update(t, m, SyncDoneMsg{Err: errors.New("boom")})
	if m.SyncNote != "sync failed: boom" {
		t.Errorf("note = %q", m.SyncNote)
	}
}

func TestSyncKeyWithoutEngineIsInert(t *testing.T) {
	m := NewModel(nil, nil, "dev-1", time.Second)

	updated, cmd := m.Update(keyMsg("s"))
	m = updated.(Model)
	if m.Syncing {
		t.Error("syncing should stay false without an engine")
	}
	if cmd != nil {
		t.Error("no command expected without an engine")
	}
}

func TestFilterLifecycle(t *testing.T) {
	m := NewModel(nil, nil, "dev-1", time.Second)
	m.Activity = []ActivityItem{
		{ID: 1, Verb: "create", TargetType: "record", TargetUUID: "aaa"},
		{ID: 2, Verb: "delete", TargetType: "record", TargetUUID: "bbb"},
		{ID: 3, Verb: "create", TargetType: "group", TargetUUID: "ccc"},
	}

	m = update(t, m, keyMsg("/"))
	if !m.Filtering {
		t.Fatal("/ should enter filter mode")
	}
	if m.ActivePanel != PanelActivity {
		t.Error("/ should focus the activity panel")
	}

	m.FilterInput.SetValue("create")
	got := m.filteredActivity()
	if len(got) != 2 {
		t.Fatalf("filtered = %d items, want 2", len(got))
	}

	m.FilterInput.SetValue("group")
	got = m.filteredActivity()
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("filtered = %+v, want entry #3", got)
	}

	// Enter keeps the filter applied but leaves input mode
	m = update(t, m, keyMsg("enter"))
	if m.Filtering {
		t.Error("enter should leave filter mode")
	}
	if m.FilterInput.Value() != "group" {
		t.Error("enter should keep the filter text")
	}

	// Esc outside filter mode clears it
	m = update(t, m, keyMsg("esc"))
	if m.FilterInput.Value() != "" {
		t.Error("esc should clear the filter")
	}
}

func TestFetchData(t *testing.T) {
	database := newTestDB(t)

	err := database.WithTx(func(tx *sql.Tx) error {
		if err := db.UpsertPersonTx(tx, models.Person{UUID: "p-1", Name: "maren", IsSelf: true, CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := db.UpsertDeviceTx(tx, models.Device{DeviceID: "dev-1", PersonUUID: "p-1", Name: "laptop", AddedAt: time.Now()}); err != nil {
			return err
		}
		return db.UpsertDeviceTx(tx, models.Device{DeviceID: "dev-2", PersonUUID: "p-1", Name: "phone", AddedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("seed ring: %v", err)
	}

	msg := FetchData(database, "dev-1")
	if msg.Err != nil {
		t.Fatalf("fetch: %v", msg.Err)
	}

	if len(msg.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(msg.Devices))
	}
	var self, other *DeviceRow
	for i := range msg.Devices {
		if msg.Devices[i].Device.DeviceID == "dev-1" {
			self = &msg.Devices[i]
		} else {
			other = &msg.Devices[i]
		}
	}
	if self == nil || !self.IsSelf {
		t.Error("dev-1 not marked as self")
	}
	if other == nil || other.IsSelf {
		t.Error("dev-2 wrongly marked as self")
	}
	if self.PersonName != "maren" {
		t.Errorf("person join failed: %q", self.PersonName)
	}

	if msg.Ledger.Expenses != 0 || msg.Ledger.QueuePending != 0 {
		t.Errorf("fresh ledger counts should be zero: %+v", msg.Ledger)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestViewSmallTerminal(t *testing.T) {
	m := NewModel(nil, nil, "dev-1", time.Second)
	m.Width = 30
	m.Height = 10

	view := m.View()
	if view == "" {
		t.Fatal("empty view")
	}
	if want := "resize for full view"; !strings.Contains(view, want) {
		t.Errorf("compact view missing %q", want)
	}
}
