// Package monitor is the live sync dashboard behind "divvy monitor":
// ring membership, the local mutation log, and ledger health on one
// screen, refreshed on an interval.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/engine"
	"github.com/maren/divvy/internal/models"
)

// Panel identifies which panel is active.
type Panel int

const (
	PanelRing Panel = iota
	PanelActivity
	PanelLedger
)

// MinWidth is the minimum terminal width for the full layout.
const MinWidth = 40

// MinHeight is the minimum terminal height for the full layout.
const MinHeight = 15

// DeviceRow is one ring device joined with its owner and sync state.
type DeviceRow struct {
	Device     models.Device
	PersonName string
	IsSelf     bool
	Peer       *models.PeerState
}

// ActivityItem is one local log entry for the activity panel.
type ActivityItem struct {
	ID         int64
	Verb       string
	TargetType string
	TargetUUID string
	Pending    bool
	CreatedAt  time.Time
}

// LedgerData summarizes ledger health for the third panel.
type LedgerData struct {
	Expenses        int
	Groups          int
	Applied         int
	QueuePending    int
	QueuePublished  int
	OpenConflicts   []models.Conflict
	PossiblyRemoved bool
}

// TickMsg triggers a data refresh.
type TickMsg time.Time

// RefreshDataMsg carries refreshed data.
type RefreshDataMsg struct {
	Devices   []DeviceRow
	Activity  []ActivityItem
	Ledger    LedgerData
	Err       error
	Timestamp time.Time
}

// SyncDoneMsg reports the outcome of a manual sync triggered with "s".
type SyncDoneMsg struct {
	Err error
}

// Model is the Bubble Tea model for the monitor.
type Model struct {
	DB           *db.DB
	Engine       *engine.Engine
	SelfDeviceID string

	// Window dimensions
	Width  int
	Height int

	// Panel data
	Devices  []DeviceRow
	Activity []ActivityItem
	Ledger   LedgerData

	// UI state
	ActivePanel  Panel
	ScrollOffset map[Panel]int
	ShowHelp     bool
	Filtering    bool
	FilterInput  textinput.Model
	Syncing      bool
	SyncNote     string
	LastRefresh  time.Time
	Err          error

	RefreshInterval time.Duration
}

// NewModel creates a monitor model. The engine may be nil; the "s" key
// is then inert.
func NewModel(database *db.DB, eng *engine.Engine, selfDeviceID string, interval time.Duration) Model {
	filter := textinput.New()
	filter.Placeholder = "filter activity..."
	filter.Prompt = "/"
	filter.CharLimit = 64

	return Model{
		DB:              database,
		Engine:          eng,
		SelfDeviceID:    selfDeviceID,
		RefreshInterval: interval,
		ScrollOffset:    make(map[Panel]int),
		ActivePanel:     PanelRing,
		FilterInput:     filter,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchData(),
		m.scheduleTick(),
	)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.Filtering {
			return m.handleFilterKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Devices = msg.Devices
		m.Activity = msg.Activity
		m.Ledger = msg.Ledger
		m.Err = msg.Err
		m.LastRefresh = msg.Timestamp
		return m, nil

	case SyncDoneMsg:
		m.Syncing = false
		m.SyncNote = syncNote(msg.Err)
		return m, m.fetchData()
	}

	return m, nil
}

// handleKey processes key input outside filter mode.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		m.ActivePanel = (m.ActivePanel + 1) % 3
		return m, nil

	case "shift+tab":
		m.ActivePanel = (m.ActivePanel + 2) % 3
		return m, nil

	case "1":
		m.ActivePanel = PanelRing
		return m, nil

	case "2":
		m.ActivePanel = PanelActivity
		return m, nil

	case "3":
		m.ActivePanel = PanelLedger
		return m, nil

	case "j", "down":
		m.ScrollOffset[m.ActivePanel]++
		return m, nil

	case "k", "up":
		if m.ScrollOffset[m.ActivePanel] > 0 {
			m.ScrollOffset[m.ActivePanel]--
		}
		return m, nil

	case "r":
		return m, m.fetchData()

	case "s":
		return m.startSync()

	case "/":
		m.Filtering = true
		m.ActivePanel = PanelActivity
		return m, m.FilterInput.Focus()

	case "esc":
		if m.FilterInput.Value() != "" {
			m.FilterInput.SetValue("")
			m.ScrollOffset[PanelActivity] = 0
		}
		return m, nil

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	return m, nil
}

// handleFilterKey routes keys to the filter input while it has focus.
func (m Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.Filtering = false
		m.FilterInput.Blur()
		m.FilterInput.SetValue("")
		m.ScrollOffset[PanelActivity] = 0
		return m, nil

	case "enter":
		// Keep the filter applied, return focus to the panels.
		m.Filtering = false
		m.FilterInput.Blur()
		return m, nil

	case "ctrl+c":
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.FilterInput, cmd = m.FilterInput.Update(msg)
	m.ScrollOffset[PanelActivity] = 0
	return m, cmd
}

// startSync kicks off a manual sync cycle in the background.
func (m Model) startSync() (tea.Model, tea.Cmd) {
	if m.Engine == nil || m.Syncing {
		return m, nil
	}
	m.Syncing = true
	m.SyncNote = ""
	eng := m.Engine
	return m, func() tea.Msg {
		return SyncDoneMsg{Err: eng.ManualSync(context.Background())}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick sends a TickMsg after the refresh interval.
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData fetches all panel data and sends a RefreshDataMsg.
func (m Model) fetchData() tea.Cmd {
	db, selfID := m.DB, m.SelfDeviceID
	return func() tea.Msg {
		return FetchData(db, selfID)
	}
}

// syncNote downgrades expected sync outcomes to a footer note.
func syncNote(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, engine.ErrSoloMode):
		return "not paired, nothing to sync"
	case errors.Is(err, engine.ErrSyncInProgress):
		return "sync already running"
	case errors.Is(err, engine.ErrRemovedFromRing):
		return "removed from ring"
	default:
		return "sync failed: " + err.Error()
	}
}
