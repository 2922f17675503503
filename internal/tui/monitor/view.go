package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/output"
)

// renderView renders the complete TUI view.
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}

	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	if m.Err != nil {
		return m.renderError()
	}

	if m.ShowHelp {
		return m.renderHelp()
	}

	// Three panels stacked, footer below
	availableHeight := m.Height - 3
	panelHeight := availableHeight / 3

	ring := m.renderRingPanel(panelHeight)
	activity := m.renderActivityPanel(panelHeight)
	ledger := m.renderLedgerPanel(panelHeight)

	panels := lipgloss.JoinVertical(lipgloss.Left, ring, activity, ledger)
	footer := m.renderFooter()

	return lipgloss.JoinVertical(lipgloss.Left, panels, footer)
}

// renderCompact renders a minimal view for small terminals.
func (m Model) renderCompact() string {
	var s strings.Builder

	s.WriteString("divvy monitor (resize for full view)\n\n")
	s.WriteString(fmt.Sprintf("Devices: %d\n", len(m.Devices)))
	s.WriteString(fmt.Sprintf("Pending: %d | Conflicts: %d\n",
		m.Ledger.QueuePending, len(m.Ledger.OpenConflicts)))
	if m.Ledger.PossiblyRemoved {
		s.WriteString(errorStyle.Render("POSSIBLY REMOVED") + "\n")
	}
	s.WriteString("\nq:quit r:refresh ?:help")

	return s.String()
}

// renderError renders an error message.
func (m Model) renderError() string {
	return fmt.Sprintf("Error: %v\n\nPress r to retry, q to quit", m.Err)
}

// renderRingPanel renders the device ring panel (Panel 1).
func (m Model) renderRingPanel(height int) string {
	var content strings.Builder

	if len(m.Devices) == 0 {
		content.WriteString(subtleStyle.Render("Not paired with any device"))
		content.WriteString("\n")
		return m.wrapPanel("RING", content.String(), height, PanelRing)
	}

	offset := m.ScrollOffset[PanelRing]
	if offset >= len(m.Devices) {
		offset = len(m.Devices) - 1
	}
	visible := m.visibleItems(len(m.Devices), offset, height-2)
	for i := offset; i < offset+visible && i < len(m.Devices); i++ {
		content.WriteString(m.formatDeviceRow(m.Devices[i]))
		content.WriteString("\n")
	}

	title := fmt.Sprintf("RING (%d devices)", len(m.Devices))
	return m.wrapPanel(title, content.String(), height, PanelRing)
}

// renderActivityPanel renders the local log panel (Panel 2).
func (m Model) renderActivityPanel(height int) string {
	var content strings.Builder

	innerHeight := height - 2
	if m.Filtering || m.FilterInput.Value() != "" {
		content.WriteString(m.FilterInput.View())
		content.WriteString("\n")
		innerHeight--
	}

	items := m.filteredActivity()
	if len(items) == 0 {
		if m.FilterInput.Value() != "" {
			content.WriteString(subtleStyle.Render("No matching entries"))
		} else {
			content.WriteString(subtleStyle.Render("No log entries yet"))
		}
		content.WriteString("\n")
	} else {
		offset := m.ScrollOffset[PanelActivity]
		if offset >= len(items) {
			offset = len(items) - 1
		}
		visible := m.visibleItems(len(items), offset, innerHeight)
		for i := offset; i < offset+visible && i < len(items); i++ {
			content.WriteString(m.formatActivityItem(items[i]))
			content.WriteString("\n")
		}
	}

	title := "ACTIVITY"
	if v := m.FilterInput.Value(); v != "" && !m.Filtering {
		title = fmt.Sprintf("ACTIVITY /%s", v)
	}
	return m.wrapPanel(title, content.String(), height, PanelActivity)
}

// renderLedgerPanel renders ledger health and open conflicts (Panel 3).
func (m Model) renderLedgerPanel(height int) string {
	var content strings.Builder

	content.WriteString(fmt.Sprintf("Expenses: %d   Groups: %d   Applied entries: %d\n",
		m.Ledger.Expenses, m.Ledger.Groups, m.Ledger.Applied))
	content.WriteString(fmt.Sprintf("Queue: %d pending, %d published\n",
		m.Ledger.QueuePending, m.Ledger.QueuePublished))

	conflicts := m.Ledger.OpenConflicts
	if len(conflicts) == 0 {
		content.WriteString(subtleStyle.Render("No pending conflicts"))
		content.WriteString("\n")
	} else {
		content.WriteString(conflictAlertStyle.Render(fmt.Sprintf(" CONFLICTS (%d) ", len(conflicts))))
		content.WriteString("\n")
		offset := m.ScrollOffset[PanelLedger]
		if offset >= len(conflicts) {
			offset = len(conflicts) - 1
		}
		visible := m.visibleItems(len(conflicts), offset, height-5)
		for i := offset; i < offset+visible && i < len(conflicts); i++ {
			content.WriteString("  " + m.formatConflictRow(&conflicts[i]))
			content.WriteString("\n")
		}
	}

	return m.wrapPanel("LEDGER", content.String(), height, PanelLedger)
}

// renderFooter renders key hints, alert badges, and the refresh time.
func (m Model) renderFooter() string {
	keys := helpStyle.Render("q:quit  tab:switch  j/k:scroll  /:filter  s:sync  r:refresh  ?:help")

	syncBadge := ""
	if m.Syncing {
		syncBadge = syncingStyle.Render(" SYNCING ")
	}
	removedBadge := ""
	if m.Ledger.PossiblyRemoved {
		removedBadge = removedAlertStyle.Render(" [POSSIBLY REMOVED] ")
	}
	conflictBadge := ""
	if n := len(m.Ledger.OpenConflicts); n > 0 {
		conflictBadge = conflictAlertStyle.Render(fmt.Sprintf(" [%d CONFLICTS] ", n))
	}
	note := ""
	if m.SyncNote != "" {
		note = failureStyle.Render(" " + m.SyncNote + " ")
	}
	refresh := timestampStyle.Render(fmt.Sprintf("Last: %s", m.LastRefresh.Format("15:04:05")))

	padding := m.Width - lipgloss.Width(keys) - lipgloss.Width(note) - lipgloss.Width(syncBadge) -
		lipgloss.Width(removedBadge) - lipgloss.Width(conflictBadge) - lipgloss.Width(refresh) - 2
	if padding < 0 {
		padding = 0
	}

	return fmt.Sprintf(" %s%s%s%s%s%s%s", keys, strings.Repeat(" ", padding),
		note, syncBadge, removedBadge, conflictBadge, refresh)
}

// renderHelp renders the help overlay.
func (m Model) renderHelp() string {
	help := `
MONITOR - Key Bindings

NAVIGATION:
  Tab / Shift+Tab   Switch between panels
  1 / 2 / 3         Jump to panel
  j / k             Scroll active panel

ACTIONS:
  s                 Sync now
  /                 Filter the activity feed (esc clears)
  r                 Force refresh
  q / Ctrl+C        Quit

Press ? to close help
`
	return helpStyle.Render(help)
}

// wrapPanel wraps content in a bordered panel with a title bar.
func (m Model) wrapPanel(title, content string, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}

	titleStr := panelTitleStyle.Render(title)
	contentWidth := m.Width - 4

	lines := strings.Split(content, "\n")
	contentHeight := height - 3
	if contentHeight < 1 {
		contentHeight = 1
	}

	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	if len(lines) > contentHeight {
		lines = lines[:contentHeight]
	}

	for i, line := range lines {
		if lipgloss.Width(line) > contentWidth {
			lines[i] = truncate(line, contentWidth)
		}
	}

	body := strings.Join(lines, "\n")
	inner := lipgloss.JoinVertical(lipgloss.Left, titleStr, body)

	return style.Width(m.Width - 2).Render(inner)
}

// formatDeviceRow formats one ring device with owner and sync state.
func (m Model) formatDeviceRow(row DeviceRow) string {
	name := titleStyle.Render(row.Device.Name)
	person := subtleStyle.Render(row.PersonName)

	if row.IsSelf {
		return fmt.Sprintf("%s %s %s  %s",
			selfStyle.Render("●"), name, person, selfStyle.Render("(this device)"))
	}

	sync := subtleStyle.Render("never synced")
	if row.Peer != nil && row.Peer.LastSyncedAt != nil {
		sync = timestampStyle.Render("synced " + output.FormatTimeAgo(*row.Peer.LastSyncedAt))
	}
	line := fmt.Sprintf("%s %s %s  %s", subtleStyle.Render("●"), name, person, sync)
	if row.Peer != nil && row.Peer.ConsecutiveFailures > 0 {
		line += "  " + failureStyle.Render(fmt.Sprintf("%d failures", row.Peer.ConsecutiveFailures))
	}
	return line
}

// formatActivityItem formats one local log entry.
func (m Model) formatActivityItem(item ActivityItem) string {
	id := subtleStyle.Render(fmt.Sprintf("#%-4d", item.ID))
	target := item.TargetUUID
	if item.TargetType == string(models.TargetRecord) {
		target = output.ShortUUID(target)
	}

	line := fmt.Sprintf("%s %s %s %s", id, formatVerb(item.Verb), item.TargetType, target)
	if item.Pending {
		line += " " + failureStyle.Render("[pending]")
	}
	return fmt.Sprintf("%s  %s", line, timestampStyle.Render(output.FormatTimeAgo(item.CreatedAt)))
}

// formatConflictRow formats one open conflict.
func (m Model) formatConflictRow(c *models.Conflict) string {
	subject := fmt.Sprintf("%s on %s", c.Field, output.ShortUUID(c.TargetUUID))
	if c.Type == models.ConflictDeleteVsUpdate {
		subject = fmt.Sprintf("delete vs update on %s", output.ShortUUID(c.TargetUUID))
	}
	return fmt.Sprintf("%s %s  %s",
		titleStyle.Render(fmt.Sprintf("#%d", c.ID)), subject,
		subtleStyle.Render(fmt.Sprintf("%d options", len(c.Options))))
}

// filteredActivity applies the filter input to the activity feed.
func (m Model) filteredActivity() []ActivityItem {
	filter := strings.ToLower(strings.TrimSpace(m.FilterInput.Value()))
	if filter == "" {
		return m.Activity
	}

	var out []ActivityItem
	for _, item := range m.Activity {
		text := strings.ToLower(fmt.Sprintf("#%d %s %s %s",
			item.ID, item.Verb, item.TargetType, item.TargetUUID))
		if strings.Contains(text, filter) {
			out = append(out, item)
		}
	}
	return out
}

// visibleItems calculates how many items fit given scroll offset and height.
func (m Model) visibleItems(total, offset, height int) int {
	remaining := total - offset
	if remaining > height {
		return height
	}
	return remaining
}

// truncate shortens a styled line to width, keeping escapes intact.
func truncate(s string, width int) string {
	if width <= 1 {
		return s
	}
	return ansi.Truncate(s, width, "…")
}
