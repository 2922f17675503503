// Package output provides styled terminal output helpers (success, error,
// warning, record and conflict formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/maren/divvy/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	amountStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	modeStyles   = map[models.SyncMode]lipgloss.Style{
		models.ModeSolo:   lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		models.ModeSynced: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
	}
	conflictStyles = map[models.ConflictStatus]lipgloss.Style{
		models.ConflictPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.ConflictResolved:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.ConflictCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// OutputMode determines output format
type OutputMode int

const (
	ModeShort OutputMode = iota
	ModeLong
	ModeJSON
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeInvalidInput   = "invalid_input"
	ErrCodeConflictOpen   = "conflict_open"
	ErrCodeSyncInProgress = "sync_in_progress"
	ErrCodeSoloMode       = "solo_mode"
	ErrCodeRemoved        = "removed_from_ring"
	ErrCodeStorageError   = "storage_error"
	ErrCodeDatabaseError  = "database_error"
	ErrCodeBadPassphrase  = "bad_passphrase"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	fmt.Printf(`{"error":{"code":"%s","message":"%s"}}`, code, message)
	fmt.Println()
}

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]interface{}) {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	result := map[string]interface{}{
		"error": errObj,
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// ShortUUID shortens a UUID to its first 8 characters for display.
func ShortUUID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatMode formats a sync mode with color
func FormatMode(m models.SyncMode) string {
	style, ok := modeStyles[m]
	if !ok {
		return string(m)
	}
	return style.Render(fmt.Sprintf("[%s]", m))
}

// FormatConflictStatus formats a conflict status with color
func FormatConflictStatus(s models.ConflictStatus) string {
	style, ok := conflictStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatValue renders a JSON field value for terminal display. Strings lose
// their quotes, everything else keeps its JSON form.
func FormatValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// recordFields decodes a record's data blob into field name/value pairs.
func recordFields(rec *models.Record) map[string]json.RawMessage {
	fields := map[string]json.RawMessage{}
	if len(rec.Data) > 0 {
		_ = json.Unmarshal(rec.Data, &fields)
	}
	return fields
}

// FormatRecordShort formats a record in short format:
// "a1b2c3d4  dinner  42.50  paid by maren"
func FormatRecordShort(rec *models.Record) string {
	fields := recordFields(rec)

	var parts []string
	parts = append(parts, titleStyle.Render(ShortUUID(rec.UUID)))

	if desc := FormatValue(fields["description"]); desc != "" {
		parts = append(parts, desc)
	}
	if amount := FormatValue(fields["amount"]); amount != "" {
		s := amount
		if cur := FormatValue(fields["currency"]); cur != "" {
			s += " " + cur
		}
		parts = append(parts, amountStyle.Render(s))
	}
	if payer := FormatValue(fields["paid_by"]); payer != "" {
		parts = append(parts, subtleStyle.Render("paid by "+payer))
	}
	if rec.DeletedAt != nil {
		parts = append(parts, errorStyle.Render("[deleted]"))
	}

	return strings.Join(parts, "  ")
}

// FormatRecordLong formats a record with every field on its own line.
func FormatRecordLong(rec *models.Record) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(rec.UUID))
	sb.WriteString(subtleStyle.Render(fmt.Sprintf("  (%s)", rec.Type)))
	if rec.DeletedAt != nil {
		sb.WriteString("  " + errorStyle.Render("[deleted]"))
	}
	sb.WriteString("\n")

	fields := recordFields(rec)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(fmt.Sprintf("  %s: %s\n", name, FormatValue(fields[name])))
	}

	sb.WriteString(subtleStyle.Render(fmt.Sprintf("  created %s, updated %s",
		rec.CreatedAt.Format("2006-01-02"), FormatTimeAgo(rec.UpdatedAt))))
	sb.WriteString("\n")
	return sb.String()
}

// FormatConflictShort formats a conflict in one line:
// "#3  amount on a1b2c3d4  2 options  [pending]"
func FormatConflictShort(c *models.Conflict) string {
	var parts []string
	parts = append(parts, titleStyle.Render(fmt.Sprintf("#%d", c.ID)))

	switch c.Type {
	case models.ConflictDeleteVsUpdate:
		parts = append(parts, fmt.Sprintf("delete vs update on %s", ShortUUID(c.TargetUUID)))
	default:
		parts = append(parts, fmt.Sprintf("%s on %s", c.Field, ShortUUID(c.TargetUUID)))
	}

	parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d options", len(c.Options))))
	parts = append(parts, FormatConflictStatus(c.Status))

	return strings.Join(parts, "  ")
}

// FormatConflictLong formats a conflict with its numbered options.
func FormatConflictLong(c *models.Conflict) string {
	var sb strings.Builder

	sb.WriteString(FormatConflictShort(c))
	sb.WriteString("\n")
	sb.WriteString(subtleStyle.Render(fmt.Sprintf("  detected %s", FormatTimeAgo(c.DetectedAt))))
	sb.WriteString("\n")

	for i, opt := range c.Options {
		val := FormatValue(opt.Value)
		if opt.IsDelete {
			val = errorStyle.Render("(delete)")
		}
		field := ""
		if opt.Field != "" && opt.Field != c.Field {
			field = opt.Field + "="
		}
		sb.WriteString(fmt.Sprintf("  %d. %s%s  %s\n",
			i+1, field, val,
			subtleStyle.Render(fmt.Sprintf("from %s, %s", opt.DeviceID, FormatTimeAgo(opt.SignedAt)))))
	}

	if c.Status == models.ConflictResolved && c.WinnerUUID != "" {
		for i, opt := range c.Options {
			if opt.MutationUUID == c.WinnerUUID {
				sb.WriteString(successStyle.Render(fmt.Sprintf("  resolved: option %d won", i+1)))
				sb.WriteString("\n")
				break
			}
		}
	}

	return sb.String()
}

// FormatDeviceLine formats a device for the devices listing.
func FormatDeviceLine(d *models.Device, personName string, isSelf bool) string {
	var parts []string
	parts = append(parts, titleStyle.Render(d.DeviceID))
	parts = append(parts, d.Name)
	if personName != "" {
		parts = append(parts, subtleStyle.Render(personName))
	}
	if isSelf {
		parts = append(parts, successStyle.Render("(this device)"))
	}
	if d.RemovedAt != nil {
		parts = append(parts, errorStyle.Render("[removed]"))
	}
	return strings.Join(parts, "  ")
}

// FormatGroupLine formats a group for the groups listing.
func FormatGroupLine(g *models.Group, memberNames []string) string {
	var parts []string
	parts = append(parts, titleStyle.Render(g.Name))
	parts = append(parts, subtleStyle.Render(ShortUUID(g.UUID)))
	if len(memberNames) > 0 {
		parts = append(parts, strings.Join(memberNames, ", "))
	} else {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d members", len(g.MemberUUIDs))))
	}
	if g.ForkedFrom != "" {
		parts = append(parts, subtleStyle.Render("forked from "+ShortUUID(g.ForkedFrom)))
	}
	if g.RemovedAt != nil {
		parts = append(parts, errorStyle.Render("[removed]"))
	}
	return strings.Join(parts, "  ")
}

// FormatPeerLine formats a peer's sync state:
// "9f3ab2c1d4e5f607  through #42  synced 3m ago"
func FormatPeerLine(p *models.PeerState) string {
	var parts []string
	parts = append(parts, titleStyle.Render(p.DeviceID))
	parts = append(parts, subtleStyle.Render(fmt.Sprintf("through #%d", p.LastSyncedID)))
	if p.LastSyncedAt != nil {
		parts = append(parts, subtleStyle.Render("synced "+FormatTimeAgo(*p.LastSyncedAt)))
	} else {
		parts = append(parts, subtleStyle.Render("never synced"))
	}
	if p.ConsecutiveFailures > 0 {
		parts = append(parts, warningStyle.Render(fmt.Sprintf("%d failures", p.ConsecutiveFailures)))
	}
	return strings.Join(parts, "  ")
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nCONFLICTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// BulletList formats items as a bulleted list with optional indentation
func BulletList(items []string, indent int) []string {
	prefix := strings.Repeat(" ", indent)
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = prefix + "- " + item
	}
	return result
}
