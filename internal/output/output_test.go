package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/maren/divvy/internal/models"
)

// TestFormatTimeAgoJustNow tests times less than a minute ago
func TestFormatTimeAgoJustNow(t *testing.T) {
	now := time.Now()
	tests := []time.Time{
		now,
		now.Add(-30 * time.Second),
		now.Add(-59 * time.Second),
	}

	for _, tm := range tests {
		result := FormatTimeAgo(tm)
		if result != "just now" {
			t.Errorf("FormatTimeAgo(%v) = %q, want 'just now'", tm, result)
		}
	}
}

// TestFormatTimeAgoMinutes tests times 1-59 minutes ago
func TestFormatTimeAgoMinutes(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Minute, "1m ago"},
		{2 * time.Minute, "2m ago"},
		{59 * time.Minute, "59m ago"},
	}

	for _, tc := range tests {
		tm := time.Now().Add(-tc.duration)
		result := FormatTimeAgo(tm)
		if result != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, result, tc.expected)
		}
	}
}

// TestFormatTimeAgoHours tests times 1-23 hours ago
func TestFormatTimeAgoHours(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Hour, "1h ago"},
		{12 * time.Hour, "12h ago"},
		{23 * time.Hour, "23h ago"},
	}

	for _, tc := range tests {
		tm := time.Now().Add(-tc.duration)
		result := FormatTimeAgo(tm)
		if result != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, result, tc.expected)
		}
	}
}

// TestFormatTimeAgoDays tests times 1-6 days ago
func TestFormatTimeAgoDays(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{24 * time.Hour, "1d ago"},
		{3 * 24 * time.Hour, "3d ago"},
		{6 * 24 * time.Hour, "6d ago"},
	}

	for _, tc := range tests {
		tm := time.Now().Add(-tc.duration)
		result := FormatTimeAgo(tm)
		if result != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, result, tc.expected)
		}
	}
}

// TestFormatTimeAgoDate tests times older than a week fall back to a date
func TestFormatTimeAgoDate(t *testing.T) {
	tm := time.Now().Add(-30 * 24 * time.Hour)
	result := FormatTimeAgo(tm)
	if result != tm.Format("2006-01-02") {
		t.Errorf("FormatTimeAgo(month ago) = %q, want date format", result)
	}
}

func TestShortUUID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"a1b2c3d4-e5f6-7890-abcd-ef1234567890", "a1b2c3d4"},
		{"short", "short"},
		{"", ""},
		{"12345678", "12345678"},
	}

	for _, tc := range tests {
		if got := ShortUUID(tc.input); got != tc.expected {
			t.Errorf("ShortUUID(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`"dinner"`, "dinner"},
		{`42.5`, "42.5"},
		{`true`, "true"},
		{`{"a":1}`, `{"a":1}`},
		{``, ""},
	}

	for _, tc := range tests {
		if got := FormatValue(json.RawMessage(tc.input)); got != tc.expected {
			t.Errorf("FormatValue(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestFormatMode(t *testing.T) {
	for _, mode := range []models.SyncMode{models.ModeSolo, models.ModeSynced} {
		result := FormatMode(mode)
		if !strings.Contains(result, string(mode)) {
			t.Errorf("FormatMode(%s) = %q, should contain mode name", mode, result)
		}
	}
}

func TestFormatModeUnknown(t *testing.T) {
	result := FormatMode(models.SyncMode("weird"))
	if result != "weird" {
		t.Errorf("FormatMode(unknown) = %q, want bare string", result)
	}
}

func TestFormatConflictStatus(t *testing.T) {
	for _, s := range []models.ConflictStatus{
		models.ConflictPending,
		models.ConflictResolved,
		models.ConflictCancelled,
	} {
		result := FormatConflictStatus(s)
		if !strings.Contains(result, string(s)) {
			t.Errorf("FormatConflictStatus(%s) = %q, should contain status", s, result)
		}
	}
}

func TestFormatRecordShort(t *testing.T) {
	rec := &models.Record{
		UUID: "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		Type: "expense",
		Data: json.RawMessage(`{"description":"groceries","amount":"42.50","currency":"EUR","paid_by":"maren"}`),
	}

	result := FormatRecordShort(rec)

	if !strings.Contains(result, "a1b2c3d4") {
		t.Error("FormatRecordShort should contain short UUID")
	}
	if !strings.Contains(result, "groceries") {
		t.Error("FormatRecordShort should contain description")
	}
	if !strings.Contains(result, "42.50 EUR") {
		t.Error("FormatRecordShort should contain amount with currency")
	}
	if !strings.Contains(result, "paid by maren") {
		t.Error("FormatRecordShort should contain payer")
	}
	if strings.Contains(result, "[deleted]") {
		t.Error("FormatRecordShort should not mark live records deleted")
	}
}

func TestFormatRecordShortDeleted(t *testing.T) {
	now := time.Now()
	rec := &models.Record{
		UUID:      "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		Type:      "expense",
		Data:      json.RawMessage(`{"description":"groceries"}`),
		DeletedAt: &now,
	}

	result := FormatRecordShort(rec)
	if !strings.Contains(result, "[deleted]") {
		t.Error("FormatRecordShort should mark deleted records")
	}
}

func TestFormatRecordLong(t *testing.T) {
	rec := &models.Record{
		UUID:      "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		Type:      "expense",
		Data:      json.RawMessage(`{"description":"rent","amount":"900","note":"august"}`),
		CreatedAt: time.Now().Add(-48 * time.Hour),
		UpdatedAt: time.Now(),
	}

	result := FormatRecordLong(rec)

	if !strings.Contains(result, rec.UUID) {
		t.Error("FormatRecordLong should contain full UUID")
	}
	for _, want := range []string{"description: rent", "amount: 900", "note: august"} {
		if !strings.Contains(result, want) {
			t.Errorf("FormatRecordLong missing %q in:\n%s", want, result)
		}
	}
	// Fields are sorted alphabetically.
	if strings.Index(result, "amount:") > strings.Index(result, "description:") {
		t.Error("FormatRecordLong should sort fields")
	}
}

func TestFormatConflictShort(t *testing.T) {
	c := &models.Conflict{
		ID:         7,
		Type:       models.ConflictField,
		TargetUUID: "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		TargetType: models.TargetRecord,
		Field:      "amount",
		Status:     models.ConflictPending,
		Options: []models.ConflictOption{
			{MutationUUID: "m1", DeviceID: "dev1", Value: json.RawMessage(`"10"`)},
			{MutationUUID: "m2", DeviceID: "dev2", Value: json.RawMessage(`"20"`)},
		},
	}

	result := FormatConflictShort(c)

	if !strings.Contains(result, "#7") {
		t.Error("FormatConflictShort should contain conflict id")
	}
	if !strings.Contains(result, "amount on a1b2c3d4") {
		t.Error("FormatConflictShort should contain field and target")
	}
	if !strings.Contains(result, "2 options") {
		t.Error("FormatConflictShort should contain option count")
	}
	if !strings.Contains(result, "pending") {
		t.Error("FormatConflictShort should contain status")
	}
}

func TestFormatConflictShortDeleteVsUpdate(t *testing.T) {
	c := &models.Conflict{
		ID:         3,
		Type:       models.ConflictDeleteVsUpdate,
		TargetUUID: "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		Status:     models.ConflictPending,
	}

	result := FormatConflictShort(c)
	if !strings.Contains(result, "delete vs update on a1b2c3d4") {
		t.Errorf("FormatConflictShort = %q, want delete-vs-update wording", result)
	}
}

func TestFormatConflictLong(t *testing.T) {
	c := &models.Conflict{
		ID:         7,
		Type:       models.ConflictField,
		TargetUUID: "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		Field:      "amount",
		Status:     models.ConflictPending,
		DetectedAt: time.Now().Add(-5 * time.Minute),
		Options: []models.ConflictOption{
			{MutationUUID: "m1", DeviceID: "dev1", Value: json.RawMessage(`"10"`), SignedAt: time.Now().Add(-10 * time.Minute)},
			{MutationUUID: "m2", DeviceID: "dev2", IsDelete: true, SignedAt: time.Now().Add(-8 * time.Minute)},
		},
	}

	result := FormatConflictLong(c)

	if !strings.Contains(result, "1. 10") {
		t.Errorf("FormatConflictLong should number first option, got:\n%s", result)
	}
	if !strings.Contains(result, "(delete)") {
		t.Error("FormatConflictLong should mark delete options")
	}
	if !strings.Contains(result, "from dev1") {
		t.Error("FormatConflictLong should attribute options to devices")
	}
}

func TestFormatConflictLongResolved(t *testing.T) {
	now := time.Now()
	c := &models.Conflict{
		ID:         7,
		Type:       models.ConflictField,
		TargetUUID: "a1b2c3d4",
		Field:      "amount",
		Status:     models.ConflictResolved,
		DetectedAt: now.Add(-time.Hour),
		ResolvedAt: &now,
		WinnerUUID: "m2",
		Options: []models.ConflictOption{
			{MutationUUID: "m1", DeviceID: "dev1", Value: json.RawMessage(`"10"`)},
			{MutationUUID: "m2", DeviceID: "dev2", Value: json.RawMessage(`"20"`)},
		},
	}

	result := FormatConflictLong(c)
	if !strings.Contains(result, "option 2 won") {
		t.Errorf("FormatConflictLong should name the winning option, got:\n%s", result)
	}
}

func TestFormatDeviceLine(t *testing.T) {
	d := &models.Device{
		DeviceID:   "9f3ab2c1d4e5f607",
		PersonUUID: "p1",
		Name:       "laptop",
	}

	result := FormatDeviceLine(d, "maren", true)

	if !strings.Contains(result, "9f3ab2c1d4e5f607") {
		t.Error("FormatDeviceLine should contain device id")
	}
	if !strings.Contains(result, "laptop") {
		t.Error("FormatDeviceLine should contain device name")
	}
	if !strings.Contains(result, "maren") {
		t.Error("FormatDeviceLine should contain person name")
	}
	if !strings.Contains(result, "(this device)") {
		t.Error("FormatDeviceLine should mark self")
	}
}

func TestFormatDeviceLineRemoved(t *testing.T) {
	now := time.Now()
	d := &models.Device{
		DeviceID:  "9f3ab2c1d4e5f607",
		Name:      "old-phone",
		RemovedAt: &now,
	}

	result := FormatDeviceLine(d, "", false)
	if !strings.Contains(result, "[removed]") {
		t.Error("FormatDeviceLine should mark removed devices")
	}
	if strings.Contains(result, "(this device)") {
		t.Error("FormatDeviceLine should not mark non-self devices")
	}
}

func TestFormatGroupLine(t *testing.T) {
	g := &models.Group{
		UUID:        "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		Name:        "flat",
		MemberUUIDs: []string{"p1", "p2"},
	}

	result := FormatGroupLine(g, []string{"maren", "jo"})

	if !strings.Contains(result, "flat") {
		t.Error("FormatGroupLine should contain group name")
	}
	if !strings.Contains(result, "maren, jo") {
		t.Error("FormatGroupLine should list member names")
	}
}

func TestFormatGroupLineForked(t *testing.T) {
	g := &models.Group{
		UUID:        "b2c3d4e5-0000-0000-0000-000000000000",
		Name:        "flat-2",
		MemberUUIDs: []string{"p1"},
		ForkedFrom:  "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
	}

	result := FormatGroupLine(g, nil)
	if !strings.Contains(result, "forked from a1b2c3d4") {
		t.Errorf("FormatGroupLine = %q, want fork marker", result)
	}
	if !strings.Contains(result, "1 members") {
		t.Errorf("FormatGroupLine = %q, want member count fallback", result)
	}
}

func TestFormatPeerLine(t *testing.T) {
	synced := time.Now().Add(-3 * time.Minute)
	p := &models.PeerState{
		DeviceID:     "9f3ab2c1d4e5f607",
		LastSyncedID: 42,
		LastSyncedAt: &synced,
	}

	result := FormatPeerLine(p)

	if !strings.Contains(result, "9f3ab2c1d4e5f607") {
		t.Error("FormatPeerLine should contain device id")
	}
	if !strings.Contains(result, "through #42") {
		t.Error("FormatPeerLine should contain watermark")
	}
	if !strings.Contains(result, "3m ago") {
		t.Error("FormatPeerLine should contain last sync time")
	}
}

func TestFormatPeerLineNeverSyncedWithFailures(t *testing.T) {
	p := &models.PeerState{
		DeviceID:            "9f3ab2c1d4e5f607",
		ConsecutiveFailures: 4,
	}

	result := FormatPeerLine(p)
	if !strings.Contains(result, "never synced") {
		t.Error("FormatPeerLine should note missing sync history")
	}
	if !strings.Contains(result, "4 failures") {
		t.Error("FormatPeerLine should surface failure count")
	}
}

func TestOutputModeConstants(t *testing.T) {
	if ModeShort == ModeLong || ModeLong == ModeJSON || ModeShort == ModeJSON {
		t.Error("output modes must be distinct")
	}
}

func TestErrorCodeConstants(t *testing.T) {
	codes := []string{
		ErrCodeNotFound,
		ErrCodeInvalidInput,
		ErrCodeConflictOpen,
		ErrCodeSyncInProgress,
		ErrCodeSoloMode,
		ErrCodeRemoved,
		ErrCodeStorageError,
		ErrCodeDatabaseError,
		ErrCodeBadPassphrase,
	}

	seen := map[string]bool{}
	for _, code := range codes {
		if code == "" {
			t.Error("error code must not be empty")
		}
		if seen[code] {
			t.Errorf("duplicate error code %q", code)
		}
		seen[code] = true
	}
}

func TestSectionHeader(t *testing.T) {
	result := SectionHeader("conflicts")
	if result != "\nCONFLICTS:\n" {
		t.Errorf("SectionHeader = %q, want uppercase with colon", result)
	}
}

func TestBulletList(t *testing.T) {
	result := BulletList([]string{"a", "b"}, 2)
	if len(result) != 2 {
		t.Fatalf("BulletList returned %d items, want 2", len(result))
	}
	if result[0] != "  - a" || result[1] != "  - b" {
		t.Errorf("BulletList = %v", result)
	}
}
