package cmd

import (
	"testing"
	"time"

	"github.com/maren/divvy/internal/models"
)

func TestBuildStatusReportFreshLedger(t *testing.T) {
	led, _ := openTestLedger(t)

	report, err := buildStatusReport(led)
	if err != nil {
		t.Fatalf("buildStatusReport failed: %v", err)
	}

	if report.DeviceID != led.ident.DeviceID {
		t.Errorf("device id = %s, want %s", report.DeviceID, led.ident.DeviceID)
	}
	if report.Mode != models.ModeSolo {
		t.Errorf("mode = %s, want solo", report.Mode)
	}
	if report.Person != "maren" {
		t.Errorf("person = %q, want maren", report.Person)
	}
	// Bootstrap mutations are queued but nothing is published yet
	if report.Pending == 0 {
		t.Error("expected pending bootstrap entries")
	}
	if report.Published != 0 || report.LatestID != 0 {
		t.Errorf("published = %d latest = %d, want 0/0 before any sync", report.Published, report.LatestID)
	}
	if report.OpenConflicts != 0 {
		t.Errorf("open conflicts = %d, want 0", report.OpenConflicts)
	}
	if report.PossiblyRemoved {
		t.Error("fresh ledger must not suspect removal")
	}
	if len(report.Peers) != 0 {
		t.Errorf("peers = %v, want none", report.Peers)
	}
}

func TestStaleness(t *testing.T) {
	if got := staleness(nil); got != 0 {
		t.Errorf("staleness(nil) = %v, want 0", got)
	}

	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(-5 * time.Minute)
	peers := []models.PeerState{
		{DeviceID: "a", LastSyncedAt: &older},
		{DeviceID: "b"},
		{DeviceID: "c", LastSyncedAt: &newer},
	}
	got := staleness(peers)
	if got < 4*time.Minute || got > 6*time.Minute {
		t.Errorf("staleness = %v, want about 5m", got)
	}
}
