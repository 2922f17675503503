package cmd

import (
	"fmt"
	"time"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/output"
	"github.com/spf13/cobra"
)

// statusReport is the JSON shape of 'divvy status --json'.
type statusReport struct {
	DeviceID        string             `json:"device_id"`
	DeviceName      string             `json:"device_name"`
	Person          string             `json:"person,omitempty"`
	Mode            models.SyncMode    `json:"mode"`
	Pending         int                `json:"pending"`
	Published       int                `json:"published"`
	LatestID        int64              `json:"latest_id"`
	OpenConflicts   int                `json:"open_conflicts"`
	PossiblyRemoved bool               `json:"possibly_removed"`
	Peers           []models.PeerState `json:"peers"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show ledger and sync state",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		report, err := buildStatusReport(led)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(report)
		}

		fmt.Printf("Device: %s (%s)  %s\n", report.DeviceName, report.DeviceID, output.FormatMode(report.Mode))
		if report.Person != "" {
			fmt.Printf("Person: %s\n", report.Person)
		}
		fmt.Printf("Entries: %d published, %d pending, latest #%d\n",
			report.Published, report.Pending, report.LatestID)

		if report.OpenConflicts > 0 {
			output.Warning("%d conflicts need a decision (divvy conflicts list)", report.OpenConflicts)
		}
		if report.PossiblyRemoved {
			output.Warning("peers have stopped answering; this device may have been removed from the ring")
		}

		if len(report.Peers) > 0 {
			if ago := staleness(report.Peers); ago > 0 {
				fmt.Printf("Last sync: %s\n", output.FormatTimeAgo(time.Now().Add(-ago)))
			}
			fmt.Print(output.SectionHeader("peers"))
			for i := range report.Peers {
				fmt.Println("  " + output.FormatPeerLine(&report.Peers[i]))
			}
		} else if report.Mode == models.ModeSolo {
			fmt.Println("\nRunning solo. Pair a device with 'divvy pair invite'.")
		}
		return nil
	},
}

func buildStatusReport(led *ledger) (*statusReport, error) {
	report := &statusReport{
		DeviceID:   led.ident.DeviceID,
		DeviceName: led.ident.DeviceName,
		Mode:       models.ModeSolo,
	}

	if mode, err := led.db.GetMeta(db.MetaMode); err == nil && mode != "" {
		report.Mode = models.SyncMode(mode)
	}
	if self, err := led.db.SelfPerson(); err == nil && self != nil {
		report.Person = self.Name
	}

	pending, published, err := led.db.QueueStats()
	if err != nil {
		return nil, err
	}
	report.Pending = pending
	report.Published = published

	latest, err := led.db.LatestMutationID()
	if err != nil {
		return nil, err
	}
	report.LatestID = latest

	open, err := led.db.PendingConflictCount()
	if err != nil {
		return nil, err
	}
	report.OpenConflicts = open

	if v, err := led.db.GetMeta(db.MetaPossiblyRemoved); err == nil {
		report.PossiblyRemoved = v == "1"
	}

	peers, err := led.db.ListPeers()
	if err != nil {
		return nil, err
	}
	report.Peers = peers

	return report, nil
}

// staleness returns how long ago the most recent peer sync happened, or
// zero when no peer has ever synced.
func staleness(peers []models.PeerState) time.Duration {
	var newest time.Time
	for _, p := range peers {
		if p.LastSyncedAt != nil && p.LastSyncedAt.After(newest) {
			newest = *p.LastSyncedAt
		}
	}
	if newest.IsZero() {
		return 0
	}
	return time.Since(newest)
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("json", false, "Output as JSON")
}
