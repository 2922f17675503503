package cmd

import (
	"fmt"
	"time"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/output"
	"github.com/spf13/cobra"
)

// logEntry is the JSON shape of one 'divvy log' row.
type logEntry struct {
	ID          int64      `json:"id"`
	UUID        string     `json:"uuid"`
	Verb        string     `json:"verb"`
	TargetType  string     `json:"target_type"`
	TargetUUID  string     `json:"target_uuid"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show this device's recent log entries",
	Long: `Shows the tail of this device's append-only mutation log, newest
first. Pending entries have not been published to storage yet.`,
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 1 {
			limit = 20
		}
		rows, err := led.db.RecentMutations(limit)
		if err != nil {
			output.Error("read log: %v", err)
			return err
		}

		entries := make([]logEntry, 0, len(rows))
		for _, r := range rows {
			entries = append(entries, logEntry{
				ID:          r.ID,
				UUID:        r.UUID,
				Verb:        r.Verb,
				TargetType:  r.TargetType,
				TargetUUID:  r.TargetUUID,
				Status:      r.Status,
				CreatedAt:   r.CreatedAt,
				PublishedAt: r.PublishedAt,
			})
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(entries)
		}

		if len(entries) == 0 {
			output.Info("log is empty")
			return nil
		}
		for _, e := range entries {
			fmt.Println(formatLogEntry(e))
		}
		return nil
	},
}

func formatLogEntry(e logEntry) string {
	target := e.TargetUUID
	if e.TargetType == "record" {
		target = output.ShortUUID(target)
	}
	line := fmt.Sprintf("#%-4d %s %s %s", e.ID, e.Verb, e.TargetType, target)
	if e.Status == db.QueueStatusPending {
		line += "  [pending]"
	}
	return fmt.Sprintf("%s  %s", line, output.FormatTimeAgo(e.CreatedAt))
}

func init() {
	rootCmd.AddCommand(logCmd)

	logCmd.Flags().IntP("limit", "n", 20, "How many entries to show")
	logCmd.Flags().Bool("json", false, "Output as JSON")
}
