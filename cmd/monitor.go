package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/maren/divvy/internal/output"
	"github.com/maren/divvy/internal/tui/monitor"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live dashboard for the ring and the local log",
	Long: `Launch a live-updating dashboard showing:
- Ring: every paired device with its owner and last sync
- Activity: the tail of this device's mutation log
- Ledger: expense and group counts, queue depth, open conflicts

Key bindings:
  Tab/Shift+Tab  Switch panels
  1/2/3          Jump to panel
  j/k            Scroll active panel
  /              Filter the activity feed
  s              Sync now
  r              Force refresh
  ?              Toggle help
  q              Quit`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		// Without a storage provider the dashboard still works, only
		// the sync key goes inert.
		eng, err := led.engine(cmd.Context())
		if err != nil {
			eng = nil
		}

		model := monitor.NewModel(led.db, eng, led.ident.DeviceID, interval)

		p := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running monitor: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval")
}
