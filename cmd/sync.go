package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/engine"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/notify"
	"github.com/maren/divvy/internal/output"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Exchange ledger entries with paired devices",
	Long: `Publishes pending local entries to the storage provider and pulls new
entries from every paired device. Without flags it stays resident and syncs
on an interval; with --now it runs a single cycle and exits.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := openLedger()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer led.Close()

		eng, err := led.engine(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}

		now, _ := cmd.Flags().GetBool("now")
		if now {
			return runSyncOnce(cmd.Context(), led, eng)
		}
		return runSyncLoop(cmd.Context(), led, eng)
	},
}

// runSyncOnce executes a single sync cycle and reports what it changed.
func runSyncOnce(ctx context.Context, led *ledger, eng *engine.Engine) error {
	conflictsBefore, _ := led.db.PendingConflictCount()

	err := eng.ManualSync(ctx)
	switch {
	case errors.Is(err, engine.ErrSoloMode):
		output.Warning("not paired with any device; nothing to sync")
		fmt.Println("Pair one with 'divvy pair invite' or 'divvy pair accept'.")
		return nil
	case errors.Is(err, engine.ErrSyncInProgress):
		output.Info("a sync is already running")
		return nil
	case errors.Is(err, engine.ErrRemovedFromRing):
		output.Error("this device was removed from the ring")
		fmt.Println("Local data is intact. Re-pair with 'divvy pair accept' to rejoin.")
		notifyCycle(led, err)
		return err
	case err != nil:
		output.Error("sync failed: %v", err)
		notifyCycle(led, err)
		return err
	}

	state := eng.State()
	output.Success("Sync complete")
	if state.Pending > 0 {
		output.Warning("%d entries still unpublished", state.Pending)
	}

	if after, err := led.db.PendingConflictCount(); err == nil && after > conflictsBefore {
		output.Warning("%d new conflicts need a decision (divvy conflicts list)", after-conflictsBefore)
	}

	notifyCycle(led, nil)
	return nil
}

// notifyCycle posts the configured webhook after a cycle, surfacing
// delivery problems without failing the command.
func notifyCycle(led *ledger, cycleErr error) {
	if err := notify.AfterCycle(led.db, led.ident, cycleErr); err != nil {
		output.Warning("webhook delivery failed: %v", err)
	}
}

// runSyncLoop runs the engine until interrupted.
func runSyncLoop(ctx context.Context, led *ledger, eng *engine.Engine) error {
	mode, err := led.db.GetMeta(db.MetaMode)
	if err == nil && mode == string(models.ModeSolo) {
		output.Warning("not paired with any device; nothing to sync")
		fmt.Println("Pair one with 'divvy pair invite' or 'divvy pair accept'.")
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lastNotified time.Time
	eng.Subscribe(func(s engine.State) {
		if s.LastError != "" {
			output.Warning("sync: %s", s.LastError)
		}
		if s.Phase != engine.PhaseIdle || s.LastSyncAt.IsZero() || !s.LastSyncAt.After(lastNotified) {
			return
		}
		lastNotified = s.LastSyncAt
		var cycleErr error
		if s.LastError != "" {
			cycleErr = errors.New(s.LastError)
		}
		// Dispatched off the engine goroutine; subscribers must not block.
		go notifyCycle(led, cycleErr)
	})

	if err := eng.Start(ctx); err != nil {
		output.Error("%v", err)
		return err
	}
	fmt.Println("Syncing. Press Ctrl-C to stop.")

	<-ctx.Done()
	eng.Stop()

	state := eng.State()
	if !state.LastSyncAt.IsZero() {
		fmt.Printf("Stopped. Last sync %s\n", output.FormatTimeAgo(state.LastSyncAt))
	} else {
		fmt.Println("Stopped.")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().Bool("now", false, "Run one sync cycle and exit")
}
