package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/notify"
	"github.com/maren/divvy/internal/syncconfig"
)

// mutatingCommands lists commands that write to the ledger and should
// trigger auto-sync.
var mutatingCommands = map[string]bool{
	"add":        true,
	"edit":       true,
	"rm":         true,
	"create":     true,
	"rotate-key": true,
	"fork":       true,
	"resolve":    true,
	"remove":     true,
	"accept":     true,
	"init":       true,
}

// isMutatingCommand checks if the given command name triggers auto-sync.
func isMutatingCommand(name string) bool {
	return mutatingCommands[name]
}

// autoSyncAfterMutation runs a quick sync cycle after a mutating command
// completes. Runs synchronously but with a short timeout. Errors are
// logged, not returned.
func autoSyncAfterMutation() {
	if !syncconfig.GetAutoSyncEnabled() {
		return
	}

	dir := getBaseDir()
	if dir == "" {
		return
	}

	led, err := openLedger()
	if err != nil {
		slog.Debug("autosync: open ledger", "err", err)
		return
	}
	defer led.Close()

	mode, err := led.db.GetMeta(db.MetaMode)
	if err != nil || mode != string(models.ModeSynced) {
		return // solo, nobody to sync with
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	eng, err := led.engine(ctx)
	if err != nil {
		slog.Debug("autosync: engine", "err", err)
		return
	}
	cycleErr := eng.ManualSync(ctx)
	if cycleErr != nil {
		slog.Debug("autosync: sync", "err", cycleErr)
	}
	if err := notify.AfterCycle(led.db, led.ident, cycleErr); err != nil {
		slog.Debug("autosync: webhook", "err", err)
	}
}
