package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/engine"
	"github.com/maren/divvy/internal/groupkey"
	"github.com/maren/divvy/internal/merge"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/ring"
	"github.com/maren/divvy/internal/storage"
	"github.com/maren/divvy/internal/syncconfig"
)

// ledger bundles the open database with the device identity and the write
// path built on top of it. Commands open it once and defer Close.
type ledger struct {
	db      *db.DB
	ident   *syncconfig.Identity
	applier *merge.Applier
	writer  *merge.Writer
	keys    *groupkey.Service
	ring    *ring.Manager
	logger  *slog.Logger
}

// openLedger opens the ledger at the resolved base directory and wires the
// signing write path.
func openLedger() (*ledger, error) {
	dir := getBaseDir()

	database, err := db.Open(dir)
	if err != nil {
		return nil, err
	}

	led, err := wireLedger(database, dir)
	if err != nil {
		database.Close()
		return nil, err
	}
	return led, nil
}

// wireLedger builds the write path on an already open database.
func wireLedger(database *db.DB, dir string) (*ledger, error) {
	ident, err := syncconfig.LoadIdentity(dir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	logger := newLogger()

	clk, err := merge.RestoreClock(database, ident.DeviceID)
	if err != nil {
		return nil, err
	}
	signKey, err := ident.SigningKey()
	if err != nil {
		return nil, err
	}

	applier := merge.NewApplier(database, clk, ident.DeviceID, logger)
	writer := merge.NewWriter(database, applier, signKey, ident.DeviceID)
	keys := groupkey.NewService(database, writer, logger)
	ringMgr := ring.NewManager(database, writer, ident, keys, logger)

	return &ledger{
		db:      database,
		ident:   ident,
		applier: applier,
		writer:  writer,
		keys:    keys,
		ring:    ringMgr,
		logger:  logger,
	}, nil
}

func (l *ledger) Close() error {
	return l.db.Close()
}

// engine opens the configured storage provider and builds a sync engine on
// this ledger.
func (l *ledger) engine(ctx context.Context) (*engine.Engine, error) {
	provider, err := openProvider(ctx)
	if err != nil {
		return nil, err
	}
	return engine.New(l.db, provider, l.applier, l.ring, l.ident, l.logger), nil
}

// openProvider opens the storage provider named in config (DIVVY_STORAGE
// overrides).
func openProvider(ctx context.Context) (storage.Provider, error) {
	name := syncconfig.GetStorageProvider()
	provider, err := storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("storage provider %q: %w", name, err)
	}
	return provider, nil
}

// newLogger builds the CLI logger. Quiet by default; DIVVY_LOG_LEVEL=debug
// turns on the sync engine's internal chatter.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(os.Getenv("DIVVY_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// personByRef resolves a person by uuid, uuid prefix, or case-insensitive
// name.
func personByRef(database *db.DB, ref string) (*models.Person, error) {
	persons, err := database.ListPersons(false)
	if err != nil {
		return nil, err
	}

	var match *models.Person
	for i := range persons {
		p := &persons[i]
		if p.UUID == ref {
			return p, nil
		}
		if strings.HasPrefix(p.UUID, ref) || strings.EqualFold(p.Name, ref) {
			if match != nil {
				return nil, fmt.Errorf("person %q is ambiguous", ref)
			}
			match = p
		}
	}
	if match == nil {
		return nil, fmt.Errorf("person %q not found", ref)
	}
	return match, nil
}

// groupByRef resolves a group by uuid, uuid prefix, or case-insensitive
// name.
func groupByRef(database *db.DB, ref string) (*models.Group, error) {
	groups, err := database.ListGroups(false)
	if err != nil {
		return nil, err
	}

	var match *models.Group
	for i := range groups {
		g := &groups[i]
		if g.UUID == ref {
			return g, nil
		}
		if strings.HasPrefix(g.UUID, ref) || strings.EqualFold(g.Name, ref) {
			if match != nil {
				return nil, fmt.Errorf("group %q is ambiguous", ref)
			}
			match = g
		}
	}
	if match == nil {
		return nil, fmt.Errorf("group %q not found", ref)
	}
	return match, nil
}

// recordByRef resolves a record by uuid or uuid prefix.
func recordByRef(database *db.DB, ref string) (*models.Record, error) {
	if rec, err := database.GetRecord(ref); err != nil {
		return nil, err
	} else if rec != nil {
		return rec, nil
	}

	records, err := database.ListRecords("", true)
	if err != nil {
		return nil, err
	}
	var match *models.Record
	for i := range records {
		if strings.HasPrefix(records[i].UUID, ref) {
			if match != nil {
				return nil, fmt.Errorf("record %q is ambiguous", ref)
			}
			match = &records[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("record %q not found", ref)
	}
	return match, nil
}

// fieldJSON encodes a CLI string as a JSON field value.
func fieldJSON(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// parseSetArgs parses repeated "field=value" arguments into a field map.
func parseSetArgs(args []string) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field assignment %q (want field=value)", arg)
		}
		fields[name] = fieldJSON(value)
	}
	return fields, nil
}
