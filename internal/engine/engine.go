// Package engine runs the periodic sync cycle: publish the local
// mutation queue to the storage provider, then pull and merge every
// peer's published log. One Engine serves one open ledger.
//
// The engine is single-flight. Ticks and manual triggers that land
// while a cycle is running are coalesced; manual callers get
// ErrSyncInProgress instead of queueing. Peer failures never stop a
// cycle, they only count against that peer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/merge"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/ring"
	"github.com/maren/divvy/internal/storage"
	"github.com/maren/divvy/internal/syncconfig"
)

var (
	// ErrSyncInProgress is returned to manual callers while a cycle is
	// already running. The running cycle covers their request.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrSoloMode is returned when syncing without a ring to sync with.
	ErrSoloMode = errors.New("not paired with any device")
	// ErrAlreadyRunning is returned by Start on a running engine.
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrRemovedFromRing reports that a pulled mutation removed this
	// device. The engine has already dropped to solo mode.
	ErrRemovedFromRing = errors.New("this device was removed from the ring")
)

// Engine drives publish/pull cycles against the storage provider.
type Engine struct {
	db       *db.DB
	provider storage.Provider
	applier  *merge.Applier
	ring     *ring.Manager
	ident    *syncconfig.Identity
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	subs     []func(State)
	running  bool
	inFlight bool
	cancel   context.CancelFunc
	done     chan struct{}

	// Touched only by the cycle in flight; single-flight makes that one
	// goroutine at a time.
	envSeen  map[string]string
	dirSeen  map[string]bool
	ringSeen map[string]bool
}

// New creates an engine for an open ledger. It does not start syncing.
func New(database *db.DB, provider storage.Provider, applier *merge.Applier,
	ringMgr *ring.Manager, ident *syncconfig.Identity, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:       database,
		provider: provider,
		applier:  applier,
		ring:     ringMgr,
		ident:    ident,
		logger:   logger,
		state:    State{Phase: PhaseStopped},
		envSeen:  make(map[string]string),
		dirSeen:  make(map[string]bool),
		ringSeen: make(map[string]bool),
	}
}

// Start spawns the periodic sync loop. The first cycle runs immediately,
// later ones on the configured interval. Stop or ctx cancellation ends
// the loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	e.updateState(func(s *State) { s.Phase = PhaseIdle })
	go e.loop(ctx)
	return nil
}

// Stop cancels the loop, interrupting any cycle in flight, and waits for
// it to wind down. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.running = false
	e.mu.Unlock()

	cancel()
	<-done
	e.updateState(func(s *State) { s.Phase = PhaseStopped })
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	interval := syncconfig.GetSyncInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one cycle and downgrades expected outcomes to log lines.
func (e *Engine) tick(ctx context.Context) {
	err := e.syncOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		// Coalesced into the cycle already running.
	case errors.Is(err, ErrSoloMode):
		e.logger.Debug("sync skipped, no ring")
	case errors.Is(err, context.Canceled):
	default:
		e.logger.Warn("sync cycle failed", "err", err)
	}
}

// ManualSync runs one cycle right now. It works on a stopped engine too;
// a cycle already in flight returns ErrSyncInProgress.
func (e *Engine) ManualSync(ctx context.Context) error {
	return e.syncOnce(ctx)
}

func (e *Engine) syncOnce(ctx context.Context) error {
	mode, err := e.db.GetMeta(db.MetaMode)
	if err != nil {
		return err
	}
	if models.SyncMode(mode) != models.ModeSynced {
		return ErrSoloMode
	}

	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return ErrSyncInProgress
	}
	e.inFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	e.updateState(func(s *State) { s.Phase = PhaseSyncing })
	cycleErr := e.runCycle(ctx)
	e.finishCycle(cycleErr)
	return cycleErr
}

// runCycle is one publish+pull pass. A publish failure does not skip the
// pull; peers may still have news for us.
func (e *Engine) runCycle(ctx context.Context) error {
	var errs error
	if err := e.publish(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("publish: %w", err))
	}
	errs = multierr.Append(errs, e.pullAll(ctx))
	return errs
}

// finishCycle folds the cycle result into the observable state.
func (e *Engine) finishCycle(cycleErr error) {
	pending, _, err := e.db.QueueStats()
	if err != nil {
		e.logger.Warn("queue stats", "err", err)
	}
	suspected, err := e.ring.CheckIfPossiblyRemoved()
	if err != nil {
		e.logger.Warn("removal check", "err", err)
	}

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	e.updateState(func(s *State) {
		s.Phase = PhaseIdle
		if !running {
			s.Phase = PhaseStopped
		}
		s.LastSyncAt = time.Now()
		s.LastError = ""
		if cycleErr != nil {
			s.LastError = cycleErr.Error()
		}
		s.Pending = pending
		s.PossiblyRemoved = suspected
	})
}
