package engine

import (
	"slices"
	"time"
)

// Phase is where the engine currently is in its lifecycle.
type Phase string

const (
	PhaseStopped Phase = "stopped"
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
)

// State is an observable snapshot of the engine. LastError is a string so
// the snapshot stays a plain value; callers that need to branch on error
// kinds get them from ManualSync directly.
type State struct {
	Phase           Phase     `json:"phase"`
	LastSyncAt      time.Time `json:"last_sync_at,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
	Pending         int       `json:"pending"`
	PossiblyRemoved bool      `json:"possibly_removed"`
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers a callback invoked with a state snapshot after
// every change. Callbacks run on the engine goroutine and must not
// block.
func (e *Engine) Subscribe(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// updateState applies mutate under the lock, then notifies subscribers
// with the lock released so callbacks can call back into the engine.
func (e *Engine) updateState(mutate func(*State)) {
	e.mu.Lock()
	mutate(&e.state)
	st := e.state
	subs := slices.Clone(e.subs)
	e.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
