// Package conflict turns stored concurrent-edit conflicts into signed
// resolution mutations. Resolution is just another mutation: the local
// apply closes the conflict here, and the published mutation closes the
// same conflict on every peer that materialized it.
package conflict

import (
	"errors"
	"fmt"

	"log/slog"

	"go.uber.org/multierr"

	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/merge"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrAlreadyResolved  = errors.New("conflict already settled")
	ErrInvalidWinner    = errors.New("winner is not among the conflict options")
)

// Resolver authors resolution mutations for pending conflicts.
type Resolver struct {
	db     *db.DB
	writer *merge.Writer
	logger *slog.Logger
}

func NewResolver(database *db.DB, writer *merge.Writer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{db: database, writer: writer, logger: logger}
}

// Resolve picks winnerUUID out of the conflict's options and signs a
// resolution mutation carrying the winning value, so devices that never
// materialized the conflict still converge on it.
func (r *Resolver) Resolve(conflictID int64, winnerUUID string) error {
	c, err := r.db.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: id %d", ErrConflictNotFound, conflictID)
	}
	if c.Status != models.ConflictPending {
		return fmt.Errorf("%w: conflict %d is %s", ErrAlreadyResolved, conflictID, c.Status)
	}

	var winner *models.ConflictOption
	for i := range c.Options {
		if c.Options[i].MutationUUID == winnerUUID {
			winner = &c.Options[i]
			break
		}
	}
	if winner == nil {
		return fmt.Errorf("%w: %s", ErrInvalidWinner, winnerUUID)
	}

	_, _, err = r.writer.Append(c.TargetType, c.TargetUUID, models.VerbResolveConflict, &mutation.ResolveConflict{
		Field:        c.Field,
		WinnerUUID:   winner.MutationUUID,
		WinnerField:  winner.Field,
		Value:        winner.Value,
		WinnerDelete: winner.IsDelete,
	})
	if err != nil {
		return fmt.Errorf("resolve conflict %d: %w", conflictID, err)
	}
	r.logger.Info("conflict resolved", "conflict", conflictID, "winner", winnerUUID)
	return nil
}

// Pair names one conflict and the option that should win it.
type Pair struct {
	ConflictID int64
	WinnerUUID string
}

// ResolveBulk resolves each pair independently. Failures are collected
// into one aggregated error; they never abort the remaining pairs.
func (r *Resolver) ResolveBulk(pairs []Pair) error {
	var errs error
	for _, p := range pairs {
		if err := r.Resolve(p.ConflictID, p.WinnerUUID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
