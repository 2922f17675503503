package merge

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/maren/divvy/internal/clock"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

// applyResolution applies a manual conflict resolution. The payload
// carries the winning value, so a device that never materialized the
// conflict (it saw a covering write first, or pulled chunks in a
// different order) still converges on the chosen outcome.
//
// Concurrent resolutions of the same conflict race by HLC: the newer
// resolution wins and re-applies over the older one.
func (a *Applier) applyResolution(tx *sql.Tx, m *mutation.Mutation, p *mutation.ResolveConflict, out *Outcome) error {
	c, err := db.FindLatestConflictTx(tx, m.TargetUUID, p.Field)
	if err != nil {
		return err
	}

	switch {
	case c == nil:
		// Never materialized here. Apply the winner HLC-gated so a
		// later direct write is not clobbered.
		return a.applyWinnerLWW(tx, m, p)

	case c.Status == models.ConflictPending:
		if err := a.applyWinner(tx, m, c.Type, p); err != nil {
			return err
		}
		a.logger.Info("conflict resolved", "conflict", c.ID, "winner", p.WinnerUUID)
		return db.CloseConflictTx(tx, c.ID, models.ConflictResolved, p.WinnerUUID, m.HLC.String())

	case c.Status == models.ConflictResolved:
		if prev, perr := clock.Parse(c.ResolvedHLC); perr == nil && m.HLC.Less(prev) {
			// A newer resolution already won this conflict.
			return nil
		}
		if err := a.applyWinner(tx, m, c.Type, p); err != nil {
			return err
		}
		return db.CloseConflictTx(tx, c.ID, models.ConflictResolved, p.WinnerUUID, m.HLC.String())

	default:
		// Cancelled by a covering write. The resolution still carries
		// intent; let it race that write by HLC. The row stays
		// cancelled.
		return a.applyWinnerLWW(tx, m, p)
	}
}

// applyWinner installs the winning value unconditionally. The field write
// is recorded under the resolution mutation's own identity, so later
// writes must causally cover the resolution.
func (a *Applier) applyWinner(tx *sql.Tx, m *mutation.Mutation, conflictType models.ConflictType, p *mutation.ResolveConflict) error {
	if p.WinnerDelete {
		return setDeleteState(tx, m, true)
	}
	if conflictType == models.ConflictDeleteVsUpdate {
		// The surviving update revives the record.
		if err := setDeleteState(tx, m, false); err != nil {
			return err
		}
	}

	fields, err := winnerFields(p)
	if err != nil {
		return err
	}
	names := sortedFieldNames(fields)
	for _, name := range names {
		if err := a.putField(tx, m, name, fields[name]); err != nil {
			return err
		}
	}
	return nil
}

// applyWinnerLWW installs the winning value only where it is newer than
// what is already applied.
func (a *Applier) applyWinnerLWW(tx *sql.Tx, m *mutation.Mutation, p *mutation.ResolveConflict) error {
	marker, err := db.GetFieldWriteTx(tx, m.TargetUUID, deleteMarkerField)
	if err != nil {
		return err
	}
	newerThanMarker := true
	if marker != nil {
		if prev, perr := clock.Parse(marker.HLC); perr == nil && m.HLC.Less(prev) {
			newerThanMarker = false
		}
	}

	if p.WinnerDelete {
		if !newerThanMarker {
			return nil
		}
		return setDeleteState(tx, m, true)
	}

	if marker != nil && marker.IsDelete && newerThanMarker {
		if err := setDeleteState(tx, m, false); err != nil {
			return err
		}
	}

	fields, err := winnerFields(p)
	if err != nil {
		return err
	}
	names := sortedFieldNames(fields)
	for _, name := range names {
		applied, err := lwwApply(tx, m, name, fields[name])
		if err != nil {
			return err
		}
		if applied {
			if err := patchRecordData(tx, m, name, fields[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

// winnerFields expands the winning payload into field writes. A named
// winner field carries its value directly; an unnamed one packs a whole
// field map, the shape a multi-field update option stores.
func winnerFields(p *mutation.ResolveConflict) (map[string]json.RawMessage, error) {
	if p.WinnerField != "" {
		return map[string]json.RawMessage{p.WinnerField: p.Value}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.Value, &fields); err != nil {
		return nil, fmt.Errorf("decode winner fields: %w", err)
	}
	return fields, nil
}

func sortedFieldNames(fields map[string]json.RawMessage) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
