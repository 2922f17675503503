// Package merge applies mutations to the ledger. It is the single write
// path: local appends and inbound syncs both flow through the same
// per-field causal check, so every device converges on the same state and
// materializes the same conflicts.
//
// Concurrency is judged against the mutation's basis, the author's
// observed sequence vector for the target at signing time. A write that
// does not cover the last applied write for its field is concurrent with
// it and opens (or joins) a conflict instead of clobbering it.
package merge

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/maren/divvy/internal/clock"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

// Applier applies verified mutations inside ledger transactions.
type Applier struct {
	db           *db.DB
	clk          *clock.Clock
	selfDeviceID string
	logger       *slog.Logger
}

// NewApplier creates an applier bound to this device's clock.
func NewApplier(database *db.DB, clk *clock.Clock, selfDeviceID string, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{db: database, clk: clk, selfDeviceID: selfDeviceID, logger: logger}
}

// Outcome summarizes one batch of applies for the sync engine.
type Outcome struct {
	Applied            int
	Duplicates         int
	Malformed          int
	ConflictsOpened    int
	ConflictsCancelled int
	RemovedDevices     []string
	SelfRemoved        bool
	RingChanged        bool
}

func (o *Outcome) merge(other *Outcome) {
	o.Applied += other.Applied
	o.Duplicates += other.Duplicates
	o.Malformed += other.Malformed
	o.ConflictsOpened += other.ConflictsOpened
	o.ConflictsCancelled += other.ConflictsCancelled
	o.RemovedDevices = append(o.RemovedDevices, other.RemovedDevices...)
	o.SelfRemoved = o.SelfRemoved || other.SelfRemoved
	o.RingChanged = o.RingChanged || other.RingChanged
}

// ApplyBatch verifies and applies a batch of inbound mutations in one
// transaction. Malformed entries are reported and skipped; they never
// fail the batch. peerID names the device the batch was pulled from, for
// the malformed report.
func (a *Applier) ApplyBatch(peerID string, muts []*mutation.Mutation) (*Outcome, error) {
	total := &Outcome{}
	err := a.db.WithTx(func(tx *sql.Tx) error {
		for _, m := range muts {
			out, err := a.applyOne(tx, m)
			if err != nil {
				return err
			}
			total.merge(out)
		}
		return db.SetMetaTx(tx, db.MetaLastHLC, a.clk.Latest().String())
	})
	if err != nil {
		return nil, err
	}
	if total.Malformed > 0 {
		a.logger.Warn("rejected malformed mutations", "peer", peerID, "count", total.Malformed)
	}
	return total, err
}

// ApplyLocalTx runs a freshly signed local mutation through the same
// apply path inside the append transaction, so the target clock and field
// bookkeeping stay uniform for both directions.
func (a *Applier) ApplyLocalTx(tx *sql.Tx, m *mutation.Mutation) (*Outcome, error) {
	return a.applyOne(tx, m)
}

func (a *Applier) applyOne(tx *sql.Tx, m *mutation.Mutation) (*Outcome, error) {
	out := &Outcome{}

	if err := m.Verify(); err != nil {
		out.Malformed++
		return out, db.InsertMalformedReportTx(tx, m.DeviceID, "bad_mutation", err.Error())
	}
	if m.HLC.IsFutureSkew() {
		out.Malformed++
		return out, db.InsertMalformedReportTx(tx, m.DeviceID, "future_skew",
			fmt.Sprintf("mutation %s stamped %s", m.UUID, m.HLC))
	}

	payload, err := mutation.DecodePayload(m)
	if err != nil {
		out.Malformed++
		return out, db.InsertMalformedReportTx(tx, m.DeviceID, "bad_payload", err.Error())
	}

	fresh, err := db.MarkAppliedTx(tx, m.DeviceID, m.ID, m.UUID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		out.Duplicates++
		return out, nil
	}

	a.clk.Update(m.HLC)

	if m.Verb == models.VerbResolveConflict {
		err = a.applyResolution(tx, m, payload.(*mutation.ResolveConflict), out)
	} else {
		switch m.TargetType {
		case models.TargetRecord:
			err = a.applyRecord(tx, m, payload, out)
		case models.TargetPerson:
			err = a.applyPerson(tx, m, payload, out)
		case models.TargetDevice:
			err = a.applyDevice(tx, m, payload, out)
		case models.TargetGroup:
			err = a.applyGroup(tx, m, payload, out)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := db.BumpTargetClockTx(tx, m.TargetUUID, m.DeviceID, m.ID); err != nil {
		return nil, err
	}
	out.Applied++
	return out, nil
}

// option builds a conflict option from a field write row.
func optionFromWrite(fw *db.FieldWrite) models.ConflictOption {
	return models.ConflictOption{
		MutationUUID: fw.MutationUUID,
		DeviceID:     fw.DeviceID,
		MutationID:   fw.MutationID,
		Field:        fw.Field,
		Value:        json.RawMessage(fw.Value),
		IsDelete:     fw.IsDelete,
		HLC:          fw.HLC,
	}
}

// optionFromMutation builds a conflict option from an incoming write.
func optionFromMutation(m *mutation.Mutation, field string, value json.RawMessage, isDelete bool) models.ConflictOption {
	return models.ConflictOption{
		MutationUUID: m.UUID,
		DeviceID:     m.DeviceID,
		MutationID:   m.ID,
		Field:        field,
		Value:        value,
		IsDelete:     isDelete,
		HLC:          m.HLC.String(),
		SignedAt:     m.SignedAt,
	}
}

// addOption grows a conflict's option set, deduplicating by mutation uuid
// so replays across overlapping chunks never double options.
func addOption(c *models.Conflict, opt models.ConflictOption) bool {
	for _, existing := range c.Options {
		if existing.MutationUUID == opt.MutationUUID {
			return false
		}
	}
	c.Options = append(c.Options, opt)
	return true
}

// coversAllOptions reports whether m's basis includes every option of c.
func coversAllOptions(m *mutation.Mutation, c *models.Conflict) bool {
	for _, opt := range c.Options {
		if !m.CoversBasis(opt.DeviceID, opt.MutationID) {
			return false
		}
	}
	return true
}

// openOrGrowConflict materializes a concurrent write pair as a stored
// conflict, or joins an existing open conflict for the same field.
func (a *Applier) openOrGrowConflict(tx *sql.Tx, m *mutation.Mutation, conflictType models.ConflictType,
	field string, current *db.FieldWrite, incoming models.ConflictOption, out *Outcome) error {

	c, err := db.FindOpenConflictTx(tx, m.TargetUUID, field)
	if err != nil {
		return err
	}
	if c == nil {
		c = &models.Conflict{
			Type:       conflictType,
			TargetUUID: m.TargetUUID,
			TargetType: m.TargetType,
			Field:      field,
			Options:    []models.ConflictOption{optionFromWrite(current)},
		}
		addOption(c, incoming)
		if _, err := db.InsertConflictTx(tx, c); err != nil {
			return err
		}
		out.ConflictsOpened++
		a.logger.Info("conflict detected",
			"target", m.TargetUUID, "field", field, "type", string(conflictType))
		return nil
	}

	if addOption(c, incoming) {
		a.logger.Info("conflict grew", "target", m.TargetUUID, "field", field, "options", len(c.Options))
	}
	return db.UpdateConflictOptionsTx(tx, c.ID, c.Options)
}

// cancelIfCovered cancels an open conflict on (target, field) when m's
// basis covers every option: the author saw all candidates and wrote
// anyway, which settles the question.
func (a *Applier) cancelIfCovered(tx *sql.Tx, m *mutation.Mutation, field string, out *Outcome) (bool, error) {
	c, err := db.FindOpenConflictTx(tx, m.TargetUUID, field)
	if err != nil {
		return false, err
	}
	if c == nil {
		return true, nil
	}
	if !coversAllOptions(m, c) {
		return false, nil
	}
	if err := db.CloseConflictTx(tx, c.ID, models.ConflictCancelled, "", ""); err != nil {
		return false, err
	}
	out.ConflictsCancelled++
	a.logger.Info("conflict cancelled by covering write", "target", m.TargetUUID, "field", field)
	return true, nil
}

// lwwApply applies a ring-target scalar write by HLC order. Ring metadata
// converges deterministically instead of materializing conflicts.
func lwwApply(tx *sql.Tx, m *mutation.Mutation, field string, value json.RawMessage) (bool, error) {
	fw, err := db.GetFieldWriteTx(tx, m.TargetUUID, field)
	if err != nil {
		return false, err
	}
	if fw != nil {
		prev, err := clock.Parse(fw.HLC)
		if err == nil && m.HLC.Less(prev) {
			return false, nil
		}
	}
	return true, db.PutFieldWriteTx(tx, db.FieldWrite{
		TargetUUID:   m.TargetUUID,
		Field:        field,
		DeviceID:     m.DeviceID,
		MutationID:   m.ID,
		MutationUUID: m.UUID,
		HLC:          m.HLC.String(),
		Value:        value,
		Basis:        m.Basis,
	})
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func equalValues(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}

func timeFromHLC(t clock.Timestamp) time.Time {
	return time.Unix(0, t.Wall)
}
