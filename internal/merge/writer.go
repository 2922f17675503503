package merge

import (
	"crypto/ecdsa"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maren/divvy/internal/clock"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
)

// Writer authors this device's mutations. ID allocation, signing, the
// queue insert and the local apply share one transaction, so a signed
// mutation is either fully in effect or absent. The basis is the full
// target clock at signing time, which means a local write always covers
// every option of a conflict it has seen.
type Writer struct {
	db       *db.DB
	applier  *Applier
	clk      *clock.Clock
	signKey  *ecdsa.PrivateKey
	deviceID string
}

// NewWriter binds a writer to this device's signing key and clock.
func NewWriter(database *db.DB, applier *Applier, signKey *ecdsa.PrivateKey, deviceID string) *Writer {
	return &Writer{
		db:       database,
		applier:  applier,
		clk:      applier.clk,
		signKey:  signKey,
		deviceID: deviceID,
	}
}

// DeviceID returns the authoring device id.
func (w *Writer) DeviceID() string {
	return w.deviceID
}

// Append signs and applies one local mutation, leaving it pending in the
// outbound queue for the next publish.
func (w *Writer) Append(targetType models.TargetType, targetUUID string, verb models.Verb, payload any) (*mutation.Mutation, *Outcome, error) {
	data, err := mutation.EncodePayload(payload)
	if err != nil {
		return nil, nil, err
	}

	var m *mutation.Mutation
	var out *Outcome
	err = w.db.WithTx(func(tx *sql.Tx) error {
		id, err := db.NextMutationIDTx(tx)
		if err != nil {
			return err
		}
		basis, err := db.TargetClockTx(tx, targetUUID)
		if err != nil {
			return err
		}
		m = &mutation.Mutation{
			Version:    mutation.Version,
			UUID:       uuid.NewString(),
			ID:         id,
			DeviceID:   w.deviceID,
			TargetUUID: targetUUID,
			TargetType: targetType,
			Verb:       verb,
			Payload:    data,
			HLC:        w.clk.Now(),
			Basis:      basis,
			SignedAt:   time.Now().UTC(),
		}
		if err := m.Sign(w.signKey); err != nil {
			return err
		}
		encoded, err := m.Encode()
		if err != nil {
			return err
		}
		if err := db.EnqueueMutationTx(tx, db.QueuedMutation{
			ID:         m.ID,
			UUID:       m.UUID,
			TargetUUID: m.TargetUUID,
			TargetType: string(m.TargetType),
			Verb:       string(m.Verb),
			Data:       encoded,
		}); err != nil {
			return err
		}
		out, err = w.applier.ApplyLocalTx(tx, m)
		if err != nil {
			return err
		}
		if out.Malformed > 0 {
			return fmt.Errorf("local mutation %s rejected", m.UUID)
		}
		return db.SetMetaTx(tx, db.MetaLastHLC, w.clk.Latest().String())
	})
	if err != nil {
		return nil, nil, err
	}
	return m, out, nil
}

// RestoreClock rebuilds the device clock from the last persisted HLC so
// monotonicity survives restarts.
func RestoreClock(database *db.DB, deviceID string) (*clock.Clock, error) {
	clk := clock.New(deviceID)
	stored, err := database.GetMeta(db.MetaLastHLC)
	if err != nil {
		return nil, err
	}
	if stored != "" {
		ts, err := clock.Parse(stored)
		if err != nil {
			return nil, fmt.Errorf("stored clock %q: %w", stored, err)
		}
		clk.Update(ts)
	}
	return clk, nil
}
