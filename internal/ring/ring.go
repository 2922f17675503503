// Package ring manages the device ring: who is in it, how devices join
// and leave, and how symmetric keys reach the members that remain. Keys
// travel only inside per-recipient envelopes, never through the mutation
// log; the storage provider is trusted for availability, not for
// confidentiality.
package ring

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/maren/divvy/internal/crypto"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/groupkey"
	"github.com/maren/divvy/internal/merge"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
	"github.com/maren/divvy/internal/syncconfig"
)

var (
	// ErrSelfRemoval is returned when RemoveDevice targets this device.
	// Leaving is a different flow with different key handling.
	ErrSelfRemoval = errors.New("cannot remove this device, use leave instead")
	// ErrDeviceNotFound is returned when the target device is unknown or
	// already removed.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrAlreadyInitialized is returned when Bootstrap runs on a ledger
	// that already has an owner.
	ErrAlreadyInitialized = errors.New("ledger already initialized")
)

// Manager runs ring membership changes and the key rotations they imply.
type Manager struct {
	db        *db.DB
	writer    *merge.Writer
	ident     *syncconfig.Identity
	keys      *groupkey.Service
	logger    *slog.Logger
	threshold int
}

func NewManager(database *db.DB, writer *merge.Writer, ident *syncconfig.Identity,
	keys *groupkey.Service, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:        database,
		writer:    writer,
		ident:     ident,
		keys:      keys,
		logger:    logger,
		threshold: syncconfig.GetRemovalSuspicionThreshold(),
	}
}

// RemovalOutcome reports what applied removals mean for this device.
// ShouldRotate is true only on the device that authored the removal;
// followers install the author's rotated keys from envelopes instead of
// minting their own, otherwise every member would fork the keyring at
// once.
type RemovalOutcome struct {
	RemovedSelf  bool
	ShouldRotate bool
}

// Bootstrap creates the ring of one: the owner person, this device, and
// the ring-wide keys. Mode starts solo until the first pairing.
func (m *Manager) Bootstrap(personName string) (string, error) {
	existing, err := m.db.GetMeta(db.MetaSelfPersonUUID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", ErrAlreadyInitialized
	}

	personUUID := uuid.NewString()
	if _, _, err := m.writer.Append(models.TargetPerson, personUUID, models.VerbCreate,
		&mutation.PersonUpsert{Name: personName}); err != nil {
		return "", err
	}
	err = m.db.WithTx(func(tx *sql.Tx) error {
		if err := db.MarkPersonSelfTx(tx, personUUID); err != nil {
			return err
		}
		if err := db.SetMetaTx(tx, db.MetaSelfPersonUUID, personUUID); err != nil {
			return err
		}
		return db.SetMetaTx(tx, db.MetaMode, string(models.ModeSolo))
	})
	if err != nil {
		return "", err
	}
	if err := m.AnnounceSelf(personUUID); err != nil {
		return "", err
	}

	broadcast, err := crypto.NewSymmetricKey()
	if err != nil {
		return "", err
	}
	if err := m.db.SetGroupKey(db.BroadcastScope, broadcast); err != nil {
		return "", err
	}
	personal, err := crypto.NewSymmetricKey()
	if err != nil {
		return "", err
	}
	if err := m.db.SetMeta(db.MetaPersonalKey, hex.EncodeToString(personal)); err != nil {
		return "", err
	}

	m.logger.Info("initialized ledger", "person", personUUID, "device", m.ident.DeviceID)
	return personUUID, nil
}

// AddPerson registers another human in the ring, before any of their
// devices join. Returns the person uuid.
func (m *Manager) AddPerson(name string) (string, error) {
	personUUID := uuid.NewString()
	_, _, err := m.writer.Append(models.TargetPerson, personUUID, models.VerbCreate,
		&mutation.PersonUpsert{Name: name})
	if err != nil {
		return "", err
	}
	return personUUID, nil
}

// AnnounceSelf queues the DeviceAdd that introduces this device to the
// ring. Called once at bootstrap and once when accepting an invite.
func (m *Manager) AnnounceSelf(personUUID string) error {
	signingHex, err := m.ident.SigningPublicHex()
	if err != nil {
		return err
	}
	publishHex, err := m.ident.PublishIdentityHex()
	if err != nil {
		return err
	}
	_, _, err = m.writer.Append(models.TargetDevice, m.ident.DeviceID, models.VerbCreate,
		&mutation.DeviceAdd{
			PersonUUID:       personUUID,
			Name:             m.ident.DeviceName,
			SigningPublicKey: signingHex,
			PublishIdentity:  publishHex,
		})
	return err
}

// RemoveDevice evicts another device from the ring. Every symmetric key
// the evicted device held is rotated before the removal is announced, so
// the moment the announcement is visible the old keys are already burned.
// This device also moves its manifest out from under its old pointer
// name, denying the evicted device even ciphertext.
func (m *Manager) RemoveDevice(targetDeviceID string) error {
	self := m.writer.DeviceID()
	if targetDeviceID == self {
		return ErrSelfRemoval
	}
	d, err := m.db.GetDevice(targetDeviceID)
	if err != nil {
		return err
	}
	if d == nil || d.RemovedAt != nil {
		return fmt.Errorf("%s: %w", targetDeviceID, ErrDeviceNotFound)
	}

	out := m.decideRemoval(targetDeviceID, self)
	if out.ShouldRotate {
		if err := m.rotateKeyring(); err != nil {
			return err
		}
	}
	if _, _, err := m.writer.Append(models.TargetDevice, targetDeviceID, models.VerbDelete,
		&mutation.DeviceRemove{Reason: mutation.RemovalReasonPeer}); err != nil {
		return err
	}
	if err := m.movePublishIdentity(); err != nil {
		return err
	}
	m.logger.Info("removed device from ring", "device", targetDeviceID)
	return nil
}

// SelfRemove announces this device's departure, runs the caller's final
// publish so the announcement reaches the ring, then drops to solo mode.
// The publish is best effort: a dead provider must not trap a device in
// the ring. Local data is kept.
func (m *Manager) SelfRemove(finalPublish func() error) error {
	_, _, err := m.writer.Append(models.TargetDevice, m.writer.DeviceID(), models.VerbDelete,
		&mutation.DeviceRemove{Reason: mutation.RemovalReasonSelf})
	if err != nil {
		return err
	}
	if finalPublish != nil {
		if err := finalPublish(); err != nil {
			m.logger.Warn("final publish failed, leaving anyway", "error", err)
		}
	}
	if err := m.db.SetMeta(db.MetaMode, string(models.ModeSolo)); err != nil {
		return err
	}
	m.logger.Info("left the ring", "device", m.writer.DeviceID())
	return nil
}

// HandleRemovals digests the removals of an inbound merge. When the
// removed device is this one, the ring has moved on without us: drop to
// solo mode and keep local data. Inbound removals never rotate keys here;
// the author rotated before publishing and the new keys arrive by
// envelope.
func (m *Manager) HandleRemovals(out *merge.Outcome) (RemovalOutcome, error) {
	var res RemovalOutcome
	if out == nil || (!out.SelfRemoved && len(out.RemovedDevices) == 0) {
		return res, nil
	}
	// Inbound removals are always peer-authored, so ShouldRotate stays
	// false.
	res.RemovedSelf = out.SelfRemoved
	if out.SelfRemoved {
		if err := m.db.SetMeta(db.MetaMode, string(models.ModeSolo)); err != nil {
			return res, err
		}
		m.logger.Warn("this device was removed from the ring, dropping to solo mode")
	}
	return res, nil
}

// decideRemoval encodes the rotation rule: only the removal's author
// mints new keys.
func (m *Manager) decideRemoval(targetDeviceID, authorDeviceID string) RemovalOutcome {
	return RemovalOutcome{
		RemovedSelf:  targetDeviceID == m.writer.DeviceID(),
		ShouldRotate: authorDeviceID == m.writer.DeviceID(),
	}
}

// CheckIfPossiblyRemoved reports whether this device shows the signature
// of having been evicted: some peer's pulls failing over and over, which
// is what rotated keys and a moved pointer look like from the outside.
// The verdict is stored so status can show it without re-deriving.
func (m *Manager) CheckIfPossiblyRemoved() (bool, error) {
	peers, err := m.db.ListPeers()
	if err != nil {
		return false, err
	}
	suspicious := false
	for _, p := range peers {
		if p.ConsecutiveFailures >= m.threshold {
			suspicious = true
			break
		}
	}

	was, err := m.db.GetMeta(db.MetaPossiblyRemoved)
	if err != nil {
		return false, err
	}
	switch {
	case suspicious && was != "1":
		if err := m.db.SetMeta(db.MetaPossiblyRemoved, "1"); err != nil {
			return false, err
		}
		m.logger.Warn("repeated pull failures, this device may have been removed from the ring",
			"threshold", m.threshold)
	case !suspicious && was == "1":
		if err := m.db.SetMeta(db.MetaPossiblyRemoved, ""); err != nil {
			return false, err
		}
	}
	return suspicious, nil
}

// rotateKeyring burns the broadcast key plus each group key this
// device holds. Groups known only by their row are left alone; minting
// a key for a group we are not in would make us a reader of it.
// Locking the evictee out does not depend on those: the broadcast
// rotation already seals every future manifest against it. Old keys
// stay installed locally so history remains readable.
func (m *Manager) rotateKeyring() error {
	key, err := crypto.NewSymmetricKey()
	if err != nil {
		return err
	}
	if err := m.db.SetGroupKey(db.BroadcastScope, key); err != nil {
		return err
	}
	groups, err := m.db.ListGroups(false)
	if err != nil {
		return err
	}
	for _, g := range groups {
		held, err := m.db.ActiveGroupKey(g.UUID)
		if err != nil {
			return err
		}
		if held == nil {
			continue
		}
		if err := m.keys.Rotate(g.UUID); err != nil {
			return err
		}
	}
	return nil
}

// movePublishIdentity rotates this device's X25519 publish keypair and
// announces the new pointer name to the ring. The old name is kept in
// meta so the next publish can write both pointers once, letting peers
// that have not seen the announcement yet still find the manifest that
// carries it.
func (m *Manager) movePublishIdentity() error {
	prev, err := m.ident.PublishIdentityHex()
	if err != nil {
		return err
	}
	if err := m.ident.RotatePublishKey(); err != nil {
		return err
	}
	if err := syncconfig.SaveIdentity(m.db.BaseDir(), m.ident); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	next, err := m.ident.PublishIdentityHex()
	if err != nil {
		return err
	}
	if err := m.db.SetMeta(db.MetaPrevPublishID, prev); err != nil {
		return err
	}
	_, _, err = m.writer.Append(models.TargetDevice, m.writer.DeviceID(), models.VerbUpdate,
		&mutation.DeviceUpdate{PublishIdentity: next})
	return err
}
