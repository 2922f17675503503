// Pairing: a ring member uploads an encrypted invite bundle under a
// pointer derived from a one-time passphrase, the joining device
// resolves it with the same passphrase, installs keys and state, and
// answers under a second derived pointer. Only the passphrase ever
// crosses between the devices out of band.
package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/maren/divvy/internal/crypto"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/groupkey"
	"github.com/maren/divvy/internal/manifest"
	"github.com/maren/divvy/internal/merge"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/ring"
	"github.com/maren/divvy/internal/storage"
	"github.com/maren/divvy/internal/syncconfig"
)

// ErrInviteNotFound is returned when no invite is published under the
// passphrase's pointer.
var ErrInviteNotFound = errors.New("no invite found for this passphrase")

// ErrBadPassphrase is returned when the invite exists but does not
// decrypt, which means the passphrase was mistyped.
var ErrBadPassphrase = errors.New("passphrase does not open this invite")

// inviteBundle is the sealed payload of an invite.
type inviteBundle struct {
	InviterDeviceID string           `json:"inviter_device_id"`
	InviterIdentity string           `json:"inviter_identity"`
	PersonUUID      string           `json:"person_uuid"`
	PersonName      string           `json:"person_name"`
	PersonalKeyHex  string           `json:"personal_key_hex,omitempty"`
	Keyring         ring.Keyring     `json:"keyring"`
	Ring            manifest.RingDoc `json:"ring"`
	SnapshotAddress string           `json:"snapshot_address"`
}

// inviteDoc is the uploaded invite. The salt must be readable before the
// passphrase key exists, so it rides outside the sealed part.
type inviteDoc struct {
	Salt   string `json:"salt"`
	Sealed string `json:"sealed"`
}

// acceptDoc is the joiner's answer, sealed with the same passphrase key.
type acceptDoc struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	PublishIdentity string `json:"publish_identity"`
}

// generatePassphrase returns 64 bits of entropy as four hex groups,
// e.g. "3fa2-9c01-77de-b104". Argon2id stretching covers the rest.
func generatePassphrase() (string, error) {
	raw := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("random passphrase: %w", err)
	}
	s := hex.EncodeToString(raw)
	return strings.Join([]string{s[0:4], s[4:8], s[8:12], s[12:16]}, "-"), nil
}

// invitePointers derives the two pointer names of a pairing exchange
// from the passphrase. Anyone can see the pointers exist; only the
// passphrase opens what they point at.
func invitePointers(passphrase string) (invite, accept string) {
	sum := crypto.ContentAddress([]byte("divvy-invite:" + passphrase))
	return "invite-" + sum[:16], "accept-" + sum[:16]
}

// CreateInvite publishes an invite for a new device and returns the
// one-time passphrase to hand to it. personUUID may be empty for a
// device of the inviter's own person.
func (e *Engine) CreateInvite(ctx context.Context, personUUID string) (string, error) {
	self, err := e.db.SelfPerson()
	if err != nil {
		return "", err
	}
	personalKey := ""
	personName := ""
	switch {
	case personUUID == "" || personUUID == self.UUID:
		personUUID = self.UUID
		personName = self.Name
		personalKey, err = e.db.GetMeta(db.MetaPersonalKey)
		if err != nil {
			return "", err
		}
	default:
		p, err := e.db.GetPerson(personUUID)
		if err != nil {
			return "", err
		}
		if p == nil || p.RemovedAt != nil {
			return "", fmt.Errorf("unknown person %s", personUUID)
		}
		personName = p.Name
		// The inviter holds only its own personal key. A first device
		// for another person gets a fresh one; later devices of that
		// person must be invited by one of their own.
		first, err := e.personHasNoDevice(personUUID)
		if err != nil {
			return "", err
		}
		if first {
			key, err := crypto.NewSymmetricKey()
			if err != nil {
				return "", err
			}
			personalKey = hex.EncodeToString(key)
		} else {
			e.logger.Warn("inviting another person's extra device, their personal key cannot travel in this invite",
				"person", personUUID)
		}
	}

	bkey, err := e.db.ActiveBroadcastKey()
	if err != nil {
		return "", err
	}
	if bkey == nil {
		return "", fmt.Errorf("no broadcast key installed")
	}

	snapAddr, err := e.exportAndUpload(ctx, bkey)
	if err != nil {
		return "", fmt.Errorf("export snapshot: %w", err)
	}

	// Another person's device is only entitled to the keys that
	// person's memberships cover; one of our own mirrors everything.
	var keyring *ring.Keyring
	if personUUID == self.UUID {
		keyring, err = ring.BuildKeyring(e.db)
	} else {
		keyring, err = ring.BuildKeyringFor(e.db, personUUID)
	}
	if err != nil {
		return "", err
	}
	persons, err := e.db.ListPersons(true)
	if err != nil {
		return "", err
	}
	devices, err := e.db.ListDevices(true)
	if err != nil {
		return "", err
	}
	inviterIdentity, err := e.ident.PublishIdentityHex()
	if err != nil {
		return "", err
	}

	bundle := inviteBundle{
		InviterDeviceID: e.ident.DeviceID,
		InviterIdentity: inviterIdentity,
		PersonUUID:      personUUID,
		PersonName:      personName,
		PersonalKeyHex:  personalKey,
		Keyring:         *keyring,
		Ring:            manifest.RingDoc{Persons: persons, Devices: devices},
		SnapshotAddress: snapAddr,
	}
	plain, err := json.Marshal(&bundle)
	if err != nil {
		return "", err
	}

	passphrase, err := generatePassphrase()
	if err != nil {
		return "", err
	}
	key, salt, err := crypto.DeriveKeyFromPassphrase(passphrase)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Encrypt(key, plain)
	if err != nil {
		return "", fmt.Errorf("seal invite: %w", err)
	}
	data, err := json.Marshal(&inviteDoc{
		Salt:   hex.EncodeToString(salt),
		Sealed: hex.EncodeToString(sealed),
	})
	if err != nil {
		return "", err
	}

	addr := crypto.ContentAddress(data)
	if err := e.provider.Upload(ctx, addr, data); err != nil {
		return "", fmt.Errorf("upload invite: %w", err)
	}
	inviteName, _ := invitePointers(passphrase)
	if err := e.provider.Publish(ctx, inviteName, addr); err != nil {
		return "", fmt.Errorf("publish invite: %w", err)
	}

	e.logger.Info("invite published", "person", personName)
	return passphrase, nil
}

// personHasNoDevice reports whether no active device belongs to the
// person yet.
func (e *Engine) personHasNoDevice(personUUID string) (bool, error) {
	devices, err := e.db.ListDevices(false)
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d.PersonUUID == personUUID {
			return false, nil
		}
	}
	return true, nil
}

// WaitForAcceptance polls for the joiner's answer and registers it as a
// peer. It returns the joined device's id, or ctx's error when the
// caller gives up waiting.
func (e *Engine) WaitForAcceptance(ctx context.Context, passphrase string) (string, error) {
	inviteName, acceptName := invitePointers(passphrase)

	// Re-derive the key from the published invite's salt so this call
	// does not depend on state from CreateInvite.
	addr, err := e.provider.Resolve(ctx, inviteName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInviteNotFound
		}
		return "", err
	}
	raw, err := e.provider.Fetch(ctx, addr)
	if err != nil {
		return "", err
	}
	var doc inviteDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode invite: %w", err)
	}
	salt, err := hex.DecodeString(doc.Salt)
	if err != nil {
		return "", fmt.Errorf("decode invite salt: %w", err)
	}
	key, err := crypto.DeriveKeyFromPassphraseWithSalt(passphrase, salt)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		ack, err := e.fetchAcceptance(ctx, acceptName, key)
		if err == nil {
			if err := e.db.UpsertPeer(ack.DeviceID, ack.PublishIdentity); err != nil {
				return "", err
			}
			if err := e.db.SetMeta(db.MetaMode, string(models.ModeSynced)); err != nil {
				return "", err
			}
			e.logger.Info("device joined", "device", ack.DeviceID, "name", ack.DeviceName)
			return ack.DeviceID, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) fetchAcceptance(ctx context.Context, acceptName string, key []byte) (*acceptDoc, error) {
	addr, err := e.provider.Resolve(ctx, acceptName)
	if err != nil {
		return nil, err
	}
	raw, err := e.provider.Fetch(ctx, addr)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(key, raw)
	if err != nil {
		return nil, fmt.Errorf("open acceptance: %w", err)
	}
	var ack acceptDoc
	if err := json.Unmarshal(plain, &ack); err != nil {
		return nil, fmt.Errorf("decode acceptance: %w", err)
	}
	return &ack, nil
}

// AcceptResult reports what joining set up.
type AcceptResult struct {
	PersonUUID string
	PersonName string
	DeviceID   string
	Peers      int
}

// AcceptInvite joins this machine to an existing ring: it creates the
// device identity and ledger under baseDir, installs the invite's keys,
// ring, and snapshot, announces itself, and publishes its answer for the
// inviter. baseDir must not already hold a ledger.
func AcceptInvite(ctx context.Context, provider storage.Provider, baseDir, deviceName,
	passphrase string, logger *slog.Logger) (*AcceptResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	inviteName, acceptName := invitePointers(passphrase)
	addr, err := provider.Resolve(ctx, inviteName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInviteNotFound
		}
		return nil, err
	}
	raw, err := provider.Fetch(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("fetch invite: %w", err)
	}
	var doc inviteDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode invite: %w", err)
	}
	salt, err := hex.DecodeString(doc.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode invite salt: %w", err)
	}
	sealed, err := hex.DecodeString(doc.Sealed)
	if err != nil {
		return nil, fmt.Errorf("decode invite: %w", err)
	}
	key, err := crypto.DeriveKeyFromPassphraseWithSalt(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(key, sealed)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	var bundle inviteBundle
	if err := json.Unmarshal(plain, &bundle); err != nil {
		return nil, fmt.Errorf("decode invite bundle: %w", err)
	}

	ident, err := syncconfig.GenerateIdentity(deviceName)
	if err != nil {
		return nil, err
	}
	if err := syncconfig.SaveIdentity(baseDir, ident); err != nil {
		return nil, err
	}
	database, err := db.Initialize(baseDir)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	if err := installBundle(database, ident, &bundle); err != nil {
		return nil, err
	}

	// State before log: the snapshot seeds the ledger and the applied
	// watermarks, so the first pull only fetches what it missed.
	keys, err := broadcastKeysOf(database)
	if err != nil {
		return nil, err
	}
	snapRaw, err := provider.Fetch(ctx, bundle.SnapshotAddress)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	snap, err := manifest.DecodeSnapshot(snapRaw, keys)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	if err := InstallSnapshot(database, snap); err != nil {
		return nil, err
	}

	peers := 0
	for _, d := range bundle.Ring.Devices {
		if d.DeviceID == ident.DeviceID || d.RemovedAt != nil || d.PublishIdentity == "" {
			continue
		}
		if err := database.UpsertPeer(d.DeviceID, d.PublishIdentity); err != nil {
			return nil, err
		}
		if wm := snap.Watermarks[d.DeviceID]; wm > 0 {
			if err := database.RecordPeerSuccess(d.DeviceID, wm); err != nil {
				return nil, err
			}
		}
		peers++
	}

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
	keysSvc := groupkey.NewService(database, writer, logger)
	ringMgr := ring.NewManager(database, writer, ident, keysSvc, logger)

	if err := ringMgr.AnnounceSelf(bundle.PersonUUID); err != nil {
		return nil, err
	}

	// First publish makes our pointer live before the inviter hears
	// from us, so its first pull of this device succeeds.
	eng := New(database, provider, applier, ringMgr, ident, logger)
	if err := eng.publish(ctx); err != nil {
		return nil, fmt.Errorf("first publish: %w", err)
	}

	if err := publishAcceptance(ctx, provider, acceptName, key, ident); err != nil {
		return nil, err
	}

	logger.Info("joined ring", "person", bundle.PersonName, "peers", peers)
	return &AcceptResult{
		PersonUUID: bundle.PersonUUID,
		PersonName: bundle.PersonName,
		DeviceID:   ident.DeviceID,
		Peers:      peers,
	}, nil
}

// installBundle applies the invite's keys, ring, and this device's own
// identity-level metadata to a fresh ledger.
func installBundle(database *db.DB, ident *syncconfig.Identity, bundle *inviteBundle) error {
	if err := ring.InstallKeyring(database, &bundle.Keyring); err != nil {
		return err
	}
	personalKey := bundle.PersonalKeyHex
	if personalKey == "" {
		// The invite could not carry our person's key; mint one so
		// private fields still work locally.
		key, err := crypto.NewSymmetricKey()
		if err != nil {
			return err
		}
		personalKey = hex.EncodeToString(key)
	}
	return database.WithTx(func(tx *sql.Tx) error {
		for _, p := range bundle.Ring.Persons {
			p.IsSelf = false
			if err := db.UpsertPersonTx(tx, p); err != nil {
				return err
			}
		}
		for _, d := range bundle.Ring.Devices {
			if err := db.UpsertDeviceTx(tx, d); err != nil {
				return err
			}
			if d.RemovedAt != nil {
				if err := db.MarkDeviceRemovedTx(tx, d.DeviceID); err != nil {
					return err
				}
			}
		}
		if err := db.MarkPersonSelfTx(tx, bundle.PersonUUID); err != nil {
			return err
		}
		if err := db.SetMetaTx(tx, db.MetaSelfPersonUUID, bundle.PersonUUID); err != nil {
			return err
		}
		if err := db.SetMetaTx(tx, db.MetaPersonalKey, personalKey); err != nil {
			return err
		}
		return db.SetMetaTx(tx, db.MetaMode, string(models.ModeSynced))
	})
}

func publishAcceptance(ctx context.Context, provider storage.Provider, acceptName string,
	key []byte, ident *syncconfig.Identity) error {
	identity, err := ident.PublishIdentityHex()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(&acceptDoc{
		DeviceID:        ident.DeviceID,
		DeviceName:      ident.DeviceName,
		PublishIdentity: identity,
	})
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(key, plain)
	if err != nil {
		return err
	}
	addr := crypto.ContentAddress(sealed)
	if err := provider.Upload(ctx, addr, sealed); err != nil {
		return fmt.Errorf("upload acceptance: %w", err)
	}
	if err := provider.Publish(ctx, acceptName, addr); err != nil {
		return fmt.Errorf("publish acceptance: %w", err)
	}
	return nil
}

// broadcastKeysOf is broadcastKeys for callers without an engine yet.
func broadcastKeysOf(database *db.DB) ([][]byte, error) {
	gks, err := database.GroupKeys(db.BroadcastScope)
	if err != nil {
		return nil, err
	}
	if len(gks) == 0 {
		return nil, fmt.Errorf("no broadcast key installed")
	}
	keys := make([][]byte, 0, len(gks))
	for _, gk := range gks {
		keys = append(keys, gk.Key)
	}
	return keys, nil
}
