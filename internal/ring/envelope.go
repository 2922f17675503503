package ring

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/maren/divvy/internal/crypto"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/models"
)

// Keyring is the plaintext payload of one key envelope: every symmetric
// key a ring member needs. Key history rides along so chunks written
// before a rotation stay decryptable.
type Keyring struct {
	Keys []KeyEntry `json:"keys"`
}

// KeyEntry is one symmetric key with its scope. Scope is db.BroadcastScope
// for the ring-wide chunk key, otherwise a group uuid.
type KeyEntry struct {
	Scope     string    `json:"scope"`
	KeyHex    string    `json:"key_hex"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	RotatedAt time.Time `json:"rotated_at"`
}

// Envelope is the keyring wrapped for one recipient. SenderIdentity is
// the ECDH half the recipient needs to unwrap, carried inline so
// unwrapping does not depend on the peer table being current.
type Envelope struct {
	RecipientDeviceID string `json:"recipient_device_id"`
	SenderIdentity    string `json:"sender_identity"`
	WrappedKeys       string `json:"wrapped_keys"` // hex AES-GCM over the keyring JSON
}

// EnvelopeSet is the document a device publishes at its manifest's key
// envelopes address.
type EnvelopeSet struct {
	Envelopes []Envelope `json:"envelopes"`
}

// BuildKeyring collects every stored symmetric key into the envelope
// payload shape. This is the full local set; it is only ever handed to
// another device of the same person, whose devices mirror everything
// the person holds. Pairing embeds the same shape in the invite bundle.
func BuildKeyring(database *db.DB) (*Keyring, error) {
	keys, err := database.AllGroupKeys()
	if err != nil {
		return nil, err
	}
	return keyringFrom(keys, nil), nil
}

// BuildKeyringFor collects the keys a given person is entitled to: the
// broadcast history plus the keys of every group that person belongs
// to. A key whose group is not known locally stays out; its members
// receive it from a device that knows the membership.
func BuildKeyringFor(database *db.DB, personUUID string) (*Keyring, error) {
	keys, err := database.AllGroupKeys()
	if err != nil {
		return nil, err
	}
	groups, err := database.ListGroups(true)
	if err != nil {
		return nil, err
	}
	member := make(map[string]bool)
	for _, g := range groups {
		if slices.Contains(g.MemberUUIDs, personUUID) {
			member[g.UUID] = true
		}
	}
	return keyringFrom(keys, func(scope string) bool {
		return scope == db.BroadcastScope || member[scope]
	}), nil
}

func keyringFrom(keys []models.GroupKey, include func(scope string) bool) *Keyring {
	var ring Keyring
	for _, k := range keys {
		if include != nil && !include(k.GroupUUID) {
			continue
		}
		ring.Keys = append(ring.Keys, KeyEntry{
			Scope:     k.GroupUUID,
			KeyHex:    hex.EncodeToString(k.Key),
			Active:    k.Active,
			CreatedAt: k.CreatedAt,
			RotatedAt: k.RotatedAt,
		})
	}
	return &ring
}

// InstallKeyring stores every key in the ring. Active flags are applied
// in mint order: a sender whose keyring predates a rotation cannot
// unseat the newer key.
func InstallKeyring(database *db.DB, ring *Keyring) error {
	return database.WithTx(func(tx *sql.Tx) error {
		for _, k := range ring.Keys {
			key, err := hex.DecodeString(k.KeyHex)
			if err != nil {
				return fmt.Errorf("key for scope %s: %w", k.Scope, err)
			}
			gk := models.GroupKey{
				GroupUUID: k.Scope,
				Key:       key,
				Active:    k.Active,
				CreatedAt: k.CreatedAt,
				RotatedAt: k.RotatedAt,
			}
			if err := db.InstallGroupKeyTx(tx, gk); err != nil {
				return err
			}
		}
		return nil
	})
}

// BuildEnvelopes wraps a keyring once per active peer device. Devices
// of this person get the full local set; other persons' devices get
// only the keys their memberships entitle them to, which is what makes
// a rotation or fork actually exclude anyone. Returns nil when the
// ring has no peers to deliver to.
func (m *Manager) BuildEnvelopes() ([]byte, error) {
	peers, err := m.db.ActivePeerDevices(m.writer.DeviceID())
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, nil
	}

	self, err := m.db.SelfPerson()
	if err != nil {
		return nil, err
	}
	senderPriv, err := m.ident.PublishKey()
	if err != nil {
		return nil, err
	}
	senderHex, err := m.ident.PublishIdentityHex()
	if err != nil {
		return nil, err
	}

	var set EnvelopeSet
	plains := make(map[string][]byte)
	for _, d := range peers {
		if d.PublishIdentity == "" {
			// Placeholder row, enrollment has not arrived yet.
			continue
		}
		plain, ok := plains[d.PersonUUID]
		if !ok {
			var kr *Keyring
			if self != nil && d.PersonUUID == self.UUID {
				kr, err = BuildKeyring(m.db)
			} else {
				kr, err = BuildKeyringFor(m.db, d.PersonUUID)
			}
			if err != nil {
				return nil, err
			}
			plain, err = json.Marshal(kr)
			if err != nil {
				return nil, err
			}
			plains[d.PersonUUID] = plain
		}

		raw, err := hex.DecodeString(d.PublishIdentity)
		if err != nil {
			return nil, fmt.Errorf("peer %s publish identity: %w", d.DeviceID, err)
		}
		pub, err := crypto.ExchangePublicFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("peer %s publish identity: %w", d.DeviceID, err)
		}
		wrapped, err := crypto.WrapKey(senderPriv, pub, plain)
		if err != nil {
			return nil, fmt.Errorf("wrap keys for %s: %w", d.DeviceID, err)
		}
		set.Envelopes = append(set.Envelopes, Envelope{
			RecipientDeviceID: d.DeviceID,
			SenderIdentity:    senderHex,
			WrappedKeys:       hex.EncodeToString(wrapped),
		})
	}
	if len(set.Envelopes) == 0 {
		return nil, nil
	}
	return json.Marshal(&set)
}

// InstallEnvelopes finds this device's envelope in a fetched set and
// installs every key it carries. Reports whether an envelope addressed
// to this device was present at all.
func (m *Manager) InstallEnvelopes(data []byte) (bool, error) {
	var set EnvelopeSet
	if err := json.Unmarshal(data, &set); err != nil {
		return false, fmt.Errorf("decode envelope set: %w", err)
	}
	self := m.writer.DeviceID()
	for _, env := range set.Envelopes {
		if env.RecipientDeviceID != self {
			continue
		}
		if err := m.installEnvelope(&env); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func (m *Manager) installEnvelope(env *Envelope) error {
	senderRaw, err := hex.DecodeString(env.SenderIdentity)
	if err != nil {
		return fmt.Errorf("envelope sender identity: %w", err)
	}
	senderPub, err := crypto.ExchangePublicFromBytes(senderRaw)
	if err != nil {
		return fmt.Errorf("envelope sender identity: %w", err)
	}
	wrapped, err := hex.DecodeString(env.WrappedKeys)
	if err != nil {
		return fmt.Errorf("envelope ciphertext: %w", err)
	}
	priv, err := m.ident.PublishKey()
	if err != nil {
		return err
	}
	plain, err := crypto.UnwrapKey(priv, senderPub, wrapped)
	if err != nil {
		return fmt.Errorf("unwrap keyring: %w", err)
	}
	var ring Keyring
	if err := json.Unmarshal(plain, &ring); err != nil {
		return fmt.Errorf("decode keyring: %w", err)
	}
	return InstallKeyring(m.db, &ring)
}
