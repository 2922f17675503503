// Package mutation defines the signed log entry every device change is
// expressed as, plus the payload shapes for each target/verb pair.
//
// A mutation is immutable once signed. The signable bytes are the JSON
// encoding with the signature field empty, so any device can re-derive
// them from a decoded mutation and check the author's signature.
package mutation

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maren/divvy/internal/clock"
	"github.com/maren/divvy/internal/crypto"
	"github.com/maren/divvy/internal/models"
)

// Version is the current mutation format version.
const Version = 1

var (
	ErrBadSignature   = fmt.Errorf("mutation signature invalid")
	ErrAuthorMismatch = fmt.Errorf("mutation author key does not match device id")
	ErrMalformed      = fmt.Errorf("mutation malformed")
)

// Mutation is one signed, immutable change. ID is the author device's
// per-device monotonic counter; Basis snapshots the author's observed
// sequence vector for the target at signing time.
type Mutation struct {
	Version         int               `json:"v"`
	UUID            string            `json:"uuid"`
	ID              int64             `json:"id"`
	DeviceID        string            `json:"device_id"`
	TargetUUID      string            `json:"target_uuid"`
	TargetType      models.TargetType `json:"target_type"`
	Verb            models.Verb       `json:"verb"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	HLC             clock.Timestamp   `json:"hlc"`
	Basis           map[string]int64  `json:"basis,omitempty"`
	SignedAt        time.Time         `json:"signed_at"`
	AuthorPublicKey string            `json:"author_public_key"` // 65-byte point, hex
	Signature       string            `json:"sig,omitempty"`     // 64-byte r||s, hex
}

// SignableData returns the canonical bytes covered by the signature: the
// JSON encoding with an empty signature field.
func (m *Mutation) SignableData() ([]byte, error) {
	c := *m
	c.Signature = ""
	return json.Marshal(&c)
}

// Sign stamps the author key and signature. SignedAt must already be set.
func (m *Mutation) Sign(priv *ecdsa.PrivateKey) error {
	m.AuthorPublicKey = hex.EncodeToString(crypto.MarshalSigningPublic(&priv.PublicKey))
	m.Signature = ""

	data, err := m.SignableData()
	if err != nil {
		return fmt.Errorf("signable data: %w", err)
	}
	sig, err := crypto.Sign(priv, data)
	if err != nil {
		return fmt.Errorf("sign mutation: %w", err)
	}
	m.Signature = hex.EncodeToString(sig)
	return nil
}

// Verify checks structure, author identity, and signature. It rejects
// mutations whose device id is not derived from the embedded author key,
// which stops one device from forging entries under another's id.
func (m *Mutation) Verify() error {
	if m.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformed, m.Version)
	}
	if m.UUID == "" || m.DeviceID == "" || m.TargetUUID == "" {
		return fmt.Errorf("%w: missing identity fields", ErrMalformed)
	}
	if m.ID <= 0 {
		return fmt.Errorf("%w: non-positive id %d", ErrMalformed, m.ID)
	}
	if !models.ValidTargetType(m.TargetType) {
		return fmt.Errorf("%w: unknown target type %q", ErrMalformed, m.TargetType)
	}

	pub, err := hex.DecodeString(m.AuthorPublicKey)
	if err != nil {
		return fmt.Errorf("%w: author key not hex", ErrMalformed)
	}
	if crypto.DeviceIDFromPublicKey(pub) != m.DeviceID {
		return ErrAuthorMismatch
	}

	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature not hex", ErrMalformed)
	}
	data, err := m.SignableData()
	if err != nil {
		return fmt.Errorf("signable data: %w", err)
	}
	if err := crypto.VerifySignature(pub, data, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// Encode serializes the signed mutation.
func (m *Mutation) Encode() ([]byte, error) {
	if m.Signature == "" {
		return nil, fmt.Errorf("encode unsigned mutation %s", m.UUID)
	}
	return json.Marshal(m)
}

// Decode parses a mutation without verifying it. Callers on the inbound
// path must Verify before applying.
func Decode(data []byte) (*Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &m, nil
}

// CoversBasis reports whether this mutation's basis includes the given
// write: true when the author had already observed (deviceID, id) for the
// target when it signed. A write outside the basis is concurrent.
func (m *Mutation) CoversBasis(deviceID string, id int64) bool {
	return m.Basis[deviceID] >= id
}
