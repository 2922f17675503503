// Package manifest defines the documents a device publishes to its
// storage provider: the manifest itself (the small root published under
// the device's pointer name), mutation chunks, ring documents, and full
// state snapshots. Everything a storage host could learn from is sealed
// with the broadcast key; the host sees addresses and ciphertext.
//
// Opening takes a list of candidate keys because rotation keeps history:
// a document is tried against every key the reader holds, newest first.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maren/divvy/internal/crypto"
	"github.com/maren/divvy/internal/models"
)

// Version is the manifest format version.
const Version = 1

// ErrNoKey is returned when none of the reader's keys open a sealed
// field or document. Every pull failing this way is what being removed
// from the ring looks like.
var ErrNoKey = errors.New("no key opens this document")

// Manifest is the root document published under a device's pointer name.
// The sealed fields are hex AES-GCM; the address fields are plaintext
// because addresses leak nothing but existence.
type Manifest struct {
	Version              int       `json:"version"`
	DeviceID             string    `json:"device_id"`
	SealedLatestID       string    `json:"latest_mutation_id"`
	SealedChunkIndex     string    `json:"chunk_index"`
	SnapshotAddress      string    `json:"snapshot_address,omitempty"`
	DeviceRingAddress    string    `json:"device_ring_address,omitempty"`
	PeerDirectoryAddress string    `json:"peer_directory_address,omitempty"`
	KeyEnvelopesAddress  string    `json:"key_envelopes_address,omitempty"`
	PublishedAt          time.Time `json:"published_at"`
}

// BuildInput is everything a publish cycle feeds into its manifest.
type BuildInput struct {
	LatestID             int64
	Chunks               []models.ChunkRef
	SnapshotAddress      string
	DeviceRingAddress    string
	PeerDirectoryAddress string
	KeyEnvelopesAddress  string
}

// Build assembles a manifest, sealing the latest mutation id and the
// chunk index with the broadcast key.
func Build(deviceID string, key []byte, in BuildInput) (*Manifest, error) {
	latest, err := sealField(key, in.LatestID)
	if err != nil {
		return nil, fmt.Errorf("seal latest id: %w", err)
	}
	index, err := sealField(key, in.Chunks)
	if err != nil {
		return nil, fmt.Errorf("seal chunk index: %w", err)
	}
	return &Manifest{
		Version:              Version,
		DeviceID:             deviceID,
		SealedLatestID:       latest,
		SealedChunkIndex:     index,
		SnapshotAddress:      in.SnapshotAddress,
		DeviceRingAddress:    in.DeviceRingAddress,
		PeerDirectoryAddress: in.PeerDirectoryAddress,
		KeyEnvelopesAddress:  in.KeyEnvelopesAddress,
		PublishedAt:          time.Now().UTC(),
	}, nil
}

// Encode serializes the manifest for upload.
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes a fetched manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("manifest version %d not supported", m.Version)
	}
	return &m, nil
}

// LatestID opens the sealed high-water mark with any of keys.
func (m *Manifest) LatestID(keys [][]byte) (int64, error) {
	var id int64
	if err := openField(keys, m.SealedLatestID, &id); err != nil {
		return 0, fmt.Errorf("open latest id: %w", err)
	}
	return id, nil
}

// ChunkIndex opens the sealed chunk index with any of keys.
func (m *Manifest) ChunkIndex(keys [][]byte) ([]models.ChunkRef, error) {
	var chunks []models.ChunkRef
	if err := openField(keys, m.SealedChunkIndex, &chunks); err != nil {
		return nil, fmt.Errorf("open chunk index: %w", err)
	}
	return chunks, nil
}

// sealField embeds v as hex ciphertext inside a JSON document.
func sealField(key []byte, v any) (string, error) {
	sealed, err := sealDoc(key, v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sealed), nil
}

func openField(keys [][]byte, sealed string, v any) error {
	raw, err := hex.DecodeString(sealed)
	if err != nil {
		return fmt.Errorf("sealed field: %w", err)
	}
	return openDoc(keys, raw, v)
}

// sealDoc encrypts v's JSON for upload as a standalone document.
func sealDoc(key []byte, v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return crypto.Encrypt(key, plain)
}

func openDoc(keys [][]byte, data []byte, v any) error {
	for _, key := range keys {
		plain, err := crypto.Decrypt(key, data)
		if err != nil {
			continue
		}
		return json.Unmarshal(plain, v)
	}
	return ErrNoKey
}
