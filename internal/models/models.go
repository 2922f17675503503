package models

import (
	"encoding/json"
	"time"
)

// TargetType identifies the kind of entity a mutation touches.
type TargetType string

const (
	TargetRecord TargetType = "record"
	TargetPerson TargetType = "person"
	TargetDevice TargetType = "device"
	TargetGroup  TargetType = "group"
)

// ValidTargetType reports whether t is a known target type.
func ValidTargetType(t TargetType) bool {
	switch t {
	case TargetRecord, TargetPerson, TargetDevice, TargetGroup:
		return true
	}
	return false
}

// Verb is the operation a mutation performs on its target.
type Verb string

const (
	VerbCreate          Verb = "create"
	VerbUpdate          Verb = "update"
	VerbDelete          Verb = "delete"
	VerbResolveConflict Verb = "resolve_conflict"
)

// SyncMode says whether this device participates in a ring.
type SyncMode string

const (
	ModeSolo   SyncMode = "solo"
	ModeSynced SyncMode = "synced"
)

// ConflictType distinguishes the two conflict shapes the merge can detect.
type ConflictType string

const (
	ConflictField          ConflictType = "field"
	ConflictDeleteVsUpdate ConflictType = "delete_vs_update"
)

// ConflictStatus is the lifecycle state of a stored conflict.
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictCancelled ConflictStatus = "cancelled"
)

// Person is a human in the ring. One person may own several devices.
type Person struct {
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	IsSelf    bool       `json:"is_self"`
	CreatedAt time.Time  `json:"created_at"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// Device is one ring member. DeviceID is derived from the signing public
// key, so it is stable for the life of the keypair.
type Device struct {
	DeviceID         string     `json:"device_id"`
	PersonUUID       string     `json:"person_uuid"`
	Name             string     `json:"name"`
	SigningPublicKey string     `json:"signing_public_key"` // 65-byte uncompressed point, hex
	PublishIdentity  string     `json:"publish_identity"`   // X25519 public key, hex
	AddedAt          time.Time  `json:"added_at"`
	RemovedAt        *time.Time `json:"removed_at,omitempty"`
}

// Record is a generic domain entity (expense, settlement, note). Fields are
// schemaless JSON so the merge can treat every record type the same way.
type Record struct {
	UUID      string          `json:"uuid"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// Group is a sharing scope with its own symmetric key.
type Group struct {
	UUID        string     `json:"uuid"`
	Name        string     `json:"name"`
	MemberUUIDs []string   `json:"member_uuids"`
	CreatedAt   time.Time  `json:"created_at"`
	ForkedFrom  string     `json:"forked_from,omitempty"`
	RemovedAt   *time.Time `json:"removed_at,omitempty"`
}

// GroupKey is the symmetric key material for one group. Exactly one key per
// group is active; superseded keys are kept to decrypt old chunks.
type GroupKey struct {
	GroupUUID string    `json:"group_uuid"`
	Key       []byte    `json:"key"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	RotatedAt time.Time `json:"rotated_at"`
}

// PeerState tracks sync progress against one remote device.
type PeerState struct {
	DeviceID            string     `json:"device_id"`
	PublishIdentity     string     `json:"publish_identity"`
	LastSyncedID        int64      `json:"last_synced_id"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// ConflictOption is one candidate value inside a stored conflict. The
// (DeviceID, MutationID) pair lets later writes prove they causally cover
// this option. Field is set on delete_vs_update options so the winning
// update knows which field it re-applies to.
type ConflictOption struct {
	MutationUUID string          `json:"mutation_uuid"`
	DeviceID     string          `json:"device_id"`
	MutationID   int64           `json:"mutation_id"`
	Field        string          `json:"field,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	IsDelete     bool            `json:"is_delete,omitempty"`
	HLC          string          `json:"hlc"`
	SignedAt     time.Time       `json:"signed_at"`
}

// Conflict is a materialized concurrent-edit conflict awaiting manual
// resolution. Options grow while the conflict is pending; a conflict never
// has fewer than two.
type Conflict struct {
	ID          int64            `json:"id"`
	Type        ConflictType     `json:"type"`
	TargetUUID  string           `json:"target_uuid"`
	TargetType  TargetType       `json:"target_type"`
	Field       string           `json:"field,omitempty"` // empty for delete_vs_update
	Options     []ConflictOption `json:"options"`
	Status      ConflictStatus   `json:"status"`
	DetectedAt  time.Time        `json:"detected_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	WinnerUUID  string           `json:"winner_uuid,omitempty"`
	ResolvedHLC string           `json:"resolved_hlc,omitempty"`
}

// ChunkRef locates one published mutation chunk and the id range it covers.
type ChunkRef struct {
	Address string `json:"address"`
	FromID  int64  `json:"from_id"`
	ToID    int64  `json:"to_id"`
}

// MalformedReport records inbound content that failed verification or
// decoding. Kept for diagnostics; never blocks a sync cycle.
type MalformedReport struct {
	ID           int64     `json:"id"`
	PeerDeviceID string    `json:"peer_device_id"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"detail,omitempty"`
	DetectedAt   time.Time `json:"detected_at"`
}
