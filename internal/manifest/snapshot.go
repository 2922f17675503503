package manifest

import (
	"encoding/json"
	"time"

	"github.com/maren/divvy/internal/models"
)

// Snapshot is a full encrypted export of applied state, published so a
// joining device can bootstrap without replaying every chunk ever
// written. It carries the merge bookkeeping too: without field writes
// and target clocks the joiner could not judge causality of mutations
// that arrive after the snapshot.
type Snapshot struct {
	DeviceID      string           `json:"device_id"`
	TakenAt       time.Time        `json:"taken_at"`
	MaxMutationID int64            `json:"max_mutation_id"`
	Records       []models.Record  `json:"records,omitempty"`
	Persons       []models.Person  `json:"persons,omitempty"`
	Devices       []models.Device  `json:"devices,omitempty"`
	Groups        []models.Group   `json:"groups,omitempty"`
	FieldWrites   []FieldWriteRow  `json:"field_writes,omitempty"`
	TargetClocks  []TargetClockRow `json:"target_clocks,omitempty"`
	// Watermarks is the highest applied mutation id per author device.
	// The joiner seeds its peer cursors from these so the first pull
	// fetches only what the snapshot missed.
	Watermarks map[string]int64 `json:"watermarks,omitempty"`
}

// FieldWriteRow is one last-applied field write.
type FieldWriteRow struct {
	TargetUUID   string           `json:"target_uuid"`
	Field        string           `json:"field"`
	DeviceID     string           `json:"device_id"`
	MutationID   int64            `json:"mutation_id"`
	MutationUUID string           `json:"mutation_uuid"`
	HLC          string           `json:"hlc"`
	Value        json.RawMessage  `json:"value,omitempty"`
	IsDelete     bool             `json:"is_delete,omitempty"`
	Basis        map[string]int64 `json:"basis,omitempty"`
}

// TargetClockRow is one entry of a target's observed sequence vector.
type TargetClockRow struct {
	TargetUUID string `json:"target_uuid"`
	DeviceID   string `json:"device_id"`
	LastID     int64  `json:"last_id"`
}

// EncodeSnapshot seals a snapshot with the broadcast key.
func EncodeSnapshot(s *Snapshot, key []byte) ([]byte, error) {
	return sealDoc(key, s)
}

// DecodeSnapshot opens a fetched snapshot with any of keys.
func DecodeSnapshot(data []byte, keys [][]byte) (*Snapshot, error) {
	var s Snapshot
	if err := openDoc(keys, data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
