package mutation

import (
	"encoding/json"
	"fmt"

	"github.com/maren/divvy/internal/models"
)

// RecordCreate seeds a new domain record with its initial fields.
type RecordCreate struct {
	RecordType string                     `json:"record_type"`
	Fields     map[string]json.RawMessage `json:"fields"`
}

// RecordUpdate sets one or more fields on an existing record. Each field
// is merged independently, so concurrent writes to different fields never
// conflict.
type RecordUpdate struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

// PersonUpsert creates or renames a person.
type PersonUpsert struct {
	Name string `json:"name"`
}

// DeviceAdd enrolls a device into the ring. TargetUUID is the device id.
type DeviceAdd struct {
	PersonUUID       string `json:"person_uuid"`
	Name             string `json:"name"`
	SigningPublicKey string `json:"signing_public_key"` // 65-byte point, hex
	PublishIdentity  string `json:"publish_identity"`   // X25519 public, hex
}

// DeviceUpdate renames a device or announces a rotated publish identity.
// Empty fields are unchanged.
type DeviceUpdate struct {
	Name            string `json:"name,omitempty"`
	PublishIdentity string `json:"publish_identity,omitempty"`
}

// DeviceRemove announces a device's removal from the ring.
type DeviceRemove struct {
	Reason string `json:"reason,omitempty"` // "self_removal" when the device removed itself
}

// DeviceRemove reasons.
const (
	RemovalReasonPeer = "removed"      // another device removed it
	RemovalReasonSelf = "self_removal" // the device removed itself
)

// GroupCreate makes a new sharing group. ForkedFrom names the source group
// when the new group is a fork excluding some members.
type GroupCreate struct {
	Name        string   `json:"name"`
	MemberUUIDs []string `json:"member_uuids"`
	ForkedFrom  string   `json:"forked_from,omitempty"`
}

// GroupUpdate renames a group or replaces its membership. Nil members
// means unchanged.
type GroupUpdate struct {
	Name        string   `json:"name,omitempty"`
	MemberUUIDs []string `json:"member_uuids,omitempty"`
}

// ResolveConflict records a manual conflict resolution. It carries the
// winning value so devices that never materialized the conflict can still
// apply the outcome. Field is empty for delete_vs_update; there
// WinnerDelete marks the delete option winning, and WinnerField names the
// field the surviving update applies to.
type ResolveConflict struct {
	Field        string          `json:"field,omitempty"`
	WinnerUUID   string          `json:"winner_uuid"`
	WinnerField  string          `json:"winner_field,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	WinnerDelete bool            `json:"winner_delete,omitempty"`
}

// EncodePayload marshals a typed payload for embedding in a mutation.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload returns the typed payload for a mutation's target/verb
// pair, or an error for unknown combinations. Deletes carry no payload
// except on devices, where removal metadata rides along.
func DecodePayload(m *Mutation) (any, error) {
	if m.Verb == models.VerbResolveConflict {
		if m.TargetType != models.TargetRecord {
			return nil, fmt.Errorf("%w: resolution targets %s", ErrMalformed, m.TargetType)
		}
		var p ResolveConflict
		if err := decodeInto(m, &p); err != nil {
			return nil, err
		}
		if p.WinnerUUID == "" {
			return nil, fmt.Errorf("%w: resolution without winner", ErrMalformed)
		}
		return &p, nil
	}

	switch m.TargetType {
	case models.TargetRecord:
		switch m.Verb {
		case models.VerbCreate:
			var p RecordCreate
			if err := decodeInto(m, &p); err != nil {
				return nil, err
			}
			if p.RecordType == "" {
				return nil, fmt.Errorf("%w: record create without type", ErrMalformed)
			}
			return &p, nil
		case models.VerbUpdate:
			var p RecordUpdate
			if err := decodeInto(m, &p); err != nil {
				return nil, err
			}
			if len(p.Fields) == 0 {
				return nil, fmt.Errorf("%w: record update without fields", ErrMalformed)
			}
			return &p, nil
		case models.VerbDelete:
			return nil, nil
		}

	case models.TargetPerson:
		switch m.Verb {
		case models.VerbCreate, models.VerbUpdate:
			var p PersonUpsert
			if err := decodeInto(m, &p); err != nil {
				return nil, err
			}
			if p.Name == "" {
				return nil, fmt.Errorf("%w: person without name", ErrMalformed)
			}
			return &p, nil
		case models.VerbDelete:
			return nil, nil
		}

	case models.TargetDevice:
		switch m.Verb {
		case models.VerbCreate:
			var p DeviceAdd
			if err := decodeInto(m, &p); err != nil {
				return nil, err
			}
			if p.SigningPublicKey == "" || p.PublishIdentity == "" {
				return nil, fmt.Errorf("%w: device add without keys", ErrMalformed)
			}
			return &p, nil
		case models.VerbUpdate:
			var p DeviceUpdate
			if err := decodeInto(m, &p); err != nil {
				return nil, err
			}
			return &p, nil
		case models.VerbDelete:
			var p DeviceRemove
			if len(m.Payload) > 0 {
				if err := decodeInto(m, &p); err != nil {
					return nil, err
				}
			}
			return &p, nil
		}

	case models.TargetGroup:
		switch m.Verb {
		case models.VerbCreate:
			var p GroupCreate
			if err := decodeInto(m, &p); err != nil {
				return nil, err
			}
			if p.Name == "" {
				return nil, fmt.Errorf("%w: group without name", ErrMalformed)
			}
			return &p, nil
		case models.VerbUpdate:
			var p GroupUpdate
			if err := decodeInto(m, &p); err != nil {
				return nil, err
			}
			return &p, nil
		case models.VerbDelete:
			return nil, nil
		}
	}

	return nil, fmt.Errorf("%w: no operation for %s/%s", ErrMalformed, m.TargetType, m.Verb)
}

func decodeInto(m *Mutation, v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s/%s without payload", ErrMalformed, m.TargetType, m.Verb)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return nil
}
