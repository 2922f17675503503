package mutation

import (
	"encoding/json"
	"testing"

	"github.com/maren/divvy/internal/models"
)

func payloadMutation(t *testing.T, targetType models.TargetType, verb models.Verb, payload any) *Mutation {
	t.Helper()
	raw, err := EncodePayload(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return &Mutation{
		Version:    Version,
		TargetType: targetType,
		Verb:       verb,
		Payload:    raw,
	}
}

func TestDecodeRecordPayloads(t *testing.T) {
	m := payloadMutation(t, models.TargetRecord, models.VerbCreate, &RecordCreate{
		RecordType: "expense",
		Fields:     map[string]json.RawMessage{"amount": json.RawMessage(`"10.00"`)},
	})
	v, err := DecodePayload(m)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	rc, ok := v.(*RecordCreate)
	if !ok {
		t.Fatalf("type = %T, want *RecordCreate", v)
	}
	if rc.RecordType != "expense" {
		t.Errorf("record type = %q", rc.RecordType)
	}

	m = payloadMutation(t, models.TargetRecord, models.VerbUpdate, &RecordUpdate{
		Fields: map[string]json.RawMessage{"payer": json.RawMessage(`"p1"`)},
	})
	v, err = DecodePayload(m)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if _, ok := v.(*RecordUpdate); !ok {
		t.Fatalf("type = %T, want *RecordUpdate", v)
	}

	// Deletes carry nothing
	m = &Mutation{Version: Version, TargetType: models.TargetRecord, Verb: models.VerbDelete}
	v, err = DecodePayload(m)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if v != nil {
		t.Errorf("delete payload = %v, want nil", v)
	}
}

func TestDecodeRingPayloads(t *testing.T) {
	m := payloadMutation(t, models.TargetPerson, models.VerbCreate, &PersonUpsert{Name: "Ana"})
	v, err := DecodePayload(m)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p := v.(*PersonUpsert); p.Name != "Ana" {
		t.Errorf("name = %q", p.Name)
	}

	m = payloadMutation(t, models.TargetDevice, models.VerbCreate, &DeviceAdd{
		PersonUUID:       "p1",
		Name:             "laptop",
		SigningPublicKey: "04aa",
		PublishIdentity:  "bb",
	})
	v, err = DecodePayload(m)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if d := v.(*DeviceAdd); d.PersonUUID != "p1" {
		t.Errorf("person = %q", d.PersonUUID)
	}

	// Device removal with empty payload still decodes
	m = &Mutation{Version: Version, TargetType: models.TargetDevice, Verb: models.VerbDelete}
	v, err = DecodePayload(m)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if r := v.(*DeviceRemove); r.Reason != "" {
		t.Errorf("reason = %q, want empty", r.Reason)
	}

	m = payloadMutation(t, models.TargetGroup, models.VerbCreate, &GroupCreate{
		Name:        "apartment",
		MemberUUIDs: []string{"p1", "p2"},
	})
	v, err = DecodePayload(m)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if g := v.(*GroupCreate); len(g.MemberUUIDs) != 2 {
		t.Errorf("members = %d, want 2", len(g.MemberUUIDs))
	}
}

func TestDecodeResolvePayload(t *testing.T) {
	m := payloadMutation(t, models.TargetRecord, models.VerbResolveConflict, &ResolveConflict{
		Field:      "amount",
		WinnerUUID: "m2",
		Value:      json.RawMessage(`"12.00"`),
	})
	v, err := DecodePayload(m)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	r := v.(*ResolveConflict)
	if r.WinnerUUID != "m2" {
		t.Errorf("winner = %q", r.WinnerUUID)
	}

	// Resolution without a winner is malformed
	m = payloadMutation(t, models.TargetRecord, models.VerbResolveConflict, &ResolveConflict{Field: "amount"})
	if _, err := DecodePayload(m); err == nil {
		t.Error("winnerless resolution accepted")
	}
}

func TestDecodeRejectsBadCombos(t *testing.T) {
	cases := []struct {
		name       string
		targetType models.TargetType
		verb       models.Verb
		payload    json.RawMessage
	}{
		{"record create without type", models.TargetRecord, models.VerbCreate, json.RawMessage(`{"fields":{}}`)},
		{"record update without fields", models.TargetRecord, models.VerbUpdate, json.RawMessage(`{"fields":{}}`)},
		{"person without name", models.TargetPerson, models.VerbCreate, json.RawMessage(`{}`)},
		{"device add without keys", models.TargetDevice, models.VerbCreate, json.RawMessage(`{"person_uuid":"p1"}`)},
		{"group without name", models.TargetGroup, models.VerbCreate, json.RawMessage(`{}`)},
		{"unknown verb", models.TargetRecord, "merge", nil},
		{"unknown target", "widget", models.VerbCreate, json.RawMessage(`{}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Mutation{Version: Version, TargetType: tc.targetType, Verb: tc.verb, Payload: tc.payload}
			if _, err := DecodePayload(m); err == nil {
				t.Error("bad combination accepted")
			}
		})
	}
}
