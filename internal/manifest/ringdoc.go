package manifest

import "github.com/maren/divvy/internal/models"

// RingDoc is the published membership document. Peers refresh their view
// of the ring from any member's manifest, so a device whose pointer moved
// is still findable through the others.
type RingDoc struct {
	Persons []models.Person `json:"persons"`
	Devices []models.Device `json:"devices"`
}

// EncodeRingDoc seals the ring document with the broadcast key.
func EncodeRingDoc(r *RingDoc, key []byte) ([]byte, error) {
	return sealDoc(key, r)
}

// DecodeRingDoc opens a fetched ring document with any of keys.
func DecodeRingDoc(data []byte, keys [][]byte) (*RingDoc, error) {
	var r RingDoc
	if err := openDoc(keys, data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PeerDirectory maps device ids to the pointer names they currently
// publish under. Sealed so outsiders cannot enumerate the ring's
// pointers.
type PeerDirectory struct {
	Entries map[string]string `json:"entries"`
}

// EncodePeerDirectory seals the directory with the broadcast key.
func EncodePeerDirectory(d *PeerDirectory, key []byte) ([]byte, error) {
	return sealDoc(key, d)
}

// DecodePeerDirectory opens a fetched directory with any of keys.
func DecodePeerDirectory(data []byte, keys [][]byte) (*PeerDirectory, error) {
	var d PeerDirectory
	if err := openDoc(keys, data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
