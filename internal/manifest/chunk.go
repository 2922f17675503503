package manifest

import "encoding/json"

// Chunk is one published batch of mutations covering a contiguous id
// range of its author's log. Mutations are carried as their signed JSON,
// byte for byte, so signatures stay verifiable after the round trip.
type Chunk struct {
	DeviceID  string            `json:"device_id"`
	FromID    int64             `json:"from_id"`
	ToID      int64             `json:"to_id"`
	Mutations []json.RawMessage `json:"mutations"`
}

// EncodeChunk seals a chunk with the broadcast key for upload.
func EncodeChunk(c *Chunk, key []byte) ([]byte, error) {
	return sealDoc(key, c)
}

// DecodeChunk opens a fetched chunk with any of keys.
func DecodeChunk(data []byte, keys [][]byte) (*Chunk, error) {
	var c Chunk
	if err := openDoc(keys, data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
