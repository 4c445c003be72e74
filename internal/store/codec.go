package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Records are persisted gob-encoded by the disk backends.

func (r Record) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalRecord(b []byte) (Record, error) {
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
