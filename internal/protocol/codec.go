package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec converts host values to and from opaque protocol payloads. A host
// runtime that needs its own value marshalling supplies an implementation;
// everything inside the bridge only ever sees json.RawMessage.
type Codec interface {
	Encode(v any) (json.RawMessage, error)
	Decode(raw json.RawMessage, v any) error
}

// JSONCodec is the default Codec backed by encoding/json.
type JSONCodec struct{}

// Encode marshals v. nil and already-encoded payloads pass through.
func (JSONCodec) Encode(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	case []byte:
		if !json.Valid(val) {
			return nil, fmt.Errorf("encode params: invalid JSON bytes")
		}
		return json.RawMessage(val), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

// Decode unmarshals raw into v. A nil target discards the payload.
func (JSONCodec) Decode(raw json.RawMessage, v any) error {
	if v == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

var _ Codec = JSONCodec{}
