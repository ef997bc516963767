package pgee

import "encoding/json"

// Codec serializes outbound notify payloads and deserializes inbound ones.
// Payload handling is opaque to the emitter: an Unmarshal failure is never
// surfaced, the raw payload string is delivered instead.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// JSONCodec is the default Codec, backed by encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
