// Package serializer converts envelopes to and from bytes. Failures wrap
// errors.ErrSerialization so receivers can tell a bad peer from a bad transport.
package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/c360/duplexbus/errors"
)

// Serializer encodes values for transport.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
}

// JSON serializes with encoding/json.
type JSON struct{}

// Serialize encodes v as JSON.
func (JSON) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"JSON", "Serialize", "marshal")
	}
	return data, nil
}

// Deserialize decodes JSON data into v.
func (JSON) Deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"JSON", "Deserialize", "unmarshal")
	}
	return nil
}

// Bytes extracts the raw bytes of a frame payload, which connectors deliver as
// []byte or string.
func Bytes(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: payload of type %T", errors.ErrSerialization, payload),
			"serializer", "Bytes", "read payload")
	}
}
