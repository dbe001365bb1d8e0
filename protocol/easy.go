package protocol

import (
	"encoding/binary"
	"io"

	"github.com/c360/duplexbus/errors"
)

// EasyFormatter writes data frames only: [payload type][payload]. It is meant for
// connection-oriented transports where the socket is the session, and for peers
// that do not speak the full frame protocol.
type EasyFormatter struct {
	ByteOrder      binary.ByteOrder
	MaxPayloadSize int
}

// NewEasyFormatter returns a little-endian EasyFormatter.
func NewEasyFormatter() *EasyFormatter {
	return &EasyFormatter{ByteOrder: binary.LittleEndian, MaxPayloadSize: DefaultMaxPayloadSize}
}

// EncodeOpen returns nil; the transport conveys the open.
func (f *EasyFormatter) EncodeOpen(string) ([]byte, error) { return nil, nil }

// EncodeClose returns nil; the transport conveys the close.
func (f *EasyFormatter) EncodeClose(string) ([]byte, error) { return nil, nil }

// EncodeMessage encodes payload. The response receiver id is not written.
func (f *EasyFormatter) EncodeMessage(_ string, payload any) ([]byte, error) {
	w := NewWriter(f.ByteOrder, f.MaxPayloadSize)
	w.WritePayload(payload)
	b, err := w.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "EasyFormatter", "EncodeMessage", "encode payload")
	}
	return b, nil
}

// Decode reads one data frame. The returned message has an empty response
// receiver id; the connector fills in the id of the connection it read from.
func (f *EasyFormatter) Decode(r io.Reader) (*Message, error) {
	rd := NewReader(r, f.ByteOrder, f.MaxPayloadSize)

	tag, err := rd.ReadByte()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, truncated(err)
	}

	var payload any
	switch tag {
	case PayloadNone:
	case PayloadBytes:
		payload, err = rd.ReadBytes()
	case PayloadString:
		payload, err = rd.ReadString()
	default:
		return nil, errors.Protocolf("EasyFormatter", "Decode", "unknown payload type %d", tag)
	}
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindData, Payload: payload}, nil
}
