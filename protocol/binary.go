package protocol

import (
	"encoding/binary"
	"io"

	"github.com/c360/duplexbus/errors"
)

// kindOpenWithAddress is the wire tag of an open frame carrying a reply address.
// It decodes to KindOpen with the address as payload.
const kindOpenWithAddress byte = 11

// BinaryFormatter encodes frames as
//
//	open:  [10][id]
//	open:  [11][id][address]
//	close: [20][id]
//	data:  [40][id][payload type][payload]
//
// where id, address and payload are int32 length-prefixed.
type BinaryFormatter struct {
	ByteOrder      binary.ByteOrder
	MaxPayloadSize int
}

// NewBinaryFormatter returns a little-endian formatter with the default size limit.
func NewBinaryFormatter() *BinaryFormatter {
	return &BinaryFormatter{ByteOrder: binary.LittleEndian, MaxPayloadSize: DefaultMaxPayloadSize}
}

func (f *BinaryFormatter) header(kind byte, id string) *Writer {
	w := NewWriter(f.ByteOrder, f.MaxPayloadSize)
	_ = w.WriteByte(kind)
	w.WriteString(id)
	return w
}

// EncodeOpen encodes an open frame.
func (f *BinaryFormatter) EncodeOpen(responseReceiverID string) ([]byte, error) {
	return f.header(byte(KindOpen), responseReceiverID).Bytes()
}

// EncodeOpenWithAddress encodes an open frame announcing where responses should go.
func (f *BinaryFormatter) EncodeOpenWithAddress(responseReceiverID, address string) ([]byte, error) {
	w := f.header(kindOpenWithAddress, responseReceiverID)
	w.WriteString(address)
	return w.Bytes()
}

// EncodeClose encodes a close frame.
func (f *BinaryFormatter) EncodeClose(responseReceiverID string) ([]byte, error) {
	return f.header(byte(KindClose), responseReceiverID).Bytes()
}

// EncodeMessage encodes a data frame.
func (f *BinaryFormatter) EncodeMessage(responseReceiverID string, payload any) ([]byte, error) {
	w := f.header(byte(KindData), responseReceiverID)
	w.WritePayload(payload)
	b, err := w.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "BinaryFormatter", "EncodeMessage", "encode payload")
	}
	return b, nil
}

// Decode reads one frame from r.
func (f *BinaryFormatter) Decode(r io.Reader) (*Message, error) {
	rd := NewReader(r, f.ByteOrder, f.MaxPayloadSize)

	kind, err := rd.ReadByte()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, truncated(err)
	}

	id, err := rd.ReadString()
	if err != nil {
		return nil, err
	}

	msg := &Message{ResponseReceiverID: id}
	switch kind {
	case byte(KindOpen):
		msg.Kind = KindOpen
	case kindOpenWithAddress:
		msg.Kind = KindOpen
		if msg.Payload, err = rd.ReadString(); err != nil {
			return nil, err
		}
	case byte(KindClose):
		msg.Kind = KindClose
	case byte(KindData):
		msg.Kind = KindData
		if msg.Payload, err = rd.ReadPayload(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Protocolf("BinaryFormatter", "Decode", "unknown frame kind %d", kind)
	}
	return msg, nil
}
