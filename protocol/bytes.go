package protocol

import (
	"bytes"

	"github.com/c360/duplexbus/errors"
)

// DecodeBytes decodes exactly one frame from a datagram or message. An empty
// buffer and trailing bytes are both protocol errors.
func DecodeBytes(f Formatter, data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	msg, err := f.Decode(r)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.Protocolf("protocol", "DecodeBytes", "empty frame")
	}
	if r.Len() != 0 {
		return nil, errors.Protocolf("protocol", "DecodeBytes", "%d trailing bytes", r.Len())
	}
	return msg, nil
}
