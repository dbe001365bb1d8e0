package protocol

import (
	"fmt"
	"io"
)

// Kind identifies the frame type.
type Kind byte

const (
	KindOpen  Kind = 10
	KindClose Kind = 20
	KindData  Kind = 40
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Message is one decoded frame.
//
// For data frames Payload holds a []byte or a string. For open frames produced by
// EncodeOpenWithAddress it holds the reply address as a string, otherwise nil.
type Message struct {
	Kind               Kind
	ResponseReceiverID string
	Payload            any
}

// Formatter encodes and decodes frames.
//
// EncodeOpen and EncodeClose return nil bytes with a nil error when the formatter
// leaves connection lifecycle to the transport; callers skip the send in that case.
// Decode returns (nil, nil) when the stream ended cleanly at a frame boundary.
type Formatter interface {
	EncodeOpen(responseReceiverID string) ([]byte, error)
	EncodeClose(responseReceiverID string) ([]byte, error)
	EncodeMessage(responseReceiverID string, payload any) ([]byte, error)
	Decode(r io.Reader) (*Message, error)
}

// AddressedOpener is implemented by formatters able to carry a reply address in
// the open frame. Transports without a return path (publish/subscribe subjects)
// require it.
type AddressedOpener interface {
	EncodeOpenWithAddress(responseReceiverID, address string) ([]byte, error)
}

// EmitsLifecycle reports whether f writes explicit open frames.
func EmitsLifecycle(f Formatter) bool {
	b, err := f.EncodeOpen("lifecycle")
	return err == nil && b != nil
}
