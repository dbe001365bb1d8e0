package messagebus

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

// Kind is the bus request carried by a Message.
type Kind byte

const (
	KindRegisterService     Kind = 10
	KindConnectClient       Kind = 20
	KindDisconnectClient    Kind = 30
	KindConfirmClient       Kind = 40
	KindSendRequestMessage  Kind = 50
	KindSendResponseMessage Kind = 60
)

func (k Kind) String() string {
	switch k {
	case KindRegisterService:
		return "register_service"
	case KindConnectClient:
		return "connect_client"
	case KindDisconnectClient:
		return "disconnect_client"
	case KindConfirmClient:
		return "confirm_client"
	case KindSendRequestMessage:
		return "send_request_message"
	case KindSendResponseMessage:
		return "send_response_message"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

func (k Kind) valid() bool {
	switch k {
	case KindRegisterService, KindConnectClient, KindDisconnectClient, KindConfirmClient,
		KindSendRequestMessage, KindSendResponseMessage:
		return true
	}
	return false
}

// Message is the envelope exchanged with the bus.
//
// ID is the service id for RegisterService and ConnectClient sent by a client,
// and a client session id otherwise. Payload is a []byte or string for the two
// Send kinds and nil for control messages.
type Message struct {
	Kind    Kind
	ID      string
	Payload any
}

type jsonMessage struct {
	Kind  Kind    `json:"kind"`
	ID    string  `json:"id"`
	Bytes []byte  `json:"bytes,omitempty"`
	Text  *string `json:"text,omitempty"`
}

// MarshalJSON keeps the payload type, encoding bytes as base64 and strings as text.
func (m Message) MarshalJSON() ([]byte, error) {
	w := jsonMessage{Kind: m.Kind, ID: m.ID}
	switch p := m.Payload.(type) {
	case nil:
	case []byte:
		w.Bytes = p
		if p == nil {
			w.Bytes = []byte{}
		}
	case string:
		w.Text = &p
	default:
		return nil, fmt.Errorf("%w: %T", errors.ErrUnsupportedPayload, m.Payload)
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w jsonMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Kind, m.ID, m.Payload = w.Kind, w.ID, nil
	switch {
	case w.Text != nil:
		m.Payload = *w.Text
	case w.Bytes != nil:
		m.Payload = w.Bytes
	}
	return nil
}

// BinarySerializer encodes messages as [kind][id][payload] using the frame
// primitives of the protocol package.
type BinarySerializer struct {
	ByteOrder binary.ByteOrder
}

func (s BinarySerializer) order() binary.ByteOrder {
	if s.ByteOrder == nil {
		return binary.LittleEndian
	}
	return s.ByteOrder
}

func serializationError(method string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSerialization, err), "BinarySerializer", method,
		"bus message")
}

// Serialize accepts a Message or *Message.
func (s BinarySerializer) Serialize(v any) ([]byte, error) {
	var m *Message
	switch t := v.(type) {
	case Message:
		m = &t
	case *Message:
		m = t
	default:
		return nil, serializationError("Serialize", fmt.Errorf("unexpected type %T", v))
	}

	w := protocol.NewWriter(s.order(), protocol.DefaultMaxPayloadSize)
	_ = w.WriteByte(byte(m.Kind))
	w.WriteString(m.ID)
	w.WritePayload(m.Payload)
	data, err := w.Bytes()
	if err != nil {
		return nil, serializationError("Serialize", err)
	}
	return data, nil
}

// Deserialize decodes into a *Message.
func (s BinarySerializer) Deserialize(data []byte, v any) error {
	m, ok := v.(*Message)
	if !ok {
		return serializationError("Deserialize", fmt.Errorf("unexpected target %T", v))
	}

	r := protocol.NewReader(bytes.NewReader(data), s.order(), protocol.DefaultMaxPayloadSize)
	kind, err := r.ReadByte()
	if err != nil {
		return serializationError("Deserialize", err)
	}
	if !Kind(kind).valid() {
		return serializationError("Deserialize", fmt.Errorf("unknown kind %d", kind))
	}
	id, err := r.ReadString()
	if err != nil {
		return serializationError("Deserialize", err)
	}
	payload, err := r.ReadPayload()
	if err != nil {
		return serializationError("Deserialize", err)
	}
	if _, err := r.ReadByte(); err == nil {
		return serializationError("Deserialize", fmt.Errorf("trailing bytes"))
	}

	*m = Message{Kind: Kind(kind), ID: id, Payload: payload}
	return nil
}
