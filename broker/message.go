package broker

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

// Kind is the broker request carried by a Message.
type Kind byte

const (
	KindPublish           Kind = 10
	KindSubscribe         Kind = 20
	KindSubscribeRegExp   Kind = 30
	KindUnsubscribe       Kind = 40
	KindUnsubscribeRegExp Kind = 50
	KindUnsubscribeAll    Kind = 60
)

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindSubscribeRegExp:
		return "subscribe_regexp"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindUnsubscribeRegExp:
		return "unsubscribe_regexp"
	case KindUnsubscribeAll:
		return "unsubscribe_all"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k >= KindPublish && k <= KindUnsubscribeAll && k%10 == 0
}

// Message is the envelope exchanged with the broker. A publish carries its
// topic in Topics[0] and a []byte or string Payload.
type Message struct {
	Kind    Kind
	Topics  []string
	Payload any
}

// Topic returns the published topic, or "" when Topics is empty.
func (m *Message) Topic() string {
	if len(m.Topics) == 0 {
		return ""
	}
	return m.Topics[0]
}

type jsonMessage struct {
	Kind   Kind     `json:"kind"`
	Topics []string `json:"topics,omitempty"`
	Bytes  []byte   `json:"bytes,omitempty"`
	Text   *string  `json:"text,omitempty"`
}

// MarshalJSON keeps the payload type, encoding bytes as base64 and strings as text.
func (m Message) MarshalJSON() ([]byte, error) {
	w := jsonMessage{Kind: m.Kind, Topics: m.Topics}
	switch p := m.Payload.(type) {
	case nil:
	case []byte:
		w.Bytes = p
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
	if !w.Kind.valid() {
		return fmt.Errorf("unknown kind %d", byte(w.Kind))
	}
	m.Kind, m.Topics, m.Payload = w.Kind, w.Topics, nil
	switch {
	case w.Text != nil:
		m.Payload = *w.Text
	case w.Bytes != nil:
		m.Payload = w.Bytes
	}
	return nil
}

// BinarySerializer encodes messages as [kind][int32 count][topics...] followed
// by the payload for publishes.
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
		"broker message")
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
	w.WriteInt32(int32(len(m.Topics)))
	for _, topic := range m.Topics {
		w.WriteString(topic)
	}
	if m.Kind == KindPublish {
		w.WritePayload(m.Payload)
	}
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
	count, err := r.ReadInt32()
	if err != nil {
		return serializationError("Deserialize", err)
	}
	// Each topic needs at least its length prefix.
	if count < 0 || int(count) > len(data)/4 {
		return serializationError("Deserialize", fmt.Errorf("invalid topic count %d", count))
	}

	var topics []string
	if count > 0 {
		topics = make([]string, 0, count)
	}
	for i := int32(0); i < count; i++ {
		topic, err := r.ReadString()
		if err != nil {
			return serializationError("Deserialize", err)
		}
		topics = append(topics, topic)
	}

	var payload any
	if Kind(kind) == KindPublish {
		if payload, err = r.ReadPayload(); err != nil {
			return serializationError("Deserialize", err)
		}
	}
	if _, err := r.ReadByte(); err == nil {
		return serializationError("Deserialize", fmt.Errorf("trailing bytes"))
	}

	*m = Message{Kind: Kind(kind), Topics: topics, Payload: payload}
	return nil
}
