package broker

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/serializer"
)

func TestSerializers_RoundTrip(t *testing.T) {
	serializers := map[string]serializer.Serializer{
		"binary-le": BinarySerializer{},
		"binary-be": BinarySerializer{ByteOrder: binary.BigEndian},
		"json":      serializer.JSON{},
	}
	messages := []Message{
		{Kind: KindPublish, Topics: []string{"sensor.temp"}, Payload: "21.5"},
		{Kind: KindPublish, Topics: []string{"raw"}, Payload: []byte{1, 2, 3}},
		{Kind: KindSubscribe, Topics: []string{"a", "b"}},
		{Kind: KindSubscribeRegExp, Topics: []string{`^sensor\..*`}},
		{Kind: KindUnsubscribeAll},
	}

	for name, ser := range serializers {
		t.Run(name, func(t *testing.T) {
			for _, msg := range messages {
				data, err := ser.Serialize(msg)
				require.NoError(t, err)
				var got Message
				require.NoError(t, ser.Deserialize(data, &got))
				if diff := cmp.Diff(msg, got); diff != "" {
					t.Errorf("%s mismatch (-want +got):\n%s", msg.Kind, diff)
				}
			}
		})
	}
}

func TestBinarySerializer_PayloadOnlyForPublish(t *testing.T) {
	ser := BinarySerializer{}
	withPayload, err := ser.Serialize(Message{Kind: KindSubscribe, Topics: []string{"t"}, Payload: "ignored"})
	require.NoError(t, err)
	without, err := ser.Serialize(Message{Kind: KindSubscribe, Topics: []string{"t"}})
	require.NoError(t, err)
	assert.Equal(t, without, withPayload)
}

func TestBinarySerializer_Rejects(t *testing.T) {
	ser := BinarySerializer{}
	valid, err := ser.Serialize(Message{Kind: KindPublish, Topics: []string{"t"}, Payload: "x"})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown kind", append([]byte{15}, valid[1:]...)},
		{"negative count", []byte{byte(KindSubscribe), 0xff, 0xff, 0xff, 0xff}},
		{"huge count", []byte{byte(KindSubscribe), 0xff, 0xff, 0xff, 0x7f}},
		{"truncated", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			err := ser.Deserialize(tt.data, &msg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrSerialization))
		})
	}
}

func TestJSON_RejectsUnknownKind(t *testing.T) {
	var msg Message
	err := serializer.JSON{}.Deserialize([]byte(`{"kind": 70, "topics": ["t"]}`), &msg)
	assert.True(t, errors.Is(err, errors.ErrSerialization))
}
