package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/errors"
)

type request struct {
	Op string `json:"op"`
	A  int    `json:"a"`
	B  int    `json:"b"`
}

func TestJSON(t *testing.T) {
	var s Serializer = JSON{}
	data, err := s.Serialize(request{Op: "add", A: 2, B: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"add","a":2,"b":3}`, string(data))

	var got request
	require.NoError(t, s.Deserialize(data, &got))
	assert.Equal(t, request{Op: "add", A: 2, B: 3}, got)
}

func TestJSONFailures(t *testing.T) {
	_, err := JSON{}.Serialize(make(chan int))
	assert.ErrorIs(t, err, errors.ErrSerialization)
	assert.True(t, errors.IsInvalid(err))

	var got request
	err = JSON{}.Deserialize([]byte("{not json"), &got)
	assert.ErrorIs(t, err, errors.ErrSerialization)
}

func TestBytes(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    []byte
		wantErr bool
	}{
		{"bytes", []byte{1, 2}, []byte{1, 2}, false},
		{"string", "ab", []byte("ab"), false},
		{"nil", nil, nil, true},
		{"int", 7, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Bytes(tt.payload)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrSerialization)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
