package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/errors"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := map[ConnectionStatus]string{
		StatusDisconnected:    "disconnected",
		StatusConnecting:      "connecting",
		StatusConnected:       "connected",
		StatusReconnecting:    "reconnecting",
		StatusCircuitOpen:     "circuit_open",
		ConnectionStatus(42):  "unknown",
	}
	for status, want := range tests {
		assert.Equal(t, want, status.String())
	}
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.ErrorIs(t, c.Publish("x", nil), ErrNotConnected)

	_, err = c.Subscribe("x", func([]byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CircuitBreakerOpensAfterFailures(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(50*time.Millisecond),
		WithMaxReconnects(0),
		WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, c.Connect(ctx))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Error(t, c.Connect(ctx))
	assert.Equal(t, StatusCircuitOpen, c.Status())

	err = c.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(2), c.GetStatus().FailureCount)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithCredentials("u", "p"))
	require.NoError(t, err)

	assert.NoError(t, c.Close(context.Background()))
	assert.NoError(t, c.Close(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), errors.ErrClosed)
}

func TestClient_DisconnectCallback(t *testing.T) {
	var got []error
	c, err := NewClient("nats://127.0.0.1:1", WithDisconnectCallback(func(err error) {
		got = append(got, err)
	}))
	require.NoError(t, err)

	lost := errors.New("connection reset")
	c.handleDisconnect(nil, lost)
	assert.Equal(t, StatusReconnecting, c.Status())
	assert.Equal(t, []error{lost}, got)

	// No callback once the client is closed.
	require.NoError(t, c.Close(context.Background()))
	c.handleDisconnect(nil, lost)
	assert.Len(t, got, 1)
}
