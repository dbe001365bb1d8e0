package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/connector/memory"
	"github.com/c360/duplexbus/dispatch"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/pkg/observer"
)

const wait = 2 * time.Second

type events[T any] struct {
	mu    sync.Mutex
	items []T
	ch    chan struct{}
}

func collect[T any](event *observer.Event[T]) *events[T] {
	e := &events[T]{ch: make(chan struct{}, 1024)}
	event.Subscribe(func(v T) {
		e.mu.Lock()
		e.items = append(e.items, v)
		e.mu.Unlock()
		e.ch <- struct{}{}
	})
	return e
}

func (e *events[T]) waitN(t *testing.T, n int) []T {
	t.Helper()
	deadline := time.After(wait)
	for {
		e.mu.Lock()
		if len(e.items) >= n {
			out := append([]T(nil), e.items...)
			e.mu.Unlock()
			return out
		}
		e.mu.Unlock()
		select {
		case <-e.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
}

func (e *events[T]) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

func newSystem(opts ...Option) *MessagingSystem {
	return NewMessagingSystem(memory.NewFactory(nil, connector.Options{}), opts...)
}

func TestChannelsExchangeMessages(t *testing.T) {
	system := newSystem()
	input, err := system.CreateDuplexInputChannel("calc")
	require.NoError(t, err)

	connected := collect(input.ResponseReceiverConnected())
	disconnected := collect(input.ResponseReceiverDisconnected())
	input.MessageReceived().Subscribe(func(e MessageEvent) {
		_ = input.SendResponseMessage(e.ResponseReceiverID, "echo:"+e.Payload.(string))
	})
	require.NoError(t, input.StartListening())
	defer input.StopListening()

	output, err := system.CreateDuplexOutputChannelWithID("calc", "client-a")
	require.NoError(t, err)
	assert.Equal(t, "client-a", output.ResponseReceiverID())
	responses := collect(output.ResponseMessageReceived())
	opened := collect(output.ConnectionOpened())

	require.NoError(t, output.OpenConnection(context.Background()))
	assert.Len(t, opened.waitN(t, 1), 1)
	assert.Equal(t, "client-a", connected.waitN(t, 1)[0].ResponseReceiverID)

	require.NoError(t, output.SendMessage("hi"))
	got := responses.waitN(t, 1)
	assert.Equal(t, "echo:hi", got[0].Payload)
	assert.Equal(t, "client-a", got[0].ResponseReceiverID)

	output.CloseConnection()
	assert.Equal(t, "client-a", disconnected.waitN(t, 1)[0].ResponseReceiverID)
}

func TestOutputChannelClosedEventOnce(t *testing.T) {
	system := newSystem()
	input, err := system.CreateDuplexInputChannel("svc")
	require.NoError(t, err)
	connected := collect(input.ResponseReceiverConnected())
	require.NoError(t, input.StartListening())
	defer input.StopListening()

	output, err := system.CreateDuplexOutputChannel("svc")
	require.NoError(t, err)
	assert.NotEmpty(t, output.ResponseReceiverID())
	closed := collect(output.ConnectionClosed())
	require.NoError(t, output.OpenConnection(context.Background()))
	// The open frame is written before the input side registers the session.
	connected.waitN(t, 1)

	input.DisconnectResponseReceiver(output.ResponseReceiverID())
	closed.waitN(t, 1)
	output.CloseConnection()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, closed.len())
	assert.False(t, output.IsConnected())
	assert.ErrorIs(t, output.SendMessage("x"), errors.ErrNotConnected)
}

func TestBroadcastToAllReceivers(t *testing.T) {
	system := newSystem()
	input, err := system.CreateDuplexInputChannel("news")
	require.NoError(t, err)
	connected := collect(input.ResponseReceiverConnected())
	require.NoError(t, input.StartListening())
	defer input.StopListening()

	var all []*events[MessageEvent]
	for i := 0; i < 3; i++ {
		out, err := system.CreateDuplexOutputChannel("news")
		require.NoError(t, err)
		all = append(all, collect(out.ResponseMessageReceived()))
		require.NoError(t, out.OpenConnection(context.Background()))
		defer out.CloseConnection()
	}
	connected.waitN(t, len(all))

	require.NoError(t, input.SendResponseMessage(Broadcast, "flash"))
	for _, e := range all {
		assert.Equal(t, "flash", e.waitN(t, 1)[0].Payload)
	}
}

func TestDispatcherPerChannelKeepsOrder(t *testing.T) {
	provider, err := dispatch.NewProvider(dispatch.Config{Mode: "pool", Workers: 4}, nil, nil)
	require.NoError(t, err)
	defer provider.Close(time.Second)

	system := newSystem(WithDispatchers(provider.Factory()))
	input, err := system.CreateDuplexInputChannel("ordered")
	require.NoError(t, err)
	received := collect(input.MessageReceived())
	require.NoError(t, input.StartListening())
	defer input.StopListening()

	out, err := system.CreateDuplexOutputChannel("ordered")
	require.NoError(t, err)
	require.NoError(t, out.OpenConnection(context.Background()))
	defer out.CloseConnection()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, out.SendMessage([]byte{byte(i)}))
	}
	got := received.waitN(t, n)
	for i, e := range got {
		assert.Equal(t, []byte{byte(i)}, e.Payload)
	}
}

func TestUnsubscribedHandlerNotCalled(t *testing.T) {
	system := newSystem()
	input, err := system.CreateDuplexInputChannel("svc")
	require.NoError(t, err)
	calls := 0
	h := input.ResponseReceiverConnected().Subscribe(func(ConnectionEvent) { calls++ })
	assert.True(t, input.ResponseReceiverConnected().Unsubscribe(h))
	require.NoError(t, input.StartListening())
	defer input.StopListening()

	out, err := system.CreateDuplexOutputChannel("svc")
	require.NoError(t, err)
	require.NoError(t, out.OpenConnection(context.Background()))
	defer out.CloseConnection()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls)
}
