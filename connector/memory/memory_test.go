package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
	"github.com/c360/duplexbus/testutil"
)

const wait = 2 * time.Second

type harness struct {
	factory *Factory
	input   connector.InputConnector
	server  *testutil.Recorder
}

func newHarness(t *testing.T, formatter protocol.Formatter) *harness {
	t.Helper()
	opts := connector.Options{Formatter: formatter, StopTimeout: 500 * time.Millisecond}
	f := NewFactory(nil, opts)
	in, err := f.CreateInputConnector("svc")
	require.NoError(t, err)

	h := &harness{factory: f, input: in, server: testutil.NewRecorder()}
	require.NoError(t, in.StartListening(h.server.Handle))
	t.Cleanup(in.StopListening)
	return h
}

func (h *harness) open(t *testing.T, id string) (connector.OutputConnector, *testutil.Recorder) {
	t.Helper()
	out, err := h.factory.CreateOutputConnector("svc", id)
	require.NoError(t, err)
	rec := testutil.NewRecorder()
	require.NoError(t, out.OpenConnection(context.Background(), rec.Handle))
	t.Cleanup(out.CloseConnection)
	return out, rec
}

func TestRequestResponse(t *testing.T) {
	for name, formatter := range map[string]protocol.Formatter{
		"binary": protocol.NewBinaryFormatter(),
		"easy":   protocol.NewEasyFormatter(),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, formatter)
			out, responses := h.open(t, "client-1")
			assert.True(t, out.IsConnected())

			require.True(t, h.server.WaitLen(1, wait))
			opened := h.server.All()[0]
			assert.Equal(t, protocol.KindOpen, opened.Message.Kind)
			sessionID := opened.Message.ResponseReceiverID
			if name == "binary" {
				assert.Equal(t, "client-1", sessionID)
			} else {
				assert.NotEmpty(t, sessionID, "a session id is synthesized without open frames")
			}

			require.NoError(t, out.SendRequestMessage("ping"))
			require.True(t, h.server.WaitPayloads(1, wait))
			req := h.server.All()[1]
			assert.Equal(t, sessionID, req.Message.ResponseReceiverID)

			require.NoError(t, h.input.SendResponseMessage(sessionID, []byte("pong")))
			require.True(t, responses.WaitPayloads(1, wait))
			assert.Equal(t, []any{[]byte("pong")}, responses.Payloads())
		})
	}
}

func TestPerSessionOrdering(t *testing.T) {
	h := newHarness(t, protocol.NewBinaryFormatter())
	const clients, perClient = 4, 100

	outs := make([]connector.OutputConnector, clients)
	for i := range outs {
		outs[i], _ = h.open(t, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for i, out := range outs {
		wg.Add(1)
		go func(i int, out connector.OutputConnector) {
			defer wg.Done()
			for n := 0; n < perClient; n++ {
				assert.NoError(t, out.SendRequestMessage(fmt.Sprintf("%d", n)))
			}
		}(i, out)
	}
	wg.Wait()

	require.True(t, h.server.WaitPayloads(clients*perClient, wait))
	next := map[string]int{}
	for _, ctx := range h.server.All() {
		if ctx.Message.Kind != protocol.KindData {
			continue
		}
		id := ctx.Message.ResponseReceiverID
		assert.Equal(t, fmt.Sprintf("%d", next[id]), ctx.Message.Payload, "session %s", id)
		next[id]++
	}
}

func TestOutputStateErrors(t *testing.T) {
	h := newHarness(t, protocol.NewBinaryFormatter())
	out, err := h.factory.CreateOutputConnector("svc", "a")
	require.NoError(t, err)

	assert.ErrorIs(t, out.SendRequestMessage("x"), errors.ErrNotConnected)

	require.NoError(t, out.OpenConnection(context.Background(), nil))
	assert.ErrorIs(t, out.OpenConnection(context.Background(), nil), errors.ErrAlreadyConnected)

	out.CloseConnection()
	out.CloseConnection()
	assert.False(t, out.IsConnected())
	assert.ErrorIs(t, out.SendRequestMessage("x"), errors.ErrNotConnected)
}

func TestOpenUnknownAddressFails(t *testing.T) {
	f := NewFactory(nil, connector.Options{ConnectPolicy: errors.ConnectPolicy{Attempts: 1}})
	out, err := f.CreateOutputConnector("nowhere", "a")
	require.NoError(t, err)

	err = out.OpenConnection(context.Background(), nil)
	assert.ErrorIs(t, err, errors.ErrConnectFailure)
	assert.False(t, out.IsConnected())
}

func TestServerCloseNotifiesClientOnce(t *testing.T) {
	h := newHarness(t, protocol.NewBinaryFormatter())
	out, responses := h.open(t, "a")
	require.True(t, h.server.WaitLen(1, wait))

	h.input.CloseConnection("a")

	require.True(t, responses.WaitLen(1, wait))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, responses.Ended())
	assert.False(t, out.IsConnected())
	assert.ErrorIs(t, h.input.SendResponseMessage("a", "x"), errors.ErrUnknownSession)
}

func TestClientCloseNotifiesServer(t *testing.T) {
	h := newHarness(t, protocol.NewBinaryFormatter())
	out, responses := h.open(t, "a")
	require.True(t, h.server.WaitLen(1, wait))

	out.CloseConnection()

	require.True(t, h.server.WaitLen(2, wait))
	assert.Equal(t, []protocol.Kind{protocol.KindOpen, protocol.KindClose}, h.server.Kinds())
	assert.Equal(t, 0, responses.Ended(), "a local close does not invoke the handler")
}

func TestDuplicateSessionRejected(t *testing.T) {
	h := newHarness(t, protocol.NewBinaryFormatter())
	h.open(t, "same")
	require.True(t, h.server.WaitLen(1, wait))

	dup, rec := h.open(t, "same")
	require.True(t, rec.WaitLen(1, wait))
	assert.Equal(t, 1, rec.Ended())
	assert.False(t, dup.IsConnected())
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t, protocol.NewBinaryFormatter())
	_, r1 := h.open(t, "a")
	_, r2 := h.open(t, "b")
	require.True(t, h.server.WaitLen(2, wait))

	require.NoError(t, h.input.SendBroadcast("hello"))
	require.True(t, r1.WaitPayloads(1, wait))
	require.True(t, r2.WaitPayloads(1, wait))
}

func TestHandlerPanicDoesNotKillListener(t *testing.T) {
	opts := connector.Options{Formatter: protocol.NewBinaryFormatter()}
	f := NewFactory(nil, opts)
	in, err := f.CreateInputConnector("svc")
	require.NoError(t, err)

	rec := testutil.NewRecorder()
	require.NoError(t, in.StartListening(func(ctx *connector.MessageContext) {
		rec.Handle(ctx)
		if ctx.Message.Payload == "boom" {
			panic("handler failure")
		}
	}))
	defer in.StopListening()

	out, err := f.CreateOutputConnector("svc", "a")
	require.NoError(t, err)
	require.NoError(t, out.OpenConnection(context.Background(), nil))
	defer out.CloseConnection()

	require.NoError(t, out.SendRequestMessage("boom"))
	require.NoError(t, out.SendRequestMessage("after"))
	require.True(t, rec.WaitPayloads(2, wait))
}

func TestStopListeningClosesSessions(t *testing.T) {
	h := newHarness(t, protocol.NewBinaryFormatter())
	out, responses := h.open(t, "a")
	require.True(t, h.server.WaitLen(1, wait))

	h.input.StopListening()
	assert.False(t, h.input.IsListening())
	require.True(t, responses.WaitLen(1, wait))
	assert.Equal(t, 1, responses.Ended())
	assert.False(t, out.IsConnected())

	// The address is free again.
	require.NoError(t, h.input.StartListening(h.server.Handle))
	assert.ErrorIs(t, h.input.StartListening(nil), errors.ErrAlreadyListening)
}
