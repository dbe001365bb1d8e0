package connector

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

type fakeSession struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *fakeSession) ID() string      { return s.id }
func (s *fakeSession) Address() string { return "fake:" + s.id }

func (s *fakeSession) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errors.ErrConnectionLost
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

type collected struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (c *collected) handle(ctx *MessageContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx == nil {
		c.msgs = append(c.msgs, nil)
		return
	}
	c.msgs = append(c.msgs, ctx.Message)
}

func (c *collected) all() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.msgs...)
}

func newTestInput(t *testing.T) (*InputBase, *collected) {
	t.Helper()
	b := NewInputBase("fake", Options{}.WithDefaults("fake-input"))
	c := &collected{}
	b.SetHandler(c.handle)
	return &b, c
}

func TestRegistry(t *testing.T) {
	var r Registry
	a := &fakeSession{id: "a"}
	assert.True(t, r.Add(a))
	assert.False(t, r.Add(&fakeSession{id: "a"}), "duplicate ids are rejected")
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.False(t, r.RemoveIf("a", &fakeSession{id: "a"}), "a stale session does not evict the current one")
	assert.True(t, r.RemoveIf("a", a))
	_, ok = r.Get("a")
	assert.False(t, ok)

	r.Add(&fakeSession{id: "x"})
	r.Add(&fakeSession{id: "y"})
	assert.Len(t, r.Snapshot(), 2)
	assert.Len(t, r.Drain(), 2)
	assert.Zero(t, r.Len())
}

func TestInputBaseAcceptAndLost(t *testing.T) {
	b, c := newTestInput(t)
	s := &fakeSession{id: "a"}

	require.True(t, b.Accept(s))
	dup := &fakeSession{id: "a"}
	assert.False(t, b.Accept(dup))
	assert.True(t, dup.closed)

	b.Lost(s)
	b.Lost(s)

	msgs := c.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.KindOpen, msgs[0].Kind)
	assert.Equal(t, protocol.KindClose, msgs[1].Kind)
	assert.Equal(t, "a", msgs[1].ResponseReceiverID)
}

func TestInputBaseSendResponse(t *testing.T) {
	b, _ := newTestInput(t)
	s := &fakeSession{id: "a"}
	b.Accept(s)

	require.NoError(t, b.SendResponseMessage("a", "hi"))
	frames := s.sent()
	require.Len(t, frames, 1)
	msg, err := protocol.DecodeBytes(b.Formatter, frames[0])
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Payload)

	err = b.SendResponseMessage("missing", "hi")
	assert.ErrorIs(t, err, errors.ErrUnknownSession)
}

func TestInputBaseBroadcastDisconnectsFailedSessions(t *testing.T) {
	b, c := newTestInput(t)
	good := &fakeSession{id: "good"}
	bad := &fakeSession{id: "bad", fail: true}
	b.Accept(good)
	b.Accept(bad)

	err := b.SendBroadcast("news")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.True(t, errors.IsTransient(err))

	assert.Len(t, good.sent(), 1)
	assert.True(t, bad.closed)
	_, ok := b.Sessions.Get("bad")
	assert.False(t, ok)

	last := c.all()[len(c.all())-1]
	assert.Equal(t, protocol.KindClose, last.Kind)
	assert.Equal(t, "bad", last.ResponseReceiverID)
}

func TestInputBaseCloseConnectionSkipsHandler(t *testing.T) {
	b, c := newTestInput(t)
	s := &fakeSession{id: "a"}
	b.Accept(s)

	b.CloseConnection("a")
	b.CloseConnection("a")

	assert.True(t, s.closed)
	require.Len(t, s.sent(), 1)
	msg, err := protocol.DecodeBytes(b.Formatter, s.sent()[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.KindClose, msg.Kind)
	assert.Len(t, c.all(), 1, "only the open frame reaches the handler")
}

func TestOutputBaseStateMachine(t *testing.T) {
	o := NewOutputBase("fake", "client", Options{}.WithDefaults("fake-output"))
	assert.ErrorIs(t, o.CheckOpen("Send"), errors.ErrNotConnected)

	c := &collected{}
	require.NoError(t, o.BeginOpen(c.handle))
	assert.True(t, o.IsOpening())
	assert.ErrorIs(t, o.BeginOpen(nil), errors.ErrAlreadyConnected)

	require.True(t, o.FinishOpen())
	assert.True(t, o.IsConnected())
	assert.NoError(t, o.CheckOpen("Send"))

	torn := 0
	assert.True(t, o.PeerClosed(func() { torn++ }))
	assert.False(t, o.PeerClosed(func() { torn++ }))
	assert.Equal(t, 1, torn)
	assert.False(t, o.BeginClose())

	msgs := c.all()
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0])
}

func TestOutputBaseJoinFromCallbackReturns(t *testing.T) {
	o := NewOutputBase("fake", "client", Options{StopTimeout: time.Hour}.WithDefaults("fake-output"))
	never := make(chan struct{})

	returned := make(chan struct{})
	require.NoError(t, o.BeginOpen(func(*MessageContext) {
		o.Join(never)
		close(returned)
	}))
	o.FinishOpen()
	o.Respond(&protocol.Message{Kind: protocol.KindData}, "peer")

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Join blocked inside the response handler")
	}
}

func TestOutputBaseJoinFromOtherGoroutineWaitsForHandler(t *testing.T) {
	o := NewOutputBase("fake", "client", Options{StopTimeout: time.Hour}.WithDefaults("fake-output"))
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, o.BeginOpen(func(*MessageContext) {
		close(entered)
		<-release
	}))
	o.FinishOpen()

	// The listener exits once the handler returns.
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Respond(&protocol.Message{Kind: protocol.KindData}, "peer")
	}()
	<-entered

	joined := make(chan struct{})
	go func() {
		o.Join(done)
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned while the handler was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("Join did not return after the listener exited")
	}
}

func TestOutputBaseRecoversHandlerPanic(t *testing.T) {
	o := NewOutputBase("fake", "client", Options{}.WithDefaults("fake-output"))
	require.NoError(t, o.BeginOpen(func(*MessageContext) { panic("boom") }))
	o.FinishOpen()
	assert.NotPanics(t, func() { o.Respond(&protocol.Message{Kind: protocol.KindData}, "peer") })
}
