package connector

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

// InputBase implements the session-registry half of InputConnector. Transports
// embed it and add StartListening, StopListening and IsListening.
type InputBase struct {
	Transport string
	Formatter protocol.Formatter
	Logger    *slog.Logger
	Options   Options
	Sessions  Registry

	handler atomic.Pointer[MessageHandler]
}

// NewInputBase prepares an InputBase from opts, which must already have defaults.
func NewInputBase(transport string, opts Options) InputBase {
	return InputBase{
		Transport: transport,
		Formatter: opts.Formatter,
		Logger:    opts.Logger,
		Options:   opts,
	}
}

// SetHandler installs the message handler. A nil handler discards frames.
func (b *InputBase) SetHandler(h MessageHandler) {
	if h == nil {
		b.handler.Store(nil)
		return
	}
	b.handler.Store(&h)
}

// Deliver hands a frame to the handler, recovering a panic.
func (b *InputBase) Deliver(msg *protocol.Message, senderAddress string) {
	b.Options.Metrics.FrameReceived(b.Transport, msg.Kind.String())
	h := b.handler.Load()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Warn("Message handler panicked", "session", msg.ResponseReceiverID, "panic", r)
		}
	}()
	(*h)(&MessageContext{Message: msg, SenderAddress: senderAddress})
}

// Accept registers s and delivers its open frame. It returns false, closing s,
// when the id is already in use.
func (b *InputBase) Accept(s Session) bool {
	if !b.Sessions.Add(s) {
		b.Logger.Warn("Rejecting session with duplicate id", "session", s.ID(), "address", s.Address())
		_ = s.Close()
		return false
	}
	b.Options.Metrics.SessionOpened(b.Transport, "input")
	b.Logger.Debug("Session opened", "session", s.ID(), "address", s.Address())
	b.Deliver(&protocol.Message{Kind: protocol.KindOpen, ResponseReceiverID: s.ID()}, s.Address())
	return true
}

// Lost removes s after the peer closed or failed and delivers a close frame.
// Nothing is delivered when s was already removed.
func (b *InputBase) Lost(s Session) {
	if !b.Sessions.RemoveIf(s.ID(), s) {
		return
	}
	_ = s.Close()
	b.Options.Metrics.SessionClosed(b.Transport, "input")
	b.Logger.Debug("Session closed by peer", "session", s.ID())
	b.Deliver(&protocol.Message{Kind: protocol.KindClose, ResponseReceiverID: s.ID()}, s.Address())
}

// SendResponseMessage encodes payload for the session and sends it.
func (b *InputBase) SendResponseMessage(responseReceiverID string, payload any) error {
	s, ok := b.Sessions.Get(responseReceiverID)
	if !ok {
		return errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownSession, responseReceiverID),
			b.Transport+"InputConnector", "SendResponseMessage", "lookup session")
	}
	frame, err := b.Formatter.EncodeMessage(responseReceiverID, payload)
	if err != nil {
		return err
	}
	if err := s.Send(frame); err != nil {
		b.Options.Metrics.Error(b.Transport, errors.Classify(err).String())
		return errors.WrapTransient(err, b.Transport+"InputConnector", "SendResponseMessage", "send frame")
	}
	b.Options.Metrics.FrameSent(b.Transport, "data")
	return nil
}

// SendBroadcast sends payload to a snapshot of all sessions in parallel.
func (b *InputBase) SendBroadcast(payload any) error {
	sessions := b.Sessions.Snapshot()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []Session
		errs   []error
	)
	for _, s := range sessions {
		frame, err := b.Formatter.EncodeMessage(s.ID(), payload)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(s Session, frame []byte) {
			defer wg.Done()
			if err := s.Send(frame); err != nil {
				mu.Lock()
				failed = append(failed, s)
				errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
				mu.Unlock()
				return
			}
			b.Options.Metrics.FrameSent(b.Transport, "data")
		}(s, frame)
	}
	wg.Wait()

	for _, s := range failed {
		b.Logger.Warn("Broadcast failed, disconnecting session", "session", s.ID())
		b.Lost(s)
	}
	if len(errs) > 0 {
		return errors.WrapTransient(errors.Join(errs...), b.Transport+"InputConnector", "SendBroadcast",
			fmt.Sprintf("broadcast to %d of %d sessions", len(errs), len(sessions)))
	}
	return nil
}

// CloseConnection removes the session, sends a close frame when the formatter
// has one, and closes the transport.
func (b *InputBase) CloseConnection(responseReceiverID string) {
	s, ok := b.Sessions.Remove(responseReceiverID)
	if !ok {
		return
	}
	b.closeSession(s)
}

func (b *InputBase) closeSession(s Session) {
	if frame, err := b.Formatter.EncodeClose(s.ID()); err == nil && frame != nil {
		if err := s.Send(frame); err != nil {
			b.Logger.Debug("Close frame not delivered", "session", s.ID(), "error", err)
		} else {
			b.Options.Metrics.FrameSent(b.Transport, "close")
		}
	}
	_ = s.Close()
	b.Options.Metrics.SessionClosed(b.Transport, "input")
}

// CloseAll disconnects every session without notifying the handler.
func (b *InputBase) CloseAll() {
	for _, s := range b.Sessions.Drain() {
		b.closeSession(s)
	}
}
