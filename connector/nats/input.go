package nats

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

type session struct {
	id     string
	reply  string
	conn   Conn
	closed atomic.Bool
	mu     sync.Mutex
}

func (s *session) ID() string      { return s.id }
func (s *session) Address() string { return s.reply }

func (s *session) Send(frame []byte) error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Publish(s.reply, frame)
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

// Input is the NATS InputConnector.
type Input struct {
	connector.InputBase

	conn    Conn
	subject string

	mu        sync.Mutex
	sub       Subscription
	listening atomic.Bool
}

// StartListening subscribes to the channel subject.
func (in *Input) StartListening(onMessage connector.MessageHandler) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.listening.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyListening, "natsInputConnector", "StartListening", "start listening")
	}

	in.SetHandler(onMessage)
	sub, err := in.conn.Subscribe(in.subject, in.onFrame)
	if err != nil {
		in.SetHandler(nil)
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailure, err),
			"natsInputConnector", "StartListening", "subscribe "+in.subject)
	}
	in.sub = sub
	in.listening.Store(true)
	in.Logger.Info("Listening", "subject", in.subject)
	return nil
}

// IsListening reports whether the subject subscription is active.
func (in *Input) IsListening() bool {
	return in.listening.Load()
}

func (in *Input) onFrame(data []byte) {
	if !in.listening.Load() {
		return
	}
	msg, err := protocol.DecodeBytes(in.Formatter, data)
	if err != nil {
		in.Logger.Debug("Dropping malformed frame", "subject", in.subject, "error", err)
		in.Options.Metrics.Error(transport, errors.ErrorInvalid.String())
		return
	}
	id := msg.ResponseReceiverID

	existing, found := in.Sessions.Get(id)
	var s *session
	if found {
		s = existing.(*session)
	}

	switch msg.Kind {
	case protocol.KindOpen:
		reply, _ := msg.Payload.(string)
		if reply == "" {
			in.Logger.Warn("Open frame without reply subject", "session", id)
			return
		}
		if found {
			if s.reply == reply {
				in.acknowledge(s)
				return
			}
			in.Logger.Warn("Rejecting session with duplicate id", "session", id, "reply", reply)
			if frame, err := in.Formatter.EncodeClose(id); err == nil {
				_ = in.conn.Publish(reply, frame)
			}
			return
		}
		s = &session{id: id, reply: reply, conn: in.conn}
		if in.acknowledge(s) {
			in.Accept(s)
		}
	case protocol.KindClose:
		if found {
			in.Lost(s)
		}
	case protocol.KindData:
		if !found {
			in.Logger.Debug("Ignoring data for unknown session", "session", id)
			return
		}
		in.Deliver(msg, s.reply)
	}
}

func (in *Input) acknowledge(s *session) bool {
	frame, err := in.Formatter.EncodeOpen(s.id)
	if err == nil {
		err = s.Send(frame)
	}
	if err != nil {
		in.Logger.Warn("Open acknowledgement failed", "session", s.id, "error", err)
		return false
	}
	in.Options.Metrics.FrameSent(transport, "open")
	return true
}

// StopListening closes every session and unsubscribes.
func (in *Input) StopListening() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.listening.Load() {
		return
	}
	in.listening.Store(false)

	if err := in.sub.Unsubscribe(); err != nil {
		in.Logger.Warn("Unsubscribe failed", "subject", in.subject, "error", err)
	}
	in.sub = nil
	in.CloseAll()
	in.SetHandler(nil)
	in.Logger.Info("Stopped listening", "subject", in.subject)
}
