package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

type session struct {
	id      string
	address string
	conn    Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (s *session) ID() string      { return s.id }
func (s *session) Address() string { return s.address }
func (s *session) Close() error    { return s.conn.Close() }

func (s *session) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return write(s.conn, frame, s.timeout)
}

// Input is a stream-based InputConnector.
type Input struct {
	connector.InputBase

	address string
	listen  ListenFunc

	mu        sync.Mutex
	listener  Listener
	pending   map[Conn]struct{}
	listening atomic.Bool
	wg        sync.WaitGroup
}

// NewInput creates an input connector that binds address through listen.
func NewInput(transport, address string, listen ListenFunc, opts connector.Options) *Input {
	opts = opts.WithDefaults(transport + "-input")
	return &Input{
		InputBase: connector.NewInputBase(transport, opts),
		address:   address,
		listen:    listen,
	}
}

// StartListening binds the address and starts accepting.
func (in *Input) StartListening(onMessage connector.MessageHandler) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.listening.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyListening, in.Transport+"InputConnector", "StartListening",
			"start listening")
	}

	ln, err := in.listen(in.address)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailure, err),
			in.Transport+"InputConnector", "StartListening", "bind "+in.address)
	}

	in.SetHandler(onMessage)
	in.listener = ln
	in.pending = make(map[Conn]struct{})
	in.listening.Store(true)

	in.wg.Add(1)
	go in.acceptLoop(ln)

	in.Logger.Info("Listening", "address", ln.Addr())
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (in *Input) Addr() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.listener == nil {
		return in.address
	}
	return in.listener.Addr()
}

// IsListening reports whether the connector accepts sessions.
func (in *Input) IsListening() bool {
	return in.listening.Load()
}

func (in *Input) acceptLoop(ln Listener) {
	defer in.wg.Done()

	for {
		conn, remote, err := ln.Accept()
		if err != nil {
			if !in.listening.Load() {
				return
			}
			in.Logger.Warn("Accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		in.mu.Lock()
		if !in.listening.Load() {
			in.mu.Unlock()
			_ = conn.Close()
			return
		}
		in.pending[conn] = struct{}{}
		in.wg.Add(1)
		in.mu.Unlock()

		go in.serve(conn, remote)
	}
}

func (in *Input) forget(conn Conn) {
	in.mu.Lock()
	delete(in.pending, conn)
	in.mu.Unlock()
}

func (in *Input) serve(conn Conn, remote string) {
	defer in.wg.Done()
	defer in.forget(conn)

	reader := newReader(conn)

	var id string
	if protocol.EmitsLifecycle(in.Formatter) {
		msg, err := in.Formatter.Decode(reader)
		if err != nil || msg == nil || msg.Kind != protocol.KindOpen || msg.ResponseReceiverID == "" {
			in.Logger.Warn("Connection did not start with an open frame", "address", remote, "error", err)
			_ = conn.Close()
			return
		}
		id = msg.ResponseReceiverID
	} else {
		id = uuid.NewString()
	}

	s := &session{id: id, address: remote, conn: conn, timeout: in.Options.SendTimeout}
	if !in.Accept(s) {
		return
	}

	for {
		msg, err := in.Formatter.Decode(reader)
		if err != nil && errors.IsInvalid(err) {
			in.Logger.Warn("Malformed frame, closing session", "session", id, "error", err)
		}
		if err != nil || msg == nil || msg.Kind == protocol.KindClose {
			in.Lost(s)
			return
		}
		if msg.Kind != protocol.KindData {
			continue
		}
		// The session is bound to the stream; ids inside frames are not trusted.
		msg.ResponseReceiverID = id
		in.Deliver(msg, remote)
	}
}

// StopListening closes the listener and every session, then waits up to
// StopTimeout for the connection goroutines.
func (in *Input) StopListening() {
	in.mu.Lock()
	if !in.listening.Load() {
		in.mu.Unlock()
		return
	}
	in.listening.Store(false)
	ln := in.listener
	pending := make([]Conn, 0, len(in.pending))
	for conn := range in.pending {
		pending = append(pending, conn)
	}
	in.mu.Unlock()

	_ = ln.Close()
	in.CloseAll()
	for _, conn := range pending {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(in.Options.StopTimeout):
		in.Logger.Warn("Connection goroutines did not stop in time")
	}
	in.SetHandler(nil)
	in.Logger.Info("Stopped listening", "address", ln.Addr())
}
