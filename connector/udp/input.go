package udp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

type session struct {
	id       string
	addr     *net.UDPAddr
	conn     *net.UDPConn
	lastSeen atomic.Int64
	closed   atomic.Bool
	mu       sync.Mutex
}

func (s *session) ID() string      { return s.id }
func (s *session) Address() string { return s.addr.String() }

func (s *session) Send(frame []byte) error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	if len(frame) > maxDatagram {
		return fmt.Errorf("%w: %d bytes exceeds one datagram", errors.ErrFrameTooLarge, len(frame))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.WriteToUDP(frame, s.addr)
	return err
}

// Close marks the session closed. The socket belongs to the input connector.
func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// Input is the UDP InputConnector.
type Input struct {
	connector.InputBase

	address string
	cfg     Config

	mu        sync.Mutex
	conn      *net.UDPConn
	stop      chan struct{}
	listening atomic.Bool
	wg        sync.WaitGroup
}

// StartListening binds the socket and starts the read loop.
func (in *Input) StartListening(onMessage connector.MessageHandler) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.listening.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyListening, "udpInputConnector", "StartListening", "start listening")
	}

	conn, err := in.bindSocket()
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailure, err),
			"udpInputConnector", "StartListening", "bind "+in.address)
	}

	in.SetHandler(onMessage)
	in.conn = conn
	in.stop = make(chan struct{})
	in.listening.Store(true)

	in.wg.Add(1)
	go in.readLoop(conn, in.stop)

	if in.cfg.SessionTimeout > 0 {
		in.wg.Add(1)
		go in.sweep(in.stop)
	}

	in.Logger.Info("Listening", "address", conn.LocalAddr().String())
	return nil
}

func (in *Input) bindSocket() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", in.address)
	if err != nil {
		return nil, fmt.Errorf("resolve UDP address %s: %w", in.address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		in.Logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}
	return conn, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (in *Input) Addr() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conn == nil {
		return in.address
	}
	return in.conn.LocalAddr().String()
}

// IsListening reports whether the socket is bound.
func (in *Input) IsListening() bool {
	return in.listening.Load()
}

func (in *Input) readLoop(conn *net.UDPConn, stop <-chan struct{}) {
	defer in.wg.Done()
	buf := make([]byte, maxDatagram)

	for {
		select {
		case <-stop:
			return
		default:
		}

		// The deadline lets the loop notice stop without relying on Close.
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			in.Options.Metrics.Error(transport, errors.Classify(err).String())
			if !errors.IsTransient(err) {
				in.Logger.Error("UDP read failed, stopping read loop", "error", err)
				return
			}
			continue
		}
		in.handle(conn, buf[:n], addr)
	}
}

func (in *Input) handle(conn *net.UDPConn, datagram []byte, addr *net.UDPAddr) {
	msg, err := protocol.DecodeBytes(in.Formatter, datagram)
	if err != nil {
		in.Logger.Debug("Dropping malformed datagram", "address", addr.String(), "error", err)
		in.Options.Metrics.Error(transport, errors.ErrorInvalid.String())
		return
	}
	id := msg.ResponseReceiverID

	existing, found := in.Sessions.Get(id)
	var s *session
	if found {
		s = existing.(*session)
		if s.addr.String() != addr.String() {
			in.Logger.Warn("Session id reused from another address", "session", id, "address", addr.String())
			if msg.Kind == protocol.KindOpen {
				in.reject(conn, id, addr)
			}
			return
		}
		s.touch()
	}

	switch msg.Kind {
	case protocol.KindOpen:
		if found {
			// Lost acknowledgement; the client is retrying.
			in.acknowledge(s)
			return
		}
		s = &session{id: id, addr: addr, conn: conn}
		s.touch()
		if in.acknowledge(s) {
			in.Accept(s)
		}
	case protocol.KindClose:
		if found {
			in.Lost(s)
		}
	case protocol.KindData:
		if !found {
			in.Logger.Debug("Ignoring data for unknown session", "session", id, "address", addr.String())
			return
		}
		in.Deliver(msg, s.Address())
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

func (in *Input) reject(conn *net.UDPConn, id string, addr *net.UDPAddr) {
	if frame, err := in.Formatter.EncodeClose(id); err == nil {
		_, _ = conn.WriteToUDP(frame, addr)
	}
}

func (in *Input) sweep(stop <-chan struct{}) {
	defer in.wg.Done()

	interval := in.cfg.SessionTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for _, entry := range in.Sessions.Snapshot() {
			s := entry.(*session)
			if s.idle() < in.cfg.SessionTimeout {
				continue
			}
			in.Logger.Debug("Closing idle session", "session", s.id, "idle", s.idle())
			if frame, err := in.Formatter.EncodeClose(s.id); err == nil {
				_ = s.Send(frame)
			}
			in.Lost(s)
		}
	}
}

// StopListening closes every session and the socket.
func (in *Input) StopListening() {
	in.mu.Lock()
	if !in.listening.Load() {
		in.mu.Unlock()
		return
	}
	in.listening.Store(false)
	close(in.stop)
	conn := in.conn
	in.mu.Unlock()

	in.CloseAll()
	_ = conn.Close()

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(in.Options.StopTimeout):
		in.Logger.Warn("UDP goroutines did not stop in time")
	}

	in.mu.Lock()
	in.conn = nil
	in.mu.Unlock()
	in.SetHandler(nil)
	in.Logger.Info("Stopped listening", "address", conn.LocalAddr().String())
}
