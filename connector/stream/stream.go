// Package stream implements duplex connectors over ordered byte streams. The
// tcp, websocket and memory transports supply the dialing and accepting; this
// package does the framing, session tracking and listener goroutines.
//
// One stream is one session. With a formatter that writes open frames the first
// frame names the session; otherwise the input side assigns a random id.
package stream

import (
	"bufio"
	"context"
	"io"
	"time"
)

// Conn is a bidirectional byte stream.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer connects to address.
type Dialer func(ctx context.Context, address string) (Conn, error)

// Listener accepts streams. Accept returns an error once the listener is closed.
type Listener interface {
	Accept() (conn Conn, remoteAddress string, err error)
	Close() error
	Addr() string
}

// ListenFunc binds address.
type ListenFunc func(address string) (Listener, error)

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// write sends frame, applying a write deadline when the conn supports one.
func write(conn Conn, frame []byte, timeout time.Duration) error {
	if dw, ok := conn.(deadlineWriter); ok && timeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = dw.SetWriteDeadline(time.Time{}) }()
	}
	_, err := conn.Write(frame)
	return err
}

func newReader(conn Conn) *bufio.Reader {
	return bufio.NewReaderSize(conn, 32*1024)
}
