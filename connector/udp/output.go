package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

// Output is the UDP OutputConnector.
type Output struct {
	connector.OutputBase

	address string

	writeMu sync.Mutex
	conn    *net.UDPConn
	done    chan struct{}
}

// OpenConnection sends the open frame and waits up to ConnectTimeout for the
// input connector to acknowledge it.
func (o *Output) OpenConnection(ctx context.Context, onResponse connector.ResponseHandler) error {
	if err := o.BeginOpen(onResponse); err != nil {
		return err
	}

	fail := func(err error, action string) error {
		o.AbortOpen()
		return errors.WrapTransient(err, "udpOutputConnector", "OpenConnection", action)
	}

	raddr, err := net.ResolveUDPAddr("udp", o.address)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err), "resolve "+o.address)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err), "dial "+o.address)
	}

	acked := make(chan error, 1)
	done := make(chan struct{})
	o.writeMu.Lock()
	o.conn = conn
	o.done = done
	o.writeMu.Unlock()
	go o.listen(conn, acked, done)

	frame, err := o.Formatter.EncodeOpen(o.ResponseReceiverID)
	if err == nil {
		err = o.SendFrame("open", frame, func(b []byte) error {
			_, err := conn.Write(b)
			return err
		})
	}
	if err != nil {
		_ = conn.Close()
		return fail(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err), "send open frame")
	}

	timer := time.NewTimer(o.Options.ConnectTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-acked:
	case <-timer.C:
		waitErr = fmt.Errorf("%w: no open acknowledgement from %s within %v",
			errors.ErrConnectionTimeout, o.address, o.Options.ConnectTimeout)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if waitErr == nil {
		o.Logger.Debug("Connection opened", "address", o.address, "session", o.ResponseReceiverID)
		return nil
	}

	// The acknowledgement may have arrived just after the wait gave up.
	o.AbortOpen()
	if o.IsConnected() {
		return nil
	}
	_ = conn.Close()
	return errors.WrapTransient(waitErr, "udpOutputConnector", "OpenConnection", "wait for acknowledgement")
}

func (o *Output) listen(conn *net.UDPConn, acked chan<- error, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagram)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if o.IsOpening() {
				select {
				case acked <- fmt.Errorf("%w: %v", errors.ErrConnectFailure, err):
				default:
				}
				return
			}
			o.PeerClosed(func() { _ = conn.Close() })
			return
		}

		msg, err := protocol.DecodeBytes(o.Formatter, buf[:n])
		if err != nil {
			o.Logger.Debug("Dropping malformed datagram", "error", err)
			continue
		}
		if msg.ResponseReceiverID != o.ResponseReceiverID {
			continue
		}

		switch msg.Kind {
		case protocol.KindOpen:
			if o.FinishOpen() {
				acked <- nil
			}
		case protocol.KindClose:
			if o.IsOpening() {
				select {
				case acked <- fmt.Errorf("%w: open rejected by %s", errors.ErrConnectFailure, o.address):
				default:
				}
				return
			}
			if o.PeerClosed(func() { _ = conn.Close() }) {
				return
			}
		case protocol.KindData:
			if o.IsConnected() {
				o.Respond(msg, o.address)
			}
		}
	}
}

// SendRequestMessage sends payload as one datagram.
func (o *Output) SendRequestMessage(payload any) error {
	if err := o.CheckOpen("SendRequestMessage"); err != nil {
		return err
	}
	frame, err := o.Formatter.EncodeMessage(o.ResponseReceiverID, payload)
	if err != nil {
		return err
	}
	if len(frame) > maxDatagram {
		return errors.WrapInvalid(fmt.Errorf("%w: %d bytes exceeds one datagram", errors.ErrFrameTooLarge, len(frame)),
			"udpOutputConnector", "SendRequestMessage", "check frame size")
	}

	o.writeMu.Lock()
	conn := o.conn
	err = o.SendFrame("data", frame, func(b []byte) error {
		_, err := conn.Write(b)
		return err
	})
	o.writeMu.Unlock()

	if err != nil {
		o.PeerClosed(func() { _ = conn.Close() })
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"udpOutputConnector", "SendRequestMessage", "write datagram")
	}
	return nil
}

// CloseConnection sends the close frame and releases the socket.
func (o *Output) CloseConnection() {
	if !o.BeginClose() {
		return
	}

	o.writeMu.Lock()
	conn, done := o.conn, o.done
	if conn != nil {
		if frame, err := o.Formatter.EncodeClose(o.ResponseReceiverID); err == nil {
			_ = o.SendFrame("close", frame, func(b []byte) error {
				_, err := conn.Write(b)
				return err
			})
		}
		_ = conn.Close()
	}
	o.writeMu.Unlock()

	o.Join(done)
	o.Logger.Debug("Connection closed", "address", o.address, "session", o.ResponseReceiverID)
}
