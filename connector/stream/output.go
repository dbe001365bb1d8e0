package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/pkg/retry"
	"github.com/c360/duplexbus/protocol"
)

// Output is a stream-based OutputConnector.
type Output struct {
	connector.OutputBase

	address string
	dial    Dialer

	writeMu sync.Mutex
	conn    Conn
	done    chan struct{}
}

// NewOutput creates an output connector that reaches address through dial.
func NewOutput(transport, address, responseReceiverID string, dial Dialer, opts connector.Options) *Output {
	opts = opts.WithDefaults(transport + "-output")
	return &Output{
		OutputBase: connector.NewOutputBase(transport, responseReceiverID, opts),
		address:    address,
		dial:       dial,
	}
}

// OpenConnection dials, announces the session and starts the response listener.
func (o *Output) OpenConnection(ctx context.Context, onResponse connector.ResponseHandler) error {
	if err := o.BeginOpen(onResponse); err != nil {
		return err
	}

	conn, err := retry.DoWithResult(ctx, o.Options.ConnectPolicy.RetryConfig(), func() (Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, o.Options.ConnectTimeout)
		defer cancel()
		c, err := o.dial(dialCtx, o.address)
		if err != nil {
			return nil, errors.Retryable(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err))
		}
		return c, nil
	})
	if err != nil {
		o.AbortOpen()
		return errors.WrapTransient(err, o.Transport+"OutputConnector", "OpenConnection", "dial "+o.address)
	}

	frame, err := o.Formatter.EncodeOpen(o.ResponseReceiverID)
	if err == nil && frame != nil {
		err = o.SendFrame("open", frame, func(b []byte) error { return write(conn, b, o.Options.SendTimeout) })
	}
	if err != nil {
		_ = conn.Close()
		o.AbortOpen()
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err),
			o.Transport+"OutputConnector", "OpenConnection", "send open frame")
	}

	o.writeMu.Lock()
	o.conn = conn
	o.done = make(chan struct{})
	done := o.done
	o.writeMu.Unlock()

	if !o.FinishOpen() {
		// Closed concurrently while opening.
		_ = conn.Close()
		return errors.WrapTransient(errors.ErrConnectionLost, o.Transport+"OutputConnector", "OpenConnection",
			"finish open")
	}

	go o.listen(conn, done)
	o.Logger.Debug("Connection opened", "address", o.address, "session", o.ResponseReceiverID)
	return nil
}

func (o *Output) listen(conn Conn, done chan struct{}) {
	defer close(done)
	reader := newReader(conn)

	for {
		msg, err := o.Formatter.Decode(reader)
		if err != nil && o.IsConnected() {
			o.Logger.Debug("Response stream ended with error", "session", o.ResponseReceiverID, "error", err)
		}
		if err != nil || msg == nil || msg.Kind == protocol.KindClose {
			o.PeerClosed(func() { _ = conn.Close() })
			return
		}
		if msg.Kind != protocol.KindData {
			continue
		}
		msg.ResponseReceiverID = o.ResponseReceiverID
		o.Respond(msg, o.address)
	}
}

// SendRequestMessage encodes and writes payload. A write failure closes the
// connection and is reported to the response handler.
func (o *Output) SendRequestMessage(payload any) error {
	if err := o.CheckOpen("SendRequestMessage"); err != nil {
		return err
	}
	frame, err := o.Formatter.EncodeMessage(o.ResponseReceiverID, payload)
	if err != nil {
		return err
	}

	o.writeMu.Lock()
	conn := o.conn
	err = o.SendFrame("data", frame, func(b []byte) error { return write(conn, b, o.Options.SendTimeout) })
	o.writeMu.Unlock()

	if err != nil {
		o.PeerClosed(func() { _ = conn.Close() })
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			o.Transport+"OutputConnector", "SendRequestMessage", "write frame")
	}
	return nil
}

// CloseConnection sends a close frame when the formatter has one, closes the
// stream and waits for the listener.
func (o *Output) CloseConnection() {
	if !o.BeginClose() {
		return
	}

	o.writeMu.Lock()
	conn, done := o.conn, o.done
	if conn != nil {
		if frame, err := o.Formatter.EncodeClose(o.ResponseReceiverID); err == nil && frame != nil {
			_ = o.SendFrame("close", frame, func(b []byte) error { return write(conn, b, o.Options.SendTimeout) })
		}
		_ = conn.Close()
	}
	o.writeMu.Unlock()

	o.Join(done)
	o.Logger.Debug("Connection closed", "address", o.address, "session", o.ResponseReceiverID)
}
