package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

// Output is the NATS OutputConnector.
type Output struct {
	connector.OutputBase

	conn    Conn
	subject string
	opener  protocol.AddressedOpener

	sendMu sync.Mutex

	mu    sync.Mutex
	reply string
	sub   Subscription
	acked chan error
}

// OpenConnection subscribes to a fresh reply subject, announces it and waits
// up to ConnectTimeout for the acknowledgement.
func (o *Output) OpenConnection(ctx context.Context, onResponse connector.ResponseHandler) error {
	if err := o.BeginOpen(onResponse); err != nil {
		return err
	}

	reply := o.subject + ".reply." + nuid.Next()
	acked := make(chan error, 1)

	o.mu.Lock()
	o.reply = reply
	o.acked = acked
	o.mu.Unlock()

	sub, err := o.conn.Subscribe(reply, o.onFrame)
	if err != nil {
		o.AbortOpen()
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err),
			"natsOutputConnector", "OpenConnection", "subscribe "+reply)
	}
	o.mu.Lock()
	o.sub = sub
	o.mu.Unlock()

	frame, err := o.opener.EncodeOpenWithAddress(o.ResponseReceiverID, reply)
	if err == nil {
		err = o.SendFrame("open", frame, func(b []byte) error { return o.conn.Publish(o.subject, b) })
	}
	if err != nil {
		o.teardown()
		o.AbortOpen()
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err),
			"natsOutputConnector", "OpenConnection", "publish open frame")
	}

	timer := time.NewTimer(o.Options.ConnectTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-acked:
	case <-timer.C:
		waitErr = fmt.Errorf("%w: no open acknowledgement on %s within %v",
			errors.ErrConnectionTimeout, o.subject, o.Options.ConnectTimeout)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if waitErr == nil {
		o.Logger.Debug("Connection opened", "subject", o.subject, "reply", reply, "session", o.ResponseReceiverID)
		return nil
	}

	o.AbortOpen()
	if o.IsConnected() {
		return nil
	}
	o.teardown()
	return errors.WrapTransient(waitErr, "natsOutputConnector", "OpenConnection", "wait for acknowledgement")
}

func (o *Output) onFrame(data []byte) {
	msg, err := protocol.DecodeBytes(o.Formatter, data)
	if err != nil {
		o.Logger.Debug("Dropping malformed frame", "error", err)
		return
	}
	if msg.ResponseReceiverID != o.ResponseReceiverID {
		return
	}

	switch msg.Kind {
	case protocol.KindOpen:
		if o.FinishOpen() {
			o.signal(nil)
		}
	case protocol.KindClose:
		if o.IsOpening() {
			o.signal(fmt.Errorf("%w: open rejected on %s", errors.ErrConnectFailure, o.subject))
			return
		}
		o.PeerClosed(o.teardown)
	case protocol.KindData:
		if o.IsConnected() {
			o.Respond(msg, o.subject)
		}
	}
}

func (o *Output) signal(err error) {
	o.mu.Lock()
	acked := o.acked
	o.mu.Unlock()
	select {
	case acked <- err:
	default:
	}
}

func (o *Output) teardown() {
	o.mu.Lock()
	sub := o.sub
	o.sub = nil
	o.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			o.Logger.Debug("Unsubscribe failed", "error", err)
		}
	}
}

// SendRequestMessage publishes payload to the channel subject.
func (o *Output) SendRequestMessage(payload any) error {
	if err := o.CheckOpen("SendRequestMessage"); err != nil {
		return err
	}
	frame, err := o.Formatter.EncodeMessage(o.ResponseReceiverID, payload)
	if err != nil {
		return err
	}

	o.sendMu.Lock()
	err = o.SendFrame("data", frame, func(b []byte) error { return o.conn.Publish(o.subject, b) })
	o.sendMu.Unlock()
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"natsOutputConnector", "SendRequestMessage", "publish")
	}
	return nil
}

// CloseConnection publishes the close frame and drops the reply subscription.
func (o *Output) CloseConnection() {
	if !o.BeginClose() {
		return
	}
	if frame, err := o.Formatter.EncodeClose(o.ResponseReceiverID); err == nil {
		if err := o.SendFrame("close", frame, func(b []byte) error { return o.conn.Publish(o.subject, b) }); err == nil {
			o.flush()
		}
	}
	o.teardown()
	o.Logger.Debug("Connection closed", "subject", o.subject, "session", o.ResponseReceiverID)
}

// flush waits up to StopTimeout for the server to take the close frame so it
// is not lost when the caller shuts the connection down next.
func (o *Output) flush() {
	f, ok := o.conn.(Flusher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.Options.StopTimeout)
	defer cancel()
	if err := f.Flush(ctx); err != nil {
		o.Logger.Debug("Flush after close failed", "subject", o.subject, "error", err)
	}
}

// ReplySubject returns the subject responses arrive on while open.
func (o *Output) ReplySubject() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reply
}
