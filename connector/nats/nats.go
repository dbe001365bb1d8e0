// Package nats implements duplex connectors over NATS subjects.
//
// The input connector subscribes to the channel address, which is a subject.
// Each output connector subscribes to its own reply subject
// (<address>.reply.<nuid>) and names it in the open frame, so the formatter must
// implement protocol.AddressedOpener. The input connector acknowledges an open
// by sending an open frame to the reply subject and publishes every response
// there. NATS cannot report a vanished peer, so sessions end only through
// close frames or a local close.
package nats

import (
	"context"
	"fmt"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/natsclient"
	"github.com/c360/duplexbus/protocol"
)

const transport = "nats"

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the part of a NATS connection the connectors use.
type Conn interface {
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Publish(subject string, data []byte) error
}

// Flusher is implemented by connections that can wait until the server has
// processed everything published so far.
type Flusher interface {
	Flush(ctx context.Context) error
}

type clientConn struct {
	client *natsclient.Client
}

// FromClient adapts a connected natsclient.Client.
func FromClient(client *natsclient.Client) Conn {
	return clientConn{client: client}
}

func (c clientConn) Subscribe(subject string, handler func([]byte)) (Subscription, error) {
	sub, err := c.client.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c clientConn) Publish(subject string, data []byte) error {
	return c.client.Publish(subject, data)
}

func (c clientConn) Flush(ctx context.Context) error {
	return c.client.Flush(ctx)
}

// Factory creates NATS connectors sharing one connection.
type Factory struct {
	conn Conn
	opts connector.Options
}

// NewFactory returns a factory publishing through conn.
func NewFactory(conn Conn, opts connector.Options) *Factory {
	return &Factory{conn: conn, opts: opts}
}

func checkFormatter(f protocol.Formatter, method string) (protocol.AddressedOpener, error) {
	opener, ok := f.(protocol.AddressedOpener)
	if !ok || !protocol.EmitsLifecycle(f) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: nats requires a formatter with addressed open frames", errors.ErrInvalidConfig),
			"natsFactory", method, "check formatter")
	}
	return opener, nil
}

// CreateOutputConnector returns a connector publishing requests to the subject address.
func (f *Factory) CreateOutputConnector(address, responseReceiverID string) (connector.OutputConnector, error) {
	opts := f.opts.WithDefaults(transport + "-output")
	opener, err := checkFormatter(opts.Formatter, "CreateOutputConnector")
	if err != nil {
		return nil, err
	}
	return &Output{
		OutputBase: connector.NewOutputBase(transport, responseReceiverID, opts),
		conn:       f.conn,
		subject:    address,
		opener:     opener,
	}, nil
}

// CreateInputConnector returns a connector subscribed to the subject address.
func (f *Factory) CreateInputConnector(address string) (connector.InputConnector, error) {
	opts := f.opts.WithDefaults(transport + "-input")
	if _, err := checkFormatter(opts.Formatter, "CreateInputConnector"); err != nil {
		return nil, err
	}
	return &Input{
		InputBase: connector.NewInputBase(transport, opts),
		conn:      f.conn,
		subject:   address,
	}, nil
}
