package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/duplexbus/channel"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/pkg/observer"
	"github.com/c360/duplexbus/serializer"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Serializer must match the broker. Defaults to BinarySerializer.
	Serializer serializer.Serializer
	Logger     *slog.Logger
}

// ClientMessage is a publish received from the broker. Err is set, and Topic
// and Payload are empty, when the envelope could not be decoded.
type ClientMessage struct {
	Topic   string
	Payload any
	Err     error
}

// Client publishes and subscribes through a remote Broker.
type Client struct {
	ser    serializer.Serializer
	logger *slog.Logger

	mu     sync.Mutex
	ch     channel.OutputChannel
	handle observer.Handle

	MessageReceived *observer.Event[ClientMessage]
}

// NewClient returns a client without a channel.
func NewClient(opts ClientOptions) *Client {
	if opts.Serializer == nil {
		opts.Serializer = BinarySerializer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker-client")
	return &Client{
		ser:             opts.Serializer,
		logger:          logger,
		MessageReceived: observer.New[ClientMessage]("MessageReceived", logger),
	}
}

// AttachDuplexOutputChannel uses ch to reach the broker, opening it if needed.
func (c *Client) AttachDuplexOutputChannel(ctx context.Context, ch channel.OutputChannel) error {
	c.mu.Lock()
	if c.ch != nil {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyAttached, "Client", "AttachDuplexOutputChannel", "attach channel")
	}
	c.ch = ch
	c.handle = ch.ResponseMessageReceived().Subscribe(c.onResponse)
	c.mu.Unlock()

	if ch.IsConnected() {
		return nil
	}
	if err := ch.OpenConnection(ctx); err != nil {
		c.DetachDuplexOutputChannel()
		return errors.Wrap(err, "Client", "AttachDuplexOutputChannel", "open "+ch.ChannelID())
	}
	return nil
}

// DetachDuplexOutputChannel closes the channel. The broker drops the client's
// subscriptions when the session ends.
func (c *Client) DetachDuplexOutputChannel() {
	c.mu.Lock()
	ch, handle := c.ch, c.handle
	c.ch = nil
	c.mu.Unlock()
	if ch == nil {
		return
	}
	ch.ResponseMessageReceived().Unsubscribe(handle)
	ch.CloseConnection()
}

// IsConnected reports whether the client's channel is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil && c.ch.IsConnected()
}

func (c *Client) send(method string, msg *Message) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return errors.WrapInvalid(errors.ErrNotAttached, "Client", method, "check channel")
	}
	data, err := c.ser.Serialize(msg)
	if err != nil {
		return err
	}
	if err := ch.SendMessage(data); err != nil {
		return errors.Wrap(err, "Client", method, "send to broker")
	}
	return nil
}

// Publish sends payload to the subscribers of topic.
func (c *Client) Publish(topic string, payload any) error {
	return c.send("Publish", &Message{Kind: KindPublish, Topics: []string{topic}, Payload: payload})
}

// Subscribe adds exact topics.
func (c *Client) Subscribe(topics ...string) error {
	return c.send("Subscribe", &Message{Kind: KindSubscribe, Topics: topics})
}

// SubscribeRegExp adds patterns. Nothing is sent when any pattern is invalid.
func (c *Client) SubscribeRegExp(patterns ...string) error {
	var errs []error
	for _, p := range patterns {
		if _, err := ValidatePattern(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return c.send("SubscribeRegExp", &Message{Kind: KindSubscribeRegExp, Topics: patterns})
}

// Unsubscribe removes exact topics, or all of them when none are given.
func (c *Client) Unsubscribe(topics ...string) error {
	return c.send("Unsubscribe", &Message{Kind: KindUnsubscribe, Topics: topics})
}

// UnsubscribeRegExp removes patterns, or all of them when none are given.
func (c *Client) UnsubscribeRegExp(patterns ...string) error {
	return c.send("UnsubscribeRegExp", &Message{Kind: KindUnsubscribeRegExp, Topics: patterns})
}

// UnsubscribeAll removes every subscription of the client.
func (c *Client) UnsubscribeAll() error {
	return c.send("UnsubscribeAll", &Message{Kind: KindUnsubscribeAll})
}

func (c *Client) onResponse(e channel.MessageEvent) {
	data, err := serializer.Bytes(e.Payload)
	var msg Message
	if err == nil {
		err = c.ser.Deserialize(data, &msg)
	}
	if err != nil {
		c.logger.Warn("Undecodable message from broker", "error", err)
		c.MessageReceived.Raise(ClientMessage{Err: err})
		return
	}
	if msg.Kind != KindPublish {
		c.logger.Debug("Ignoring broker message", "kind", msg.Kind.String())
		return
	}
	c.MessageReceived.Raise(ClientMessage{Topic: msg.Topic(), Payload: msg.Payload})
}
