package channel

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/dispatch"
	"github.com/c360/duplexbus/pkg/observer"
	"github.com/c360/duplexbus/protocol"
)

// DuplexOutputChannel sends messages to one input channel and receives its
// responses.
type DuplexOutputChannel struct {
	channelID          string
	responseReceiverID string
	connector          connector.OutputConnector
	dispatcher         dispatch.Dispatcher
	logger             *slog.Logger

	// open guards the closed event so it is raised once per open.
	open atomic.Bool

	opened   *observer.Event[ConnectionEvent]
	closed   *observer.Event[ConnectionEvent]
	response *observer.Event[MessageEvent]
}

// NewDuplexOutputChannel wraps oc. A nil dispatcher raises events inline.
func NewDuplexOutputChannel(channelID, responseReceiverID string, oc connector.OutputConnector,
	dispatcher dispatch.Dispatcher, logger *slog.Logger) *DuplexOutputChannel {
	if dispatcher == nil {
		dispatcher = dispatch.Inline{Logger: logger}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "duplex-output-channel", "channel", channelID)
	return &DuplexOutputChannel{
		channelID:          channelID,
		responseReceiverID: responseReceiverID,
		connector:          oc,
		dispatcher:         dispatcher,
		logger:             logger,
		opened:             observer.New[ConnectionEvent]("ConnectionOpened", logger),
		closed:             observer.New[ConnectionEvent]("ConnectionClosed", logger),
		response:           observer.New[MessageEvent]("ResponseMessageReceived", logger),
	}
}

func (c *DuplexOutputChannel) ChannelID() string          { return c.channelID }
func (c *DuplexOutputChannel) ResponseReceiverID() string { return c.responseReceiverID }

func (c *DuplexOutputChannel) ConnectionOpened() *observer.Event[ConnectionEvent] { return c.opened }
func (c *DuplexOutputChannel) ConnectionClosed() *observer.Event[ConnectionEvent] { return c.closed }
func (c *DuplexOutputChannel) ResponseMessageReceived() *observer.Event[MessageEvent] {
	return c.response
}

// OpenConnection connects and raises ConnectionOpened.
func (c *DuplexOutputChannel) OpenConnection(ctx context.Context) error {
	c.open.Store(true)
	if err := c.connector.OpenConnection(ctx, c.onResponse); err != nil {
		if !c.connector.IsConnected() {
			c.open.Store(false)
		}
		return err
	}
	event := c.connectionEvent()
	c.dispatcher.Invoke(func() { c.opened.Raise(event) })
	return nil
}

// CloseConnection disconnects and raises ConnectionClosed if the channel was open.
func (c *DuplexOutputChannel) CloseConnection() {
	c.connector.CloseConnection()
	c.notifyClosed()
}

// IsConnected reports whether the connection is open.
func (c *DuplexOutputChannel) IsConnected() bool {
	return c.connector.IsConnected()
}

// SendMessage sends payload to the input channel.
func (c *DuplexOutputChannel) SendMessage(payload any) error {
	return c.connector.SendRequestMessage(payload)
}

func (c *DuplexOutputChannel) connectionEvent() ConnectionEvent {
	return ConnectionEvent{
		ChannelID:          c.channelID,
		ResponseReceiverID: c.responseReceiverID,
		SenderAddress:      c.channelID,
	}
}

func (c *DuplexOutputChannel) notifyClosed() {
	if !c.open.CompareAndSwap(true, false) {
		return
	}
	event := c.connectionEvent()
	c.dispatcher.Invoke(func() { c.closed.Raise(event) })
}

func (c *DuplexOutputChannel) onResponse(mc *connector.MessageContext) {
	if mc == nil {
		c.notifyClosed()
		return
	}
	if mc.Message.Kind != protocol.KindData {
		return
	}
	event := MessageEvent{
		ChannelID:          c.channelID,
		ResponseReceiverID: c.responseReceiverID,
		SenderAddress:      mc.SenderAddress,
		Payload:            mc.Message.Payload,
	}
	c.dispatcher.Invoke(func() { c.response.Raise(event) })
}
