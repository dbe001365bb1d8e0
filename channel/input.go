package channel

import (
	"log/slog"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/dispatch"
	"github.com/c360/duplexbus/pkg/observer"
	"github.com/c360/duplexbus/protocol"
)

// Broadcast as a response receiver id sends to every connected session.
const Broadcast = "*"

// DuplexInputChannel receives messages from many output channels and answers
// them by response receiver id.
type DuplexInputChannel struct {
	channelID  string
	connector  connector.InputConnector
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger

	connected    *observer.Event[ConnectionEvent]
	disconnected *observer.Event[ConnectionEvent]
	received     *observer.Event[MessageEvent]
}

// NewDuplexInputChannel wraps ic. A nil dispatcher raises events inline on the
// connector's session goroutines.
func NewDuplexInputChannel(channelID string, ic connector.InputConnector, dispatcher dispatch.Dispatcher,
	logger *slog.Logger) *DuplexInputChannel {
	if dispatcher == nil {
		dispatcher = dispatch.Inline{Logger: logger}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "duplex-input-channel", "channel", channelID)
	return &DuplexInputChannel{
		channelID:    channelID,
		connector:    ic,
		dispatcher:   dispatcher,
		logger:       logger,
		connected:    observer.New[ConnectionEvent]("ResponseReceiverConnected", logger),
		disconnected: observer.New[ConnectionEvent]("ResponseReceiverDisconnected", logger),
		received:     observer.New[MessageEvent]("MessageReceived", logger),
	}
}

func (c *DuplexInputChannel) ChannelID() string { return c.channelID }

func (c *DuplexInputChannel) ResponseReceiverConnected() *observer.Event[ConnectionEvent] {
	return c.connected
}

func (c *DuplexInputChannel) ResponseReceiverDisconnected() *observer.Event[ConnectionEvent] {
	return c.disconnected
}

func (c *DuplexInputChannel) MessageReceived() *observer.Event[MessageEvent] { return c.received }

// StartListening starts accepting sessions.
func (c *DuplexInputChannel) StartListening() error {
	return c.connector.StartListening(c.onMessage)
}

// StopListening disconnects every session and stops accepting.
func (c *DuplexInputChannel) StopListening() {
	c.connector.StopListening()
}

// IsListening reports whether the channel accepts sessions.
func (c *DuplexInputChannel) IsListening() bool {
	return c.connector.IsListening()
}

// SendResponseMessage sends payload to one session, or to all of them when
// responseReceiverID is Broadcast.
func (c *DuplexInputChannel) SendResponseMessage(responseReceiverID string, payload any) error {
	if responseReceiverID == Broadcast {
		return c.connector.SendBroadcast(payload)
	}
	return c.connector.SendResponseMessage(responseReceiverID, payload)
}

// DisconnectResponseReceiver closes one session.
func (c *DuplexInputChannel) DisconnectResponseReceiver(responseReceiverID string) {
	c.connector.CloseConnection(responseReceiverID)
}

func (c *DuplexInputChannel) onMessage(mc *connector.MessageContext) {
	msg := mc.Message
	switch msg.Kind {
	case protocol.KindOpen:
		event := ConnectionEvent{ChannelID: c.channelID, ResponseReceiverID: msg.ResponseReceiverID,
			SenderAddress: mc.SenderAddress}
		c.dispatcher.Invoke(func() { c.connected.Raise(event) })
	case protocol.KindClose:
		event := ConnectionEvent{ChannelID: c.channelID, ResponseReceiverID: msg.ResponseReceiverID,
			SenderAddress: mc.SenderAddress}
		c.dispatcher.Invoke(func() { c.disconnected.Raise(event) })
	case protocol.KindData:
		event := MessageEvent{ChannelID: c.channelID, ResponseReceiverID: msg.ResponseReceiverID,
			SenderAddress: mc.SenderAddress, Payload: msg.Payload}
		c.dispatcher.Invoke(func() { c.received.Raise(event) })
	default:
		c.logger.Debug("Ignoring frame", "kind", msg.Kind.String(), "session", msg.ResponseReceiverID)
	}
}
