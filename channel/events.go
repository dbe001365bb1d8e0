package channel

import (
	"context"

	"github.com/c360/duplexbus/pkg/observer"
)

// ConnectionEvent describes a session that connected or disconnected.
type ConnectionEvent struct {
	ChannelID          string
	ResponseReceiverID string
	SenderAddress      string
}

// MessageEvent carries one received payload.
type MessageEvent struct {
	ChannelID          string
	ResponseReceiverID string
	SenderAddress      string
	Payload            any
}

// InputChannel is the server side of duplex channels.
type InputChannel interface {
	ChannelID() string
	StartListening() error
	StopListening()
	IsListening() bool
	SendResponseMessage(responseReceiverID string, payload any) error
	DisconnectResponseReceiver(responseReceiverID string)

	ResponseReceiverConnected() *observer.Event[ConnectionEvent]
	ResponseReceiverDisconnected() *observer.Event[ConnectionEvent]
	MessageReceived() *observer.Event[MessageEvent]
}

// OutputChannel is the client side of one duplex channel.
type OutputChannel interface {
	ChannelID() string
	ResponseReceiverID() string
	OpenConnection(ctx context.Context) error
	CloseConnection()
	IsConnected() bool
	SendMessage(payload any) error

	ConnectionOpened() *observer.Event[ConnectionEvent]
	ConnectionClosed() *observer.Event[ConnectionEvent]
	ResponseMessageReceived() *observer.Event[MessageEvent]
}

var (
	_ InputChannel  = (*DuplexInputChannel)(nil)
	_ OutputChannel = (*DuplexOutputChannel)(nil)
)
