// Package connector defines the two ends of a duplex connection and the pieces
// shared by every transport.
//
// An OutputConnector opens one session to an input endpoint, sends requests and
// receives responses. An InputConnector accepts many sessions, delivers their
// frames to one handler and answers any of them by response receiver id.
// Transports live in subpackages: tcp, udp, websocket, nats and memory.
package connector

import (
	"context"

	"github.com/c360/duplexbus/protocol"
)

// MessageContext carries one decoded frame and the transport address it came from.
type MessageContext struct {
	Message       *protocol.Message
	SenderAddress string
}

// ResponseHandler receives frames on the output side. A nil context signals that
// the peer ended the connection; it is delivered at most once per open.
type ResponseHandler func(*MessageContext)

// MessageHandler receives frames on the input side, including the open and close
// frames that mark session boundaries.
type MessageHandler func(*MessageContext)

// OutputConnector is the client end of a duplex connection.
type OutputConnector interface {
	// OpenConnection connects, starts the response listener and announces the
	// session. It fails with errors.ErrAlreadyConnected when already open.
	OpenConnection(ctx context.Context, onResponse ResponseHandler) error

	// CloseConnection is idempotent. It does not invoke the response handler.
	CloseConnection()

	IsConnected() bool

	// SendRequestMessage fails with errors.ErrNotConnected unless open.
	SendRequestMessage(payload any) error
}

// InputConnector is the server end of duplex connections.
type InputConnector interface {
	// StartListening binds the transport. Bind failures are returned synchronously.
	StartListening(onMessage MessageHandler) error

	// StopListening closes every session and releases the transport.
	StopListening()

	IsListening() bool

	// SendResponseMessage fails with errors.ErrUnknownSession for an unknown id.
	SendResponseMessage(responseReceiverID string, payload any) error

	// SendBroadcast sends payload to every session. Sessions that fail are
	// disconnected and reported through the handler as closed; the joined error
	// lists them.
	SendBroadcast(payload any) error

	// CloseConnection disconnects one session, notifying the peer best-effort.
	CloseConnection(responseReceiverID string)
}

// Factory creates connectors for one transport.
type Factory interface {
	CreateOutputConnector(address, responseReceiverID string) (OutputConnector, error)
	CreateInputConnector(address string) (InputConnector, error)
}
