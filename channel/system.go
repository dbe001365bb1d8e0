package channel

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/dispatch"
)

// MessagingSystem creates duplex channels on one transport.
type MessagingSystem struct {
	factory     connector.Factory
	dispatchers dispatch.Factory
	logger      *slog.Logger
}

// Option configures a MessagingSystem.
type Option func(*MessagingSystem)

// WithDispatchers sets the factory that gives every channel its event
// dispatcher. Each channel gets its own dispatcher, so events of one channel
// stay in order.
func WithDispatchers(f dispatch.Factory) Option {
	return func(s *MessagingSystem) { s.dispatchers = f }
}

// WithLogger sets the logger passed to created channels.
func WithLogger(logger *slog.Logger) Option {
	return func(s *MessagingSystem) { s.logger = logger }
}

// NewMessagingSystem returns a system creating channels through factory.
func NewMessagingSystem(factory connector.Factory, opts ...Option) *MessagingSystem {
	s := &MessagingSystem{factory: factory, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MessagingSystem) dispatcher() dispatch.Dispatcher {
	if s.dispatchers == nil {
		return dispatch.Inline{Logger: s.logger}
	}
	return s.dispatchers()
}

// CreateDuplexOutputChannel returns an output channel with a random response
// receiver id.
func (s *MessagingSystem) CreateDuplexOutputChannel(channelID string) (*DuplexOutputChannel, error) {
	return s.CreateDuplexOutputChannelWithID(channelID, uuid.NewString())
}

// CreateDuplexOutputChannelWithID returns an output channel with the given
// response receiver id. An empty id selects a random one.
func (s *MessagingSystem) CreateDuplexOutputChannelWithID(channelID, responseReceiverID string) (*DuplexOutputChannel, error) {
	if responseReceiverID == "" {
		responseReceiverID = uuid.NewString()
	}
	oc, err := s.factory.CreateOutputConnector(channelID, responseReceiverID)
	if err != nil {
		return nil, err
	}
	return NewDuplexOutputChannel(channelID, responseReceiverID, oc, s.dispatcher(), s.logger), nil
}

// CreateDuplexInputChannel returns an input channel listening on channelID.
func (s *MessagingSystem) CreateDuplexInputChannel(channelID string) (*DuplexInputChannel, error) {
	ic, err := s.factory.CreateInputConnector(channelID)
	if err != nil {
		return nil, err
	}
	return NewDuplexInputChannel(channelID, ic, s.dispatcher(), s.logger), nil
}
