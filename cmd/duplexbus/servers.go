package main

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/duplexbus/broker"
	"github.com/c360/duplexbus/channel"
	"github.com/c360/duplexbus/config"
	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/dispatch"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/health"
	"github.com/c360/duplexbus/messagebus"
	"github.com/c360/duplexbus/metric"
	"github.com/c360/duplexbus/protocol"
)

// server is a hosted component.
type server interface {
	Name() string
	Start() error
	Stop()
	Health() health.Status
}

// channelStatus reports whether a hosted input channel is accepting sessions.
func channelStatus(name string, in channel.InputChannel) health.Status {
	if in == nil || !in.IsListening() {
		return health.NewUnhealthy(name, "not listening")
	}
	return health.NewHealthy(name, "listening").WithDetail("address", in.ChannelID())
}

// hostedChannels remembers the input channels a server created in Start.
type hostedChannels struct {
	mu    sync.Mutex
	names []string
	ins   []channel.InputChannel
}

func (h *hostedChannels) add(name string, in channel.InputChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names = append(h.names, name)
	h.ins = append(h.ins, in)
}

// attach adds one sub-status per hosted channel to status.
func (h *hostedChannels) attach(status health.Status) health.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, in := range h.ins {
		status = status.WithSubStatus(channelStatus(h.names[i], in))
	}
	return status
}

type busServer struct {
	hostedChannels

	cfg         config.MessageBusConfig
	bus         *messagebus.Bus
	system      *channel.MessagingSystem
	provider    *dispatch.Provider
	stopTimeout time.Duration
}

func newBusServer(
	cfg config.MessageBusConfig,
	factory connector.Factory,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
	order binary.ByteOrder,
	stopTimeout time.Duration,
) (*busServer, error) {
	dcfg := cfg.Dispatch
	dcfg.Name = "messagebus"
	provider, err := dispatch.NewProvider(dcfg, logger, registry)
	if err != nil {
		return nil, errors.Wrap(err, "busServer", "newBusServer", "create dispatcher")
	}

	bus := messagebus.New(messagebus.Options{
		Serializer:           messagebus.BinarySerializer{ByteOrder: order},
		MaxClientsPerService: cfg.MaxClientsPerService,
		ToServiceDispatchers: provider.Factory(),
		ToClientDispatchers:  provider.Factory(),
		Logger:               logger,
		Metrics:              registry,
	})

	return &busServer{
		cfg:         cfg,
		bus:         bus,
		system:      channel.NewMessagingSystem(factory, channel.WithLogger(logger)),
		provider:    provider,
		stopTimeout: stopTimeout,
	}, nil
}

func (s *busServer) Name() string { return "message_bus" }

func (s *busServer) Start() error {
	serviceInput, err := s.system.CreateDuplexInputChannel(s.cfg.ServiceAddress)
	if err != nil {
		return errors.Wrap(err, "busServer", "Start", "create service channel")
	}
	clientInput, err := s.system.CreateDuplexInputChannel(s.cfg.ClientAddress)
	if err != nil {
		return errors.Wrap(err, "busServer", "Start", "create client channel")
	}
	if err := s.bus.AttachDuplexInputChannels(serviceInput, clientInput); err != nil {
		return err
	}
	s.add("service_channel", serviceInput)
	s.add("client_channel", clientInput)
	return nil
}

func (s *busServer) Stop() {
	s.bus.DetachDuplexInputChannels()
	s.provider.Close(s.stopTimeout)
}

func (s *busServer) Health() health.Status { return s.attach(s.bus.Health()) }

type brokerServer struct {
	hostedChannels

	cfg         config.BrokerConfig
	broker      *broker.Broker
	system      *channel.MessagingSystem
	provider    *dispatch.Provider
	stopTimeout time.Duration
}

func newBrokerServer(
	cfg config.BrokerConfig,
	factory connector.Factory,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
	order binary.ByteOrder,
	stopTimeout time.Duration,
) (*brokerServer, error) {
	dcfg := cfg.Dispatch
	dcfg.Name = "broker"
	provider, err := dispatch.NewProvider(dcfg, logger, registry)
	if err != nil {
		return nil, errors.Wrap(err, "brokerServer", "newBrokerServer", "create dispatcher")
	}

	matcher, err := broker.NewRegexMatcher(cfg.PatternCacheSize, registry)
	if err != nil {
		provider.Close(stopTimeout)
		return nil, errors.Wrap(err, "brokerServer", "newBrokerServer", "create matcher")
	}

	b, err := broker.New(broker.Options{
		Serializer:      broker.BinarySerializer{ByteOrder: order},
		NotifyPublisher: cfg.NotifyPublisher,
		Matcher:         matcher,
		Dispatchers:     provider.Factory(),
		Logger:          logger,
		Metrics:         registry,
	})
	if err != nil {
		provider.Close(stopTimeout)
		return nil, errors.Wrap(err, "brokerServer", "newBrokerServer", "create broker")
	}

	return &brokerServer{
		cfg:         cfg,
		broker:      b,
		system:      channel.NewMessagingSystem(factory, channel.WithLogger(logger)),
		provider:    provider,
		stopTimeout: stopTimeout,
	}, nil
}

func (s *brokerServer) Name() string { return "broker" }

func (s *brokerServer) Start() error {
	in, err := s.system.CreateDuplexInputChannel(s.cfg.Address)
	if err != nil {
		return errors.Wrap(err, "brokerServer", "Start", "create channel")
	}
	if err := s.broker.AttachDuplexInputChannel(in); err != nil {
		return err
	}
	s.add("channel", in)
	return nil
}

func (s *brokerServer) Stop() {
	s.broker.DetachDuplexInputChannel()
	s.provider.Close(s.stopTimeout)
}

func (s *brokerServer) Health() health.Status { return s.attach(s.broker.Health()) }

// buildServers creates every enabled server. Nothing is started.
func buildServers(
	cfg *config.Config,
	t *transports,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) ([]server, error) {
	var servers []server
	stopTimeout := cfg.Transport.StopTimeout.Std()
	order, err := protocol.ParseByteOrder(cfg.Protocol.ByteOrder)
	if err != nil {
		return nil, err
	}

	if cfg.MessageBus.Enabled {
		factory, err := t.factory(cfg.MessageBus.Transport)
		if err != nil {
			return nil, err
		}
		s, err := newBusServer(cfg.MessageBus, factory, registry, logger.With("server", "message_bus"), order, stopTimeout)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}

	if cfg.Broker.Enabled {
		factory, err := t.factory(cfg.Broker.Transport)
		if err != nil {
			stopAll(servers)
			return nil, err
		}
		s, err := newBrokerServer(cfg.Broker, factory, registry, logger.With("server", "broker"), order, stopTimeout)
		if err != nil {
			stopAll(servers)
			return nil, err
		}
		servers = append(servers, s)
	}

	return servers, nil
}

// stopAll stops servers in reverse order.
func stopAll(servers []server) {
	for i := len(servers) - 1; i >= 0; i-- {
		servers[i].Stop()
	}
}
