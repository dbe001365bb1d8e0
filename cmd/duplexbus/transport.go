package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360/duplexbus/config"
	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/connector/memory"
	natsconn "github.com/c360/duplexbus/connector/nats"
	"github.com/c360/duplexbus/connector/tcp"
	"github.com/c360/duplexbus/connector/udp"
	"github.com/c360/duplexbus/connector/websocket"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/metric"
	"github.com/c360/duplexbus/natsclient"
	"github.com/c360/duplexbus/pkg/tlsutil"
	"github.com/c360/duplexbus/protocol"
)

// connectorOptions maps the protocol and transport sections onto connector options.
func connectorOptions(cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics) (connector.Options, error) {
	order, err := protocol.ParseByteOrder(cfg.Protocol.ByteOrder)
	if err != nil {
		return connector.Options{}, err
	}

	var formatter protocol.Formatter
	switch cfg.Protocol.Formatter {
	case config.FormatterEasy:
		f := protocol.NewEasyFormatter()
		f.ByteOrder = order
		if cfg.Protocol.MaxPayloadSize > 0 {
			f.MaxPayloadSize = cfg.Protocol.MaxPayloadSize
		}
		formatter = f
	default:
		f := protocol.NewBinaryFormatter()
		f.ByteOrder = order
		if cfg.Protocol.MaxPayloadSize > 0 {
			f.MaxPayloadSize = cfg.Protocol.MaxPayloadSize
		}
		formatter = f
	}

	policy := errors.DefaultConnectPolicy()
	if cfg.Transport.ConnectAttempts > 0 {
		policy.Attempts = cfg.Transport.ConnectAttempts
	}

	return connector.Options{
		Formatter:      formatter,
		Logger:         logger,
		Metrics:        metrics,
		ConnectTimeout: cfg.Transport.ConnectTimeout.Std(),
		StopTimeout:    cfg.Transport.StopTimeout.Std(),
		SendTimeout:    cfg.Transport.SendTimeout.Std(),
		ConnectPolicy:  policy,
	}, nil
}

// transports builds one connector factory per transport name so that servers
// on the same transport share it.
type transports struct {
	cfg       *config.Config
	opts      connector.Options
	nats      *natsclient.Client
	factories map[string]connector.Factory
}

func newTransports(cfg *config.Config, opts connector.Options, nats *natsclient.Client) *transports {
	return &transports{cfg: cfg, opts: opts, nats: nats, factories: make(map[string]connector.Factory)}
}

func (t *transports) factory(name string) (connector.Factory, error) {
	if f, ok := t.factories[name]; ok {
		return f, nil
	}

	var f connector.Factory
	tc := t.cfg.Transport
	switch name {
	case config.TransportTCP:
		tlsConfig, err := tlsutil.LoadServerConfig(tc.TLS)
		if err != nil {
			return nil, err
		}
		f = tcp.NewFactory(tcp.Config{
			TLS:            tlsConfig,
			MaxConnections: tc.TCP.MaxConnections,
			AcceptRate:     tc.TCP.AcceptRate,
			AcceptBurst:    tc.TCP.AcceptBurst,
		}, t.opts)
	case config.TransportUDP:
		f = udp.NewFactory(udp.Config{SessionTimeout: tc.UDP.SessionTimeout.Std()}, t.opts)
	case config.TransportWebSocket:
		f = websocket.NewFactory(websocket.Config{
			AcceptRate:      tc.WebSocket.AcceptRate,
			AcceptBurst:     tc.WebSocket.AcceptBurst,
			ReadBufferSize:  tc.WebSocket.ReadBufferSize,
			WriteBufferSize: tc.WebSocket.WriteBufferSize,
		}, t.opts)
	case config.TransportNATS:
		if t.nats == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: nats transport without a NATS connection", errors.ErrMissingConfig),
				"transports", "factory", "create nats factory")
		}
		f = natsconn.NewFactory(natsconn.FromClient(t.nats), t.opts)
	case config.TransportMemory:
		f = memory.NewFactory(nil, t.opts)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: transport %q", errors.ErrInvalidConfig, name),
			"transports", "factory", "select transport")
	}

	t.factories[name] = f
	return f, nil
}

// connectNATS dials the configured servers when an enabled server needs them.
func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics) (*natsclient.Client, error) {
	if !cfg.UsesTransport(config.TransportNATS) {
		return nil, nil
	}

	timeout := cfg.Transport.ConnectTimeout.Std()
	if timeout <= 0 {
		timeout = connector.DefaultOptions().ConnectTimeout
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithTimeout(timeout),
		natsclient.WithDisconnectCallback(func(error) {
			metrics.Error(config.TransportNATS, "disconnected")
		}),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "servers", len(cfg.NATS.URLs))
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}
