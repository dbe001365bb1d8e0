package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/c360/duplexbus/dispatch"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/pkg/tlsutil"
	"github.com/c360/duplexbus/protocol"
)

// Transport names accepted by the message_bus and broker sections.
const (
	TransportTCP       = "tcp"
	TransportUDP       = "udp"
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportMemory    = "memory"
)

// Formatter names accepted by the protocol section.
const (
	FormatterBinary = "binary"
	FormatterEasy   = "easy"
)

var (
	validTransports = []string{TransportTCP, TransportUDP, TransportWebSocket, TransportNATS, TransportMemory}
	validLevels     = []string{"debug", "info", "warn", "error"}
	validFormats    = []string{"json", "text"}
)

// Config is the complete server configuration.
type Config struct {
	Log        LogConfig        `json:"log" yaml:"log" envPrefix:"LOG_"`
	Protocol   ProtocolConfig   `json:"protocol" yaml:"protocol" envPrefix:"PROTOCOL_"`
	Transport  TransportConfig  `json:"transport" yaml:"transport" envPrefix:"TRANSPORT_"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	NATS       NATSConfig       `json:"nats" yaml:"nats" envPrefix:"NATS_"`
	MessageBus MessageBusConfig `json:"message_bus" yaml:"message_bus" envPrefix:"MESSAGE_BUS_"`
	Broker     BrokerConfig     `json:"broker" yaml:"broker" envPrefix:"BROKER_"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// ProtocolConfig selects the frame formatter shared by every connector.
type ProtocolConfig struct {
	Formatter      string `json:"formatter" yaml:"formatter" env:"FORMATTER"`
	ByteOrder      string `json:"byte_order" yaml:"byte_order" env:"BYTE_ORDER"`
	MaxPayloadSize int    `json:"max_payload_size" yaml:"max_payload_size" env:"MAX_PAYLOAD_SIZE"`
}

// TransportConfig holds connector timeouts and per-transport tuning.
type TransportConfig struct {
	ConnectTimeout  Duration `json:"connect_timeout" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	StopTimeout     Duration `json:"stop_timeout" yaml:"stop_timeout" env:"STOP_TIMEOUT"`
	SendTimeout     Duration `json:"send_timeout" yaml:"send_timeout" env:"SEND_TIMEOUT"`
	ConnectAttempts int      `json:"connect_attempts" yaml:"connect_attempts" env:"CONNECT_ATTEMPTS"`

	TCP       TCPConfig       `json:"tcp" yaml:"tcp" envPrefix:"TCP_"`
	UDP       UDPConfig       `json:"udp" yaml:"udp" envPrefix:"UDP_"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket" envPrefix:"WEBSOCKET_"`

	// TLS secures tcp listeners.
	TLS tlsutil.ServerConfig `json:"tls" yaml:"tls" envPrefix:"TLS_"`
}

// TCPConfig tunes TCP listeners.
type TCPConfig struct {
	MaxConnections int64   `json:"max_connections" yaml:"max_connections" env:"MAX_CONNECTIONS"`
	AcceptRate     float64 `json:"accept_rate" yaml:"accept_rate" env:"ACCEPT_RATE"`
	AcceptBurst    int     `json:"accept_burst" yaml:"accept_burst" env:"ACCEPT_BURST"`
}

// UDPConfig tunes UDP listeners.
type UDPConfig struct {
	SessionTimeout Duration `json:"session_timeout" yaml:"session_timeout" env:"SESSION_TIMEOUT"`
}

// WebSocketConfig tunes WebSocket listeners.
type WebSocketConfig struct {
	AcceptRate      float64 `json:"accept_rate" yaml:"accept_rate" env:"ACCEPT_RATE"`
	AcceptBurst     int     `json:"accept_burst" yaml:"accept_burst" env:"ACCEPT_BURST"`
	ReadBufferSize  int     `json:"read_buffer_size" yaml:"read_buffer_size" env:"READ_BUFFER_SIZE"`
	WriteBufferSize int     `json:"write_buffer_size" yaml:"write_buffer_size" env:"WRITE_BUFFER_SIZE"`
}

// MetricsConfig controls the /metrics and /health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Port    int    `json:"port" yaml:"port" env:"PORT"`
	Path    string `json:"path" yaml:"path" env:"PATH"`
}

// NATSConfig defines the NATS connection used by the nats transport.
type NATSConfig struct {
	URLs          []string `json:"urls" yaml:"urls" env:"URLS" envSeparator:","`
	Name          string   `json:"name" yaml:"name" env:"NAME"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty" env:"USERNAME"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty" env:"PASSWORD"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty" env:"TOKEN"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
}

// MessageBusConfig describes the hosted message bus.
type MessageBusConfig struct {
	Enabled              bool            `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Transport            string          `json:"transport" yaml:"transport" env:"TRANSPORT"`
	ServiceAddress       string          `json:"service_address" yaml:"service_address" env:"SERVICE_ADDRESS"`
	ClientAddress        string          `json:"client_address" yaml:"client_address" env:"CLIENT_ADDRESS"`
	MaxClientsPerService int             `json:"max_clients_per_service" yaml:"max_clients_per_service" env:"MAX_CLIENTS_PER_SERVICE"`
	Dispatch             dispatch.Config `json:"dispatch" yaml:"dispatch" envPrefix:"DISPATCH_"`
}

// BrokerConfig describes the hosted broker.
type BrokerConfig struct {
	Enabled          bool            `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Transport        string          `json:"transport" yaml:"transport" env:"TRANSPORT"`
	Address          string          `json:"address" yaml:"address" env:"ADDRESS"`
	NotifyPublisher  bool            `json:"notify_publisher" yaml:"notify_publisher" env:"NOTIFY_PUBLISHER"`
	PatternCacheSize int             `json:"pattern_cache_size" yaml:"pattern_cache_size" env:"PATTERN_CACHE_SIZE"`
	Dispatch         dispatch.Config `json:"dispatch" yaml:"dispatch" envPrefix:"DISPATCH_"`
}

// Default returns a configuration with every optional field filled. Neither the
// message bus nor the broker is enabled.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Protocol: ProtocolConfig{
			Formatter:      FormatterBinary,
			ByteOrder:      "little",
			MaxPayloadSize: protocol.DefaultMaxPayloadSize,
		},
		Transport: TransportConfig{
			ConnectTimeout:  Duration(5 * time.Second),
			StopTimeout:     Duration(2 * time.Second),
			SendTimeout:     Duration(5 * time.Second),
			ConnectAttempts: 2,
			UDP:             UDPConfig{SessionTimeout: Duration(time.Minute)},
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "duplexbus",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		MessageBus: MessageBusConfig{
			Transport:      TransportTCP,
			ServiceAddress: "0.0.0.0:8045",
			ClientAddress:  "0.0.0.0:8046",
			Dispatch:       dispatch.Config{Mode: string(dispatch.ModeInline)},
		},
		Broker: BrokerConfig{
			Transport:        TransportTCP,
			Address:          "0.0.0.0:8034",
			PatternCacheSize: 1024,
			Dispatch:         dispatch.Config{Mode: string(dispatch.ModeInline)},
		},
	}
}

// Validate reports every invalid field. The returned error matches
// errors.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...))
	}

	if !slices.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		fail("log.level %q", c.Log.Level)
	}
	if !slices.Contains(validFormats, strings.ToLower(c.Log.Format)) {
		fail("log.format %q", c.Log.Format)
	}

	switch c.Protocol.Formatter {
	case FormatterBinary, FormatterEasy:
	default:
		fail("protocol.formatter %q", c.Protocol.Formatter)
	}
	if _, err := protocol.ParseByteOrder(c.Protocol.ByteOrder); err != nil {
		fail("protocol.byte_order %q", c.Protocol.ByteOrder)
	}
	if c.Protocol.MaxPayloadSize < 0 {
		fail("protocol.max_payload_size must not be negative")
	}

	t := c.Transport
	if t.ConnectTimeout < 0 || t.StopTimeout < 0 || t.SendTimeout < 0 {
		fail("transport timeouts must not be negative")
	}
	if t.ConnectAttempts < 0 {
		fail("transport.connect_attempts must not be negative")
	}
	if t.TCP.MaxConnections < 0 || t.TCP.AcceptRate < 0 || t.TCP.AcceptBurst < 0 {
		fail("transport.tcp limits must not be negative")
	}
	if t.UDP.SessionTimeout < 0 {
		fail("transport.udp.session_timeout must not be negative")
	}
	if t.WebSocket.AcceptRate < 0 || t.WebSocket.AcceptBurst < 0 ||
		t.WebSocket.ReadBufferSize < 0 || t.WebSocket.WriteBufferSize < 0 {
		fail("transport.websocket limits must not be negative")
	}
	if t.TLS.Enabled {
		if t.TLS.CertFile == "" || t.TLS.KeyFile == "" {
			fail("transport.tls requires cert_file and key_file")
		}
		if !tlsutil.ValidVersion(t.TLS.MinVersion) {
			fail("transport.tls.min_version %q", t.TLS.MinVersion)
		}
		if len(t.TLS.AllowedClientCNs) > 0 && len(t.TLS.ClientCAFiles) == 0 {
			fail("transport.tls.allowed_client_cns requires client_ca_files")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
			fail("metrics.port %d", c.Metrics.Port)
		}
		if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
			fail("metrics.path %q must start with /", c.Metrics.Path)
		}
	}

	if !c.MessageBus.Enabled && !c.Broker.Enabled {
		fail("neither message_bus nor broker is enabled")
	}

	if c.MessageBus.Enabled {
		mb := c.MessageBus
		c.validateTransport("message_bus", mb.Transport, fail)
		if mb.ServiceAddress == "" {
			fail("message_bus.service_address is required")
		}
		if mb.ClientAddress == "" {
			fail("message_bus.client_address is required")
		}
		if mb.ServiceAddress != "" && mb.ServiceAddress == mb.ClientAddress {
			fail("message_bus.service_address and client_address must differ")
		}
		if mb.MaxClientsPerService < 0 {
			fail("message_bus.max_clients_per_service must not be negative")
		}
		validateDispatch("message_bus", mb.Dispatch, fail)
	}

	if c.Broker.Enabled {
		b := c.Broker
		c.validateTransport("broker", b.Transport, fail)
		if b.Address == "" {
			fail("broker.address is required")
		}
		if b.PatternCacheSize < 0 {
			fail("broker.pattern_cache_size must not be negative")
		}
		validateDispatch("broker", b.Dispatch, fail)
	}

	if c.MessageBus.Enabled && c.Broker.Enabled && c.MessageBus.Transport == c.Broker.Transport {
		if c.Broker.Address == c.MessageBus.ServiceAddress || c.Broker.Address == c.MessageBus.ClientAddress {
			fail("broker.address %q is already used by message_bus", c.Broker.Address)
		}
	}

	if c.UsesTransport(TransportNATS) && len(c.NATS.URLs) == 0 {
		fail("nats.urls is required by the nats transport")
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.WrapInvalid(errors.Join(errs...), "Config", "Validate", "validate configuration")
}

func (c *Config) validateTransport(section, name string, fail func(string, ...any)) {
	if !slices.Contains(validTransports, name) {
		fail("%s.transport %q", section, name)
		return
	}
	// Connectionless and broker-backed transports signal sessions with frames.
	if (name == TransportUDP || name == TransportNATS) && c.Protocol.Formatter == FormatterEasy {
		fail("%s.transport %q requires the binary formatter", section, name)
	}
}

func validateDispatch(section string, cfg dispatch.Config, fail func(string, ...any)) {
	if _, err := dispatch.ParseMode(cfg.Mode); err != nil {
		fail("%s.dispatch.mode %q", section, cfg.Mode)
	}
	if cfg.Workers < 0 || cfg.QueueSize < 0 {
		fail("%s.dispatch sizes must not be negative", section)
	}
}

// UsesTransport reports whether an enabled server listens on the named transport.
func (c *Config) UsesTransport(name string) bool {
	return (c.MessageBus.Enabled && c.MessageBus.Transport == name) ||
		(c.Broker.Enabled && c.Broker.Transport == name)
}

// String returns the configuration as JSON with credentials masked.
func (c *Config) String() string {
	masked := *c
	masked.NATS.URLs = slices.Clone(c.NATS.URLs)
	for _, secret := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *secret != "" {
			*secret = "****"
		}
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// Duration is a time.Duration written as a Go duration string ("5s", "1m30s")
// in files and environment variables.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}
