package udp

import (
	"fmt"
	"net"
	"time"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

const (
	transport = "udp"

	// maxDatagram is the largest UDP payload over IPv4.
	maxDatagram = 65507

	pollInterval     = 100 * time.Millisecond
	socketBufferSize = 2 * 1024 * 1024
)

// Config holds UDP specific settings.
type Config struct {
	// SessionTimeout closes input sessions idle for longer. Zero disables it.
	SessionTimeout time.Duration
}

// Factory creates UDP connectors.
type Factory struct {
	cfg  Config
	opts connector.Options
}

// NewFactory returns a UDP factory.
func NewFactory(cfg Config, opts connector.Options) *Factory {
	return &Factory{cfg: cfg, opts: opts}
}

func checkFormatter(f protocol.Formatter, method string) error {
	if !protocol.EmitsLifecycle(f) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: udp requires a formatter with open and close frames", errors.ErrInvalidConfig),
			"udpFactory", method, "check formatter")
	}
	return nil
}

// CreateOutputConnector returns a connector that sends to address ("host:port").
func (f *Factory) CreateOutputConnector(address, responseReceiverID string) (connector.OutputConnector, error) {
	opts := f.opts.WithDefaults(transport + "-output")
	if err := checkFormatter(opts.Formatter, "CreateOutputConnector"); err != nil {
		return nil, err
	}
	return &Output{
		OutputBase: connector.NewOutputBase(transport, responseReceiverID, opts),
		address:    address,
	}, nil
}

// CreateInputConnector returns a connector bound to address ("host:port").
func (f *Factory) CreateInputConnector(address string) (connector.InputConnector, error) {
	opts := f.opts.WithDefaults(transport + "-input")
	if err := checkFormatter(opts.Formatter, "CreateInputConnector"); err != nil {
		return nil, err
	}
	return &Input{
		InputBase: connector.NewInputBase(transport, opts),
		address:   address,
		cfg:       f.cfg,
	}, nil
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
