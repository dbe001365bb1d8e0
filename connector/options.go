package connector

import (
	"log/slog"
	"time"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/metric"
	"github.com/c360/duplexbus/protocol"
)

// Options holds the settings shared by all transports.
type Options struct {
	Formatter protocol.Formatter
	Logger    *slog.Logger
	Metrics   *metric.Metrics

	// ConnectTimeout bounds dialing and, where the transport needs one, waiting
	// for the open acknowledgement.
	ConnectTimeout time.Duration

	// StopTimeout bounds how long CloseConnection and StopListening wait for
	// listener goroutines before detaching them.
	StopTimeout time.Duration

	// SendTimeout bounds a single frame write on transports with write deadlines.
	SendTimeout time.Duration

	// ConnectPolicy retries transient dial failures.
	ConnectPolicy errors.ConnectPolicy
}

// DefaultOptions returns binary framing and conservative timeouts.
func DefaultOptions() Options {
	return Options{
		Formatter:      protocol.NewBinaryFormatter(),
		ConnectTimeout: 5 * time.Second,
		StopTimeout:    2 * time.Second,
		SendTimeout:    5 * time.Second,
		ConnectPolicy:  errors.DefaultConnectPolicy(),
	}
}

// WithDefaults fills zero fields from DefaultOptions and names the logger.
func (o Options) WithDefaults(component string) Options {
	d := DefaultOptions()
	if o.Formatter == nil {
		o.Formatter = d.Formatter
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	if o.ConnectPolicy.Attempts == 0 {
		o.ConnectPolicy = d.ConnectPolicy
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", component)
	return o
}
