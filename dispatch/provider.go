package dispatch

import (
	"log/slog"
	"time"

	"github.com/c360/duplexbus/metric"
)

// Config selects and sizes a dispatch policy.
type Config struct {
	Mode      string `json:"mode" yaml:"mode" env:"MODE"`
	Workers   int    `json:"workers" yaml:"workers" env:"WORKERS"`
	QueueSize int    `json:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`

	// Name labels the dispatcher metrics so several providers can share a registry.
	Name string `json:"-" yaml:"-"`
}

// Provider owns one shared base dispatcher and hands out ordered queues on it.
type Provider struct {
	base  Dispatcher
	close func(time.Duration)
}

// NewProvider builds the base dispatcher described by cfg.
func NewProvider(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*Provider, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeDedicated:
		d, err := NewDedicated(cfg.QueueSize, cfg.Name, logger, registry)
		if err != nil {
			return nil, err
		}
		return &Provider{base: d, close: d.Close}, nil
	case ModePool:
		p, err := NewPool(cfg.Workers, cfg.QueueSize, cfg.Name, logger, registry)
		if err != nil {
			return nil, err
		}
		return &Provider{base: p, close: p.Close}, nil
	default:
		return &Provider{base: Inline{Logger: logger}, close: func(time.Duration) {}}, nil
	}
}

// Invoke runs fn on the base dispatcher without ordering.
func (p *Provider) Invoke(fn func()) {
	p.base.Invoke(fn)
}

// NewQueue returns a fresh ordered queue.
func (p *Provider) NewQueue() Dispatcher {
	return NewQueue(p.base)
}

// Factory returns NewQueue as a Factory.
func (p *Provider) Factory() Factory {
	return p.NewQueue
}

// Close stops the base dispatcher, waiting up to timeout for pending callbacks.
func (p *Provider) Close(timeout time.Duration) {
	p.close(timeout)
}

// InlineFactory returns ordered inline queues.
func InlineFactory() Factory {
	return func() Dispatcher { return NewQueue(Inline{}) }
}
