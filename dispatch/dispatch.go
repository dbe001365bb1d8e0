// Package dispatch decides where callbacks run.
//
// Inline runs a callback on the caller's goroutine, Dedicated on one background
// goroutine and Pool on a worker pool. Queue layers ordering on top of any of
// them: callbacks invoked through the same Queue run one at a time in the order
// they were invoked, so one queue per peer keeps that peer's frames in order
// while different peers proceed in parallel.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/metric"
	"github.com/c360/duplexbus/pkg/buffer"
	"github.com/c360/duplexbus/pkg/worker"
)

// Dispatcher executes callbacks according to a policy.
type Dispatcher interface {
	Invoke(fn func())
}

// Factory returns a fresh ordered dispatcher for one peer.
type Factory func() Dispatcher

// Mode names a dispatch policy.
type Mode string

const (
	ModeInline    Mode = "inline"
	ModeDedicated Mode = "dedicated"
	ModePool      Mode = "pool"
)

// ParseMode validates a mode name. The empty string selects ModeInline.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeInline, nil
	case ModeInline, ModeDedicated, ModePool:
		return m, nil
	default:
		return "", errors.WrapInvalid(fmt.Errorf("%w: dispatch mode %q", errors.ErrInvalidConfig, s),
			"dispatch", "ParseMode", "parse mode")
	}
}

func run(logger *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Dispatched callback panicked", "panic", r)
		}
	}()
	fn()
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default().With("component", "dispatch")
	}
	return logger
}

// Inline runs callbacks synchronously on the invoking goroutine.
type Inline struct {
	Logger *slog.Logger
}

// Invoke runs fn and recovers a panic.
func (d Inline) Invoke(fn func()) {
	run(orDefault(d.Logger), fn)
}

// Dedicated runs callbacks in order on a single goroutine.
type Dedicated struct {
	queue  buffer.Buffer[func()]
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDedicated starts the goroutine. Invoke blocks while capacity callbacks are
// already queued; a non-positive capacity selects 1024. name labels the queue
// metrics and defaults to "dispatch".
func NewDedicated(capacity int, name string, logger *slog.Logger, registry *metric.MetricsRegistry) (*Dedicated, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	opts := []buffer.Option[func()]{buffer.WithOverflowPolicy[func()](buffer.Block)}
	if registry != nil {
		opts = append(opts, buffer.WithMetrics[func()](registry, metricsName(name)+"_dedicated"))
	}
	queue, err := buffer.NewCircularBuffer(capacity, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Dedicated", "NewDedicated", "create queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dedicated{queue: queue, logger: orDefault(logger), cancel: cancel, done: make(chan struct{})}
	go d.loop(ctx)
	return d, nil
}

func (d *Dedicated) loop(ctx context.Context) {
	defer close(d.done)
	for {
		fn, err := d.queue.Take(ctx)
		if err != nil {
			return
		}
		run(d.logger, fn)
	}
}

// Invoke queues fn. Callbacks invoked after Close are dropped.
func (d *Dedicated) Invoke(fn func()) {
	if err := d.queue.Write(fn); err != nil {
		d.logger.Debug("Dropping callback for closed dispatcher", "error", err)
	}
}

// Close lets queued callbacks finish for up to timeout, then abandons the rest.
func (d *Dedicated) Close(timeout time.Duration) {
	_ = d.queue.Close()
	select {
	case <-d.done:
	case <-time.After(timeout):
		d.cancel()
		d.logger.Warn("Dedicated dispatcher did not drain in time")
	}
}

// Pool runs callbacks on a fixed set of goroutines without ordering.
type Pool struct {
	pool   *worker.Pool[func()]
	logger *slog.Logger
}

// NewPool starts a pool of workers goroutines with room for queueSize pending
// callbacks. name labels the pool metrics as in NewDedicated.
func NewPool(workers, queueSize int, name string, logger *slog.Logger, registry *metric.MetricsRegistry) (*Pool, error) {
	logger = orDefault(logger)
	var opts []worker.Option[func()]
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[func()](registry, metricsName(name)))
	}
	p := &Pool{logger: logger}
	p.pool = worker.NewPool(workers, queueSize, func(_ context.Context, fn func()) error {
		run(logger, fn)
		return nil
	}, opts...)
	if err := p.pool.Start(context.Background()); err != nil {
		return nil, errors.Wrap(err, "Pool", "NewPool", "start workers")
	}
	return p, nil
}

// Invoke submits fn, waiting for queue space.
func (p *Pool) Invoke(fn func()) {
	if err := p.pool.SubmitWait(context.Background(), fn); err != nil {
		p.logger.Debug("Dropping callback for stopped pool", "error", err)
	}
}

// Close drains the queue for up to timeout.
func (p *Pool) Close(timeout time.Duration) {
	if err := p.pool.Stop(timeout); err != nil {
		p.logger.Warn("Dispatch pool did not stop cleanly", "error", err)
	}
}

// Stats exposes the underlying pool statistics.
func (p *Pool) Stats() worker.PoolStats {
	return p.pool.Stats()
}

// Queue serializes callbacks on top of a base dispatcher.
type Queue struct {
	base Dispatcher

	mu      sync.Mutex
	pending []func()
	running bool
}

// NewQueue returns an ordered queue over base. A nil base runs inline.
func NewQueue(base Dispatcher) *Queue {
	if base == nil {
		base = Inline{}
	}
	return &Queue{base: base}
}

// Invoke appends fn. If no drain is in progress, one is scheduled on the base
// dispatcher; otherwise the running drain picks fn up.
func (q *Queue) Invoke(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.base.Invoke(q.drain)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		run(slog.Default(), fn)
	}
}

// Len returns the number of callbacks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func metricsName(name string) string {
	if name == "" {
		return "dispatch"
	}
	return name
}
