// Package tcp implements duplex connectors over TCP. One connection carries one
// session; frames are written back to back on the stream.
package tcp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/connector/stream"
)

const transport = "tcp"

// Config holds TCP specific settings.
type Config struct {
	// TLS enables TLS on both sides when set. Clients use it as the client
	// config, listeners as the server config.
	TLS *tls.Config

	// MaxConnections caps concurrently served connections. Zero means unlimited.
	MaxConnections int64

	// AcceptRate limits accepted connections per second. Zero means unlimited.
	AcceptRate float64

	// AcceptBurst is the limiter burst; defaults to 1 when AcceptRate is set.
	AcceptBurst int
}

// Factory creates TCP connectors.
type Factory struct {
	cfg  Config
	opts connector.Options
}

// NewFactory returns a TCP factory.
func NewFactory(cfg Config, opts connector.Options) *Factory {
	return &Factory{cfg: cfg, opts: opts}
}

// CreateOutputConnector returns a connector that dials address ("host:port").
func (f *Factory) CreateOutputConnector(address, responseReceiverID string) (connector.OutputConnector, error) {
	return stream.NewOutput(transport, address, responseReceiverID, f.dial, f.opts), nil
}

// CreateInputConnector returns a connector that listens on address ("host:port").
func (f *Factory) CreateInputConnector(address string) (connector.InputConnector, error) {
	return stream.NewInput(transport, address, f.listen, f.opts), nil
}

func (f *Factory) dial(ctx context.Context, address string) (stream.Conn, error) {
	if f.cfg.TLS != nil {
		d := &tls.Dialer{Config: f.cfg.TLS}
		return d.DialContext(ctx, "tcp", address)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func (f *Factory) listen(address string) (stream.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if f.cfg.TLS != nil {
		ln = tls.NewListener(ln, f.cfg.TLS)
	}

	l := &listener{ln: ln, ctx: context.Background()}
	l.ctx, l.cancel = context.WithCancel(l.ctx)
	if f.cfg.MaxConnections > 0 {
		l.slots = semaphore.NewWeighted(f.cfg.MaxConnections)
	}
	if f.cfg.AcceptRate > 0 {
		burst := f.cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(f.cfg.AcceptRate), burst)
	}
	return l, nil
}

// listener applies the connection cap and accept rate around a net.Listener.
type listener struct {
	ln      net.Listener
	slots   *semaphore.Weighted
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

func (l *listener) Accept() (stream.Conn, string, error) {
	if l.slots != nil {
		if err := l.slots.Acquire(l.ctx, 1); err != nil {
			return nil, "", err
		}
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(l.ctx); err != nil {
			l.release()
			return nil, "", err
		}
	}

	conn, err := l.ln.Accept()
	if err != nil {
		l.release()
		return nil, "", err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if l.slots == nil {
		return conn, conn.RemoteAddr().String(), nil
	}
	return &slotConn{Conn: conn, release: l.release}, conn.RemoteAddr().String(), nil
}

func (l *listener) release() {
	if l.slots != nil {
		l.slots.Release(1)
	}
}

func (l *listener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *listener) Addr() string { return l.ln.Addr().String() }

// slotConn returns its connection slot exactly once on Close.
type slotConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *slotConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
