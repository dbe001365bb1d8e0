// Package websocket implements duplex connectors over WebSocket connections.
// Each frame travels as one binary message. Addresses are URLs of the form
// ws://host:port/path; the input connector serves the path on host:port.
package websocket

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/connector/stream"
	"github.com/c360/duplexbus/errors"
)

const transport = "websocket"

// Config holds WebSocket specific settings.
type Config struct {
	// CheckOrigin validates the Origin header of upgrade requests. Nil accepts
	// every origin.
	CheckOrigin func(r *http.Request) bool

	// AcceptRate limits upgrades per second; excess requests get 429. Zero
	// means unlimited.
	AcceptRate  float64
	AcceptBurst int

	ReadBufferSize  int
	WriteBufferSize int
}

// Factory creates WebSocket connectors.
type Factory struct {
	cfg  Config
	opts connector.Options
}

// NewFactory returns a WebSocket factory.
func NewFactory(cfg Config, opts connector.Options) *Factory {
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = 4096
	}
	return &Factory{cfg: cfg, opts: opts}
}

// CreateOutputConnector returns a connector that dials the ws:// or wss:// URL.
func (f *Factory) CreateOutputConnector(address, responseReceiverID string) (connector.OutputConnector, error) {
	if _, err := parseAddress(address); err != nil {
		return nil, err
	}
	return stream.NewOutput(transport, address, responseReceiverID, f.dial, f.opts), nil
}

// CreateInputConnector returns a connector serving the ws:// URL.
func (f *Factory) CreateInputConnector(address string) (connector.InputConnector, error) {
	if _, err := parseAddress(address); err != nil {
		return nil, err
	}
	return stream.NewInput(transport, address, f.listen, f.opts), nil
}

func parseAddress(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: websocket address %q must be ws://host:port/path",
			errors.ErrInvalidConfig, address), "websocketFactory", "parseAddress", "parse address")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func (f *Factory) dial(ctx context.Context, address string) (stream.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: f.opts.ConnectTimeout,
		ReadBufferSize:   f.cfg.ReadBufferSize,
		WriteBufferSize:  f.cfg.WriteBufferSize,
	}
	ws, resp, err := dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return newConn(ws), nil
}

func (f *Factory) listen(address string) (stream.Listener, error) {
	u, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}

	l := &listener{
		ln:      ln,
		path:    u.Path,
		accepts: make(chan accepted),
		closed:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  f.cfg.ReadBufferSize,
			WriteBufferSize: f.cfg.WriteBufferSize,
			CheckOrigin:     f.cfg.CheckOrigin,
		},
	}
	if l.upgrader.CheckOrigin == nil {
		l.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	if f.cfg.AcceptRate > 0 {
		burst := f.cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(f.cfg.AcceptRate), burst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(u.Path, l.upgrade)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = l.server.Serve(ln) }()
	return l, nil
}

type accepted struct {
	conn   stream.Conn
	remote string
}

type listener struct {
	ln       net.Listener
	path     string
	server   *http.Server
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	accepts   chan accepted
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *listener) upgrade(w http.ResponseWriter, r *http.Request) {
	if l.limiter != nil && !l.limiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.accepts <- accepted{conn: newConn(ws), remote: r.RemoteAddr}:
	case <-l.closed:
		_ = ws.Close()
	}
}

func (l *listener) Accept() (stream.Conn, string, error) {
	select {
	case a := <-l.accepts:
		return a.conn, a.remote, nil
	case <-l.closed:
		return nil, "", errors.ErrClosed
	}
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		// Hijacked connections are not tracked by the server; sessions close them.
		err = l.server.Close()
	})
	return err
}

func (l *listener) Addr() string {
	return "ws://" + l.ln.Addr().String() + l.path
}

// conn adapts a WebSocket connection to a byte stream. Reads concatenate binary
// messages; each Write sends one message.
type conn struct {
	ws     *websocket.Conn
	reader io.Reader
	once   sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
