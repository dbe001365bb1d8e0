// Package memory provides an in-process transport. Frames still pass through the
// configured formatter, so it exercises the same code paths as the network
// transports without sockets.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/connector/stream"
	"github.com/c360/duplexbus/errors"
)

// Network is a namespace of in-process listeners.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*listener
	clients   atomic.Int64
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*listener)}
}

// Listen binds address within the network.
func (n *Network) Listen(address string) (stream.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.listeners[address]; exists {
		return nil, fmt.Errorf("address %q already in use", address)
	}
	l := &listener{
		network: n,
		address: address,
		accepts: make(chan accepted),
		closed:  make(chan struct{}),
	}
	n.listeners[address] = l
	return l, nil
}

// Dial connects to the listener bound at address.
func (n *Network) Dial(ctx context.Context, address string) (stream.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[address]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener at %q", address)
	}

	server, client := newPipe()
	remote := fmt.Sprintf("memory-client-%d", n.clients.Add(1))
	select {
	case l.accepts <- accepted{conn: server, remote: remote}:
		return client, nil
	case <-l.closed:
		return nil, fmt.Errorf("listener at %q closed", address)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Network) remove(l *listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[l.address] == l {
		delete(n.listeners, l.address)
	}
}

type accepted struct {
	conn   stream.Conn
	remote string
}

type listener struct {
	network   *Network
	address   string
	accepts   chan accepted
	closed    chan struct{}
	closeOnce sync.Once
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
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.remove(l)
	})
	return nil
}

func (l *listener) Addr() string { return l.address }

// pipeBuffer is an unbounded one-directional byte queue.
type pipeBuffer struct {
	mu     sync.Mutex
	data   bytes.Buffer
	closed bool
	notify chan struct{}
}

func newPipeBuffer() *pipeBuffer {
	return &pipeBuffer{notify: make(chan struct{})}
}

func (b *pipeBuffer) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *pipeBuffer) read(p []byte) (int, error) {
	for {
		b.mu.Lock()
		if b.data.Len() > 0 {
			n, _ := b.data.Read(p)
			b.mu.Unlock()
			return n, nil
		}
		if b.closed {
			b.mu.Unlock()
			return 0, io.EOF
		}
		wait := b.notify
		b.mu.Unlock()
		<-wait
	}
}

func (b *pipeBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data.Write(p)
	b.wake()
	return len(p), nil
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.wake()
	}
}

// pipeConn is one end of a buffered in-memory connection. Unlike net.Pipe,
// writes never wait for the reader.
type pipeConn struct {
	in  *pipeBuffer
	out *pipeBuffer
}

func newPipe() (*pipeConn, *pipeConn) {
	a, b := newPipeBuffer(), newPipeBuffer()
	return &pipeConn{in: a, out: b}, &pipeConn{in: b, out: a}
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.in.read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.out.write(p) }

func (c *pipeConn) Close() error {
	c.in.close()
	c.out.close()
	return nil
}

// Factory creates memory connectors on one network.
type Factory struct {
	network *Network
	opts    connector.Options
}

// NewFactory returns a factory for network. A nil network creates a private one.
func NewFactory(network *Network, opts connector.Options) *Factory {
	if network == nil {
		network = NewNetwork()
	}
	return &Factory{network: network, opts: opts}
}

// Network returns the factory's network.
func (f *Factory) Network() *Network { return f.network }

// CreateOutputConnector returns a connector that dials address on the network.
func (f *Factory) CreateOutputConnector(address, responseReceiverID string) (connector.OutputConnector, error) {
	return stream.NewOutput("memory", address, responseReceiverID, f.network.Dial, f.opts), nil
}

// CreateInputConnector returns a connector that listens on address.
func (f *Factory) CreateInputConnector(address string) (connector.InputConnector, error) {
	return stream.NewInput("memory", address, f.network.Listen, f.opts), nil
}
