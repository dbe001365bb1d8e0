package connector

import (
	"bytes"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

const (
	stateClosed int32 = iota
	stateOpening
	stateOpen
)

// OutputBase tracks the Closed, Opening, Open state machine of an output
// connector and invokes its response handler. Transports embed it.
type OutputBase struct {
	Transport          string
	ResponseReceiverID string
	Formatter          protocol.Formatter
	Logger             *slog.Logger
	Options            Options

	state atomic.Int32

	mu      sync.Mutex
	handler ResponseHandler
	// callers counts handler invocations in progress per goroutine id.
	callers map[uint64]int
}

// NewOutputBase prepares an OutputBase from opts, which must already have defaults.
func NewOutputBase(transport, responseReceiverID string, opts Options) OutputBase {
	return OutputBase{
		Transport:          transport,
		ResponseReceiverID: responseReceiverID,
		Formatter:          opts.Formatter,
		Logger:             opts.Logger,
		Options:            opts,
	}
}

// BeginOpen moves Closed to Opening and installs the handler.
func (o *OutputBase) BeginOpen(onResponse ResponseHandler) error {
	if !o.state.CompareAndSwap(stateClosed, stateOpening) {
		return errors.WrapInvalid(errors.ErrAlreadyConnected, o.Transport+"OutputConnector", "OpenConnection",
			"open connection")
	}
	o.mu.Lock()
	o.handler = onResponse
	o.mu.Unlock()
	return nil
}

// FinishOpen moves Opening to Open.
func (o *OutputBase) FinishOpen() bool {
	if o.state.CompareAndSwap(stateOpening, stateOpen) {
		o.Options.Metrics.SessionOpened(o.Transport, "output")
		return true
	}
	return false
}

// AbortOpen returns an Opening connector to Closed.
func (o *OutputBase) AbortOpen() {
	o.state.CompareAndSwap(stateOpening, stateClosed)
}

// IsConnected reports whether the connector is Open.
func (o *OutputBase) IsConnected() bool {
	return o.state.Load() == stateOpen
}

// IsOpening reports whether OpenConnection is in progress.
func (o *OutputBase) IsOpening() bool {
	return o.state.Load() == stateOpening
}

// CheckOpen returns errors.ErrNotConnected unless Open.
func (o *OutputBase) CheckOpen(method string) error {
	if o.state.Load() != stateOpen {
		return errors.WrapInvalid(errors.ErrNotConnected, o.Transport+"OutputConnector", method, "check state")
	}
	return nil
}

// Respond hands a frame to the response handler, recovering a panic.
func (o *OutputBase) Respond(msg *protocol.Message, senderAddress string) {
	o.Options.Metrics.FrameReceived(o.Transport, msg.Kind.String())
	o.invoke(&MessageContext{Message: msg, SenderAddress: senderAddress})
}

func (o *OutputBase) invoke(ctx *MessageContext) {
	o.mu.Lock()
	h := o.handler
	o.mu.Unlock()
	if h == nil {
		return
	}

	id := goroutineID()
	o.mu.Lock()
	if o.callers == nil {
		o.callers = make(map[uint64]int)
	}
	o.callers[id]++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		if o.callers[id]--; o.callers[id] == 0 {
			delete(o.callers, id)
		}
		o.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			o.Logger.Warn("Response handler panicked", "session", o.ResponseReceiverID, "panic", r)
		}
	}()
	h(ctx)
}

// PeerClosed moves Open to Closed after the transport reported the end of the
// connection. When the transition happens it runs teardown and then invokes the
// handler with nil. It reports whether the transition happened.
func (o *OutputBase) PeerClosed(teardown func()) bool {
	if !o.state.CompareAndSwap(stateOpen, stateClosed) {
		return false
	}
	o.Options.Metrics.SessionClosed(o.Transport, "output")
	o.Logger.Debug("Connection closed by peer", "session", o.ResponseReceiverID)
	if teardown != nil {
		teardown()
	}
	o.invoke(nil)
	return true
}

// BeginClose moves Open (or Opening) to Closed for a local close. It reports
// whether the caller owns the teardown.
func (o *OutputBase) BeginClose() bool {
	if o.state.CompareAndSwap(stateOpen, stateClosed) {
		o.Options.Metrics.SessionClosed(o.Transport, "output")
		return true
	}
	return o.state.CompareAndSwap(stateOpening, stateClosed)
}

// SendFrame sends an encoded frame through send, counting it.
func (o *OutputBase) SendFrame(kind string, frame []byte, send func([]byte) error) error {
	if err := send(frame); err != nil {
		o.Options.Metrics.Error(o.Transport, errors.Classify(err).String())
		return err
	}
	o.Options.Metrics.FrameSent(o.Transport, kind)
	return nil
}

// inHandler reports whether the calling goroutine is inside the response handler.
func (o *OutputBase) inHandler() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callers[goroutineID()] > 0
}

// Join waits for a listener to exit. It returns immediately when called from
// within the response handler, and detaches the listener after StopTimeout.
// Callers on other goroutines wait even while a handler is running.
func (o *OutputBase) Join(done <-chan struct{}) {
	if done == nil || o.inHandler() {
		return
	}
	timer := time.NewTimer(o.Options.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.Logger.Warn("Response listener did not stop in time, detaching", "session", o.ResponseReceiverID)
	}
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine id from the stack header
// "goroutine N [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
