package testutil

import (
	"errors"
	"sync"

	"github.com/c360/duplexbus/connector"
	derrors "github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/protocol"
)

// Sent is one frame sent through a MockInputConnector.
type Sent struct {
	ResponseReceiverID string
	Payload            any
}

// MockInputConnector is an InputConnector driven directly by tests. Open, Data
// and Close inject frames; SendResponseMessage records payloads and can be made
// to fail per session.
type MockInputConnector struct {
	mu        sync.Mutex
	handler   connector.MessageHandler
	listening bool
	sessions  map[string]bool
	failing   map[string]bool
	sent      []Sent
	closed    []string
}

// NewMockInputConnector returns a connector that is not listening.
func NewMockInputConnector() *MockInputConnector {
	return &MockInputConnector{sessions: make(map[string]bool), failing: make(map[string]bool)}
}

func (m *MockInputConnector) StartListening(onMessage connector.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listening {
		return derrors.ErrAlreadyListening
	}
	m.handler = onMessage
	m.listening = true
	return nil
}

func (m *MockInputConnector) StopListening() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listening = false
	m.handler = nil
	m.sessions = make(map[string]bool)
}

func (m *MockInputConnector) IsListening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

func (m *MockInputConnector) SendResponseMessage(id string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sessions[id] {
		return derrors.ErrUnknownSession
	}
	if m.failing[id] {
		return derrors.ErrConnectionLost
	}
	m.sent = append(m.sent, Sent{ResponseReceiverID: id, Payload: payload})
	return nil
}

func (m *MockInputConnector) SendBroadcast(payload any) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.SendResponseMessage(id, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MockInputConnector) CloseConnection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] {
		delete(m.sessions, id)
		m.closed = append(m.closed, id)
	}
}

func (m *MockInputConnector) deliver(msg *protocol.Message) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(&connector.MessageContext{Message: msg, SenderAddress: "mock"})
	}
}

// Open injects an open frame for id.
func (m *MockInputConnector) Open(id string) {
	m.mu.Lock()
	m.sessions[id] = true
	m.mu.Unlock()
	m.deliver(&protocol.Message{Kind: protocol.KindOpen, ResponseReceiverID: id})
}

// Data injects a data frame from id.
func (m *MockInputConnector) Data(id string, payload any) {
	m.deliver(&protocol.Message{Kind: protocol.KindData, ResponseReceiverID: id, Payload: payload})
}

// Close injects a close frame from id.
func (m *MockInputConnector) Close(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.deliver(&protocol.Message{Kind: protocol.KindClose, ResponseReceiverID: id})
}

// FailSends makes every send to id fail with errors.ErrConnectionLost.
func (m *MockInputConnector) FailSends(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[id] = true
}

// Sent returns every successfully sent payload.
func (m *MockInputConnector) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// SentTo returns the payloads sent to id.
func (m *MockInputConnector) SentTo(id string) []any {
	var out []any
	for _, s := range m.Sent() {
		if s.ResponseReceiverID == id {
			out = append(out, s.Payload)
		}
	}
	return out
}

// ClosedSessions returns the ids disconnected through CloseConnection.
func (m *MockInputConnector) ClosedSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closed...)
}

// IsOpen reports whether id is a live session.
func (m *MockInputConnector) IsOpen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}
