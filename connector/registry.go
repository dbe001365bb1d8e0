package connector

import "sync"

// Session is the send side of one accepted connection.
type Session interface {
	ID() string
	Address() string

	// Send writes one encoded frame. Implementations serialize concurrent
	// sends so frames never interleave.
	Send(frame []byte) error

	// Close releases transport resources owned by the session.
	Close() error
}

// Registry maps response receiver ids to sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// Add registers s unless its id is taken. It reports whether s was added.
func (r *Registry) Add(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		r.sessions = make(map[string]Session)
	}
	if _, exists := r.sessions[s.ID()]; exists {
		return false
	}
	r.sessions[s.ID()] = s
	return true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters and returns the session under id.
func (r *Registry) Remove(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// RemoveIf unregisters id only while it still maps to s, so a late cleanup
// cannot evict a newer session that reused the id.
func (r *Registry) RemoveIf(id string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[id]; ok && current == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Snapshot returns the current sessions.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Drain removes and returns every session.
func (r *Registry) Drain() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.sessions = nil
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
