package health

import (
	"sort"
	"sync"
	"time"
)

// Check reports the current status of one component.
type Check func() Status

// Monitor tracks health of multiple components in a thread-safe manner
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Register adds a check that is run whenever the monitor is read. It replaces
// any status pushed under the same name.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	m.checks[name] = check
}

// Update stores a pushed status for name.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	delete(m.checks, name)
	m.statuses[name] = status
}

// Get returns the status of name, running its check if it has one.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	status, exists := m.statuses[name]
	check := m.checks[name]
	m.mu.RUnlock()

	if check != nil {
		return run(name, check), true
	}
	return status, exists
}

// snapshot returns every status, running registered checks outside the lock.
func (m *Monitor) snapshot() map[string]Status {
	m.mu.RLock()
	result := make(map[string]Status, len(m.statuses)+len(m.checks))
	for name, status := range m.statuses {
		result[name] = status
	}
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	for name, check := range checks {
		result[name] = run(name, check)
	}
	return result
}

func run(name string, check Check) Status {
	status := check()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// AggregateHealth returns an aggregated health status for the entire system
func (m *Monitor) AggregateHealth(systemName string) Status {
	all := m.snapshot()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	subStatuses := make([]Status, 0, len(all))
	for _, name := range names {
		subStatuses = append(subStatuses, all[name])
	}
	return Aggregate(systemName, subStatuses)
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses) + len(m.checks)
}
