package health

import (
	"fmt"
	"slices"
	"time"
)

// Status values, from best to worst.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy returns a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy returns an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded returns a degraded status. Degraded components still serve but
// are not counted as healthy.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func severity(state string) int {
	switch state {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Aggregate reports the worst of subStatuses under component. An empty set is
// healthy.
func Aggregate(component string, subStatuses []Status) Status {
	worst := StateHealthy
	failing := 0
	for _, sub := range subStatuses {
		if severity(sub.Status) > severity(worst) {
			worst = sub.Status
			if severity(worst) == 2 {
				worst = StateUnhealthy
			}
		}
		if !sub.IsHealthy() {
			failing++
		}
	}

	message := fmt.Sprintf("%d of %d components healthy", len(subStatuses)-failing, len(subStatuses))
	status := newStatus(component, worst, message)
	status.SubStatuses = slices.Clone(subStatuses)
	return status
}
