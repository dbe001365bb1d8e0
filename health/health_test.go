package health

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == "healthy", got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitorChecksAndUpdates(t *testing.T) {
	m := NewMonitor()
	clients := 0
	m.Register("bus", func() Status {
		return NewHealthy("", "attached").WithDetail("clients", clients)
	})
	m.Update("broker", NewDegraded("ignored", "not attached"))
	assert.Equal(t, 2, m.Count())

	clients = 3
	bus, ok := m.Get("bus")
	require.True(t, ok)
	assert.Equal(t, "bus", bus.Component)
	assert.Equal(t, 3, bus.Details["clients"])
	assert.False(t, bus.Timestamp.IsZero())

	broker, ok := m.Get("broker")
	require.True(t, ok)
	assert.Equal(t, "broker", broker.Component)

	agg := m.AggregateHealth("duplexbus")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "broker", agg.SubStatuses[0].Component)

	m.Remove("broker")
	assert.True(t, m.AggregateHealth("duplexbus").IsHealthy())
	_, ok = m.Get("broker")
	assert.False(t, ok)
}

func TestMonitorConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.Update(fmt.Sprintf("c%d", i), NewHealthy("", "ok"))
		}(i)
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("sys")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, m.Count())
}

func TestFromErrorSanitizes(t *testing.T) {
	tests := []struct {
		err      error
		contains string
		hidden   string
	}{
		{fmt.Errorf("dial tcp://10.0.0.5:4222 refused"), "[URL]", "10.0.0.5"},
		{fmt.Errorf("connect 192.168.1.10:9000 timeout"), "[IP]", "192.168.1.10"},
		{fmt.Errorf("auth failed token=abc123"), "[REDACTED]", "abc123"},
	}
	for _, tt := range tests {
		s := FromError("nats", tt.err)
		assert.True(t, s.IsUnhealthy())
		assert.Contains(t, s.Message, tt.contains)
		assert.NotContains(t, s.Message, tt.hidden)
	}
	assert.True(t, FromError("ok", nil).IsHealthy())
}

func TestWithSubStatusCopies(t *testing.T) {
	base := NewHealthy("broker", "ok")
	one := base.WithSubStatus(NewHealthy("channel", "listening"))
	two := one.WithSubStatus(NewUnhealthy("cache", "evicting"))

	assert.Empty(t, base.SubStatuses)
	require.Len(t, one.SubStatuses, 1)
	require.Len(t, two.SubStatuses, 2)
	assert.Equal(t, "channel", two.SubStatuses[0].Component)
	assert.Equal(t, "cache", two.SubStatuses[1].Component)
	assert.True(t, two.IsHealthy())
}
