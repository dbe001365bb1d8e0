package cache

import (
	"sync"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/metric"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewLRU[int](2, WithEvictionCallback(func(key string, _ int) { evicted = append(evicted, key) }))
	require.NoError(t, err)

	assert.True(t, c.Set("a", 1))
	assert.True(t, c.Set("b", 2))
	_, ok := c.Get("a")
	require.True(t, ok)
	assert.True(t, c.Set("c", 3))

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
	assert.False(t, c.Set("a", 10), "updating an entry does not create one")
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
}

func TestLRU_DeleteAndClear(t *testing.T) {
	var removed []string
	c, err := NewLRU[string](4, WithEvictionCallback(func(key, _ string) { removed = append(removed, key) }))
	require.NoError(t, err)

	c.Set("x", "1")
	c.Set("y", "2")
	c.Set("z", "3")
	assert.True(t, c.Delete("y"))
	assert.False(t, c.Delete("y"))
	c.Clear()

	assert.Equal(t, []string{"y", "x", "z"}, removed)
	assert.Zero(t, c.Size())
}

func TestLRU_StatsAndMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewLRU[int](1, WithMetrics[int](registry, "patterns"))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Get("a")
	c.Get("b")
	c.Set("b", 2)

	stats := c.Stats().Summary()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(1), stats.CurrentSize)
	assert.InDelta(t, 0.5, stats.HitRatio, 0.001)

	assert.Equal(t, float64(1), promtestutil.ToFloat64(c.metrics.evictions))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(c.metrics.size))

	_, err = NewLRU[int](1, WithMetrics[int](registry, "patterns"))
	assert.Error(t, err, "duplicate metric registration")
}

func TestLRU_InvalidSize(t *testing.T) {
	_, err := NewLRU[int](0)
	assert.Error(t, err)
}

func TestLRU_ConcurrentUse(t *testing.T) {
	c, err := NewLRU[int](16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := string(rune('a' + (g+i)%26))
				c.Set(key, i)
				c.Get(key)
				if i%7 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Size(), 16)
}
