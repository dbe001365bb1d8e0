package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/metric"
)

func TestCircularBuffer_FIFO(t *testing.T) {
	buf, err := NewCircularBuffer[int](3)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	for i := 1; i <= 3; i++ {
		v, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := buf.Read()
	assert.False(t, ok)
}

func TestCircularBuffer_OverflowPolicies(t *testing.T) {
	tests := []struct {
		policy   OverflowPolicy
		expected []int
		dropped  []int
	}{
		{DropOldest, []int{2, 3}, []int{1}},
		{DropNewest, []int{1, 2}, []int{3}},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			var dropped []int
			buf, err := NewCircularBuffer[int](2,
				WithOverflowPolicy[int](tt.policy),
				WithDropCallback[int](func(v int) { dropped = append(dropped, v) }))
			require.NoError(t, err)

			for i := 1; i <= 3; i++ {
				require.NoError(t, buf.Write(i))
			}

			var got []int
			for v, ok := buf.Read(); ok; v, ok = buf.Read() {
				got = append(got, v)
			}
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.dropped, dropped)
			assert.Equal(t, int64(1), buf.Stats().Drops)
		})
	}
}

func TestCircularBuffer_BlockUntilSpace(t *testing.T) {
	buf, err := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))

	done := make(chan error, 1)
	go func() { done <- buf.Write(2) }()

	select {
	case <-done:
		t.Fatal("write should block while full")
	case <-time.After(30 * time.Millisecond):
	}

	v, err := buf.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, <-done)

	v, err = buf.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestCircularBuffer_WriteWithContextTimeout(t *testing.T) {
	buf, err := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = buf.WriteWithContext(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCircularBuffer_TakeBlocksAndCloses(t *testing.T) {
	buf, err := NewCircularBuffer[string](4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var got []string
	var takeErr error
	go func() {
		defer wg.Done()
		for {
			v, err := buf.Take(context.Background())
			if err != nil {
				takeErr = err
				return
			}
			got = append(got, v)
		}
	}()

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())
	wg.Wait()

	assert.Equal(t, []string{"a", "b"}, got)
	assert.ErrorIs(t, takeErr, errors.ErrClosed)
	assert.ErrorIs(t, buf.Write("c"), errors.ErrClosed)
}

func TestCircularBuffer_TakeContext(t *testing.T) {
	buf, err := NewCircularBuffer[int](1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = buf.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCircularBuffer_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	_, err := NewCircularBuffer[int](2, WithMetrics[int](reg, "dispatch"))
	require.NoError(t, err)

	_, err = NewCircularBuffer[int](2, WithMetrics[int](reg, "dispatch"))
	assert.Error(t, err, "duplicate metric names are rejected")
}
