package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/errors"
)

func TestRegexMatcher(t *testing.T) {
	m, err := NewRegexMatcher(2, nil)
	require.NoError(t, err)

	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{`^sensor\..*`, "sensor.temp", true},
		{`^sensor\..*`, "actuator.valve", false},
		{`temp`, "sensor.temp", true},
		{`^temp$`, "sensor.temp", false},
		{``, "anything", true},
	}
	for _, tt := range tests {
		got, err := m.Match(tt.pattern, tt.topic)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%q on %q", tt.pattern, tt.topic)
	}

	_, err = m.Match("(", "x")
	assert.True(t, errors.Is(err, errors.ErrInvalidPattern))
	assert.True(t, errors.Is(m.Validate("[a-"), errors.ErrInvalidPattern))

	stats := m.CacheStats()
	assert.LessOrEqual(t, stats.CurrentSize, int64(2))
	assert.Positive(t, stats.Hits)
}
