package broker

import (
	"fmt"
	"regexp"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/metric"
	"github.com/c360/duplexbus/pkg/cache"
)

// Matcher evaluates topic patterns.
type Matcher interface {
	// Validate returns an error wrapping errors.ErrInvalidPattern when pattern
	// cannot be used.
	Validate(pattern string) error

	// Match reports whether topic matches pattern. An error removes the
	// subscription that used the pattern.
	Match(pattern, topic string) (bool, error)
}

// DefaultPatternCacheSize is the number of compiled patterns RegexMatcher keeps.
const DefaultPatternCacheSize = 1024

// RegexMatcher matches with package regexp and keeps compiled patterns in an
// LRU cache.
type RegexMatcher struct {
	compiled *cache.LRU[*regexp.Regexp]
}

// NewRegexMatcher returns a matcher caching up to size patterns. A registry
// exports the cache statistics.
func NewRegexMatcher(size int, registry *metric.MetricsRegistry) (*RegexMatcher, error) {
	if size <= 0 {
		size = DefaultPatternCacheSize
	}
	compiled, err := cache.NewLRU[*regexp.Regexp](size,
		cache.WithMetrics[*regexp.Regexp](registry, "broker_patterns"))
	if err != nil {
		return nil, errors.Wrap(err, "RegexMatcher", "NewRegexMatcher", "create pattern cache")
	}
	return &RegexMatcher{compiled: compiled}, nil
}

// ValidatePattern compiles pattern and wraps a failure in errors.ErrInvalidPattern.
func ValidatePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q: %v", errors.ErrInvalidPattern, pattern, err),
			"broker", "ValidatePattern", "compile pattern")
	}
	return re, nil
}

func (m *RegexMatcher) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := m.compiled.Get(pattern); ok {
		return re, nil
	}
	re, err := ValidatePattern(pattern)
	if err != nil {
		return nil, err
	}
	m.compiled.Set(pattern, re)
	return re, nil
}

// Validate compiles and caches pattern.
func (m *RegexMatcher) Validate(pattern string) error {
	_, err := m.compile(pattern)
	return err
}

// Match reports whether pattern matches anywhere in topic.
func (m *RegexMatcher) Match(pattern, topic string) (bool, error) {
	re, err := m.compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(topic), nil
}

// CacheStats returns the compiled pattern cache statistics.
func (m *RegexMatcher) CacheStats() cache.StatsSummary {
	return m.compiled.Stats().Summary()
}
