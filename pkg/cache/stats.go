package cache

import (
	"sync/atomic"
	"time"
)

// Statistics counts cache operations. All methods are safe for concurrent use.
type Statistics struct {
	hits, misses, sets, deletes, evictions atomic.Int64

	size, peak atomic.Int64
	start      time.Time
}

// NewStatistics starts a tracker whose uptime begins now.
func NewStatistics() *Statistics {
	return &Statistics{start: time.Now()}
}

func (s *Statistics) Hit()      { s.hits.Add(1) }
func (s *Statistics) Miss()     { s.misses.Add(1) }
func (s *Statistics) Set()      { s.sets.Add(1) }
func (s *Statistics) Delete()   { s.deletes.Add(1) }
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// UpdateSize records the current entry count and raises the peak if needed.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for {
		peak := s.peak.Load()
		if size <= peak || s.peak.CompareAndSwap(peak, size) {
			return
		}
	}
}

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Sets        int64         `json:"sets"`
	Deletes     int64         `json:"deletes"`
	Evictions   int64         `json:"evictions"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	HitRatio    float64       `json:"hit_ratio"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot. HitRatio is 0 before the first lookup.
func (s *Statistics) Summary() StatsSummary {
	sum := StatsSummary{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Sets:        s.sets.Load(),
		Deletes:     s.deletes.Load(),
		Evictions:   s.evictions.Load(),
		CurrentSize: s.size.Load(),
		MaxSize:     s.peak.Load(),
		Uptime:      time.Since(s.start),
	}
	if lookups := sum.Hits + sum.Misses; lookups > 0 {
		sum.HitRatio = float64(sum.Hits) / float64(lookups)
	}
	return sum
}
