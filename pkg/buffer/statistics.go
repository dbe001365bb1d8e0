package buffer

import "sync/atomic"

// Snapshot is a point-in-time copy of buffer statistics.
type Snapshot struct {
	Writes   int64
	Reads    int64
	Drops    int64
	Size     int64
	MaxSize  int64
	Capacity int
}

type statistics struct {
	writes  atomic.Int64
	reads   atomic.Int64
	drops   atomic.Int64
	size    atomic.Int64
	maxSize atomic.Int64
}

func (s *statistics) updateSize(n int64) {
	s.size.Store(n)
	for {
		current := s.maxSize.Load()
		if n <= current || s.maxSize.CompareAndSwap(current, n) {
			return
		}
	}
}

func (s *statistics) snapshot(capacity int) Snapshot {
	return Snapshot{
		Writes:   s.writes.Load(),
		Reads:    s.reads.Load(),
		Drops:    s.drops.Load(),
		Size:     s.size.Load(),
		MaxSize:  s.maxSize.Load(),
		Capacity: capacity,
	}
}
