package logging

import "sync/atomic"

// Sampler lets through one event in every N. It is safe for concurrent use.
// A rate of 1 or less lets every event through.
type Sampler struct {
	every uint64
	count atomic.Uint64
}

// NewSampler creates a sampler that allows one of every n events.
func NewSampler(n int) *Sampler {
	if n < 1 {
		n = 1
	}
	return &Sampler{every: uint64(n)}
}

// Allow reports whether the current event should be logged. The first event
// is always allowed.
func (s *Sampler) Allow() bool {
	return (s.count.Add(1)-1)%s.every == 0
}
