package sched

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Slots is a run-wide set of worker slots. Extraction jobs and merge subtasks
// of every sample draw from the same Slots, so no more than Size workers run
// at once even while one sample's merge overlaps the next sample's
// extraction. Each slot stands for one worker's share of the memory budget.
type Slots struct {
	sem   *semaphore.Weighted
	size  int64
	inUse int64
	peak  int64
}

// NewSlots returns n slots. n < 1 is treated as 1.
func NewSlots(n int) *Slots {
	if n < 1 {
		n = 1
	}
	return &Slots{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Size returns the number of slots.
func (s *Slots) Size() int { return int(s.size) }

func (s *Slots) clamp(n int) int64 {
	w := int64(n)
	if w < 1 {
		w = 1
	}
	if w > s.size {
		w = s.size
	}
	return w
}

// Acquire blocks until n slots are free or ctx is done. n is clamped to
// [1, Size]; Release must be called with the same n.
func (s *Slots) Acquire(ctx context.Context, n int) error {
	w := s.clamp(n)
	if err := s.sem.Acquire(ctx, w); err != nil {
		return err
	}
	s.note(w)
	return nil
}

// TryAcquire takes n slots if they are free right now.
func (s *Slots) TryAcquire(n int) bool {
	w := s.clamp(n)
	if !s.sem.TryAcquire(w) {
		return false
	}
	s.note(w)
	return true
}

// Release returns n slots.
func (s *Slots) Release(n int) {
	w := s.clamp(n)
	atomic.AddInt64(&s.inUse, -w)
	s.sem.Release(w)
}

func (s *Slots) note(w int64) {
	cur := atomic.AddInt64(&s.inUse, w)
	for {
		old := atomic.LoadInt64(&s.peak)
		if cur <= old || atomic.CompareAndSwapInt64(&s.peak, old, cur) {
			return
		}
	}
}

// Peak returns the largest number of slots held at once.
func (s *Slots) Peak() int { return int(atomic.LoadInt64(&s.peak)) }
