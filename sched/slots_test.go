package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestSlots(t *testing.T) {
	ctx := context.Background()
	s := NewSlots(0)
	expect.EQ(t, s.Size(), 1)

	s = NewSlots(3)
	assert.NoError(t, s.Acquire(ctx, 2))
	expect.True(t, s.TryAcquire(1))
	expect.False(t, s.TryAcquire(1))
	s.Release(1)
	s.Release(2)
	// Requests larger than the set take all of it.
	expect.True(t, s.TryAcquire(10))
	expect.False(t, s.TryAcquire(1))
	s.Release(10)
	expect.EQ(t, s.Peak(), 3)

	assert.NoError(t, s.Acquire(ctx, 3))
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	expect.NotNil(t, s.Acquire(cctx, 1))
	s.Release(3)
}

// gauge tracks the number of concurrent holders and its maximum.
type gauge struct{ cur, peak int32 }

func (g *gauge) enter() {
	n := atomic.AddInt32(&g.cur, 1)
	for {
		old := atomic.LoadInt32(&g.peak)
		if n <= old || atomic.CompareAndSwapInt32(&g.peak, old, n) {
			return
		}
	}
}

func (g *gauge) leave() { atomic.AddInt32(&g.cur, -1) }

// A background user of the slots, like a previous sample's merge, and the
// pool never run more than Size workers between them.
func TestRunSharesSlots(t *testing.T) {
	ctx := context.Background()
	slots := NewSlots(3)
	var g gauge

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := slots.Acquire(ctx, 1); err != nil {
				t.Error(err)
				return
			}
			g.enter()
			time.Sleep(time.Millisecond)
			g.leave()
			slots.Release(1)
		}
	}()

	p := Pool{Workers: 8, MemoryBudget: 1 << 30, PerWorkerMemory: mb, Slots: slots}
	_, s := p.Run(ctx, jobs(24, mb), func(ctx context.Context, i int) (string, error) {
		g.enter()
		time.Sleep(2 * time.Millisecond)
		g.leave()
		return "ok", nil
	})
	close(done)
	wg.Wait()

	expect.EQ(t, s.Succeeded, 24)
	expect.True(t, s.MaxInFlight <= 3, "%d", s.MaxInFlight)
	expect.True(t, g.peak <= 3, "%d", g.peak)
	expect.True(t, slots.Peak() <= 3, "%d", slots.Peak())
	expect.True(t, slots.TryAcquire(3))
	slots.Release(3)
}

func TestRunWaitsForSlots(t *testing.T) {
	ctx := context.Background()
	slots := NewSlots(2)
	assert.NoError(t, slots.Acquire(ctx, 2))

	var ran int32
	finished := make(chan Summary)
	go func() {
		p := Pool{Workers: 2, MemoryBudget: 1 << 30, PerWorkerMemory: mb, Slots: slots}
		_, s := p.Run(ctx, jobs(4, mb), func(ctx context.Context, i int) (string, error) {
			atomic.AddInt32(&ran, 1)
			return "ok", nil
		})
		finished <- s
	}()
	time.Sleep(20 * time.Millisecond)
	expect.EQ(t, atomic.LoadInt32(&ran), int32(0))

	slots.Release(2)
	s := <-finished
	expect.EQ(t, s.Succeeded, 4)
	expect.EQ(t, atomic.LoadInt32(&ran), int32(4))
}
