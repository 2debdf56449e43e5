// Package sched runs a sample's extraction tasks under a worker bound derived
// from the configured parallelism, the CPU count and a memory budget.
package sched

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/readcount/fault"
)

const (
	// DefaultPerWorkerMemory is the memory a worker is assumed to need when
	// Pool.PerWorkerMemory is unset.
	DefaultPerWorkerMemory = 256 << 20
	// fallbackMemory is used as the budget when free memory cannot be
	// determined.
	fallbackMemory = 4 << 30
)

// Pool describes the resources extraction may use.
type Pool struct {
	// Workers bounds concurrency. <= 0 means runtime.NumCPU().
	Workers int
	// MemoryBudget is the total memory tasks may use at once. <= 0 means the
	// free memory of the host.
	MemoryBudget int64
	// PerWorkerMemory is the minimum budget of a single worker. Workers are
	// reduced until each gets at least this much. <= 0 means
	// DefaultPerWorkerMemory.
	PerWorkerMemory int64
	// Slots, if set, is shared with other users of the same budget. Each job
	// holds one slot while it runs, or the slots of the workers it displaces
	// on a retry.
	Slots *Slots
}

// Job describes one task to the pool.
type Job struct {
	Name string
	// Memory is the task's estimated peak memory use.
	Memory int64
}

// Outcome is the result of one job.
type Outcome struct {
	Job Job
	// Path is the task's output on success.
	Path string
	// Err is a *fault.TaskFailure on failure.
	Err      error
	Attempts int
}

// Summary counts outcomes of one Run.
type Summary struct {
	Succeeded int
	Failed    int
	// Retried counts jobs dispatched a second time after a resource
	// exhaustion, whatever their final outcome.
	Retried int
	// Workers is the worker bound of the first pass.
	Workers int
	// MaxInFlight is the largest number of jobs observed running at once.
	MaxInFlight int
}

// Merge adds the counts of other to s.
func (s *Summary) Merge(other Summary) {
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Retried += other.Retried
	if other.Workers > s.Workers {
		s.Workers = other.Workers
	}
	if other.MaxInFlight > s.MaxInFlight {
		s.MaxInFlight = other.MaxInFlight
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d retried (workers %d, peak %d)",
		s.Succeeded, s.Failed, s.Retried, s.Workers, s.MaxInFlight)
}

// Budget returns the total memory budget in effect.
func (p Pool) Budget() int64 {
	if p.MemoryBudget > 0 {
		return p.MemoryBudget
	}
	if free := FreeMemory(); free > 0 {
		return free
	}
	return fallbackMemory
}

// Bound returns the worker bound W = min(Workers, NumCPU, budget /
// PerWorkerMemory), at least 1, and the memory budget of each worker.
func (p Pool) Bound() (workers int, perWorker int64) {
	workers = runtime.NumCPU()
	if p.Workers > 0 && p.Workers < workers {
		workers = p.Workers
	}
	per := p.PerWorkerMemory
	if per <= 0 {
		per = DefaultPerWorkerMemory
	}
	budget := p.Budget()
	if byMem := int(budget / per); byMem < workers {
		workers = byMem
	}
	if workers < 1 {
		workers = 1
	}
	return workers, budget / int64(workers)
}

// Func runs job i and returns the path of its output.
type Func func(ctx context.Context, i int) (string, error)

// Run dispatches every job with at most W running at once and returns one
// outcome per job, in job order. It returns only after every job has
// finished.
//
// A job whose memory estimate exceeds the per-worker budget, or whose Func
// returns a *fault.ResourceExhaustion, is retried once after all other jobs
// finish, with W halved and each worker's budget raised accordingly. Failures
// are reported as *fault.TaskFailure and never stop other jobs.
func (p Pool) Run(ctx context.Context, jobs []Job, fn Func) ([]Outcome, Summary) {
	outcomes := make([]Outcome, len(jobs))
	for i := range jobs {
		outcomes[i].Job = jobs[i]
	}
	workers, perWorker := p.Bound()
	var s Summary
	s.Workers = workers
	all := make([]int, len(jobs))
	for i := range all {
		all[i] = i
	}
	retry := p.pass(ctx, all, outcomes, workers, perWorker, 1, fn, &s)
	if len(retry) > 0 {
		w := workers / 2
		if w < 1 {
			w = 1
		}
		per := p.Budget() / int64(w)
		log.Printf("retrying %d job(s) after resource exhaustion with %d workers (%d bytes each)", len(retry), w, per)
		s.Retried = len(retry)
		p.pass(ctx, retry, outcomes, w, per, (workers+w-1)/w, fn, &s)
	}
	for i := range outcomes {
		o := &outcomes[i]
		if o.Err == nil {
			s.Succeeded++
			continue
		}
		s.Failed++
		o.Err = &fault.TaskFailure{Task: o.Job.Name, Attempts: o.Attempts, Err: o.Err}
		log.Error.Printf("%v", o.Err)
	}
	return outcomes, s
}

// pass runs the listed jobs once, each holding weight slots, and returns
// those that ran out of memory.
func (p Pool) pass(ctx context.Context, idx []int, outcomes []Outcome, workers int, perWorker int64, weight int, fn Func, s *Summary) []int {
	var (
		mu       sync.Mutex
		retry    []int
		inFlight int32
		peak     int32
	)
	_ = traverse.Limit(workers).Each(len(idx), func(k int) error {
		i := idx[k]
		o := &outcomes[i]
		o.Attempts++
		if o.Job.Memory > perWorker {
			o.Err = &fault.ResourceExhaustion{Task: o.Job.Name, Need: o.Job.Memory, Budget: perWorker}
		} else if err := p.acquire(ctx, weight); err != nil {
			o.Err = err
		} else {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			o.Path, o.Err = call(ctx, i, fn)
			atomic.AddInt32(&inFlight, -1)
			p.release(weight)
		}
		if isExhaustion(o.Err) {
			mu.Lock()
			retry = append(retry, i)
			mu.Unlock()
		}
		return nil
	})
	if int(peak) > s.MaxInFlight {
		s.MaxInFlight = int(peak)
	}
	return retry
}

func (p Pool) acquire(ctx context.Context, weight int) error {
	if p.Slots == nil {
		return nil
	}
	return p.Slots.Acquire(ctx, weight)
}

func (p Pool) release(weight int) {
	if p.Slots != nil {
		p.Slots.Release(weight)
	}
}

func isExhaustion(err error) bool {
	var rerr *fault.ResourceExhaustion
	return stderrors.As(err, &rerr)
}

// call runs fn, converting a panic into an error.
func call(ctx context.Context, i int, fn Func) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.E(fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn(ctx, i)
}

// Reclaim runs a garbage collection and returns freed memory to the OS.
func Reclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}
