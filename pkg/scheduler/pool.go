// Package scheduler implements C6: a fixed work-stealing worker pool
// that runs opaque jobs to completion, with no knowledge of tasks,
// cells, or the task graph (spec.md §4.6). Task-graph semantics —
// claiming, suspension at await_output/yield, cooperative cancellation
// flags — live one layer up in pkg/runtime, which submits a job per
// task attempt.
package scheduler

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// idleBackoff bounds how long an idle worker sleeps between failed steal
// attempts before checking for shutdown again.
const idleBackoff = 500 * time.Microsecond

// Pool is a fixed-size work-stealing executor.
type Pool struct {
	workers []deque
	n       int

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	submitCounter int
	submitMu      sync.Mutex

	inflight sync.WaitGroup
}

// New creates a pool of workerCount goroutines. workerCount <= 0 falls
// back to runtime.GOMAXPROCS(0), mirroring spec.md §6's
// worker_count default of "CPU count".
func New(ctx context.Context, workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0)
	}

	innerCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(innerCtx)

	p := &Pool{
		workers: make([]deque, workerCount),
		n:       workerCount,
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
	}

	for i := range workerCount {
		group.Go(func() error {
			p.runWorker(i)

			return nil
		})
	}

	return p
}

// WorkerCount reports the fixed number of workers in the pool.
func (p *Pool) WorkerCount() int {
	return p.n
}

// Submit enqueues job onto a worker chosen round-robin, then runs it
// exactly once on some worker (possibly after being stolen). Submit
// never blocks.
func (p *Pool) Submit(job func()) {
	p.inflight.Add(1)

	wrapped := func() {
		defer p.inflight.Done()
		job()
	}

	p.submitMu.Lock()
	idx := p.submitCounter % p.n
	p.submitCounter++
	p.submitMu.Unlock()

	p.workers[idx].pushBack(wrapped)
}

func (p *Pool) runWorker(id int) {
	for {
		if p.ctx.Err() != nil && p.workers[id].len() == 0 {
			return
		}

		job, ok := p.workers[id].popFront()
		if !ok {
			job, ok = p.steal(id)
		}

		if !ok {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(idleBackoff):
				continue
			}
		}

		job()
	}
}

// steal scans the other workers' deques in random order starting point
// so repeated steal storms don't all converge on worker 0, taking the
// first available job from the opposite end of its owner's queue.
func (p *Pool) steal(selfID int) (func(), bool) {
	if p.n <= 1 {
		return nil, false
	}

	start := rand.IntN(p.n)

	for i := range p.n {
		idx := (start + i) % p.n
		if idx == selfID {
			continue
		}

		if job, ok := p.workers[idx].popBack(); ok {
			return job, true
		}
	}

	return nil, false
}

// Shutdown drains every queued and in-flight job to completion, then
// stops and joins all workers (spec.md §6: "drains queues, joins
// workers, frees all memory"). It does not cancel running jobs; set a
// task's cooperative cancel flag before calling Shutdown if an
// in-flight attempt must stop early.
func (p *Pool) Shutdown() {
	p.inflight.Wait()
	p.cancel()
	_ = p.group.Wait()
}
