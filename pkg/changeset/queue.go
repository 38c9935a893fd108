package changeset

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"
)

const (
	// DefaultDebounce matches spec.md §6 Options: debounce_ms default 10.
	DefaultDebounce = 10 * time.Millisecond
	defaultBuffer   = 4096
	drainWorkers    = 4
)

// ApplyFunc performs the actual invalidation against the task cache /
// cell store for one target once its debounce window has closed. It is
// supplied by pkg/runtime, which is the only layer that knows how to
// translate a Target into a taskcache.Invalidate or cellstore write.
type ApplyFunc func(Target, InvalidationReason)

// Queue is the debounced invalidation drain (spec.md §4.8). Enqueue
// never loses a request: it either lands in the channel buffer or
// blocks the caller (backpressure), matching "No invalidation is lost;
// enqueue is bounded-buffer free or backpressures the producer."
type Queue struct {
	ch     chan request
	apply  ApplyFunc
	pool   *pond.WorkerPool
	ticker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type request struct {
	target Target
	reason InvalidationReason
}

// Options configures a Queue.
type Options struct {
	Debounce   time.Duration
	BufferSize int
}

// New creates a Queue and starts its background drain loop. apply is
// invoked on a pond worker goroutine once per distinct target per
// debounce window, with reasons for that window coalesced.
func New(ctx context.Context, opts Options, apply ApplyFunc) *Queue {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBuffer
	}

	innerCtx, cancel := context.WithCancel(ctx)

	q := &Queue{
		ch:     make(chan request, opts.BufferSize),
		apply:  apply,
		pool:   pond.New(drainWorkers, opts.BufferSize),
		ticker: time.NewTicker(opts.Debounce),
		ctx:    innerCtx,
		cancel: cancel,
	}

	q.wg.Add(1)

	go q.drainLoop()

	return q
}

// Enqueue records an invalidation. It backpressures (blocks) rather than
// drop the request once the buffer is full, per spec.md §4.8.
func (q *Queue) Enqueue(target Target, reason InvalidationReason) {
	select {
	case q.ch <- request{target: target, reason: reason}:
	case <-q.ctx.Done():
	}
}

func (q *Queue) drainLoop() {
	defer q.wg.Done()
	defer q.ticker.Stop()

	pending := make(map[Target][]InvalidationReason)

	flush := func() {
		if len(pending) == 0 {
			return
		}

		batch := pending
		pending = make(map[Target][]InvalidationReason)

		for target, reasons := range batch {
			target, reason := target, coalesce(reasons)

			q.pool.Submit(func() { q.apply(target, reason) })
		}
	}

	for {
		select {
		case req, ok := <-q.ch:
			if !ok {
				flush()

				return
			}

			pending[req.target] = append(pending[req.target], req.reason)
		case <-q.ticker.C:
			flush()
		case <-q.ctx.Done():
			for drained := false; !drained; {
				select {
				case req := <-q.ch:
					pending[req.target] = append(pending[req.target], req.reason)
				default:
					drained = true
				}
			}

			flush()

			return
		}
	}
}

// Shutdown stops accepting new work, drains whatever is pending, and
// waits for every submitted apply call to finish.
func (q *Queue) Shutdown() {
	q.cancel()
	q.wg.Wait()
	q.pool.StopAndWait()
}
