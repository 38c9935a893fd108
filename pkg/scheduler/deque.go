package scheduler

import "sync"

// deque is a worker's local double-ended job queue (spec.md §4.6). The
// owning worker pushes at the back and pops from the front in FIFO order
// (oldest job first — "FIFO within a worker's local queue"); thieves take
// from the back, the opposite end from the owner's pops, so a steal never
// contends with the owner's own next pop under anything but a single
// shared mutex. A lock-free
// Chase-Lev deque would remove that last point of contention, but no
// such primitive appears anywhere in the pack; a mutex-guarded slice is
// the straightforward Go rendition of the same two-end access pattern
// and is more than fast enough at the job granularity a task-graph
// scheduler deals in (milliseconds per task body, not nanoseconds).
type deque struct {
	mu    sync.Mutex
	items []func()
}

// pushBack enqueues a job at the owner's end.
func (d *deque) pushBack(job func()) {
	d.mu.Lock()
	d.items = append(d.items, job)
	d.mu.Unlock()
}

// popFront is the owner's own consumption call: oldest job first.
func (d *deque) popFront() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.items) == 0 {
		return nil, false
	}

	job := d.items[0]
	d.items = d.items[1:]

	return job, true
}

// popBack is a thief's steal call: most recently pushed job, the
// opposite end from the owner's popFront.
func (d *deque) popBack() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.items)
	if n == 0 {
		return nil, false
	}

	job := d.items[n-1]
	d.items = d.items[:n-1]

	return job, true
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.items)
}
