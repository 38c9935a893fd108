// Package interning implements C2: deduplicated keys for
// (task-kind, argument-tuple) tuples. Interning is thread-safe,
// stable for the life of the process, and monotonic (ids are never
// reused) — spec.md §4.2.
package interning

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// key is the lookup key: a task kind plus its canonicalized argument
// bytes, joined into a single comparable string so it can key an
// xsync.MapOf directly (xsync's map requires comparable keys; []byte is
// not, so the canonical bytes are converted once at intern time).
type key struct {
	kind ids.TaskKindID
	args string
}

// Table is the process-wide intern table. It is backed by
// puzpuzpuz/xsync's lock-striped concurrent map, which gives concurrent
// readers wait-free lookups and concurrent writers fine-grained striped
// locking rather than one global mutex — the shape spec.md §4.6 calls
// for ("Interning and registry use lock-free or read-mostly maps").
type Table struct {
	forward *xsync.MapOf[key, ids.TaskID]
	reverse *xsync.MapOf[ids.TaskID, key]
	next    atomic.Uint64
}

// New creates an empty intern table.
func New() *Table {
	return &Table{
		forward: xsync.NewMapOf[key, ids.TaskID](),
		reverse: xsync.NewMapOf[ids.TaskID, key](),
	}
}

// Intern returns the TaskID for (kind, canonicalArgs), allocating a new
// one on first sight. Concurrent callers racing to intern the same key
// collapse onto exactly one allocation: xsync's LoadOrCompute only
// invokes the value-constructing closure for the thread that actually
// wins the race to insert.
func (t *Table) Intern(kind ids.TaskKindID, canonicalArgs []byte) ids.TaskID {
	k := key{kind: kind, args: string(canonicalArgs)}

	id, _ := t.forward.LoadOrCompute(k, func() ids.TaskID {
		index := t.next.Add(1) - 1

		return ids.NewTaskID(index, 0)
	})

	// Populate the reverse map outside the forward LoadOrCompute closure;
	// if two goroutines raced, only the winner's id reaches here more than
	// once in practice, and a second write of the same (id -> k) pair is
	// harmless (interning is idempotent by construction).
	t.reverse.LoadOrStore(id, k)

	return id
}

// Lookup resolves a previously interned TaskID back to its (kind, args)
// pair. Returns ok=false for an id this table never minted.
func (t *Table) Lookup(id ids.TaskID) (kind ids.TaskKindID, canonicalArgs []byte, ok bool) {
	k, found := t.reverse.Load(id)
	if !found {
		return 0, nil, false
	}

	return k.kind, []byte(k.args), true
}

// Len returns the number of distinct interned keys. Intended for stats
// and tests; not on any hot path.
func (t *Table) Len() int {
	return t.forward.Size()
}
