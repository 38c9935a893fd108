// Package cellstore implements C3: per-task versioned output slots shared
// or uniquely owned, with content-hash equality used to short-circuit
// downstream invalidation (spec.md §3.1, §4.3).
package cellstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// Mode selects a cell's write semantics (spec.md §4.3).
type Mode int

const (
	// Shared cells let readers observe the same snapshot; the equality
	// short-circuit applies.
	Shared Mode = iota
	// Unique cells produce a new, distinct snapshot on every write;
	// short-circuit is disabled because identity, not content, matters.
	Unique
)

// ErrNotOwner names a write attempted by anything other than the cell's
// owner task while that task is in progress. Store.Write does not check
// ownership and never returns it.
var ErrNotOwner = errors.New("cellstore: write by non-owner task")

// ErrCellNotFound is returned by operations on a cell id the store never
// created.
var ErrCellNotFound = errors.New("cellstore: cell not found")

// Snapshot is the value returned by Read: either Empty (before first
// write) or a concrete byte payload tagged with its ValueKind.
type Snapshot struct {
	Empty   bool
	Bytes   []byte
	Kind    ids.ValueKindID
	Hash    ContentHash
	Version uint64
}

// cell is the mutable record behind a CellRef. value is stored behind an
// atomic.Pointer so concurrent reads never block on the writer's lock —
// only the owner, while InProgress, ever calls write, and writers take
// the per-cell mutex to serialize the hash-compare-and-swap sequence
// (spec.md §5: "atomic snapshot pointer" for reads, "per-cell lock" for
// writers).
type cell struct {
	owner ids.TaskID
	slot  ids.CellSlot
	mode  Mode

	mu    sync.Mutex
	value atomic.Pointer[Snapshot]

	readersMu sync.Mutex
	readers   map[ids.TaskID]struct{}
}

// Store owns every Cell created during the runtime's lifetime and is
// sharded the same way C5's task table is (spec.md §4.6): a fixed number
// of independently-locked shards keyed by a cheap hash of the CellRef,
// so unrelated cells never contend on the same map lock.
type Store struct {
	hashBits HashBits

	shards []storeShard
	mask   uint64
}

type storeShard struct {
	mu    sync.RWMutex
	cells map[ids.CellRef]*cell
}

const defaultShardCount = 64

// New creates an empty cell store. hashBits selects content_hash width
// (spec.md §6 Options: cell_hash_bits).
func New(hashBits HashBits) *Store {
	shardCount := defaultShardCount

	s := &Store{
		hashBits: hashBits,
		shards:   make([]storeShard, shardCount),
		mask:     uint64(shardCount - 1),
	}

	for i := range s.shards {
		s.shards[i].cells = make(map[ids.CellRef]*cell)
	}

	return s
}

func (s *Store) shardFor(ref ids.CellRef) *storeShard {
	h := uint64(ref.Task)*1099511628211 ^ uint64(ref.Slot)

	return &s.shards[h&s.mask]
}

// Create registers a new cell owned by owner at slot, in the given mode.
// Idempotent: calling it again for the same ref returns the existing
// cell without resetting its value (a task re-running keeps writing into
// the same cell identity across generations).
func (s *Store) Create(ref ids.CellRef, mode Mode) {
	shard := s.shardFor(ref)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.cells[ref]; ok {
		return
	}

	c := &cell{
		owner:   ref.Task,
		slot:    ref.Slot,
		mode:    mode,
		readers: make(map[ids.TaskID]struct{}),
	}
	c.value.Store(&Snapshot{Empty: true})
	shard.cells[ref] = c
}

func (s *Store) lookup(ref ids.CellRef) (*cell, bool) {
	shard := s.shardFor(ref)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	c, ok := shard.cells[ref]

	return c, ok
}

// Read returns the current snapshot of ref. It does not itself record a
// read edge — that is pkg/deptracker's job, layered on top of Read so
// this package stays free of any notion of "the currently executing
// task". Read is lock-free on the hot path: it loads an atomic pointer.
func (s *Store) Read(ref ids.CellRef) (Snapshot, error) {
	c, ok := s.lookup(ref)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrCellNotFound, ref)
	}

	return *c.value.Load(), nil
}

// WriteResult reports what a Write call did, so callers (taskcache) can
// decide whether to schedule downstream invalidation.
type WriteResult struct {
	// Changed is false when the equality short-circuit applied: the new
	// bytes hashed identically to the previous value, so Version did not
	// advance and readers should NOT be invalidated.
	Changed bool
	Version uint64
	// InvalidatedReaders is the reader set captured at write time, valid
	// only when Changed is true.
	InvalidatedReaders []ids.TaskID
}

// Write stores bytes into ref's cell. Only legal for the cell's owner
// while that task holds InProgress — callers are expected to enforce
// that precondition (it belongs to C5's state machine, not this
// package). Write itself performs no ownership check: CellRef.Task
// names the owner by construction.
func (s *Store) Write(ref ids.CellRef, raw []byte, kind ids.ValueKindID) (WriteResult, error) {
	c, ok := s.lookup(ref)
	if !ok {
		return WriteResult{}, fmt.Errorf("%w: %s", ErrCellNotFound, ref)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	newHash := ComputeHash(s.hashBits, raw)
	prev := c.value.Load()

	if c.mode == Shared && !prev.Empty && prev.Hash == newHash {
		// Equality short-circuit (spec.md §4.3, §8 round-trip law):
		// identical content suppresses downstream invalidation and
		// leaves Version untouched.
		return WriteResult{Changed: false, Version: prev.Version}, nil
	}

	nextVersion := prev.Version + 1

	// The hot in-memory snapshot is kept uncompressed so Read stays a
	// lock-free pointer load with no per-access inflate cost. Compression
	// (compress.go, LZ4) is available only through CompressForExport, for
	// snapshots leaving the process; pkg/mcpintrospect does not use it and
	// returns cell values uncompressed.
	next := &Snapshot{
		Bytes:   raw,
		Kind:    kind,
		Hash:    newHash,
		Version: nextVersion,
	}

	c.value.Store(next)

	readers := c.snapshotReaders()

	return WriteResult{Changed: true, Version: nextVersion, InvalidatedReaders: readers}, nil
}

func (c *cell) snapshotReaders() []ids.TaskID {
	c.readersMu.Lock()
	defer c.readersMu.Unlock()

	out := make([]ids.TaskID, 0, len(c.readers))
	for t := range c.readers {
		out = append(out, t)
	}

	return out
}

// AddReader records that task read ref's cell in its current run.
func (s *Store) AddReader(ref ids.CellRef, task ids.TaskID) error {
	c, ok := s.lookup(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCellNotFound, ref)
	}

	c.readersMu.Lock()
	c.readers[task] = struct{}{}
	c.readersMu.Unlock()

	return nil
}

// RemoveReader removes task from ref's reader set (called when a task's
// new read_set no longer contains this cell; spec.md §4.4 diff update).
func (s *Store) RemoveReader(ref ids.CellRef, task ids.TaskID) error {
	c, ok := s.lookup(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCellNotFound, ref)
	}

	c.readersMu.Lock()
	delete(c.readers, task)
	c.readersMu.Unlock()

	return nil
}

// Readers returns the current reader set of ref, for testable-property
// checks (spec.md §8 invariant 2) and introspection.
func (s *Store) Readers(ref ids.CellRef) ([]ids.TaskID, error) {
	c, ok := s.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCellNotFound, ref)
	}

	return c.snapshotReaders(), nil
}

// Destroy removes a cell, called when its owner task is torn down.
func (s *Store) Destroy(ref ids.CellRef) {
	shard := s.shardFor(ref)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.cells, ref)
}
