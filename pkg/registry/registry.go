// Package registry implements C1: the process-wide catalog of task kinds,
// value kinds, and trait kinds. Registration is additive and idempotent;
// lookups are wait-free after initialization (spec.md §4.1).
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// TaskDecoder decodes canonicalized argument bytes back into a concrete
// argument value for a task body. TaskKind.Encode/Decode together implement
// the "argument-decoder" metadata spec.md §3.1 assigns to TaskKind; the
// "output-encoder" is TaskKind.EncodeOutput.
type TaskDecoder func(canonical []byte) (any, error)

// TaskEncoder canonicalizes an argument tuple into the byte form C2 interns
// on. Two argument tuples that are semantically equal MUST encode to the
// same bytes, or interning will (correctly, per its own contract) treat
// them as different keys.
type TaskEncoder func(args any) ([]byte, error)

// TaskBody is the task trait's single entry point (spec.md §9: "Async +
// function-coloring macros ... model as a task trait with a single
// run(context) -> Result<Outputs, Error> entry point").
type TaskBody func(ctx TaskContext, args any) (any, error)

// TaskContext is the minimal capability surface threaded through a
// running task body; it is defined here (rather than in taskcache or
// scheduler) purely to break an import cycle between registry and the
// packages that implement it. See runtime.Context for the real type
// this is satisfied by at runtime.
type TaskContext interface {
	// Yield is the explicit suspension primitive (spec.md §4.6).
	Yield()
}

// TaskKind is C1's record for one registered task kind. Fields mirror
// spec.md §3.1: a function pointer to the inline implementation, an
// argument decoder/encoder, and metadata.
type TaskKind struct {
	ID          ids.TaskKindID
	Name        string
	Body        TaskBody
	Encode      TaskEncoder
	Decode      TaskDecoder
	Persistent  bool
	SideEffects bool
	// ArgSchema is an optional JSON schema (gojsonschema) validated
	// against the JSON-marshaled canonical args at registration-adjacent
	// call sites; nil disables validation. See pkg/registry/schema.go.
	ArgSchema []byte
	// EncodeOutput renders a task body's return value to the bytes a
	// cell stores, completing spec.md §3.1's "output-encoder" field.
	// Attached post-registration via WithOutputEncoder, mirroring
	// ArgSchema, since most task kinds share one codec across the
	// process and wiring it through RegisterTaskKind's already-long
	// parameter list would only make every call site repeat it.
	EncodeOutput OutputEncoder
}

// OutputEncoder renders a task body's output value to the bytes stored in
// its output cell. See TaskKind.EncodeOutput.
type OutputEncoder func(output any) ([]byte, error)

// WithOutputEncoder attaches an output encoder to an already-registered
// task kind.
func (r *Registry) WithOutputEncoder(id ids.TaskKindID, encode OutputEncoder) {
	r.TaskKindByID(id).EncodeOutput = encode
}

// ValueKind is C1's record for a type storable in a cell: equality/hash
// capabilities plus optional tags ("shared", "transparent").
type ValueKind struct {
	ID          ids.ValueKindID
	Name        string
	Shared      bool
	Transparent bool
}

// TraitKind is a named capability set used to erase concrete value kinds
// (spec.md §9: "model traits as tagged unions over registered kind ids").
type TraitKind struct {
	ID   ids.TraitKindID
	Name string
}

// Registry is the process-wide catalog. Reads are wait-free: every
// mutation rebuilds and atomically swaps an immutable snapshot, so readers
// never block on a writer's lock (the same read-mostly-map shape used
// throughout the corpus's cache and observability packages).
type Registry struct {
	mu sync.Mutex // serializes writers only; never touched by readers.

	tasks  atomic.Pointer[taskSnapshot]
	values atomic.Pointer[valueSnapshot]
	traits atomic.Pointer[traitSnapshot]
}

type taskSnapshot struct {
	byID   map[ids.TaskKindID]*TaskKind
	byName map[string]*TaskKind
}

type valueSnapshot struct {
	byID   map[ids.ValueKindID]*ValueKind
	byName map[string]*ValueKind
}

type traitSnapshot struct {
	byID   map[ids.TraitKindID]*TraitKind
	byName map[string]*TraitKind
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.tasks.Store(&taskSnapshot{byID: map[ids.TaskKindID]*TaskKind{}, byName: map[string]*TaskKind{}})
	r.values.Store(&valueSnapshot{byID: map[ids.ValueKindID]*ValueKind{}, byName: map[string]*ValueKind{}})
	r.traits.Store(&traitSnapshot{byID: map[ids.TraitKindID]*TraitKind{}, byName: map[string]*TraitKind{}})

	return r
}

// RegisterTaskKind registers (or idempotently re-resolves) a task kind by
// name. Calling twice with the same name returns the existing id.
func (r *Registry) RegisterTaskKind(name string, body TaskBody, encode TaskEncoder, decode TaskDecoder) ids.TaskKindID {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.tasks.Load()
	if existing, ok := cur.byName[name]; ok {
		return existing.ID
	}

	next := &taskSnapshot{
		byID:   make(map[ids.TaskKindID]*TaskKind, len(cur.byID)+1),
		byName: make(map[string]*TaskKind, len(cur.byName)+1),
	}
	for k, v := range cur.byID {
		next.byID[k] = v
	}

	for k, v := range cur.byName {
		next.byName[k] = v
	}

	kind := &TaskKind{
		ID:     ids.TaskKindID(len(cur.byID)),
		Name:   name,
		Body:   body,
		Encode: encode,
		Decode: decode,
	}
	next.byID[kind.ID] = kind
	next.byName[name] = kind
	r.tasks.Store(next)

	return kind.ID
}

// RegisterValueKind registers (or idempotently re-resolves) a value kind.
func (r *Registry) RegisterValueKind(name string, shared, transparent bool) ids.ValueKindID {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.values.Load()
	if existing, ok := cur.byName[name]; ok {
		return existing.ID
	}

	next := &valueSnapshot{
		byID:   make(map[ids.ValueKindID]*ValueKind, len(cur.byID)+1),
		byName: make(map[string]*ValueKind, len(cur.byName)+1),
	}
	for k, v := range cur.byID {
		next.byID[k] = v
	}

	for k, v := range cur.byName {
		next.byName[k] = v
	}

	kind := &ValueKind{ID: ids.ValueKindID(len(cur.byID)), Name: name, Shared: shared, Transparent: transparent}
	next.byID[kind.ID] = kind
	next.byName[name] = kind
	r.values.Store(next)

	return kind.ID
}

// RegisterTraitKind registers (or idempotently re-resolves) a trait kind.
func (r *Registry) RegisterTraitKind(name string) ids.TraitKindID {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.traits.Load()
	if existing, ok := cur.byName[name]; ok {
		return existing.ID
	}

	next := &traitSnapshot{
		byID:   make(map[ids.TraitKindID]*TraitKind, len(cur.byID)+1),
		byName: make(map[string]*TraitKind, len(cur.byName)+1),
	}
	for k, v := range cur.byID {
		next.byID[k] = v
	}

	for k, v := range cur.byName {
		next.byName[k] = v
	}

	kind := &TraitKind{ID: ids.TraitKindID(len(cur.byID)), Name: name}
	next.byID[kind.ID] = kind
	next.byName[name] = kind
	r.traits.Store(next)

	return kind.ID
}

// TaskKindByID looks up a task kind. Unknown ids are a programming error
// and panic, per spec.md §4.1 ("unknown id lookup is a programming error
// and panics").
func (r *Registry) TaskKindByID(id ids.TaskKindID) *TaskKind {
	cur := r.tasks.Load()

	kind, ok := cur.byID[id]
	if !ok {
		panic(fmt.Sprintf("registry: unknown TaskKindID %d", id))
	}

	return kind
}

// TaskKindByName looks up a task kind by global name; unknown names
// return ok=false rather than panicking (spec.md §4.1).
func (r *Registry) TaskKindByName(name string) (*TaskKind, bool) {
	cur := r.tasks.Load()
	kind, ok := cur.byName[name]

	return kind, ok
}

// ValueKindByID looks up a value kind, panicking on an unknown id.
func (r *Registry) ValueKindByID(id ids.ValueKindID) *ValueKind {
	cur := r.values.Load()

	kind, ok := cur.byID[id]
	if !ok {
		panic(fmt.Sprintf("registry: unknown ValueKindID %d", id))
	}

	return kind
}

// ValueKindByName looks up a value kind by name.
func (r *Registry) ValueKindByName(name string) (*ValueKind, bool) {
	cur := r.values.Load()
	kind, ok := cur.byName[name]

	return kind, ok
}

// TraitKindByName looks up a trait kind by name.
func (r *Registry) TraitKindByName(name string) (*TraitKind, bool) {
	cur := r.traits.Load()
	kind, ok := cur.byName[name]

	return kind, ok
}

// AllTaskKinds returns every registered task kind in registration order.
func (r *Registry) AllTaskKinds() []*TaskKind {
	cur := r.tasks.Load()
	out := make([]*TaskKind, len(cur.byID))

	for id, kind := range cur.byID {
		out[id] = kind
	}

	return out
}
