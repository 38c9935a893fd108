// Package ids defines the small, stable handle types shared across every
// runtime component: registry ids (C1), interned task ids (C2), and cell
// references (C3). Keeping them in one leaf package avoids import cycles
// between the engine packages that all need to name "a task" or "a cell"
// without depending on each other's implementations.
package ids

import "fmt"

// TaskKindID identifies a registered task kind. Dense, starting at zero,
// assigned in registration order within the process (C1).
type TaskKindID uint32

// ValueKindID identifies a registered value kind stored in cells (C1).
type ValueKindID uint32

// TraitKindID identifies a registered named capability set (C1).
type TraitKindID uint32

// genBits is the number of low bits of a TaskID reserved for the dense
// index; the remaining high bits are a generation/tag reserved for future
// persistent-cache schemes (spec C2: "upper bits a generation/tag").
const genBits = 48

// indexMask isolates the dense index portion of a TaskID.
const indexMask = (uint64(1) << genBits) - 1

// TaskID is the interned, 64-bit handle for a (TaskKind, canonicalized
// argument bytes) pair. Two equal tuples always yield the same TaskID for
// the life of the process (C2).
type TaskID uint64

// NewTaskID packs a dense index and a generation tag into a TaskID.
// The generation tag is unused by the in-process runtime today; it exists
// so a future persistent-cache scheme can distinguish ids minted across
// process restarts without changing the wire shape of TaskID.
func NewTaskID(index uint64, generation uint16) TaskID {
	return TaskID((uint64(generation) << genBits) | (index & indexMask))
}

// Index returns the dense index portion of the id.
func (t TaskID) Index() uint64 { return uint64(t) & indexMask }

// Generation returns the generation/tag portion of the id.
func (t TaskID) Generation() uint16 { return uint16(uint64(t) >> genBits) }

func (t TaskID) String() string {
	return fmt.Sprintf("task#%d.%d", t.Index(), t.Generation())
}

// CellSlot is the 0-based index of an output cell within its owner task's
// output_cells list (C3).
type CellSlot uint16

// CellRef is a cheap, opaque handle to a cached value of known type —
// the generalization of the "Vc"-style handle pattern called out in
// spec.md REDESIGN FLAGS / §9: a 64-bit-shaped reference to
// (owner task, slot, value kind), with the kind check pushed to a
// debug-only assertion rather than paid on every dereference.
type CellRef struct {
	Task TaskID
	Slot CellSlot
	Kind ValueKindID
}

func (c CellRef) String() string {
	return fmt.Sprintf("cell#%s[%d]", c.Task, c.Slot)
}

// RootID identifies one spawn_root invocation (embedder-facing, §6).
// Represented as a UUID (see DESIGN.md) rather than a counter so logs and
// traces from concurrently spawned roots never collide.
type RootID string
