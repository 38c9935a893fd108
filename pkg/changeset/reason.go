// Package changeset implements C8: the asynchronous, debounced
// invalidation queue that external signals and upstream cell changes
// feed into (spec.md §4.8).
package changeset

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// InvalidationReason carries a human-readable description of why a
// target was invalidated. All reasons for one target within a debounce
// window are coalesced by the drain into a single reason reporting the
// combined count, whatever their Kind; the merged reason keeps the
// first reason's Kind.
type InvalidationReason struct {
	ID          uuid.UUID
	Kind        string
	Description string
	Count       int
}

// NewReason creates a fresh reason with a correlation id, used to
// track one invalidation_external call end to end in logs/traces.
func NewReason(kind, description string) InvalidationReason {
	return InvalidationReason{ID: uuid.New(), Kind: kind, Description: description, Count: 1}
}

// Target names what an invalidation applies to: a cell or a task
// (spec.md §4.8: "invalidate_external(cell_id | task_id, reason)").
type Target struct {
	IsTask bool
	Cell   ids.CellRef
	Task   ids.TaskID
}

// CellTarget builds a Target addressing a cell.
func CellTarget(ref ids.CellRef) Target { return Target{Cell: ref} }

// TaskTarget builds a Target addressing a task directly.
func TaskTarget(id ids.TaskID) Target { return Target{IsTask: true, Task: id} }

func (t Target) String() string {
	if t.IsTask {
		return fmt.Sprintf("task:%s", t.Task)
	}

	return fmt.Sprintf("cell:%s", t.Cell)
}

// coalesce merges same-target reasons collected during one debounce
// window into one. The literal "batched: N" wording matches spec.md §8
// Scenario F's expected InvalidationReason text.
func coalesce(reasons []InvalidationReason) InvalidationReason {
	if len(reasons) == 1 {
		return reasons[0]
	}

	total := 0

	for _, r := range reasons {
		count := r.Count
		if count == 0 {
			count = 1
		}

		total += count
	}

	merged := reasons[0]
	merged.ID = uuid.New()
	merged.Count = total
	merged.Description = fmt.Sprintf("batched: %d", total)

	return merged
}
