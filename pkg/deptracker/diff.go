package deptracker

import "github.com/vela-build/taskgraph/pkg/ids"

// DiffReads compares a task's previous read set against the set it just
// recorded and reports what must change in pkg/cellstore's reader
// indexes (spec.md §4.4: "on completion, diff against the previous
// snapshot; for cells no longer read, remove this task from their
// reader set; for newly read cells, add it").
func DiffReads(previous, current []ids.CellRef) (added, removed []ids.CellRef) {
	prevSet := make(map[ids.CellRef]struct{}, len(previous))
	for _, r := range previous {
		prevSet[r] = struct{}{}
	}

	curSet := make(map[ids.CellRef]struct{}, len(current))

	for _, r := range current {
		curSet[r] = struct{}{}

		if _, ok := prevSet[r]; !ok {
			added = append(added, r)
		}
	}

	for _, r := range previous {
		if _, ok := curSet[r]; !ok {
			removed = append(removed, r)
		}
	}

	return added, removed
}

// DiffChildren is DiffReads' counterpart for the spawned-children set,
// used to tear down children a re-run no longer spawns (spec.md §4.4,
// §8 Scenario D).
func DiffChildren(previous, current []ids.TaskID) (added, removed []ids.TaskID) {
	prevSet := make(map[ids.TaskID]struct{}, len(previous))
	for _, id := range previous {
		prevSet[id] = struct{}{}
	}

	curSet := make(map[ids.TaskID]struct{}, len(current))

	for _, id := range current {
		curSet[id] = struct{}{}

		if _, ok := prevSet[id]; !ok {
			added = append(added, id)
		}
	}

	for _, id := range previous {
		if _, ok := curSet[id]; !ok {
			removed = append(removed, id)
		}
	}

	return added, removed
}
