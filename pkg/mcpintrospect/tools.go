package mcpintrospect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vela-build/taskgraph/pkg/cellstore"
	"github.com/vela-build/taskgraph/pkg/ids"
	"github.com/vela-build/taskgraph/pkg/runtime"
)

// ListKindsInput takes no parameters; every tool still declares an
// input type so AddTool can derive a (trivial) JSON schema for it.
type ListKindsInput struct{}

// ReadCellInput identifies a cell by its owning task id and slot.
type ReadCellInput struct {
	TaskID string `json:"task_id" jsonschema:"decimal task id of the cell's owning task"`
	Slot   uint16 `json:"slot"    jsonschema:"0-based output slot within the owning task"`
}

// TaskIDInput identifies a task by id alone.
type TaskIDInput struct {
	TaskID string `json:"task_id" jsonschema:"decimal task id"`
}

// ToolOutput is a generic wrapper for structured tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
		IsError: true,
	}, ToolOutput{}, nil
}

func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, ToolOutput{Data: value}, nil
}

func parseTaskID(raw string) (ids.TaskID, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task_id %q: %w", raw, err)
	}

	return ids.TaskID(v), nil
}

type kindView struct {
	ID          ids.TaskKindID `json:"id"`
	Name        string         `json:"name"`
	Persistent  bool           `json:"persistent"`
	SideEffects bool           `json:"side_effects"`
}

func handleListKinds(
	_ context.Context, rt *runtime.Runtime, _ *mcpsdk.CallToolRequest, _ ListKindsInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	kinds := rt.TaskKinds()
	views := make([]kindView, 0, len(kinds))

	for _, k := range kinds {
		views = append(views, kindView{ID: k.ID, Name: k.Name, Persistent: k.Persistent, SideEffects: k.SideEffects})
	}

	return jsonResult(views)
}

type cellView struct {
	Empty   bool            `json:"empty"`
	Version uint64          `json:"version,omitempty"`
	Kind    ids.ValueKindID `json:"kind,omitempty"`
	Bytes   []byte          `json:"bytes,omitempty"`
}

func handleReadCell(
	_ context.Context, rt *runtime.Runtime, _ *mcpsdk.CallToolRequest, input ReadCellInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	taskID, err := parseTaskID(input.TaskID)
	if err != nil {
		return errorResult(err)
	}

	ref := ids.CellRef{Task: taskID, Slot: ids.CellSlot(input.Slot)}

	snap, err := rt.CellSnapshot(ref)
	if err != nil {
		if errors.Is(err, cellstore.ErrCellNotFound) {
			return jsonResult(cellView{Empty: true})
		}

		return errorResult(err)
	}

	return jsonResult(cellView{Empty: snap.Empty, Version: snap.Version, Kind: snap.Kind, Bytes: snap.Bytes})
}

type statsView struct {
	Found         bool   `json:"found"`
	ExecCount     uint64 `json:"exec_count,omitempty"`
	LastDuration  string `json:"last_duration,omitempty"`
	TotalDuration string `json:"total_duration,omitempty"`
}

func handleTaskStats(
	_ context.Context, rt *runtime.Runtime, _ *mcpsdk.CallToolRequest, input TaskIDInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	taskID, err := parseTaskID(input.TaskID)
	if err != nil {
		return errorResult(err)
	}

	stats, ok := rt.Stats(taskID)
	if !ok {
		return jsonResult(statsView{Found: false})
	}

	return jsonResult(statsView{
		Found:         true,
		ExecCount:     stats.ExecCount,
		LastDuration:  stats.LastDuration.String(),
		TotalDuration: stats.TotalDuration.String(),
	})
}

type datumView struct {
	Present bool `json:"present"`
	Value   any  `json:"value,omitempty"`
}

func handleTaskDatum(
	_ context.Context, rt *runtime.Runtime, _ *mcpsdk.CallToolRequest, input TaskIDInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	taskID, err := parseTaskID(input.TaskID)
	if err != nil {
		return errorResult(err)
	}

	datum := rt.Datum(taskID)
	if datum == nil {
		return jsonResult(datumView{Present: false})
	}

	return jsonResult(datumView{Present: true, Value: datum})
}
