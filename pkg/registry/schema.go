package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// ErrArgSchemaViolation is returned when a task kind's canonicalized
// arguments fail validation against its registered ArgSchema.
var ErrArgSchemaViolation = errors.New("task argument schema violation")

// WithArgSchema attaches a JSON schema to an already-registered task kind,
// so subsequent calls to ValidateArgs reject malformed argument tuples
// before they ever reach interning. This is optional hardening: most
// task kinds never set a schema, since the encoder/decoder pair already
// fixes the argument shape at compile time. It exists for task kinds
// whose arguments originate from a less-trusted boundary (e.g. a CLI flag
// or an MCP tool call) where catching a malformed tuple early, as a clear
// "programming error" per spec.md §7, beats a confusing downstream panic.
func (r *Registry) WithArgSchema(id ids.TaskKindID, schema []byte) error {
	kind := r.TaskKindByID(id)

	if schema != nil {
		loader := gojsonschema.NewBytesLoader(schema)
		if _, err := gojsonschema.NewSchema(loader); err != nil {
			return fmt.Errorf("registry: invalid arg schema for %q: %w", kind.Name, err)
		}
	}

	kind.ArgSchema = schema

	return nil
}

// ValidateArgs validates args (marshaled to JSON) against the task kind's
// registered ArgSchema. A kind with no schema always validates.
func (r *Registry) ValidateArgs(id ids.TaskKindID, args any) error {
	kind := r.TaskKindByID(id)
	if kind.ArgSchema == nil {
		return nil
	}

	doc, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("registry: marshal args for schema check: %w", err)
	}

	schemaLoader := gojsonschema.NewBytesLoader(kind.ArgSchema)
	docLoader := gojsonschema.NewBytesLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("registry: run schema validation for %q: %w", kind.Name, err)
	}

	if !result.Valid() {
		return fmt.Errorf("%w: %s: %v", ErrArgSchemaViolation, kind.Name, result.Errors())
	}

	return nil
}
