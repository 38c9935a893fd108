package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-build/taskgraph/pkg/registry"
)

func TestRegisterTaskKind_IdempotentByName(t *testing.T) {
	t.Parallel()

	r := registry.New()

	id1 := r.RegisterTaskKind("add", nil, nil, nil)
	id2 := r.RegisterTaskKind("add", nil, nil, nil)

	assert.Equal(t, id1, id2, "re-registering the same name must return the existing id")
}

func TestRegisterTaskKind_DenseIDsInRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := registry.New()

	first := r.RegisterTaskKind("a", nil, nil, nil)
	second := r.RegisterTaskKind("b", nil, nil, nil)
	third := r.RegisterTaskKind("c", nil, nil, nil)

	assert.Equal(t, uint32(0), uint32(first))
	assert.Equal(t, uint32(1), uint32(second))
	assert.Equal(t, uint32(2), uint32(third))
}

func TestTaskKindByID_UnknownPanics(t *testing.T) {
	t.Parallel()

	r := registry.New()

	assert.Panics(t, func() {
		r.TaskKindByID(99)
	})
}

func TestTaskKindByName_UnknownReturnsNotFound(t *testing.T) {
	t.Parallel()

	r := registry.New()

	_, ok := r.TaskKindByName("nope")
	assert.False(t, ok)
}

func TestValidateArgs_NoSchemaAlwaysValid(t *testing.T) {
	t.Parallel()

	r := registry.New()
	id := r.RegisterTaskKind("add", nil, nil, nil)

	require.NoError(t, r.ValidateArgs(id, map[string]int{"a": 1}))
}

func TestValidateArgs_RejectsSchemaViolation(t *testing.T) {
	t.Parallel()

	r := registry.New()
	id := r.RegisterTaskKind("add", nil, nil, nil)

	schema := []byte(`{
		"type": "object",
		"required": ["a", "b"],
		"properties": {"a": {"type": "integer"}, "b": {"type": "integer"}}
	}`)

	require.NoError(t, r.WithArgSchema(id, schema))

	err := r.ValidateArgs(id, map[string]int{"a": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrArgSchemaViolation)

	require.NoError(t, r.ValidateArgs(id, map[string]int{"a": 1, "b": 2}))
}
