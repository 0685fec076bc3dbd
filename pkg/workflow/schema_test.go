package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

func TestValidateSchemaTypes(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]any
		value  any
		ok     bool
	}{
		{"string ok", map[string]any{"type": "string"}, "hi", true},
		{"string mismatch", map[string]any{"type": "string"}, float64(1), false},
		{"number accepts float", map[string]any{"type": "number"}, float64(1.5), true},
		{"integer rejects fraction", map[string]any{"type": "integer"}, float64(1.5), false},
		{"integer accepts whole float", map[string]any{"type": "integer"}, float64(3), true},
		{"boolean", map[string]any{"type": "boolean"}, true, true},
		{"null", map[string]any{"type": "null"}, nil, true},
		{"array", map[string]any{"type": "array"}, []any{}, true},
		{"object mismatch", map[string]any{"type": "object"}, "nope", false},
		{"unknown type accepted", map[string]any{"type": "whatever"}, "anything", true},
		{"nil schema", nil, "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema(tt.schema, tt.value)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateSchemaRequiredAndNested(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"user"},
		"properties": map[string]any{
			"user": map[string]any{
				"type":     "object",
				"required": []any{"name"},
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
				},
			},
		},
	}

	err := ValidateSchema(schema, map[string]any{
		"user": map[string]any{"name": "Ada"},
	})
	assert.NoError(t, err)

	err = ValidateSchema(schema, map[string]any{})
	require.Error(t, err)
	var schemaErr *errors.SchemaValidationError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "user", schemaErr.Path)

	err = ValidateSchema(schema, map[string]any{
		"user": map[string]any{"name": float64(1)},
	})
	require.Error(t, err)
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "user.name", schemaErr.Path)
}

func TestValidateSchemaItemsAndEnum(t *testing.T) {
	schema := map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string", "enum": []any{"a", "b"}},
	}

	assert.NoError(t, ValidateSchema(schema, []any{"a", "b", "a"}))

	err := ValidateSchema(schema, []any{"a", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[1]")
}
