package workflow

import (
	"fmt"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// ValidateSchema checks a JSON value against a JSON-schema-shaped structure.
// Supported keywords: type, properties, required, items, enum. Unknown
// keywords are ignored, matching the permissive admin surface.
func ValidateSchema(schema map[string]any, value any) error {
	return validateSchemaAt(schema, value, "")
}

func validateSchemaAt(schema map[string]any, value any, path string) error {
	if schema == nil {
		return nil
	}

	if typ, ok := schema["type"].(string); ok {
		if err := checkType(typ, value, path); err != nil {
			return err
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		matched := false
		for _, candidate := range enum {
			if jsonEqual(candidate, value) {
				matched = true
				break
			}
		}
		if !matched {
			return &errors.SchemaValidationError{
				Path:    path,
				Message: fmt.Sprintf("value %v not in enum", value),
			}
		}
	}

	if obj, ok := value.(map[string]any); ok {
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				name, _ := r.(string)
				if _, present := obj[name]; !present {
					return &errors.SchemaValidationError{
						Path:    joinPath(path, name),
						Message: "required property missing",
					}
				}
			}
		}
		if props, ok := schema["properties"].(map[string]any); ok {
			for name, sub := range props {
				subSchema, ok := sub.(map[string]any)
				if !ok {
					continue
				}
				if propValue, present := obj[name]; present {
					if err := validateSchemaAt(subSchema, propValue, joinPath(path, name)); err != nil {
						return err
					}
				}
			}
		}
	}

	if arr, ok := value.([]any); ok {
		if items, ok := schema["items"].(map[string]any); ok {
			for i, element := range arr {
				if err := validateSchemaAt(items, element, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func checkType(typ string, value any, path string) error {
	ok := false
	switch typ {
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	case "string":
		_, ok = value.(string)
	case "boolean":
		_, ok = value.(bool)
	case "null":
		ok = value == nil
	case "number":
		ok = isNumber(value)
	case "integer":
		if f, isFloat := toFloat(value); isFloat {
			ok = f == float64(int64(f))
		}
	default:
		// Unknown type keyword: accept.
		return nil
	}
	if !ok {
		return &errors.SchemaValidationError{
			Path:    path,
			Message: fmt.Sprintf("expected %s, got %T", typ, value),
		}
	}
	return nil
}

func isNumber(v any) bool {
	_, ok := toFloat(v)
	return ok
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
