package workflow

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// varPattern matches the two supported reference forms:
//
//	${request:<path>[:<default>]}
//	${step:<name>:<path>[:<default>]}
//
// Anything not matching the forms is left untouched.
var varPattern = regexp.MustCompile(`\$\{(request|step):([^}]*)\}`)

// reference is one parsed variable reference.
type reference struct {
	raw        string
	source     string // "request" or "step"
	stepName   string // set for step references
	path       string
	defaultRaw string
	hasDefault bool
}

func parseReference(raw, source, rest string) reference {
	ref := reference{raw: raw, source: source}

	if source == "step" {
		name, remainder, found := strings.Cut(rest, ":")
		ref.stepName = name
		if !found {
			// A bare ${step:name} addresses the whole output.
			return ref
		}
		rest = remainder
	}

	path, def, found := strings.Cut(rest, ":")
	ref.path = path
	if found {
		ref.defaultRaw = def
		ref.hasDefault = true
	}
	return ref
}

// defaultValue parses the reference's default: JSON first, plain string on
// parse failure.
func (r reference) defaultValue() any {
	var parsed any
	if err := json.Unmarshal([]byte(r.defaultRaw), &parsed); err == nil {
		return parsed
	}
	return r.defaultRaw
}

// resolve returns the referenced value from the context, applying the
// default when the path is missing. A missing path without a default is a
// VariableResolutionError.
func (r reference) resolve(c *Context) (any, error) {
	var root any
	switch r.source {
	case "request":
		root = c.Request()
	case "step":
		output, ok := c.StepOutput(r.stepName)
		if !ok {
			if r.hasDefault {
				return r.defaultValue(), nil
			}
			return nil, &errors.VariableResolutionError{
				Reference: r.raw,
				Message:   "step " + r.stepName + " has not executed",
			}
		}
		root = output
	}

	value, ok := lookupPath(root, r.path)
	if !ok {
		if r.hasDefault {
			return r.defaultValue(), nil
		}
		return nil, &errors.VariableResolutionError{
			Reference: r.raw,
			Message:   "path " + r.path + " not found",
		}
	}
	return value, nil
}

// lookupPath walks a dot path through nested objects and arrays. Integer
// segments index arrays. An empty path addresses the whole value.
func lookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}

	current := root
	for _, segment := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a resolved value for template substitution: strings
// verbatim, null as the empty string, everything else as canonical JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// SubstituteString replaces every variable reference in the template with
// its resolved string form.
func SubstituteString(c *Context, template string) (string, error) {
	var resolveErr error
	result := varPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := varPattern.FindStringSubmatch(match)
		ref := parseReference(match, groups[1], groups[2])
		value, err := ref.resolve(c)
		if err != nil {
			if resolveErr == nil {
				resolveErr = err
			}
			return match
		}
		return stringify(value)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}

// ResolveValue resolves a string that is exactly one variable reference to
// its typed value. Strings containing surrounding text fall back to
// template substitution and yield a string.
func ResolveValue(c *Context, s string) (any, error) {
	if match := varPattern.FindStringSubmatch(s); match != nil && match[0] == s {
		ref := parseReference(match[0], match[1], match[2])
		return ref.resolve(c)
	}
	return SubstituteString(c, s)
}

// substituteAny walks an arbitrary JSON value substituting references in
// every string. Strings that are exactly one reference keep the referenced
// value's type.
func substituteAny(c *Context, v any) (any, error) {
	switch t := v.(type) {
	case string:
		return ResolveValue(c, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for key, val := range t {
			sub, err := substituteAny(c, val)
			if err != nil {
				return nil, err
			}
			out[key] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			sub, err := substituteAny(c, val)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

// substituteStringMap substitutes references in every value of a string map.
func substituteStringMap(c *Context, in map[string]string) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for key, val := range in {
		sub, err := SubstituteString(c, val)
		if err != nil {
			return nil, err
		}
		out[key] = sub
	}
	return out, nil
}
