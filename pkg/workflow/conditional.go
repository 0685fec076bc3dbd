package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// evaluateConditional walks the conditions in order and returns the first
// matching action, falling back to the default action.
func evaluateConditional(c *Context, step *ConditionalStep) (Action, error) {
	for _, cond := range step.Conditions {
		matched, err := evaluateCondition(c, cond)
		if err != nil {
			return Action{}, err
		}
		if matched {
			return cond.Action, nil
		}
	}
	return step.DefaultAction, nil
}

func evaluateCondition(c *Context, cond Condition) (bool, error) {
	if cond.Operator == OpExpression {
		return evaluateExpression(c, cond.Expression)
	}

	// exists and is_empty tolerate unresolvable references; every other
	// operator needs the field value.
	value, err := ResolveValue(c, cond.Field)
	resolved := err == nil

	switch cond.Operator {
	case OpExists:
		return resolved, nil
	case OpIsEmpty:
		return !resolved || isEmpty(value), nil
	case OpIsNotEmpty:
		return resolved && !isEmpty(value), nil
	}

	if !resolved {
		return false, err
	}

	switch cond.Operator {
	case OpEquals:
		return jsonEqual(value, cond.Value), nil
	case OpNotEquals:
		return !jsonEqual(value, cond.Value), nil
	case OpContains:
		return contains(value, cond.Value), nil
	case OpGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b, nil
	case OpLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b, nil
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// evaluateExpression compiles and runs an expr program against the context
// snapshot. The environment exposes "request" and "steps".
func evaluateExpression(c *Context, program string) (bool, error) {
	env := c.snapshot()
	compiled, err := expr.Compile(program, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compiling expression: %w", err)
	}
	result, err := expr.Run(compiled, env)
	if err != nil {
		return false, fmt.Errorf("evaluating expression: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, expected bool", result)
	}
	return matched, nil
}

// jsonEqual compares two values after normalizing both through JSON, so
// 1 and 1.0 and differently-typed integers compare equal.
func jsonEqual(a, b any) bool {
	aj, errA := json.Marshal(normalize(a))
	bj, errB := json.Marshal(normalize(b))
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, element := range h {
			if jsonEqual(element, needle) {
				return true
			}
		}
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[key]
		return present
	}
	return false
}
