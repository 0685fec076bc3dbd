package workflow

import (
	"sync/atomic"
)

// Context carries one execution's state: the request input plus the output
// of every executed step. Step outputs are insert-only within an execution
// and the context is never shared between executions.
type Context struct {
	request any
	steps   map[string]any

	// order remembers insertion order for diagnostics.
	order []string

	cancelled *atomic.Bool
}

// NewContext seeds an execution context with the request input.
func NewContext(input any) *Context {
	return &Context{
		request:   input,
		steps:     make(map[string]any),
		cancelled: &atomic.Bool{},
	}
}

// Request returns the seeded request input.
func (c *Context) Request() any { return c.request }

// StepOutput returns a step's recorded output. Skipped steps are present
// with a nil output.
func (c *Context) StepOutput(name string) (any, bool) {
	v, ok := c.steps[name]
	return v, ok
}

// setStepOutput records a step's output. Outputs are insert-only; a second
// write for the same name is ignored.
func (c *Context) setStepOutput(name string, output any) {
	if _, exists := c.steps[name]; exists {
		return
	}
	c.steps[name] = output
	c.order = append(c.order, name)
}

// StepNames returns executed step names in execution order.
func (c *Context) StepNames() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Cancel raises the cooperative cancellation flag. The executor checks it
// at every step boundary; in-flight network calls complete but their
// outputs are discarded.
func (c *Context) Cancel() { c.cancelled.Store(true) }

// Cancelled reports whether cancellation was requested.
func (c *Context) Cancelled() bool { return c.cancelled.Load() }

// snapshot renders the context as plain values for expression evaluation.
func (c *Context) snapshot() map[string]any {
	steps := make(map[string]any, len(c.steps))
	for name, output := range c.steps {
		steps[name] = output
	}
	return map[string]any{
		"request": c.request,
		"steps":   steps,
	}
}
