package workflow

import (
	"fmt"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// Validate checks the workflow definition: identifier rules, unique step
// names, variant config presence, and forward-only jump targets. Called
// before persisting and again before execution.
func (w Workflow) Validate() error {
	if err := ValidateID(w.ID); err != nil {
		return err
	}
	if w.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name cannot be empty"}
	}
	if len(w.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow must have at least one step"}
	}
	if w.Version < 0 {
		return &errors.ValidationError{Field: "version", Message: "version cannot be negative"}
	}

	positions := make(map[string]int, len(w.Steps))
	for i, step := range w.Steps {
		if step.Name == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: "step name cannot be empty",
			}
		}
		if _, dup := positions[step.Name]; dup {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: fmt.Sprintf("duplicate step name %q", step.Name),
			}
		}
		positions[step.Name] = i

		if err := step.validate(i); err != nil {
			return err
		}
	}

	// Jump targets must refer to strictly later steps.
	for i, step := range w.Steps {
		if step.Type != StepConditional {
			continue
		}
		actions := make([]Action, 0, len(step.Conditional.Conditions)+1)
		for _, cond := range step.Conditional.Conditions {
			actions = append(actions, cond.Action)
		}
		actions = append(actions, step.Conditional.DefaultAction)

		for _, action := range actions {
			if action.Type != ActionGoToStep {
				continue
			}
			target, ok := positions[action.Target]
			if !ok {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d]", i),
					Message: fmt.Sprintf("go_to_step target %q does not exist", action.Target),
				}
			}
			if target <= i {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("steps[%d]", i),
					Message:    fmt.Sprintf("go_to_step target %q must appear after step %q", action.Target, step.Name),
					Suggestion: "only forward jumps are allowed",
				}
			}
		}
	}

	return nil
}

func (s Step) validate(i int) error {
	field := func(suffix string) string { return fmt.Sprintf("steps[%d].%s", i, suffix) }

	if s.OnError != "" && s.OnError != FailWorkflow && s.OnError != SkipStep {
		return &errors.ValidationError{
			Field:   field("on_error"),
			Message: fmt.Sprintf("unknown on_error policy %q", s.OnError),
		}
	}
	if s.TimeoutMS < 0 {
		return &errors.ValidationError{
			Field:   field("timeout_ms"),
			Message: "timeout cannot be negative",
		}
	}

	switch s.Type {
	case StepChatCompletion:
		if s.ChatCompletion == nil {
			return &errors.ValidationError{Field: field("chat_completion"), Message: "missing chat_completion config"}
		}
		if s.ChatCompletion.Model == "" {
			return &errors.ValidationError{Field: field("chat_completion.model"), Message: "model cannot be empty"}
		}
		if s.ChatCompletion.UserMessage == "" && s.ChatCompletion.PromptID == "" {
			return &errors.ValidationError{
				Field:   field("chat_completion"),
				Message: "either user_message or prompt_id is required",
			}
		}
	case StepKnowledgeBaseSearch:
		if s.KnowledgeBaseSearch == nil {
			return &errors.ValidationError{Field: field("knowledge_base_search"), Message: "missing knowledge_base_search config"}
		}
		if s.KnowledgeBaseSearch.KnowledgeBaseID == "" {
			return &errors.ValidationError{Field: field("knowledge_base_search.knowledge_base_id"), Message: "knowledge base ID cannot be empty"}
		}
		if s.KnowledgeBaseSearch.Query == "" {
			return &errors.ValidationError{Field: field("knowledge_base_search.query"), Message: "query cannot be empty"}
		}
	case StepCRAGScoring:
		if s.CRAGScoring == nil {
			return &errors.ValidationError{Field: field("crag_scoring"), Message: "missing crag_scoring config"}
		}
		cfg := s.CRAGScoring
		if cfg.InputDocuments == "" {
			return &errors.ValidationError{Field: field("crag_scoring.input_documents"), Message: "input_documents reference cannot be empty"}
		}
		switch cfg.Strategy {
		case StrategyThreshold, StrategyHybrid, StrategyLLM:
		default:
			return &errors.ValidationError{
				Field:   field("crag_scoring.strategy"),
				Message: fmt.Sprintf("unknown strategy %q", cfg.Strategy),
			}
		}
		if (cfg.Strategy == StrategyLLM || cfg.Strategy == StrategyHybrid) && cfg.Model == "" {
			return &errors.ValidationError{
				Field:   field("crag_scoring.model"),
				Message: fmt.Sprintf("strategy %s requires a judge model", cfg.Strategy),
			}
		}
	case StepConditional:
		if s.Conditional == nil {
			return &errors.ValidationError{Field: field("conditional"), Message: "missing conditional config"}
		}
		for j, cond := range s.Conditional.Conditions {
			if err := cond.validate(fmt.Sprintf("%s.conditions[%d]", field("conditional"), j)); err != nil {
				return err
			}
		}
		if err := s.Conditional.DefaultAction.validate(field("conditional.default_action")); err != nil {
			return err
		}
	case StepHTTPRequest:
		if s.HTTPRequest == nil {
			return &errors.ValidationError{Field: field("http_request"), Message: "missing http_request config"}
		}
		if s.HTTPRequest.ExternalApiID == "" {
			return &errors.ValidationError{Field: field("http_request.external_api_id"), Message: "external API ID cannot be empty"}
		}
		if s.HTTPRequest.Method == "" {
			return &errors.ValidationError{Field: field("http_request.method"), Message: "HTTP method cannot be empty"}
		}
	default:
		return &errors.ValidationError{
			Field:   field("type"),
			Message: fmt.Sprintf("unknown step type %q", s.Type),
		}
	}

	return nil
}

func (c Condition) validate(field string) error {
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan,
		OpIsEmpty, OpIsNotEmpty, OpExists:
		if c.Field == "" {
			return &errors.ValidationError{
				Field:   field + ".field",
				Message: "condition field reference cannot be empty",
			}
		}
	case OpExpression:
		if c.Expression == "" {
			return &errors.ValidationError{
				Field:   field + ".expression",
				Message: "expression cannot be empty",
			}
		}
	default:
		return &errors.ValidationError{
			Field:   field + ".operator",
			Message: fmt.Sprintf("unknown operator %q", c.Operator),
		}
	}
	return c.Action.validate(field + ".action")
}

func (a Action) validate(field string) error {
	switch a.Type {
	case ActionContinue, ActionEndWorkflow:
		return nil
	case ActionGoToStep:
		if a.Target == "" {
			return &errors.ValidationError{
				Field:   field + ".target",
				Message: "go_to_step requires a target step name",
			}
		}
		return nil
	default:
		return &errors.ValidationError{
			Field:   field + ".type",
			Message: fmt.Sprintf("unknown action type %q", a.Type),
		}
	}
}
