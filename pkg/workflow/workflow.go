// Package workflow implements workflow definitions and their sequential
// executor. A workflow is an ordered list of typed steps executed against a
// JSON input; step outputs accumulate in a per-execution context and feed
// later steps through variable references.
package workflow

import (
	"fmt"
	"regexp"
	"time"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// MaxIDLength bounds workflow identifiers.
const MaxIDLength = 50

// idPattern requires alphanumeric start and end with hyphens allowed inside.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?$`)

// ValidateID checks a workflow identifier.
func ValidateID(id string) error {
	if id == "" {
		return &errors.ValidationError{
			Field:   "id",
			Message: "workflow ID cannot be empty",
		}
	}
	if len(id) > MaxIDLength {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("workflow ID exceeds %d characters", MaxIDLength),
			Suggestion: "use a shorter identifier",
		}
	}
	if !idPattern.MatchString(id) {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("invalid workflow ID %q", id),
			Suggestion: "use letters, digits, and interior hyphens only",
		}
	}
	return nil
}

// StepType identifies a step variant.
type StepType string

const (
	StepChatCompletion      StepType = "chat_completion"
	StepKnowledgeBaseSearch StepType = "knowledge_base_search"
	StepCRAGScoring         StepType = "crag_scoring"
	StepConditional         StepType = "conditional"
	StepHTTPRequest         StepType = "http_request"
)

// OnError is a step's failure policy.
type OnError string

const (
	// FailWorkflow stops execution and fails the workflow. The default.
	FailWorkflow OnError = "fail_workflow"

	// SkipStep records the failure and continues with the next step.
	SkipStep OnError = "skip_step"
)

// Workflow is an ordered sequence of typed steps. Version increases
// monotonically whenever the step list mutates; disabled workflows are
// listable but not executable.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Steps       []Step         `json:"steps"`
	Version     int64          `json:"version"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// EntityID implements storage.Entity.
func (w Workflow) EntityID() string { return w.ID }

// Step is one typed operation inside a workflow. Exactly one of the
// variant configs must be set, matching Type.
type Step struct {
	Name         string         `json:"name"`
	Type         StepType       `json:"type"`
	OnError      OnError        `json:"on_error,omitempty"`
	TimeoutMS    int64          `json:"timeout_ms,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	ChatCompletion      *ChatCompletionStep      `json:"chat_completion,omitempty"`
	KnowledgeBaseSearch *KnowledgeBaseSearchStep `json:"knowledge_base_search,omitempty"`
	CRAGScoring         *CRAGScoringStep         `json:"crag_scoring,omitempty"`
	Conditional         *ConditionalStep         `json:"conditional,omitempty"`
	HTTPRequest         *HTTPRequestStep         `json:"http_request,omitempty"`
}

// errorPolicy returns the step's failure policy, defaulting to FailWorkflow.
func (s Step) errorPolicy() OnError {
	if s.OnError == SkipStep {
		return SkipStep
	}
	return FailWorkflow
}

// timeout returns the step's deadline, or 0 when none is configured.
func (s Step) timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// ChatCompletionStep calls a model through the provider router. Messages
// and prompt fields support variable references.
type ChatCompletionStep struct {
	Model         string            `json:"model"`
	CredentialID  string            `json:"credential_id,omitempty"`
	SystemMessage string            `json:"system_message,omitempty"`
	UserMessage   string            `json:"user_message,omitempty"`
	PromptID      string            `json:"prompt_id,omitempty"`
	PromptVars    map[string]string `json:"prompt_vars,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	UseCache      bool              `json:"use_cache,omitempty"`
}

// KnowledgeBaseSearchStep queries the knowledge-base provider.
type KnowledgeBaseSearchStep struct {
	KnowledgeBaseID     string         `json:"knowledge_base_id"`
	Query               string         `json:"query"`
	TopK                int            `json:"top_k,omitempty"`
	SimilarityThreshold float64        `json:"similarity_threshold,omitempty"`
	Filter              map[string]any `json:"filter,omitempty"`
}

// CRAGStrategy selects how documents are scored for relevance.
type CRAGStrategy string

const (
	// StrategyThreshold filters by cosine score only.
	StrategyThreshold CRAGStrategy = "threshold"

	// StrategyLLM delegates scoring to a judging chat call.
	StrategyLLM CRAGStrategy = "llm"

	// StrategyHybrid combines both with a min-score policy.
	StrategyHybrid CRAGStrategy = "hybrid"
)

// CRAGScoringStep scores retrieved documents for relevance before use.
// InputDocuments is a variable reference resolving to a document array.
type CRAGScoringStep struct {
	InputDocuments string       `json:"input_documents"`
	Query          string       `json:"query"`
	Strategy       CRAGStrategy `json:"strategy"`
	ScoreThreshold float64      `json:"score_threshold,omitempty"`
	Model          string       `json:"model,omitempty"`
	CredentialID   string       `json:"credential_id,omitempty"`
	PromptID       string       `json:"prompt_id,omitempty"`
	EmbeddingModel string       `json:"embedding_model,omitempty"`
}

// ActionType is what a matched condition does next.
type ActionType string

const (
	ActionContinue    ActionType = "continue"
	ActionGoToStep    ActionType = "go_to_step"
	ActionEndWorkflow ActionType = "end_workflow"
)

// Action is the effect of a matched condition or the default fallthrough.
type Action struct {
	Type ActionType `json:"type"`

	// Target names the step to jump to for go_to_step. Targets must appear
	// strictly after the conditional step; backward and self references are
	// rejected at validation time.
	Target string `json:"target,omitempty"`

	// Value is the workflow output for end_workflow. Null or absent means
	// the last successful step's output.
	Value any `json:"value,omitempty"`
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpExists      Operator = "exists"

	// OpExpression evaluates an expr-lang expression against the workflow
	// context instead of a field/value comparison.
	OpExpression Operator = "expression"
)

// Condition is one branch of a conditional step. Field holds a variable
// reference; Value is the comparison operand. For OpExpression, Expression
// carries the program and Field/Value are ignored.
type Condition struct {
	Field      string   `json:"field,omitempty"`
	Operator   Operator `json:"operator"`
	Value      any      `json:"value,omitempty"`
	Expression string   `json:"expression,omitempty"`
	Action     Action   `json:"action"`
}

// ConditionalStep evaluates conditions in order; first match wins.
type ConditionalStep struct {
	Conditions    []Condition `json:"conditions"`
	DefaultAction Action      `json:"default_action"`
}

// HTTPRequestStep calls a registered external API. Path, query, headers,
// and body support variable references. Transform is an optional jq program
// applied to the parsed response body.
type HTTPRequestStep struct {
	ExternalApiID string            `json:"external_api_id"`
	Method        string            `json:"method"`
	Path          string            `json:"path,omitempty"`
	Query         map[string]string `json:"query,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          any               `json:"body,omitempty"`
	CredentialID  string            `json:"credential_id,omitempty"`
	Transform     string            `json:"transform,omitempty"`
}
