package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/cache/response"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/credential"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/externalapi"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/knowledgebase"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/observability"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/router"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/storage"
)

// ModelRouter resolves model IDs to provider handles. Satisfied by
// router.Router.
type ModelRouter interface {
	Route(ctx context.Context, modelID, credentialID string) (router.Handle, error)
}

// CredentialSource resolves credential IDs for http_request steps.
// Satisfied by credential.Resolver.
type CredentialSource interface {
	Get(ctx context.Context, id string) (credential.Credential, error)
}

// StepObserver receives per-step timing for metrics.
type StepObserver func(stepType StepType, duration time.Duration, success bool)

// Error kinds recorded on failed step results.
const (
	KindVariableResolution = "variable_resolution"
	KindSchemaValidation   = "schema_validation"
	KindTimeout            = "timeout"
	KindStepExecution      = "step_execution"
)

// StepResult records the outcome of one encountered step.
type StepResult struct {
	Name       string          `json:"name"`
	Type       StepType        `json:"type"`
	Success    bool            `json:"success"`
	Skipped    bool            `json:"skipped,omitempty"`
	Output     any             `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Usage      *llm.TokenUsage `json:"usage,omitempty"`
}

// Result is the outcome of one workflow execution. The executor never
// returns an error to the caller; every failure mode lands here.
type Result struct {
	Success         bool         `json:"success"`
	Output          any          `json:"output,omitempty"`
	StepResults     []StepResult `json:"step_results"`
	ExecutionTimeMS int64        `json:"execution_time_ms"`
	Error           string       `json:"error,omitempty"`
}

// Executor runs workflows sequentially. All collaborators beyond the router
// are optional; steps that need a missing collaborator fail step-locally.
type Executor struct {
	router       ModelRouter
	knowledge    knowledgebase.Provider
	externalAPIs storage.Storage[externalapi.ExternalApi]
	credentials  CredentialSource
	embedder     llm.Embedder
	responses    *response.Layer
	doRequest    httpDoer
	logger       *slog.Logger
	observe      StepObserver
}

// Option configures an Executor.
type Option func(*Executor)

// WithKnowledgeBase wires the knowledge-base search provider.
func WithKnowledgeBase(p knowledgebase.Provider) Option {
	return func(e *Executor) { e.knowledge = p }
}

// WithExternalAPIs wires the external API store for http_request steps.
func WithExternalAPIs(s storage.Storage[externalapi.ExternalApi]) Option {
	return func(e *Executor) { e.externalAPIs = s }
}

// WithCredentials wires the credential source for http_request API keys.
func WithCredentials(c CredentialSource) Option {
	return func(e *Executor) { e.credentials = c }
}

// WithEmbedder wires the embedding provider used by CRAG threshold scoring.
func WithEmbedder(emb llm.Embedder) Option {
	return func(e *Executor) { e.embedder = emb }
}

// WithResponseCache wires the layered response cache for chat steps that
// opt in via use_cache.
func WithResponseCache(l *response.Layer) Option {
	return func(e *Executor) { e.responses = l }
}

// WithHTTPDoer overrides the HTTP client used by http_request steps.
func WithHTTPDoer(d httpDoer) Option {
	return func(e *Executor) { e.doRequest = d }
}

// WithStepObserver registers a per-step metrics callback.
func WithStepObserver(obs StepObserver) Option {
	return func(e *Executor) { e.observe = obs }
}

// NewExecutor creates a workflow executor routed through the given router.
func NewExecutor(r ModelRouter, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		router: r,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type execOptions struct {
	mocks  map[string]any
	cancel *atomic.Bool
}

// ExecOption configures one execution.
type ExecOption func(*execOptions)

// WithMockedOutputs injects canned outputs per step name. Mocked steps do
// not dispatch; the workflow test surface uses this.
func WithMockedOutputs(mocks map[string]any) ExecOption {
	return func(o *execOptions) { o.mocks = mocks }
}

// WithCancelFlag shares a cancellation flag with the caller. Setting the
// flag stops execution before the next step boundary.
func WithCancelFlag(flag *atomic.Bool) ExecOption {
	return func(o *execOptions) { o.cancel = flag }
}

// Execute runs the workflow against the input. Failures of any kind yield a
// Result with Success=false; Execute itself never returns an error.
func (e *Executor) Execute(ctx context.Context, wf Workflow, input any, opts ...ExecOption) *Result {
	result := e.execute(ctx, wf, input, opts...)
	observability.RecordWorkflowExecution(result.Success)
	return result
}

func (e *Executor) execute(ctx context.Context, wf Workflow, input any, opts ...ExecOption) *Result {
	start := time.Now()
	var options execOptions
	for _, opt := range opts {
		opt(&options)
	}

	fail := func(steps []StepResult, msg string) *Result {
		return &Result{
			Success:         false,
			StepResults:     steps,
			ExecutionTimeMS: time.Since(start).Milliseconds(),
			Error:           msg,
		}
	}

	if err := wf.Validate(); err != nil {
		return fail(nil, err.Error())
	}
	if !wf.Enabled {
		return fail(nil, fmt.Sprintf("workflow %s is disabled", wf.ID))
	}

	normalizedInput := normalize(input)
	if wf.InputSchema != nil {
		if err := ValidateSchema(wf.InputSchema, normalizedInput); err != nil {
			return fail(nil, err.Error())
		}
	}

	c := NewContext(normalizedInput)
	if options.cancel != nil {
		c.cancelled = options.cancel
	}

	positions := make(map[string]int, len(wf.Steps))
	for i, step := range wf.Steps {
		positions[step.Name] = i
	}

	logger := e.logger.With("workflow_id", wf.ID)
	logger.Info("workflow execution started", "steps", len(wf.Steps))

	var (
		results    []StepResult
		lastOutput any
		hasOutput  bool
	)

	i := 0
	for i < len(wf.Steps) {
		if ctx.Err() != nil || c.Cancelled() {
			logger.Warn("workflow execution cancelled", "at_step", wf.Steps[i].Name)
			return fail(results, "execution cancelled")
		}

		step := wf.Steps[i]
		sr, action := e.runStep(ctx, c, step, options.mocks, logger)
		results = append(results, sr)

		if !sr.Success {
			if step.errorPolicy() == FailWorkflow {
				logger.Warn("workflow failed",
					"step", step.Name,
					"error", sr.Error)
				return fail(results, fmt.Sprintf("step %s failed: %s", step.Name, sr.Error))
			}

			// skip_step: record the failure with a null output and move on.
			results[len(results)-1].Skipped = true
			c.setStepOutput(step.Name, nil)
			logger.Debug("step skipped after failure",
				"step", step.Name,
				"error", sr.Error)
			i++
			continue
		}

		c.setStepOutput(step.Name, sr.Output)
		if step.Type != StepConditional {
			lastOutput = sr.Output
			hasOutput = true
		}

		if action != nil {
			switch action.Type {
			case ActionEndWorkflow:
				output := lastOutput
				if action.Value != nil {
					resolved, err := substituteAny(c, normalize(action.Value))
					if err != nil {
						return fail(results, err.Error())
					}
					output = resolved
				}
				logger.Info("workflow ended by conditional",
					"step", step.Name,
					"duration_ms", time.Since(start).Milliseconds())
				return &Result{
					Success:         true,
					Output:          output,
					StepResults:     results,
					ExecutionTimeMS: time.Since(start).Milliseconds(),
				}
			case ActionGoToStep:
				// Validation guarantees the target exists and is forward.
				i = positions[action.Target]
				continue
			}
		}

		i++
	}

	var output any
	if hasOutput {
		output = lastOutput
	}
	logger.Info("workflow execution completed",
		"duration_ms", time.Since(start).Milliseconds())
	return &Result{
		Success:         true,
		Output:          output,
		StepResults:     results,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
}

// runStep executes one step with its timeout, panic recovery, and output
// schema validation. The returned action is non-nil only for conditional
// steps whose matched action affects control flow.
func (e *Executor) runStep(ctx context.Context, c *Context, step Step, mocks map[string]any, logger *slog.Logger) (result StepResult, action *Action) {
	start := time.Now()
	result = StepResult{Name: step.Name, Type: step.Type}

	finish := func() {
		result.DurationMS = time.Since(start).Milliseconds()
		if e.observe != nil {
			e.observe(step.Type, time.Since(start), result.Success)
		}
	}
	defer finish()

	if mock, ok := mocks[step.Name]; ok {
		result.Success = true
		result.Output = normalize(mock)
		return result, nil
	}

	stepCtx := ctx
	if timeout := step.timeout(); timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Output = nil
			result.Error = fmt.Sprintf("step handler panicked: %v", r)
			result.ErrorKind = KindStepExecution
			action = nil
		}
	}()

	output, usage, stepAction, err := e.dispatch(stepCtx, c, step)
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = classify(err, stepCtx, step, start)
		logger.Warn("step failed",
			"step", step.Name,
			"step_type", step.Type,
			"error", err)
		return result, nil
	}

	if step.OutputSchema != nil {
		if schemaErr := ValidateSchema(step.OutputSchema, output); schemaErr != nil {
			result.Error = schemaErr.Error()
			result.ErrorKind = KindSchemaValidation
			return result, nil
		}
	}

	result.Success = true
	result.Output = output
	result.Usage = usage
	logger.Debug("step completed",
		"step", step.Name,
		"step_type", step.Type,
		"duration_ms", time.Since(start).Milliseconds())
	return result, stepAction
}

func (e *Executor) dispatch(ctx context.Context, c *Context, step Step) (any, *llm.TokenUsage, *Action, error) {
	switch step.Type {
	case StepChatCompletion:
		output, usage, err := e.runChatCompletion(ctx, c, step.ChatCompletion)
		return output, usage, nil, err
	case StepKnowledgeBaseSearch:
		output, err := e.runKnowledgeBaseSearch(ctx, c, step.KnowledgeBaseSearch)
		return output, nil, nil, err
	case StepCRAGScoring:
		output, err := e.runCRAGScoring(ctx, c, step.CRAGScoring)
		return output, nil, nil, err
	case StepConditional:
		matched, err := evaluateConditional(c, step.Conditional)
		if err != nil {
			return nil, nil, nil, err
		}
		output := map[string]any{"action": string(matched.Type)}
		if matched.Target != "" {
			output["target"] = matched.Target
		}
		return output, nil, &matched, nil
	case StepHTTPRequest:
		output, err := e.runHTTPRequest(ctx, c, step.HTTPRequest)
		return output, nil, nil, err
	default:
		return nil, nil, nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

// classify maps a step error to its result kind.
func classify(err error, ctx context.Context, step Step, start time.Time) string {
	var varErr *errors.VariableResolutionError
	if errors.As(err, &varErr) {
		return KindVariableResolution
	}
	var schemaErr *errors.SchemaValidationError
	if errors.As(err, &schemaErr) {
		return KindSchemaValidation
	}
	var timeoutErr *errors.TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) ||
		(ctx.Err() == context.DeadlineExceeded && step.timeout() > 0 && time.Since(start) >= step.timeout()) {
		return KindTimeout
	}
	return KindStepExecution
}

// runChatCompletion renders the step's messages, consults the response
// cache when enabled, and routes the request.
func (e *Executor) runChatCompletion(ctx context.Context, c *Context, cfg *ChatCompletionStep) (any, *llm.TokenUsage, error) {
	system, err := SubstituteString(c, cfg.SystemMessage)
	if err != nil {
		return nil, nil, err
	}
	user, err := SubstituteString(c, cfg.UserMessage)
	if err != nil {
		return nil, nil, err
	}
	promptID, err := SubstituteString(c, cfg.PromptID)
	if err != nil {
		return nil, nil, err
	}
	promptVars, err := substituteStringMap(c, cfg.PromptVars)
	if err != nil {
		return nil, nil, err
	}

	req := llm.Request{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		PromptID:    promptID,
		PromptVars:  promptVars,
	}
	if system != "" {
		req.Messages = append(req.Messages, llm.Message{Role: llm.MessageRoleSystem, Content: system})
	}
	if user != "" {
		req.Messages = append(req.Messages, llm.Message{Role: llm.MessageRoleUser, Content: user})
	}

	if cfg.UseCache && e.responses != nil {
		if cached := e.responses.Get(ctx, cfg.Model, req); cached != nil {
			resp := cached.Response
			return normalize(resp), &resp.Usage, nil
		}
	}

	handle, err := e.router.Route(ctx, cfg.Model, cfg.CredentialID)
	if err != nil {
		return nil, nil, err
	}
	resp, err := handle.ChatCompletion(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	if cfg.UseCache && e.responses != nil {
		e.responses.Set(ctx, cfg.Model, req, resp)
	}

	return normalize(*resp), &resp.Usage, nil
}

func (e *Executor) runKnowledgeBaseSearch(ctx context.Context, c *Context, cfg *KnowledgeBaseSearchStep) (any, error) {
	if e.knowledge == nil {
		return nil, fmt.Errorf("no knowledge base provider configured")
	}

	query, err := SubstituteString(c, cfg.Query)
	if err != nil {
		return nil, err
	}
	filter, err := substituteAny(c, normalize(cfg.Filter))
	if err != nil {
		return nil, err
	}

	req := knowledgebase.SearchRequest{
		KnowledgeBaseID:     cfg.KnowledgeBaseID,
		Query:               query,
		TopK:                cfg.TopK,
		SimilarityThreshold: cfg.SimilarityThreshold,
	}
	if m, ok := filter.(map[string]any); ok {
		req.Filter = m
	}

	docs, err := e.knowledge.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"documents": normalize(docs),
		"count":     len(docs),
	}, nil
}
