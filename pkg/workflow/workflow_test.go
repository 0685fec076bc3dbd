package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fullWorkflow exercises every step variant and every optional field that
// survives serialization.
func fullWorkflow() Workflow {
	temp := 0.2
	maxTokens := 512
	return Workflow{
		ID:          "support-triage",
		Name:        "Support triage",
		Description: "Classify, retrieve, and answer",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"question"},
		},
		Version:   3,
		Enabled:   true,
		CreatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC),
		Steps: []Step{
			{
				Name:      "classify",
				Type:      StepChatCompletion,
				TimeoutMS: 5000,
				ChatCompletion: &ChatCompletionStep{
					Model:         "gpt-4o",
					CredentialID:  "openai-main",
					SystemMessage: "You are a classifier.",
					UserMessage:   "{{input.question}}",
					PromptVars:    map[string]string{"tone": "neutral"},
					Temperature:   &temp,
					MaxTokens:     &maxTokens,
					UseCache:      true,
				},
			},
			{
				Name: "retrieve",
				Type: StepKnowledgeBaseSearch,
				KnowledgeBaseSearch: &KnowledgeBaseSearchStep{
					KnowledgeBaseID:     "kb-docs",
					Query:               "{{input.question}}",
					TopK:                5,
					SimilarityThreshold: 0.75,
					Filter:              map[string]any{"lang": "en"},
				},
			},
			{
				Name:    "score",
				Type:    StepCRAGScoring,
				OnError: SkipStep,
				CRAGScoring: &CRAGScoringStep{
					InputDocuments: "{{steps.retrieve.output.documents}}",
					Query:          "{{input.question}}",
					Strategy:       StrategyHybrid,
					ScoreThreshold: 0.6,
					Model:          "gpt-4o-mini",
					EmbeddingModel: "text-embedding-3-small",
				},
			},
			{
				Name: "route",
				Type: StepConditional,
				Conditional: &ConditionalStep{
					Conditions: []Condition{
						{
							Field:    "{{steps.score.output.relevant_count}}",
							Operator: OpGreaterThan,
							Value:    float64(0),
							Action:   Action{Type: ActionGoToStep, Target: "notify"},
						},
						{
							Operator:   OpExpression,
							Expression: `input.question contains "refund"`,
							Action:     Action{Type: ActionEndWorkflow, Value: "escalated"},
						},
					},
					DefaultAction: Action{Type: ActionContinue},
				},
			},
			{
				Name: "notify",
				Type: StepHTTPRequest,
				HTTPRequest: &HTTPRequestStep{
					ExternalApiID: "ticketing",
					Method:        "POST",
					Path:          "/v1/tickets",
					Query:         map[string]string{"source": "gateway"},
					Headers:       map[string]string{"X-Request-Source": "triage"},
					Body:          map[string]any{"question": "{{input.question}}"},
					CredentialID:  "ticketing-token",
					Transform:     ".id",
				},
			},
		},
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	original := fullWorkflow()

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Workflow
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, original, decoded)

	// A second pass over the decoded value produces the same bytes, so
	// repeated store/load cycles cannot drift.
	again, err := json.Marshal(decoded)
	require.NoError(t, err)
	require.JSONEq(t, string(data), string(again))
}
