package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudbro-kube-ai/opshub/pkg/events"
)

// workflowSystemPrompt pins the output contract for workflow completions.
const workflowSystemPrompt = `You are a workflow planning assistant. Analyze the user's request and respond with ONLY a JSON object of this exact shape:
{"intent": "<short_snake_case_intent>", "parameters": {<key-value parameters extracted from the request>}, "steps": ["<step 1>", "<step 2>", ...]}
Do not include any prose, markdown fences, or explanation outside the JSON object.`

// WorkflowRequest is the workflow-completions payload.
type WorkflowRequest struct {
	Prompt      string   `json:"prompt"`
	ProviderID  string   `json:"providerId,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// Workflow runs a planning completion and parses the structured result.
// Unparseable model output degrades to a generic task envelope instead of
// failing the request.
func (d *Dispatcher) Workflow(ctx context.Context, in WorkflowRequest, meta events.Metadata) (*WorkflowResponse, error) {
	req := ChatRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: workflowSystemPrompt},
			{Role: "user", Content: in.Prompt},
		},
		Model:       in.Model,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}

	resp, err := d.dispatch(ctx, req, in.ProviderID, PurposeWorkflow, nil, meta)
	if err != nil {
		return nil, err
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &WorkflowResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Result:    parseWorkflowResult(content, in.Prompt),
		Usage:     resp.Usage,
		Provider:  resp.Provider,
		Timestamp: time.Now().UTC(),
	}, nil
}

// parseWorkflowResult extracts the JSON plan, tolerating markdown fences.
func parseWorkflowResult(content, prompt string) WorkflowResult {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var result WorkflowResult
	if err := json.Unmarshal([]byte(trimmed), &result); err == nil && result.Intent != "" {
		if result.Parameters == nil {
			result.Parameters = map[string]any{}
		}
		return result
	}

	return WorkflowResult{
		Intent:     "general_task",
		Parameters: map[string]any{"prompt": prompt},
		Steps:      []string{"analyze_request", "execute_action", "return_result"},
	}
}
