package agent

import (
	"context"
	"encoding/json"

	"github.com/first-fluke/cratos/pkg/models"
)

// PlanResponse is one Planner.PlanStep result: either a final assistant
// response (IsFinal) or a set of tool calls the Orchestrator must execute
// and feed back in before the next PlanStep.
type PlanResponse struct {
	Content   string
	ToolCalls []models.ToolCall
	IsFinal   bool
	Model     string
}

// Planner is stateless between calls; it relies solely on the message list
// passed to PlanStep. It issues a text-only completion when no tools are
// available, and a tool-choice=Auto completion otherwise, classifying the
// result final exactly when the model returned no tool calls.
type Planner struct {
	router *LlmRouter
}

// NewPlanner builds a Planner routing completions through router.
func NewPlanner(router *LlmRouter) *Planner {
	return &Planner{router: router}
}

// PlanStep issues one completion over messages, offering tools when any are
// registered, and classifies the result as final or tool-calling.
func (p *Planner) PlanStep(ctx context.Context, tier ModelTier, systemPrompt string, messages []models.Message, tools []Tool) (*PlanResponse, error) {
	req := &CompletionRequest{
		System:   systemPrompt,
		Messages: toCompletionMessages(messages),
	}
	if len(tools) > 0 {
		req.Tools = tools
	}

	resp, err := p.router.Complete(ctx, tier, req)
	if err != nil {
		return nil, err
	}

	toolCalls := make([]models.ToolCall, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		toolCalls = append(toolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}

	return &PlanResponse{
		Content:   resp.Content,
		ToolCalls: toolCalls,
		IsFinal:   len(toolCalls) == 0,
		Model:     resp.Model,
	}, nil
}

// BuildToolResultMessages pairs each tool call with its execution result
// (the result's content as-is on success, {"error": …} on failure), as
// role=Tool messages in the same order as toolCalls, ready to append for
// the next PlanStep.
func BuildToolResultMessages(toolCalls []models.ToolCall, results []ToolExecResult) []models.Message {
	byCallID := make(map[string]ToolExecResult, len(results))
	for _, r := range results {
		byCallID[r.ToolCall.ID] = r
	}

	messages := make([]models.Message, 0, len(toolCalls))
	for _, call := range toolCalls {
		result, ok := byCallID[call.ID]
		var content string
		if !ok {
			content = `{"error":"tool result missing"}`
		} else if result.Result.IsError {
			encoded, err := json.Marshal(struct {
				Error string `json:"error"`
			}{Error: result.Result.Content})
			if err != nil {
				content = `{"error":"failed to encode tool error"}`
			} else {
				content = string(encoded)
			}
		} else {
			content = result.Result.Content
		}
		messages = append(messages, models.Message{
			Role:       models.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			Name:       call.Name,
		})
	}
	return messages
}

func toCompletionMessages(messages []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, CompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}
