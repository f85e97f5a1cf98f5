package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/pkg/models"
)

func TestConvertMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []agent.CompletionMessage
		system   string
		wantLen  int
	}{
		{
			name: "basic text with system prompt",
			messages: []agent.CompletionMessage{
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hi there"},
			},
			system:  "be concise",
			wantLen: 3,
		},
		{
			name: "no system prompt",
			messages: []agent.CompletionMessage{
				{Role: "user", Content: "hello"},
			},
			wantLen: 1,
		},
		{
			name: "assistant message with tool calls",
			messages: []agent.CompletionMessage{
				{
					Role: string(models.RoleAssistant),
					ToolCalls: []models.ToolCall{
						{ID: "call_1", Name: "echo", Arguments: `{"text":"hi"}`},
					},
				},
			},
			wantLen: 1,
		},
		{
			name: "tool result message carries tool call id",
			messages: []agent.CompletionMessage{
				{Role: string(models.RoleTool), Content: `{"echo":"hi"}`, ToolCallID: "call_1"},
			},
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := convertMessages(tt.messages, tt.system)
			if len(result) != tt.wantLen {
				t.Fatalf("len(result) = %d, want %d", len(result), tt.wantLen)
			}
		})
	}
}

func TestConvertMessagesSystemPrepended(t *testing.T) {
	result := convertMessages([]agent.CompletionMessage{{Role: "user", Content: "hi"}}, "be terse")
	if result[0].Role != "system" || result[0].Content != "be terse" {
		t.Fatalf("expected system message first, got %+v", result[0])
	}
}

func TestConvertMessagesToolCallIDRoundTrip(t *testing.T) {
	result := convertMessages([]agent.CompletionMessage{
		{Role: string(models.RoleTool), Content: "result", ToolCallID: "call_42"},
	}, "")
	if result[0].ToolCallID != "call_42" {
		t.Fatalf("ToolCallID = %q, want call_42", result[0].ToolCallID)
	}
}

func TestConvertMessagesAssistantToolCallsConverted(t *testing.T) {
	result := convertMessages([]agent.CompletionMessage{
		{
			Role: string(models.RoleAssistant),
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "search", Arguments: `{"q":"go"}`},
				{ID: "call_2", Name: "echo", Arguments: `{}`},
			},
		},
	}, "")
	if len(result[0].ToolCalls) != 2 {
		t.Fatalf("len(ToolCalls) = %d, want 2", len(result[0].ToolCalls))
	}
	if result[0].ToolCalls[0].ID != "call_1" || result[0].ToolCalls[0].Function.Name != "search" {
		t.Fatalf("unexpected first tool call: %+v", result[0].ToolCalls[0])
	}
	if result[0].ToolCalls[1].Function.Arguments != "{}" {
		t.Fatalf("unexpected arguments: %q", result[0].ToolCalls[1].Function.Arguments)
	}
}

type schemaTool struct {
	name   string
	desc   string
	schema json.RawMessage
}

func (s *schemaTool) Name() string            { return s.name }
func (s *schemaTool) Description() string     { return s.desc }
func (s *schemaTool) Schema() json.RawMessage { return s.schema }
func (s *schemaTool) Execute(_ context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

func TestConvertToolsValidSchema(t *testing.T) {
	tool := &schemaTool{
		name:   "echo",
		desc:   "echoes input",
		schema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
	}
	result := convertTools([]agent.Tool{tool})
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	if result[0].Function.Name != "echo" {
		t.Fatalf("Function.Name = %q, want echo", result[0].Function.Name)
	}
	schema, ok := result[0].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("Parameters is %T, want map[string]any", result[0].Function.Parameters)
	}
	if schema["type"] != "object" {
		t.Fatalf("schema[\"type\"] = %v, want object", schema["type"])
	}
}

func TestConvertToolsInvalidSchemaFallsBack(t *testing.T) {
	tool := &schemaTool{name: "broken", desc: "bad schema", schema: json.RawMessage(`not json`)}
	result := convertTools([]agent.Tool{tool})
	schema, ok := result[0].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("Parameters is %T, want map[string]any", result[0].Function.Parameters)
	}
	if schema["type"] != "object" {
		t.Fatalf("fallback schema type = %v, want object", schema["type"])
	}
	if _, ok := schema["properties"]; !ok {
		t.Fatalf("fallback schema missing properties key")
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("rate limit exceeded"), true},
		{errors.New("429 too many requests"), true},
		{errors.New("502 bad gateway"), true},
		{errors.New("request timeout"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("invalid api key"), false},
		{errors.New("model not found"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWrapProviderErrorClassifiesQuota(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantQuota bool
	}{
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429 status", errors.New("received 429 from server"), true},
		{"quota substring", errors.New("monthly quota exceeded"), true},
		{"unrelated error", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapProviderError("openai", tt.err)
			var quotaErr *agent.QuotaError
			isQuota := errors.As(wrapped, &quotaErr)
			if isQuota != tt.wantQuota {
				t.Fatalf("errors.As(*QuotaError) = %v, want %v (err=%v)", isQuota, tt.wantQuota, wrapped)
			}
		})
	}
}

func TestWrapProviderErrorNilPassesThrough(t *testing.T) {
	if wrapProviderError("openai", nil) != nil {
		t.Fatalf("expected nil error to pass through as nil")
	}
}

func TestNewOpenAIProviderWithoutAPIKeyHasNilClient(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{Name: "openai"})
	if p.client != nil {
		t.Fatalf("expected nil client when API key is empty")
	}
	if p.Name() != "openai" {
		t.Fatalf("Name() = %q, want openai", p.Name())
	}
	if !p.SupportsTools() {
		t.Fatalf("expected SupportsTools() to be true")
	}
}

func TestNewOpenAIProviderWithAPIKeyConfiguresClient(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{Name: "groq", APIKey: "test-key", BaseURL: "https://api.groq.com/openai/v1"})
	if p.client == nil {
		t.Fatalf("expected non-nil client when API key is set")
	}
}
