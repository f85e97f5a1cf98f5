package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"google.golang.org/genai"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/pkg/models"
)

func TestConvertMessagesSkipsSystemRole(t *testing.T) {
	result := convertMessages([]agent.CompletionMessage{
		{Role: string(models.RoleSystem), Content: "be terse"},
		{Role: string(models.RoleUser), Content: "hi"},
	})
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	if result[0].Role != genai.RoleUser {
		t.Fatalf("Role = %v, want %v", result[0].Role, genai.RoleUser)
	}
}

func TestConvertMessagesAssistantMapsToModelRole(t *testing.T) {
	result := convertMessages([]agent.CompletionMessage{
		{Role: string(models.RoleAssistant), Content: "hi there"},
	})
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	if result[0].Role != genai.RoleModel {
		t.Fatalf("Role = %v, want %v", result[0].Role, genai.RoleModel)
	}
}

func TestConvertMessagesToolCallBecomesFunctionCallPart(t *testing.T) {
	result := convertMessages([]agent.CompletionMessage{
		{
			Role: string(models.RoleAssistant),
			ToolCalls: []models.ToolCall{
				{ID: "call_search_1", Name: "search", Arguments: `{"q":"go"}`},
			},
		},
	})
	if len(result) != 1 || len(result[0].Parts) != 1 {
		t.Fatalf("expected one content with one part, got %+v", result)
	}
	if result[0].Parts[0].FunctionCall == nil {
		t.Fatalf("expected a FunctionCall part")
	}
	if result[0].Parts[0].FunctionCall.Name != "search" {
		t.Fatalf("FunctionCall.Name = %q, want search", result[0].Parts[0].FunctionCall.Name)
	}
}

func TestConvertMessagesToolResultBecomesFunctionResponsePart(t *testing.T) {
	result := convertMessages([]agent.CompletionMessage{
		{
			Role: string(models.RoleAssistant),
			ToolCalls: []models.ToolCall{
				{ID: "call_search_1", Name: "search", Arguments: `{}`},
			},
		},
		{
			Role:       string(models.RoleTool),
			Content:    `{"result":"42"}`,
			ToolCallID: "call_search_1",
		},
	})
	if len(result) != 2 {
		t.Fatalf("len(result) = %d, want 2", len(result))
	}
	resp := result[1].Parts[0].FunctionResponse
	if resp == nil {
		t.Fatalf("expected a FunctionResponse part")
	}
	if resp.Name != "search" {
		t.Fatalf("FunctionResponse.Name = %q, want search", resp.Name)
	}
}

func TestGetToolNameFromIDFallsBackToSynthesizedFormat(t *testing.T) {
	id := generateToolCallID("lookup")
	name := getToolNameFromID(id, nil)
	if name != "lookup" {
		t.Fatalf("getToolNameFromID(%q) = %q, want lookup", id, name)
	}
}

func TestConvertSchemaBuildsNestedProperties(t *testing.T) {
	var schemaMap map[string]any
	raw := []byte(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`)
	if err := json.Unmarshal(raw, &schemaMap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	schema := convertSchema(schemaMap)
	if schema.Type != genai.Type("OBJECT") {
		t.Fatalf("Type = %v, want OBJECT", schema.Type)
	}
	if schema.Properties["q"] == nil {
		t.Fatalf("expected property q to be converted")
	}
	if len(schema.Required) != 1 || schema.Required[0] != "q" {
		t.Fatalf("Required = %v, want [q]", schema.Required)
	}
}

func TestConvertToolsSkipsMalformedSchema(t *testing.T) {
	tools := []agent.Tool{
		&schemaTool{name: "good", desc: "ok", schema: json.RawMessage(`{"type":"object"}`)},
		&schemaTool{name: "bad", desc: "broken", schema: json.RawMessage(`not json`)},
	}
	result := convertTools(tools)
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	if len(result[0].FunctionDeclarations) != 1 {
		t.Fatalf("len(FunctionDeclarations) = %d, want 1 (malformed schema skipped)", len(result[0].FunctionDeclarations))
	}
	if result[0].FunctionDeclarations[0].Name != "good" {
		t.Fatalf("Name = %q, want good", result[0].FunctionDeclarations[0].Name)
	}
}

func TestWrapProviderErrorClassifiesQuota(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantQuota bool
	}{
		{"resource exhausted", errors.New("resource exhausted: quota"), true},
		{"429 status", errors.New("received 429 from server"), true},
		{"connection refused", errors.New("connection refused"), false},
		{"not found", errors.New("model not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapProviderError("gemini", tt.err)
			var quotaErr *agent.QuotaError
			isQuota := errors.As(wrapped, &quotaErr)
			if isQuota != tt.wantQuota {
				t.Fatalf("errors.As(*QuotaError) = %v, want %v (err=%v)", isQuota, tt.wantQuota, wrapped)
			}
		})
	}
}

func TestIsRetryableErrorClassifiesTransientFailures(t *testing.T) {
	if !isRetryableError(errors.New("503 service unavailable")) {
		t.Fatalf("expected 503 to be retryable")
	}
	if isRetryableError(errors.New("invalid api key")) {
		t.Fatalf("expected invalid api key to not be retryable")
	}
	if isRetryableError(nil) {
		t.Fatalf("expected nil error to not be retryable")
	}
}

func TestNewProviderWithoutAPIKeyIsNotReady(t *testing.T) {
	p := New(Config{Name: "gemini"})
	if p.ready {
		t.Fatalf("expected provider to be unready when API key is empty")
	}
	if p.Name() != "gemini" {
		t.Fatalf("Name() = %q, want gemini", p.Name())
	}
	if !p.SupportsTools() {
		t.Fatalf("expected SupportsTools() to be true")
	}
	if _, err := p.Complete(context.Background(), &agent.CompletionRequest{}); err == nil {
		t.Fatalf("expected Complete to fail fast when unready")
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
