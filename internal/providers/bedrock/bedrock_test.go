package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/pkg/models"
)

func TestConvertMessagesSkipsSystemRole(t *testing.T) {
	result, err := convertMessages(context.Background(), []agent.CompletionMessage{
		{Role: string(models.RoleSystem), Content: "be terse"},
		{Role: string(models.RoleUser), Content: "hi"},
	})
	if err != nil {
		t.Fatalf("convertMessages error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	if result[0].Role != types.ConversationRoleUser {
		t.Fatalf("Role = %v, want %v", result[0].Role, types.ConversationRoleUser)
	}
}

func TestConvertMessagesAssistantRole(t *testing.T) {
	result, err := convertMessages(context.Background(), []agent.CompletionMessage{
		{Role: string(models.RoleAssistant), Content: "hi there"},
	})
	if err != nil {
		t.Fatalf("convertMessages error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	if result[0].Role != types.ConversationRoleAssistant {
		t.Fatalf("Role = %v, want %v", result[0].Role, types.ConversationRoleAssistant)
	}
}

func TestConvertMessagesToolResultUsesToolUseID(t *testing.T) {
	result, err := convertMessages(context.Background(), []agent.CompletionMessage{
		{Role: string(models.RoleTool), Content: "42", ToolCallID: "call_1"},
	})
	if err != nil {
		t.Fatalf("convertMessages error: %v", err)
	}
	if len(result) != 1 || len(result[0].Content) != 1 {
		t.Fatalf("expected one message with one content block, got %+v", result)
	}
	block, ok := result[0].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("expected a ToolResult content block, got %T", result[0].Content[0])
	}
	if block.Value.ToolUseId == nil || *block.Value.ToolUseId != "call_1" {
		t.Fatalf("ToolUseId = %v, want call_1", block.Value.ToolUseId)
	}
}

func TestConvertMessagesAssistantToolCallBecomesToolUseBlock(t *testing.T) {
	result, err := convertMessages(context.Background(), []agent.CompletionMessage{
		{
			Role: string(models.RoleAssistant),
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "search", Arguments: `{"q":"go"}`},
			},
		},
	})
	if err != nil {
		t.Fatalf("convertMessages error: %v", err)
	}
	if len(result) != 1 || len(result[0].Content) != 1 {
		t.Fatalf("expected one message with one content block, got %+v", result)
	}
	block, ok := result[0].Content[0].(*types.ContentBlockMemberToolUse)
	if !ok {
		t.Fatalf("expected a ToolUse content block, got %T", result[0].Content[0])
	}
	if block.Value.Name == nil || *block.Value.Name != "search" {
		t.Fatalf("Name = %v, want search", block.Value.Name)
	}
}

func TestNormalizeMimeType(t *testing.T) {
	if got := normalizeMimeType("image/png;base64"); got != "image/png" {
		t.Fatalf("normalizeMimeType = %q, want image/png", got)
	}
	if got := normalizeMimeType(""); got != "" {
		t.Fatalf("normalizeMimeType(\"\") = %q, want empty", got)
	}
}

func TestImageFormatFromMimeType(t *testing.T) {
	format, ok := imageFormat("image/png", "", "")
	if !ok || format != types.ImageFormatPng {
		t.Fatalf("imageFormat = (%v, %v), want (png, true)", format, ok)
	}
}

func TestImageFormatFromExtensionFallback(t *testing.T) {
	format, ok := imageFormat("", "http://example.com/photo.jpeg", "")
	if !ok || format != types.ImageFormatJpeg {
		t.Fatalf("imageFormat = (%v, %v), want (jpeg, true)", format, ok)
	}
}

func TestImageFormatUnsupported(t *testing.T) {
	if _, ok := imageFormat("application/pdf", "doc.pdf", ""); ok {
		t.Fatalf("expected pdf mime type to be unsupported for image blocks")
	}
}

func TestDecodeDataURL(t *testing.T) {
	data, mimeType, err := decodeDataURL("data:image/png;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("decodeDataURL error: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("data = %q, want hello", data)
	}
	if mimeType != "image/png" {
		t.Fatalf("mimeType = %q, want image/png", mimeType)
	}
}

func TestDecodeDataURLInvalid(t *testing.T) {
	if _, _, err := decodeDataURL("not-a-data-url"); err == nil {
		t.Fatalf("expected error for malformed data url")
	}
}

func TestFetchImageAttachmentUsesInlineData(t *testing.T) {
	data, mimeType, err := fetchImageAttachment(context.Background(), models.Attachment{
		Data: []byte("raw-bytes"), MimeType: "image/png",
	})
	if err != nil {
		t.Fatalf("fetchImageAttachment error: %v", err)
	}
	if string(data) != "raw-bytes" {
		t.Fatalf("data = %q, want raw-bytes", data)
	}
	if mimeType != "image/png" {
		t.Fatalf("mimeType = %q, want image/png", mimeType)
	}
}

func TestConvertToolsBuildsToolSpecification(t *testing.T) {
	tool := &schemaTool{name: "echo", desc: "echoes input", schema: json.RawMessage(`{"type":"object"}`)}
	cfg := convertTools([]agent.Tool{tool})
	if len(cfg.Tools) != 1 {
		t.Fatalf("len(Tools) = %d, want 1", len(cfg.Tools))
	}
	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("expected a ToolSpec, got %T", cfg.Tools[0])
	}
	if spec.Value.Name == nil || *spec.Value.Name != "echo" {
		t.Fatalf("Name = %v, want echo", spec.Value.Name)
	}
}

func TestConvertToolsFallsBackOnMalformedSchema(t *testing.T) {
	tool := &schemaTool{name: "broken", desc: "bad schema", schema: json.RawMessage(`not json`)}
	cfg := convertTools([]agent.Tool{tool})
	if len(cfg.Tools) != 1 {
		t.Fatalf("len(Tools) = %d, want 1", len(cfg.Tools))
	}
}

func TestWrapProviderErrorClassifiesThrottling(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantQuota bool
	}{
		{"throttling exception", errors.New("api error ThrottlingException: slow down"), true},
		{"429 status", errors.New("received 429 from server"), true},
		{"unrelated error", errors.New("model not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapProviderError("bedrock", tt.err)
			var quotaErr *agent.QuotaError
			isQuota := errors.As(wrapped, &quotaErr)
			if isQuota != tt.wantQuota {
				t.Fatalf("errors.As(*QuotaError) = %v, want %v (err=%v)", isQuota, tt.wantQuota, wrapped)
			}
		})
	}
}

func TestIsRetryableErrorClassifiesServiceUnavailable(t *testing.T) {
	if !isRetryableError(errors.New("api error ServiceUnavailableException")) {
		t.Fatalf("expected ServiceUnavailableException to be retryable")
	}
	if isRetryableError(errors.New("ValidationException: bad request")) {
		t.Fatalf("expected ValidationException to not be retryable")
	}
}

func TestNewProviderWithoutCredentialsIsStillUsable(t *testing.T) {
	// LoadDefaultConfig succeeds even with no credentials present; the
	// provider becomes ready and only fails when a request actually
	// needs to authenticate.
	p := New(Config{Name: "bedrock"})
	if p.Name() != "bedrock" {
		t.Fatalf("Name() = %q, want bedrock", p.Name())
	}
	if !p.SupportsTools() {
		t.Fatalf("expected SupportsTools() to be true")
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
