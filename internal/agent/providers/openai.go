// Package providers implements concrete LLMProvider backends.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/pkg/models"
)

// OpenAIProvider talks to OpenAI's chat completion API, or any
// OpenAI-compatible endpoint (Groq, DeepSeek, Moonshot) via a custom
// BaseURL. The provider name distinguishes them for routing/metrics even
// though the wire format is shared.
type OpenAIProvider struct {
	client     *openai.Client
	name       string
	models     []agent.Model
	maxRetries int
	retryDelay time.Duration
}

// OpenAIConfig configures one OpenAI-compatible endpoint.
type OpenAIConfig struct {
	Name    string // routing name, e.g. "openai", "groq", "deepseek", "moonshot"
	APIKey  string
	BaseURL string // empty uses OpenAI's default
	Models  []agent.Model
}

// NewOpenAIProvider builds an OpenAI-compatible provider. Returns a
// provider with a nil client when apiKey is empty; Complete then fails
// fast instead of the whole process failing to start.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	p := &OpenAIProvider{
		name:       cfg.Name,
		models:     cfg.Models,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return p
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	p.client = openai.NewClientWithConfig(clientCfg)
	return p
}

func (p *OpenAIProvider) Name() string        { return p.name }
func (p *OpenAIProvider) Models() []agent.Model { return p.models }
func (p *OpenAIProvider) SupportsTools() bool { return true }

// Complete issues a streaming chat completion and adapts it to the
// runtime's CompletionChunk shape.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, fmt.Errorf("%s: api key not configured", p.name)
	}

	messages := convertMessages(req.Messages, req.System)
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, wrapProviderError(p.name, lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%s: max retries exceeded: %w", p.name, wrapProviderError(p.name, lastErr))
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	flush := func() {
		for _, tc := range toolCalls {
			if tc.ID != "" && tc.Name != "" {
				chunks <- &agent.CompletionChunk{ToolCall: tc}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				flush()
				chunks <- &agent.CompletionChunk{Done: true}
				return
			}
			chunks <- &agent.CompletionChunk{Error: wrapProviderError(p.name, err), Done: true}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Arguments += tc.Function.Arguments
			}
		}

		if resp.Choices[0].FinishReason == "tool_calls" {
			flush()
			toolCalls = make(map[int]*models.ToolCall)
		}
	}
}

func convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case string(models.RoleTool):
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case string(models.RoleAssistant):
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:       tc.ID,
						Type:     openai.ToolTypeFunction,
						Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
					}
				}
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return result
}

func convertTools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		}
	}
	return result
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// wrapProviderError classifies a quota/rate-limit error as agent.QuotaError
// so LlmRouter can downgrade or fall back; every other error passes through
// unchanged.
func wrapProviderError(name string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "quota") {
		return &agent.QuotaError{Err: fmt.Errorf("%s: %w", name, err)}
	}
	return fmt.Errorf("%s: %w", name, err)
}
