// Package anthropic implements agent.LLMProvider against Anthropic's
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/pkg/models"
)

// Provider talks to the Anthropic Messages API, including extended
// thinking. A thinking-enabled request carries its budget through to the
// wire request (a budget under 1024 tokens is replaced by 10000); a
// thinking block's signature is carried
// forward onto the tool_use blocks that follow it in the same turn and
// echoed back on the next request, which is what keeps a downgrade
// chain from crossing the boundary LlmRouter enforces between
// reasoning and non-reasoning models.
type Provider struct {
	client anthropic.Client
	ready  bool
	name   string
	models []agent.Model

	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// Config configures one Anthropic endpoint.
type Config struct {
	Name         string // routing name, usually "anthropic"
	APIKey       string
	BaseURL      string // empty uses Anthropic's default
	Models       []agent.Model
	MaxRetries   int           // default 3
	RetryDelay   time.Duration // base delay for exponential backoff, default 1s
	DefaultModel string        // used when CompletionRequest.Model is empty
}

// New builds an Anthropic provider. With an empty APIKey the client is
// left unset and Complete fails fast instead of the process failing to
// start.
func New(cfg Config) *Provider {
	p := &Provider{
		name:         cfg.Name,
		models:       cfg.Models,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.retryDelay <= 0 {
		p.retryDelay = time.Second
	}
	if p.defaultModel == "" {
		p.defaultModel = "claude-sonnet-4-20250514"
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return p
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	p.client = anthropic.NewClient(opts...)
	p.ready = true
	return p
}

func (p *Provider) Name() string          { return p.name }
func (p *Provider) Models() []agent.Model { return p.models }
func (p *Provider) SupportsTools() bool   { return true }

// Complete issues a streaming Messages request, retrying transient
// failures with exponential backoff, and adapts the SDK's event stream
// to the runtime's CompletionChunk shape.
func (p *Provider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if !p.ready {
		return nil, fmt.Errorf("%s: api key not configured", p.name)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			wrapped := wrapProviderError(p.name, err)
			if !isRetryableError(wrapped) || attempt == p.maxRetries {
				err = wrapped
				break
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
				return
			case <-time.After(backoff):
			}
		}
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("%s: max retries exceeded: %w", p.name, err), Done: true}
			return
		}

		p.processStream(stream, chunks)
	}()
	return chunks, nil
}

func (p *Provider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents caps how many consecutive events can carry no
// chunk before the stream is treated as malformed, rather than looping
// forever on a provider bug.
const maxEmptyStreamEvents = 300

func (p *Provider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	inThinking := false
	// lastSignature carries a thinking block's signature forward onto
	// the tool_use blocks that follow it; callers must echo this back
	// on the next request or the model rejects the turn.
	lastSignature := ""
	emptyEvents := 0
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				chunks <- &agent.CompletionChunk{ThinkingStart: true}
			case "tool_use":
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name, ThoughtSignature: lastSignature}
				currentToolInput.Reset()
			default:
				processed = false
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
				} else {
					processed = false
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Thinking: delta.Thinking}
				} else {
					processed = false
				}
			case "signature_delta":
				lastSignature = delta.Signature
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
				} else {
					processed = false
				}
			default:
				processed = false
			}

		case "content_block_stop":
			switch {
			case inThinking:
				inThinking = false
				chunks <- &agent.CompletionChunk{ThinkingEnd: true}
			case currentToolCall != nil:
				currentToolCall.Arguments = currentToolInput.String()
				chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
			default:
				processed = false
			}

		case "message_delta":
			usage := event.AsMessageDelta().Usage
			if usage.OutputTokens > 0 {
				outputTokens = int(usage.OutputTokens)
			}

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		default:
			processed = false
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("%s: stream appears malformed: %d consecutive empty events", p.name, emptyEvents), Done: true}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: wrapProviderError(p.name, err), Done: true}
		return
	}
	chunks <- &agent.CompletionChunk{Done: true}
}

func convertMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case string(models.RoleTool):
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case string(models.RoleAssistant):
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if tc.ThoughtSignature != "" {
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfThinking: &anthropic.ThinkingBlockParam{Signature: tc.ThoughtSignature},
					})
				}
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result
}

func convertTools(tools []agent.Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = anthropic.ToolInputSchemaParam{}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(tool.Description())
		}
		result = append(result, toolParam)
	}
	return result
}

// isRetryableError classifies rate-limit, server, and timeout errors as
// retryable; everything else (bad API key, malformed request) is not.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var quotaErr *agent.QuotaError
	if errors.As(err, &quotaErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"500", "502", "503", "504", "timeout", "deadline exceeded", "connection reset", "connection refused"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// wrapProviderError classifies a rate-limit/overload error as
// agent.QuotaError so LlmRouter can downgrade or fall back.
func wrapProviderError(name string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate_limit", "429", "overloaded", "quota", "too many requests"} {
		if strings.Contains(msg, marker) {
			return &agent.QuotaError{Err: fmt.Errorf("%s: %w", name, err)}
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
