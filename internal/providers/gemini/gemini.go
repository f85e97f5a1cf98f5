// Package gemini implements agent.LLMProvider against Google's Gemini API.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/pkg/models"
)

// Provider talks to Gemini's GenerateContentStream API. Gemini has no
// native tool-call ID, so tool calls are assigned a synthesized ID on the
// way out and the name is recovered from it (or from a matching prior
// ToolCall) on the way back in.
type Provider struct {
	client *genai.Client
	ready  bool
	name   string
	models []agent.Model

	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// Config configures one Gemini endpoint.
type Config struct {
	Name         string // routing name, usually "gemini"
	APIKey       string
	Models       []agent.Model
	MaxRetries   int           // default 3
	RetryDelay   time.Duration // base delay for exponential backoff, default 1s
	DefaultModel string        // used when CompletionRequest.Model is empty
}

// New builds a Gemini provider. With an empty APIKey, or if client
// construction fails, the provider is left unready and Complete fails
// fast instead of the process failing to start.
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
		p.defaultModel = "gemini-2.0-flash"
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return p
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return p
	}
	p.client = client
	p.ready = true
	return p
}

func (p *Provider) Name() string          { return p.name }
func (p *Provider) Models() []agent.Model { return p.models }
func (p *Provider) SupportsTools() bool   { return true }

// Complete issues a streaming GenerateContent request, retrying transient
// failures with exponential backoff, and adapts Gemini's response
// iterator to the runtime's CompletionChunk shape.
func (p *Provider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if !p.ready {
		return nil, fmt.Errorf("%s: api key not configured", p.name)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents := convertMessages(req.Messages)
	genConfig := buildConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			err = p.streamOnce(ctx, model, contents, genConfig, chunks)
			if err == nil {
				return
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
		chunks <- &agent.CompletionChunk{Error: fmt.Errorf("%s: max retries exceeded: %w", p.name, err), Done: true}
	}()
	return chunks, nil
}

// streamOnce consumes a single GenerateContentStream attempt. On success
// it sends the terminal Done chunk itself and returns nil. A non-nil
// return means the attempt failed before completion; the caller decides
// whether to retry and sends the terminal error chunk when it gives up.
func (p *Provider) streamOnce(ctx context.Context, model string, contents []*genai.Content, genConfig *genai.GenerateContentConfig, chunks chan<- *agent.CompletionChunk) error {
	streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, genConfig)

	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					chunks <- &agent.CompletionChunk{Text: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					chunks <- &agent.CompletionChunk{ToolCall: &models.ToolCall{
						ID:        generateToolCallID(part.FunctionCall.Name),
						Name:      part.FunctionCall.Name,
						Arguments: string(argsJSON),
					}}
				}
			}
		}
	}

	chunks <- &agent.CompletionChunk{Done: true}
	return nil
}

func convertMessages(messages []agent.CompletionMessage) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == string(models.RoleSystem) {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case string(models.RoleAssistant):
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" && msg.Role != string(models.RoleTool) {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, att := range msg.Attachments {
			if att.Type != "image" {
				continue
			}
			part, err := convertAttachment(att)
			if err != nil {
				continue
			}
			content.Parts = append(content.Parts, part)
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		if msg.Role == string(models.RoleTool) && msg.Content != "" {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     getToolNameFromID(msg.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result
}

// convertAttachment turns a base64 data URL into an inline Blob, or a
// regular URL into a FileData reference.
func convertAttachment(att models.Attachment) (*genai.Part, error) {
	if strings.HasPrefix(att.URL, "data:") {
		parts := strings.SplitN(att.URL, ",", 2)
		if len(parts) != 2 {
			return nil, errors.New("invalid data URL format")
		}
		mimeType := "image/jpeg"
		header := strings.TrimPrefix(parts[0], "data:")
		if idx := strings.Index(header, ";"); idx >= 0 {
			if header[:idx] != "" {
				mimeType = header[:idx]
			}
		} else if header != "" {
			mimeType = header
		}
		data, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("decode base64 data: %w", err)
		}
		return &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}}, nil
	}
	if len(att.Data) > 0 {
		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		return &genai.Part{InlineData: &genai.Blob{Data: att.Data, MIMEType: mimeType}}, nil
	}

	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(att.URL)
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: att.URL, MIMEType: mimeType}}, nil
}

func convertTools(tools []agent.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  convertSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema walks a decoded JSON schema and builds the equivalent
// Gemini Schema tree.
func convertSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = convertSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = convertSchema(items)
	}
	return schema
}

func buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = convertTools(req.Tools)
	}
	return config
}

// generateToolCallID synthesizes an ID for a Gemini function call, which
// carries no ID of its own.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// getToolNameFromID recovers the function name a tool result answers by
// scanning prior messages for a matching ToolCall, falling back to
// parsing the synthesized ID format.
func getToolNameFromID(toolCallID string, messages []agent.CompletionMessage) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func guessMimeType(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	default:
		return "image/jpeg"
	}
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
	for _, marker := range []string{
		"429", "rate limit", "too many requests", "resource exhausted", "quota",
		"500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// wrapProviderError classifies a rate-limit/quota error as
// agent.QuotaError so LlmRouter can downgrade or fall back.
func wrapProviderError(name string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "too many requests", "resource exhausted", "quota"} {
		if strings.Contains(msg, marker) {
			return &agent.QuotaError{Err: fmt.Errorf("%s: %w", name, err)}
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
