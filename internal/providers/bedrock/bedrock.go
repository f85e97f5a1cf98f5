// Package bedrock implements agent.LLMProvider against AWS Bedrock's
// Converse/ConverseStream API, giving the runtime access to whichever
// foundation models (Anthropic, Titan, Llama, Mistral, Cohere) an AWS
// account has enabled.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/pkg/models"
)

const (
	imageMaxBytes = 20 * 1024 * 1024
	imageTimeout  = 30 * time.Second
)

// Provider talks to Bedrock's ConverseStream API. Authentication goes
// through the AWS SDK's default credential chain unless explicit keys
// are configured.
type Provider struct {
	client       *bedrockruntime.Client
	ready        bool
	name         string
	models       []agent.Model
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// Config configures one Bedrock endpoint.
type Config struct {
	Name            string // routing name, usually "bedrock"
	Region          string // default us-east-1
	AccessKeyID     string // optional, uses the default credential chain if empty
	SecretAccessKey string
	SessionToken    string
	Models          []agent.Model
	MaxRetries      int           // default 3
	RetryDelay      time.Duration // base delay for exponential backoff, default 1s
	DefaultModel    string        // default anthropic.claude-3-sonnet-20240229-v1:0
}

// New builds a Bedrock provider. If AWS config loading fails, the
// provider is left unready and Complete fails fast instead of the process
// failing to start. Missing credentials do not make loading fail; they
// surface as an error from the first request.
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
		p.defaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	}
	if err != nil {
		return p
	}

	p.client = bedrockruntime.NewFromConfig(awsCfg)
	p.ready = true
	return p
}

func (p *Provider) Name() string          { return p.name }
func (p *Provider) Models() []agent.Model { return p.models }
func (p *Provider) SupportsTools() bool   { return true }

// Complete issues a streaming Converse request, retrying transient
// failures with exponential backoff, and adapts Bedrock's event stream
// to the runtime's CompletionChunk shape.
func (p *Provider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if !p.ready {
		return nil, fmt.Errorf("%s: aws credentials not configured", p.name)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertMessages(ctx, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("%s: convert messages: %w", p.name, err)
	}

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		converseReq.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	if len(req.Tools) > 0 {
		converseReq.ToolConfig = convertTools(req.Tools)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *bedrockruntime.ConverseStreamOutput
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.client.ConverseStream(ctx, converseReq)
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

		processStream(ctx, p.name, stream, chunks)
	}()
	return chunks, nil
}

func processStream(ctx context.Context, name string, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- *agent.CompletionChunk) {
	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentToolCall *models.ToolCall
	var toolInput strings.Builder

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		case event, ok := <-eventChan:
			if !ok {
				if currentToolCall != nil && currentToolCall.ID != "" {
					currentToolCall.Arguments = toolInput.String()
					chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				}
				if err := eventStream.Err(); err != nil {
					chunks <- &agent.CompletionChunk{Error: wrapProviderError(name, err), Done: true}
				} else {
					chunks <- &agent.CompletionChunk{Done: true}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolCall = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- &agent.CompletionChunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentToolCall != nil && currentToolCall.ID != "" {
					currentToolCall.Arguments = toolInput.String()
					chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
					currentToolCall = nil
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				chunks <- &agent.CompletionChunk{Done: true}
				return
			}
		}
	}
}

func convertMessages(ctx context.Context, messages []agent.CompletionMessage) ([]types.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == string(models.RoleSystem) {
			continue
		}

		var content []types.ContentBlock

		if msg.Content != "" && msg.Role != string(models.RoleTool) {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}

		for _, att := range msg.Attachments {
			if att.Type != "image" {
				continue
			}
			imageBlock, err := convertImageAttachment(ctx, att)
			if err != nil {
				continue
			}
			content = append(content, imageBlock)
		}

		if msg.Role == string(models.RoleTool) {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Content}},
				},
			})
		}

		for _, tc := range msg.ToolCalls {
			var input any
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}

		role := types.ConversationRoleUser
		if msg.Role == string(models.RoleAssistant) {
			role = types.ConversationRoleAssistant
		}

		if len(content) > 0 {
			result = append(result, types.Message{Role: role, Content: content})
		}
	}

	return result, nil
}

func convertImageAttachment(ctx context.Context, att models.Attachment) (*types.ContentBlockMemberImage, error) {
	data, mimeType, err := fetchImageAttachment(ctx, att)
	if err != nil {
		return nil, err
	}
	format, ok := imageFormat(mimeType, att.URL, att.Filename)
	if !ok {
		return nil, errors.New("unsupported image format")
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{Format: format, Source: &types.ImageSourceMemberBytes{Value: data}},
	}, nil
}

// fetchImageAttachment resolves an attachment's bytes from, in order, its
// inline Data, a base64 data URL, a local file path, or a remote URL.
func fetchImageAttachment(ctx context.Context, att models.Attachment) ([]byte, string, error) {
	if len(att.Data) > 0 {
		if int64(len(att.Data)) > imageMaxBytes {
			return nil, "", fmt.Errorf("attachment too large (%d bytes)", len(att.Data))
		}
		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = guessImageMimeType(att.URL, att.Filename)
		}
		return att.Data, normalizeMimeType(mimeType), nil
	}

	url := strings.TrimSpace(att.URL)
	if url == "" {
		return nil, "", errors.New("attachment has no data, url, or file path")
	}
	if strings.HasPrefix(url, "data:") {
		data, mimeType, err := decodeDataURL(url)
		if err != nil {
			return nil, "", err
		}
		if int64(len(data)) > imageMaxBytes {
			return nil, "", fmt.Errorf("attachment too large (%d bytes)", len(data))
		}
		if att.MimeType != "" {
			mimeType = att.MimeType
		}
		return data, normalizeMimeType(mimeType), nil
	}

	if pathValue := strings.TrimPrefix(url, "file://"); pathValue != url || strings.HasPrefix(url, "/") {
		if info, err := os.Stat(pathValue); err == nil && !info.IsDir() {
			if info.Size() > imageMaxBytes {
				return nil, "", fmt.Errorf("attachment too large (%d bytes)", info.Size())
			}
			payload, err := os.ReadFile(pathValue)
			if err != nil {
				return nil, "", fmt.Errorf("read attachment: %w", err)
			}
			mimeType := att.MimeType
			if mimeType == "" {
				mimeType = guessImageMimeType(pathValue, att.Filename)
			}
			return payload, normalizeMimeType(mimeType), nil
		}
	}

	requestCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, imageTimeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, "", fmt.Errorf("fetch attachment returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > imageMaxBytes {
		return nil, "", fmt.Errorf("attachment too large (%d bytes)", resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, imageMaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > imageMaxBytes {
		return nil, "", fmt.Errorf("attachment too large (%d bytes)", len(data))
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	if mimeType == "" {
		mimeType = guessImageMimeType(url, att.Filename)
	}
	return data, normalizeMimeType(mimeType), nil
}

func decodeDataURL(raw string) ([]byte, string, error) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return nil, "", errors.New("invalid data url")
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	mimeType := "image/jpeg"
	if meta != "" {
		metaParts := strings.Split(meta, ";")
		if metaParts[0] != "" {
			mimeType = metaParts[0]
		}
	}
	data, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	return data, mimeType, nil
}

func normalizeMimeType(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	return strings.TrimSpace(strings.Split(mimeType, ";")[0])
}

func imageFormat(mimeType, url, filename string) (types.ImageFormat, bool) {
	switch strings.ToLower(normalizeMimeType(mimeType)) {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	if ext := strings.ToLower(path.Ext(url)); ext != "" {
		return formatFromExt(ext)
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		return formatFromExt(ext)
	}
	return "", false
}

func formatFromExt(ext string) (types.ImageFormat, bool) {
	switch ext {
	case ".png":
		return types.ImageFormatPng, true
	case ".jpg", ".jpeg":
		return types.ImageFormatJpeg, true
	case ".gif":
		return types.ImageFormatGif, true
	case ".webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}

func guessImageMimeType(url, filename string) string {
	if ext := strings.ToLower(path.Ext(url)); ext != "" {
		if m := mimeTypeFromExt(ext); m != "" {
			return m
		}
	}
	return mimeTypeFromExt(strings.ToLower(filepath.Ext(filename)))
}

func mimeTypeFromExt(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

func convertTools(tools []agent.Tool) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name()),
				Description: aws.String(tool.Description()),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}

// isRetryableError classifies AWS throttling errors and generic
// transient markers as retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var quotaErr *agent.QuotaError
	if errors.As(err, &quotaErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// wrapProviderError classifies a throttling error as agent.QuotaError so
// LlmRouter can downgrade or fall back.
func wrapProviderError(name string, err error) error {
	if err == nil {
		return nil
	}
	for _, marker := range []string{"ThrottlingException", "TooManyRequestsException", "429", "rate limit"} {
		if strings.Contains(err.Error(), marker) {
			return &agent.QuotaError{Err: fmt.Errorf("%s: %w", name, err)}
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
