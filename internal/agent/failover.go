package agent

import (
	"context"
	"errors"
	"strings"
)

// ModelTier names one of the four completion tiers a caller routes to.
type ModelTier string

const (
	TierSimple   ModelTier = "simple"
	TierGeneral  ModelTier = "general"
	TierComplex  ModelTier = "complex"
	TierFallback ModelTier = "fallback"
)

// ModelTarget names a concrete provider+model pairing bound to a tier.
type ModelTarget struct {
	Provider LLMProvider
	Model    string
	// Thinking marks a reasoning model that emits thought_signature fields
	// a non-reasoning sibling would reject; downgrade chains never cross
	// this boundary.
	Thinking bool
}

// ModelRouting configures the provider+model bound to each tier, plus the
// sibling-downgrade chain consulted on quota errors.
type ModelRouting struct {
	Simple  ModelTarget
	General ModelTarget
	Complex ModelTarget
	// Fallback is used when downgrade is unavailable or exhausted. A nil
	// Fallback means no fallback tier is configured.
	Fallback *ModelTarget

	// AutoDowngrade enables per-provider cheaper-model substitution on a
	// quota/429 error.
	AutoDowngrade bool

	// DowngradeChain maps a model name to its cheaper sibling, e.g.
	// "gemini-2.5-pro" -> "gemini-2.5-flash" -> "gemini-2.5-flash-lite".
	// Populate this only with same-capability siblings; a chain must
	// never cross the thinking/non-thinking boundary.
	DowngradeChain map[string]string
}

func (r ModelRouting) target(tier ModelTier) ModelTarget {
	switch tier {
	case TierSimple:
		return r.Simple
	case TierComplex:
		return r.Complex
	case TierFallback:
		if r.Fallback != nil {
			return *r.Fallback
		}
		return r.General
	default:
		return r.General
	}
}

// LlmResponse is the result of one routed completion, collected from the
// provider's streamed chunks.
type LlmResponse struct {
	Content   string
	ToolCalls []*CompletionToolCall
	Model     string
}

// CompletionToolCall is a minimal alias kept local to this file so callers
// that only need id/name/arguments don't have to import models here too.
type CompletionToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// QuotaError marks a provider error as a quota/429 condition the LlmRouter
// should attempt to downgrade or fall back from. Provider adapters wrap
// their HTTP 429 responses in this type.
type QuotaError struct {
	Err error
}

func (e *QuotaError) Error() string { return e.Err.Error() }
func (e *QuotaError) Unwrap() error { return e.Err }

// LlmRouter selects a provider+model per tier and retries once on quota
// errors, first via same-capability downgrade, then via the fallback tier.
type LlmRouter struct {
	routing ModelRouting
}

// NewLlmRouter builds a router bound to routing.
func NewLlmRouter(routing ModelRouting) *LlmRouter {
	if routing.DowngradeChain == nil {
		routing.DowngradeChain = map[string]string{}
	}
	return &LlmRouter{routing: routing}
}

// Complete routes a completion request to tier's provider+model, retrying
// once on a quota error per the downgrade-then-fallback policy.
func (r *LlmRouter) Complete(ctx context.Context, tier ModelTier, req *CompletionRequest) (*LlmResponse, error) {
	target := r.routing.target(tier)
	resp, err := r.complete(ctx, target, req)
	if err == nil {
		return resp, nil
	}

	var quotaErr *QuotaError
	if !errors.As(err, &quotaErr) {
		return nil, sanitizeRouterError(err)
	}

	if r.routing.AutoDowngrade {
		if sibling, ok := r.routing.DowngradeChain[target.Model]; ok {
			downgraded := target
			downgraded.Model = sibling
			if resp, retryErr := r.complete(ctx, downgraded, req); retryErr == nil {
				return resp, nil
			} else {
				err = retryErr
			}
		}
	}

	if r.routing.Fallback != nil && r.routing.Fallback.Provider != target.Provider {
		if resp, retryErr := r.complete(ctx, *r.routing.Fallback, req); retryErr == nil {
			return resp, nil
		} else {
			err = retryErr
		}
	}

	return nil, sanitizeRouterError(err)
}

func (r *LlmRouter) complete(ctx context.Context, target ModelTarget, req *CompletionRequest) (*LlmResponse, error) {
	if target.Provider == nil {
		return nil, errors.New("llm router: no provider configured for tier")
	}
	cloned := *req
	cloned.Model = target.Model
	chunks, err := target.Provider.Complete(ctx, &cloned)
	if err != nil {
		return nil, err
	}
	return collectResponse(chunks, target.Model)
}

func collectResponse(chunks <-chan *CompletionChunk, model string) (*LlmResponse, error) {
	resp := &LlmResponse{Model: model}
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		resp.Content += chunk.Text
		if chunk.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, &CompletionToolCall{
				ID:        chunk.ToolCall.ID,
				Name:      chunk.ToolCall.Name,
				Arguments: chunk.ToolCall.Arguments,
			})
		}
	}
	return resp, nil
}

// sensitiveKeyPrefixes are provider API key prefixes stripped out of error
// bodies before they reach the user-visible response.
var sensitiveKeyPrefixes = []string{"sk-", "gsk_", "ghp_", "ghu_", "xoxb-", "xoxp-", "AIza"}

const maxSanitizedErrorLen = 300

// sanitizeRouterError scrubs API keys, bearer tokens, and known key
// prefixes from a provider error before it propagates to the Orchestrator.
func sanitizeRouterError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(SanitizeErrorText(err.Error()))
}

// SanitizeErrorText applies the router's scrubbing rules to a raw string,
// exported so callers formatting a user-visible message (not just wrapping
// an error) can reuse it. Masks bearer tokens and known provider key
// prefixes, then caps the result at 300 characters.
func SanitizeErrorText(text string) string {
	masked := maskBearerTokens(text)
	masked = maskKeyPrefixes(masked)
	if len(masked) > maxSanitizedErrorLen {
		masked = masked[:maxSanitizedErrorLen]
	}
	return masked
}

func maskBearerTokens(text string) string {
	const marker = "bearer "
	lower := strings.ToLower(text)
	searchFrom := 0
	for {
		rel := strings.Index(lower[searchFrom:], marker)
		if rel < 0 {
			break
		}
		start := searchFrom + rel
		tokenStart := start + len(marker)
		tokenEnd := tokenStart
		for tokenEnd < len(text) && !isTokenBoundary(text[tokenEnd]) {
			tokenEnd++
		}
		text = text[:tokenStart] + "<redacted>" + text[tokenEnd:]
		lower = strings.ToLower(text)
		searchFrom = tokenStart + len("<redacted>")
	}
	return text
}

func isTokenBoundary(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '"' || b == '\''
}

func maskKeyPrefixes(text string) string {
	for _, prefix := range sensitiveKeyPrefixes {
		text = maskSubstringsWithPrefix(text, prefix)
	}
	return text
}

func maskSubstringsWithPrefix(text, prefix string) string {
	var out strings.Builder
	i := 0
	for {
		idx := strings.Index(text[i:], prefix)
		if idx < 0 {
			out.WriteString(text[i:])
			break
		}
		start := i + idx
		out.WriteString(text[i:start])
		end := start + len(prefix)
		for end < len(text) && !isTokenBoundary(text[end]) {
			end++
		}
		out.WriteString("<redacted>")
		i = end
	}
	return out.String()
}
