package telemetry

import "context"

type correlationKey int

const (
	runIDKey correlationKey = iota
	sessionIDKey
	toolCallIDKey
)

// AddRunID attaches an execution id to ctx for later log correlation.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID returns the execution id stashed on ctx, or "" if none.
func GetRunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// AddSessionID attaches a session key to ctx for later log correlation.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// GetSessionID returns the session key stashed on ctx, or "" if none.
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// AddToolCallID attaches a tool call id to ctx for later log correlation.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, toolCallID)
}

// GetToolCallID returns the tool call id stashed on ctx, or "" if none.
func GetToolCallID(ctx context.Context) string {
	v, _ := ctx.Value(toolCallIDKey).(string)
	return v
}
