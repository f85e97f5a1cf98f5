package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an Execution. Terminal states are
// Completed, Failed and Cancelled; an Execution never leaves a terminal
// state once it enters one.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is one the orchestrator never
// transitions out of.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Execution is one user request's lifecycle record, from input to terminal
// status. It is created once by the orchestrator and mutated only by it;
// retention jobs are the only component permitted to delete it.
type Execution struct {
	ID          string          `json:"id"`
	ChannelType string          `json:"channel_type"`
	ChannelID   string          `json:"channel_id"`
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	InputText   string          `json:"input_text"`
	OutputText  string          `json:"output_text,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OrchestratorInput is the normalized request handed to the Orchestrator by
// a channel adapter (or the CLI / gateway dispatcher).
type OrchestratorInput struct {
	ChannelType         string
	ChannelID           string
	UserID              string
	ThreadID            string
	Text                string
	SystemPromptOverride string
}

// SessionKey builds the canonical session key for this input:
// "{channel_type}:{channel_id}:{user_id}".
func (in OrchestratorInput) SessionKey() string {
	return in.ChannelType + ":" + in.ChannelID + ":" + in.UserID
}

// ToolCallRecord summarizes one executed tool call for an ExecutionResult.
type ToolCallRecord struct {
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
}

// ExecutionResult is what Orchestrator.Process returns: always a terminal
// status, never a language-native panic.
type ExecutionResult struct {
	ExecutionID string           `json:"execution_id"`
	Status      ExecutionStatus  `json:"status"`
	Response    string           `json:"response"`
	ToolCalls   []ToolCallRecord `json:"tool_calls"`
	Iterations  int              `json:"iterations"`
	DurationMS  int64            `json:"duration_ms"`
	Model       string           `json:"model,omitempty"`
}
