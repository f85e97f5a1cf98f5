package agent

import (
	"log/slog"
	"time"

	"github.com/first-fluke/cratos/pkg/models"
)

// OrchestratorOptions configures one Orchestrator: iteration limits, tool
// execution behavior, and the risk threshold above which a tool call must
// clear the ApprovalManager before it runs.
type OrchestratorOptions struct {
	// MaxIterations caps plan/act iterations per execution. Reaching the cap
	// ends the loop with the planner's last text (or a fixed apology when
	// there is none) and a Completed status.
	MaxIterations int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// ToolMaxAttempts controls retry attempts for tool execution.
	ToolMaxAttempts int

	// ToolRetryBackoff waits between retry attempts.
	ToolRetryBackoff time.Duration

	// ToolConcurrency sets the ToolExecutor's concurrency limit. The
	// Orchestrator itself runs a planner response's tool calls one at a
	// time, so this limit applies only to ToolExecutor.ExecuteConcurrently.
	ToolConcurrency int

	// ApprovalThreshold is the minimum risk level that requires a granted
	// approval before a tool call is executed. Defaults to RiskHigh.
	ApprovalThreshold models.RiskLevel

	// ApprovalTimeout bounds how long ApprovalManager.Wait blocks for a
	// human decision before the call is treated as denied.
	ApprovalTimeout time.Duration

	// Logger receives runtime diagnostics.
	Logger *slog.Logger
}

// DefaultOrchestratorOptions returns the baseline configuration.
func DefaultOrchestratorOptions() OrchestratorOptions {
	return OrchestratorOptions{
		MaxIterations:     10,
		ToolTimeout:       30 * time.Second,
		ToolMaxAttempts:   1,
		ToolRetryBackoff:  0,
		ToolConcurrency:   4,
		ApprovalThreshold: models.RiskHigh,
		ApprovalTimeout:   5 * time.Minute,
		Logger:            slog.Default(),
	}
}

func mergeOrchestratorOptions(base, override OrchestratorOptions) OrchestratorOptions {
	merged := base
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.ToolTimeout > 0 {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.ToolMaxAttempts > 0 {
		merged.ToolMaxAttempts = override.ToolMaxAttempts
	}
	if override.ToolRetryBackoff > 0 {
		merged.ToolRetryBackoff = override.ToolRetryBackoff
	}
	if override.ToolConcurrency > 0 {
		merged.ToolConcurrency = override.ToolConcurrency
	}
	if override.ApprovalThreshold != 0 {
		merged.ApprovalThreshold = override.ApprovalThreshold
	}
	if override.ApprovalTimeout > 0 {
		merged.ApprovalTimeout = override.ApprovalTimeout
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	return merged
}
