// Package agent implements the plan→act→observe loop at the center of the
// runtime: the Orchestrator drives one request to a terminal ExecutionResult
// by alternating Planner turns with ToolRunner execution, routed through an
// LlmRouter and gated by an ApprovalManager, while PersonaRouter resolves
// any persona mentions in the raw input text.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/first-fluke/cratos/internal/eventstore"
	"github.com/first-fluke/cratos/internal/metrics"
	"github.com/first-fluke/cratos/internal/persona"
	"github.com/first-fluke/cratos/internal/sessions"
	"github.com/first-fluke/cratos/internal/telemetry"
	"github.com/first-fluke/cratos/pkg/models"
	"github.com/google/uuid"
)

// activeExecution tracks one in-flight execution's cancellation func so
// cancel_execution can stop it cooperatively.
type activeExecution struct {
	cancel context.CancelFunc
}

// Orchestrator owns the plan→act→observe loop for every request. It never
// panics out to the caller: Process always resolves to an ExecutionResult
// carrying a terminal status.
type Orchestrator struct {
	sessions  sessions.Store
	events    eventstore.Store
	registry  *ToolRegistry
	planner   *Planner
	approvals *ApprovalManager
	personas  *persona.Router
	bus       *EventBus
	executor  *ToolExecutor
	opts      OrchestratorOptions
	tracer    *telemetry.Tracer

	mu     sync.Mutex
	active map[string]*activeExecution
}

// NewOrchestrator wires an Orchestrator from its dependencies. bus may be
// nil for a deployment with no event subscribers; tracer may be nil, in
// which case a no-op tracer is used.
func NewOrchestrator(
	sessionStore sessions.Store,
	eventStore eventstore.Store,
	registry *ToolRegistry,
	planner *Planner,
	approvals *ApprovalManager,
	personaRouter *persona.Router,
	bus *EventBus,
	tracer *telemetry.Tracer,
	opts OrchestratorOptions,
) *Orchestrator {
	defaults := DefaultOrchestratorOptions()
	opts = mergeOrchestratorOptions(defaults, opts)

	if tracer == nil {
		tracer, _ = telemetry.New(telemetry.Config{})
	}

	return &Orchestrator{
		sessions:  sessionStore,
		events:    eventStore,
		registry:  registry,
		planner:   planner,
		approvals: approvals,
		personas:  personaRouter,
		bus:       bus,
		executor: NewToolExecutor(registry, ToolExecConfig{
			Concurrency:    opts.ToolConcurrency,
			PerToolTimeout: opts.ToolTimeout,
			MaxAttempts:    opts.ToolMaxAttempts,
			RetryBackoff:   opts.ToolRetryBackoff,
		}),
		opts:   opts,
		tracer: tracer,
		active: make(map[string]*activeExecution),
	}
}

// Process runs input to a terminal ExecutionResult. It never returns a Go
// error to the caller: every failure mode is reflected in the result's
// Status and Response.
func (o *Orchestrator) Process(ctx context.Context, input models.OrchestratorInput) models.ExecutionResult {
	start := time.Now()
	executionID := uuid.NewString()
	sessionKey := input.SessionKey()
	logger := o.opts.Logger.With("execution_id", executionID, "session_key", sessionKey)

	ctx, span := o.tracer.Start(ctx, "orchestrator.process")
	defer span.End()
	ctx = telemetry.AddRunID(ctx, executionID)
	ctx = telemetry.AddSessionID(ctx, sessionKey)

	ctx, cancel := context.WithCancel(ctx)
	o.registerActive(executionID, cancel)
	defer o.unregisterActive(executionID)
	defer cancel()

	execution := &models.Execution{
		ID:          executionID,
		ChannelType: input.ChannelType,
		ChannelID:   input.ChannelID,
		UserID:      input.UserID,
		SessionID:   sessionKey,
		ThreadID:    input.ThreadID,
		Status:      models.StatusPending,
		StartedAt:   start,
		InputText:   input.Text,
		CreatedAt:   start,
		UpdatedAt:   start,
	}
	if o.events != nil {
		if err := o.events.CreateExecution(ctx, execution); err != nil {
			logger.Warn("failed to create execution record", "error", err)
		}
	}

	result := o.run(ctx, executionID, sessionKey, input, logger)
	result.DurationMS = time.Since(start).Milliseconds()

	metrics.ExecutionsTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	metrics.IterationsPerExecution.Observe(float64(result.Iterations))

	if o.events != nil {
		if err := o.events.UpdateExecutionStatus(ctx, executionID, result.Status, result.Response); err != nil {
			logger.Warn("failed to update execution status", "error", err)
		}
	}
	return result
}

func (o *Orchestrator) run(ctx context.Context, executionID, sessionKey string, input models.OrchestratorInput, logger *slog.Logger) models.ExecutionResult {
	o.emit(ctx, executionID, 0, models.EventUserInput, map[string]any{"text": input.Text})

	systemPrompt := input.SystemPromptOverride
	planningText := input.Text
	if o.personas != nil {
		if extraction := o.personas.Extract(input.Text); len(extraction.Personas) > 0 {
			planningText = extraction.Rest
			for _, mention := range extraction.Personas {
				if preset, ok := o.personas.Preset(mention.Name); ok && preset.SystemPrompt != "" {
					systemPrompt = preset.SystemPrompt
					break
				}
			}
		}
	}

	if _, err := o.appendMessage(ctx, sessionKey, models.Message{
		Role:      models.RoleUser,
		Content:   planningText,
		CreatedAt: time.Now(),
	}, logger); err != nil {
		logger.Warn("failed to persist user message", "error", err)
	}

	var (
		finalResponse string
		finalModel    string
		toolRecords   []models.ToolCallRecord
		seq           = 1
		iteration     int
	)

	wm := newWorkingMemory()

	for iteration = 1; iteration <= o.opts.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return o.fail(ctx, executionID, iteration, toolRecords, "execution canceled")
		default:
		}

		messages, err := o.sessionMessages(ctx, sessionKey, logger)
		if err != nil {
			logger.Warn("failed to load session messages", "error", err)
		}
		if note := wm.summary(); note != "" {
			messages = append(messages, models.Message{
				Role:      models.RoleSystem,
				Content:   note,
				CreatedAt: time.Now(),
			})
		}

		plan, err := o.planner.PlanStep(ctx, TierGeneral, systemPrompt, messages, o.registry.AsLLMTools())
		if err != nil {
			return o.fail(ctx, executionID, iteration, toolRecords, SanitizeErrorText(err.Error()))
		}
		finalModel = plan.Model

		seq = o.emit(ctx, executionID, seq, models.EventLlmResponse, map[string]any{
			"content":    plan.Content,
			"tool_calls": len(plan.ToolCalls),
			"model":      plan.Model,
		})

		if plan.IsFinal {
			finalResponse = plan.Content
			break
		}

		records, err := o.executeToolCalls(ctx, executionID, sessionKey, plan.ToolCalls, &seq, logger, wm)
		if err != nil {
			return o.fail(ctx, executionID, iteration, toolRecords, SanitizeErrorText(err.Error()))
		}
		toolRecords = append(toolRecords, records...)

		if plan.Content != "" {
			finalResponse = plan.Content
		}
	}

	if finalResponse == "" {
		finalResponse = "I was unable to complete this within the allotted iterations."
	}

	if _, err := o.appendMessage(ctx, sessionKey, models.Message{
		Role:      models.RoleAssistant,
		Content:   finalResponse,
		CreatedAt: time.Now(),
	}, logger); err != nil {
		logger.Warn("failed to persist assistant message", "error", err)
	}

	o.emit(ctx, executionID, seq, models.EventFinalResponse, map[string]any{"response": finalResponse})

	iterations := iteration
	if iterations > o.opts.MaxIterations {
		iterations = o.opts.MaxIterations
	}

	return models.ExecutionResult{
		ExecutionID: executionID,
		Status:      models.StatusCompleted,
		Response:    finalResponse,
		ToolCalls:   toolRecords,
		Iterations:  iterations,
		Model:       finalModel,
	}
}

// executeToolCalls runs every tool call sequentially, in the order the
// planner returned them, gating any call at or above the approval
// threshold behind the ApprovalManager before dispatch.
func (o *Orchestrator) executeToolCalls(ctx context.Context, executionID, sessionKey string, calls []models.ToolCall, seq *int, logger *slog.Logger, wm *workingMemory) ([]models.ToolCallRecord, error) {
	results := make([]ToolExecResult, 0, len(calls))

	for _, call := range calls {
		*seq = o.emit(ctx, executionID, *seq, models.EventToolCall, map[string]any{
			"tool_call_id": call.ID,
			"tool_name":    call.Name,
		})

		if decision, denied := o.checkApproval(ctx, executionID, sessionKey, call, logger); denied {
			denialResult := ToolResult{Content: "approval " + string(decision), IsError: true}
			results = append(results, ToolExecResult{
				ToolCall:  call,
				Result:    denialResult,
				StartTime: time.Now(),
				EndTime:   time.Now(),
			})
			metrics.ApprovalsTotal.WithLabelValues(string(decision)).Inc()
			wm.record(call.Name, call.Arguments, denialResult.Content, false, denialResult.Content)
			continue
		}

		single := o.executor.ExecuteSequentially(ctx, []models.ToolCall{call})
		results = append(results, single...)

		outcome := "success"
		if len(single) > 0 && single[0].Result.IsError {
			outcome = "error"
		}
		metrics.ToolCallsTotal.WithLabelValues(call.Name, outcome).Inc()
		if len(single) > 0 {
			metrics.ToolCallDuration.WithLabelValues(call.Name).Observe(single[0].EndTime.Sub(single[0].StartTime).Seconds())
			errMsg := ""
			if single[0].Result.IsError {
				errMsg = single[0].Result.Content
			}
			wm.record(call.Name, call.Arguments, single[0].Result.Content, !single[0].Result.IsError, errMsg)
		}
	}

	toolMessages := BuildToolResultMessages(calls, results)
	for _, msg := range toolMessages {
		if _, err := o.appendMessage(ctx, sessionKey, msg, logger); err != nil {
			logger.Warn("failed to persist tool result message", "error", err)
		}
	}

	records := make([]models.ToolCallRecord, 0, len(results))
	for _, r := range results {
		*seq = o.emit(ctx, executionID, *seq, models.EventToolResult, map[string]any{
			"tool_call_id": r.ToolCall.ID,
			"tool_name":    r.ToolCall.Name,
			"success":      !r.Result.IsError,
		})
		records = append(records, models.ToolCallRecord{
			ToolName:   r.ToolCall.Name,
			Success:    !r.Result.IsError,
			DurationMS: r.EndTime.Sub(r.StartTime).Milliseconds(),
		})
	}

	return records, nil
}

// checkApproval gates call behind the ApprovalManager when its risk level
// meets or exceeds the configured threshold. Returns the decision and
// whether the call was denied (decision is Denied or Timeout).
func (o *Orchestrator) checkApproval(ctx context.Context, executionID, sessionKey string, call models.ToolCall, logger *slog.Logger) (ApprovalDecision, bool) {
	if _, ok := o.registry.Get(call.Name); !ok {
		return ApprovalGranted, false
	}

	def, ok := findDefinition(o.registry.List(), call.Name)
	if !ok || !def.RiskLevel.AtLeast(o.opts.ApprovalThreshold) || o.approvals == nil {
		return ApprovalGranted, false
	}

	requestID := executionID + ":" + call.ID
	o.approvals.Request(ctx, ApprovalRequest{
		RequestID: requestID,
		ToolCall:  call,
		SessionID: sessionKey,
		RiskLevel: def.RiskLevel,
		CreatedAt: time.Now(),
	})
	decision := o.approvals.Wait(ctx, requestID, o.opts.ApprovalTimeout)
	if decision != ApprovalGranted {
		logger.Info("tool call denied approval", "tool_name", call.Name, "decision", decision)
	}
	return decision, decision != ApprovalGranted
}

func findDefinition(defs []models.ToolDefinition, name string) (models.ToolDefinition, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return models.ToolDefinition{}, false
}

func (o *Orchestrator) fail(ctx context.Context, executionID string, iteration int, toolRecords []models.ToolCallRecord, reason string) models.ExecutionResult {
	o.emit(ctx, executionID, 0, models.EventError, map[string]any{"error": reason})
	return models.ExecutionResult{
		ExecutionID: executionID,
		Status:      models.StatusFailed,
		Response:    reason,
		ToolCalls:   toolRecords,
		Iterations:  iteration,
	}
}

// emit records event via the EventStore (sequence number assigned there
// when available) and publishes it on the EventBus. It returns the next
// sequence number the caller should pass on its following call.
func (o *Orchestrator) emit(ctx context.Context, executionID string, seq int, eventType models.EventType, payload any) int {
	event, err := models.NewEvent(executionID, eventType, payload)
	if err != nil {
		return seq + 1
	}
	event.SequenceNum = seq

	if o.events != nil {
		if err := o.events.RecordEvent(ctx, &event); err != nil {
			o.opts.Logger.Warn("failed to record event", "execution_id", executionID, "error", err)
		}
	}
	if o.bus != nil {
		o.bus.Publish(event)
	}
	return seq + 1
}

func (o *Orchestrator) appendMessage(ctx context.Context, key string, msg models.Message, logger *slog.Logger) (*models.SessionContext, error) {
	if o.sessions == nil {
		return nil, nil
	}
	return o.sessions.AppendMessage(ctx, key, msg)
}

func (o *Orchestrator) sessionMessages(ctx context.Context, key string, logger *slog.Logger) ([]models.Message, error) {
	if o.sessions == nil {
		return nil, nil
	}
	sess, err := o.sessions.Get(ctx, key)
	if err != nil || sess == nil {
		return nil, err
	}
	return sess.Messages, nil
}

func (o *Orchestrator) registerActive(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[id] = &activeExecution{cancel: cancel}
}

func (o *Orchestrator) unregisterActive(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

// CancelExecution attempts cooperative cancellation of a running execution.
// Returns true iff id was actively running.
func (o *Orchestrator) CancelExecution(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.active[id]
	if !ok {
		return false
	}
	exec.cancel()
	return true
}

// ActiveExecutionCount returns the number of executions currently running.
func (o *Orchestrator) ActiveExecutionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// ClearSession deletes the session history for key.
func (o *Orchestrator) ClearSession(ctx context.Context, key string) error {
	if o.sessions == nil {
		return nil
	}
	_, err := o.sessions.Delete(ctx, key)
	return err
}

// SessionMessageCount returns how many messages key's session holds.
func (o *Orchestrator) SessionMessageCount(ctx context.Context, key string) (int, error) {
	if o.sessions == nil {
		return 0, nil
	}
	sess, err := o.sessions.Get(ctx, key)
	if err != nil || sess == nil {
		return 0, err
	}
	return len(sess.Messages), nil
}
