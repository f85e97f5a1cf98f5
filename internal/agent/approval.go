package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/first-fluke/cratos/pkg/models"
)

// ApprovalDecision is the resolution of one approval request.
type ApprovalDecision string

const (
	ApprovalGranted ApprovalDecision = "granted"
	ApprovalDenied  ApprovalDecision = "denied"
	ApprovalTimeout ApprovalDecision = "timeout"
)

// ErrApprovalUnknown is returned by Respond when request_id has no pending
// waiter, either because it was never requested or has already resolved.
var ErrApprovalUnknown = errors.New("agent: unknown or already-resolved approval request")

// ApprovalRequest describes one tool call suspended on human approval.
type ApprovalRequest struct {
	RequestID string
	ToolCall  models.ToolCall
	RiskLevel models.RiskLevel
	SessionID string
	CreatedAt time.Time
}

// ApprovalManager implements approval as a future: a caller blocked on a
// risky tool call registers a oneshot waiter keyed by request_id, and a
// gateway "approval.respond" message elsewhere resolves it by id. The
// manager holds no reference to the orchestrator or session beyond this
// registry, so any number of executions can have pending requests at once.
type ApprovalManager struct {
	mu      sync.Mutex
	waiters map[string]chan ApprovalDecision
	bus     *EventBus
}

// NewApprovalManager creates an empty ApprovalManager. bus may be nil, in
// which case Request/Respond publish no events.
func NewApprovalManager(bus *EventBus) *ApprovalManager {
	return &ApprovalManager{
		waiters: make(map[string]chan ApprovalDecision),
		bus:     bus,
	}
}

// Request registers requestID as pending and emits ApprovalRequested. Call
// this once before Wait; a second Request for the same id replaces the
// first waiter, which then never resolves.
func (m *ApprovalManager) Request(ctx context.Context, req ApprovalRequest) {
	ch := make(chan ApprovalDecision, 1)
	m.mu.Lock()
	m.waiters[req.RequestID] = ch
	m.mu.Unlock()

	m.publish(req.SessionID, models.EventApprovalRequested, map[string]any{
		"request_id": req.RequestID,
		"tool_name":  req.ToolCall.Name,
		"tool_call_id": req.ToolCall.ID,
		"risk_level": req.RiskLevel.String(),
	})
}

// Wait blocks until requestID is resolved by Respond, ctx is canceled, or
// timeout elapses, whichever comes first. A canceled context or an elapsed
// timeout both resolve as ApprovalTimeout and remove the waiter so a late
// Respond call returns ErrApprovalUnknown instead of silently succeeding.
func (m *ApprovalManager) Wait(ctx context.Context, requestID string, timeout time.Duration) ApprovalDecision {
	m.mu.Lock()
	ch, ok := m.waiters[requestID]
	m.mu.Unlock()
	if !ok {
		return ApprovalTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision
	case <-ctx.Done():
		m.resolve(requestID, nil)
		return ApprovalTimeout
	case <-timer.C:
		m.resolve(requestID, nil)
		return ApprovalTimeout
	}
}

// Respond resolves a pending request as granted or denied. Returns
// ErrApprovalUnknown when requestID has no pending waiter.
func (m *ApprovalManager) Respond(requestID string, granted bool) error {
	decision := ApprovalDenied
	eventType := models.EventApprovalDenied
	if granted {
		decision = ApprovalGranted
		eventType = models.EventApprovalGranted
	}
	ch := m.resolve(requestID, &decision)
	if ch == nil {
		return ErrApprovalUnknown
	}
	m.publish("", eventType, map[string]any{"request_id": requestID})
	return nil
}

// resolve removes requestID's waiter and, if decision is non-nil, delivers
// it. Returns the removed channel, or nil if requestID was not pending.
func (m *ApprovalManager) resolve(requestID string, decision *ApprovalDecision) chan ApprovalDecision {
	m.mu.Lock()
	ch, ok := m.waiters[requestID]
	if ok {
		delete(m.waiters, requestID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if decision != nil {
		ch <- *decision
	}
	close(ch)
	return ch
}

// Pending reports whether requestID currently has a waiter.
func (m *ApprovalManager) Pending(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waiters[requestID]
	return ok
}

func (m *ApprovalManager) publish(executionID string, eventType models.EventType, payload any) {
	if m.bus == nil {
		return
	}
	event, err := models.NewEvent(executionID, eventType, payload)
	if err != nil {
		return
	}
	m.bus.Publish(event)
}
