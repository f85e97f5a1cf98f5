package models

import (
	"encoding/json"
	"time"
)

// EventType enumerates the kinds of facts recorded against an Execution.
type EventType string

const (
	EventUserInput         EventType = "user_input"
	EventPlanCreated       EventType = "plan_created"
	EventLlmRequest        EventType = "llm_request"
	EventLlmResponse       EventType = "llm_response"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventFinalResponse     EventType = "final_response"
	EventError             EventType = "error"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalGranted   EventType = "approval_granted"
	EventApprovalDenied    EventType = "approval_denied"
	EventCancelled         EventType = "cancelled"
	EventContextUpdated    EventType = "context_updated"
)

// Event is one append-only recorded fact within an Execution. Events are
// never mutated after creation; SequenceNum is monotone and gap-free within
// an execution_id (invariant I1).
type Event struct {
	ID            string          `json:"id"`
	ExecutionID   string          `json:"execution_id"`
	SequenceNum   int             `json:"sequence_num"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	DurationMS    *int64          `json:"duration_ms,omitempty"`
	ParentEventID string          `json:"parent_event_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// NewEvent constructs an Event with its payload pre-marshaled. SequenceNum
// is left at zero; the EventStore assigns the real value atomically at
// append time.
func NewEvent(executionID string, eventType EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ExecutionID: executionID,
		EventType:   eventType,
		Payload:     raw,
		Timestamp:   time.Now(),
	}, nil
}

// WithParent returns a copy of the event with ParentEventID set, used to
// correlate a ToolResult event back to the ToolCall event that spawned it.
func (e Event) WithParent(parentID string) Event {
	e.ParentEventID = parentID
	return e
}
