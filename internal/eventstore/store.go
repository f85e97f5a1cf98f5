// Package eventstore persists Executions and the Events recorded against
// them: the durable log the orchestrator appends to as a request moves
// through planning, tool calls, and a final response, and that replay/debug
// tooling reads back afterward.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/first-fluke/cratos/pkg/models"
)

// ErrExecutionNotFound is returned by GetExecution when no execution with
// the given id exists.
var ErrExecutionNotFound = errors.New("eventstore: execution not found")

// Store is the durable append-only log of Executions and Events, keyed by
// execution id and a monotonically increasing per-execution sequence
// number. Appending an event is atomic with respect to sequence numbering:
// two concurrent RecordEvent calls for the same execution never observe
// the same sequence number.
type Store interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	UpdateExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, outputText string) error

	RecordEvent(ctx context.Context, event *models.Event) error
	GetExecutionEvents(ctx context.Context, executionID string) ([]models.Event, error)
	GetEventsByType(ctx context.Context, executionID string, eventType models.EventType) ([]models.Event, error)
	GetChildEvents(ctx context.Context, parentEventID string) ([]models.Event, error)
	GetNextSequenceNum(ctx context.Context, executionID string) (int, error)
	CountEvents(ctx context.Context, executionID string) (int, error)

	// DeleteOldExecutions removes every execution created before cutoff,
	// and that execution's events, returning the number of executions
	// removed. Events are deleted before their parent execution row.
	DeleteOldExecutions(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
