package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/first-fluke/cratos/pkg/models"
)

// MemoryStore is an in-memory Store used for tests and local runs. It is
// safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
	events     map[string][]models.Event // keyed by execution id, append-only, in sequence order
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: map[string]*models.Execution{},
		events:     map[string][]models.Event{},
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, execution *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if execution.ID == "" {
		execution.ID = uuid.NewString()
	}
	clone := *execution
	s.executions[clone.ID] = &clone
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	clone := *execution
	return &clone, nil
}

func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, outputText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	execution.Status = status
	if outputText != "" {
		execution.OutputText = outputText
	}
	now := time.Now()
	if status.Terminal() {
		execution.CompletedAt = &now
	}
	execution.UpdatedAt = now
	return nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.SequenceNum = len(s.events[event.ExecutionID])
	clone := *event
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], clone)
	return nil
}

func (s *MemoryStore) GetExecutionEvents(ctx context.Context, executionID string) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[executionID]
	result := make([]models.Event, len(events))
	copy(result, events)
	return result, nil
}

func (s *MemoryStore) GetEventsByType(ctx context.Context, executionID string, eventType models.EventType) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []models.Event
	for _, event := range s.events[executionID] {
		if event.EventType == eventType {
			result = append(result, event)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetChildEvents(ctx context.Context, parentEventID string) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []models.Event
	for _, events := range s.events {
		for _, event := range events {
			if event.ParentEventID == parentEventID {
				result = append(result, event)
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) GetNextSequenceNum(ctx context.Context, executionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[executionID]), nil
}

func (s *MemoryStore) CountEvents(ctx context.Context, executionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[executionID]), nil
}

func (s *MemoryStore) DeleteOldExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, execution := range s.executions {
		if execution.CreatedAt.Before(cutoff) {
			delete(s.events, id)
			delete(s.executions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
