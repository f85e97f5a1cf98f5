package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/first-fluke/cratos/pkg/models"
)

func openTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := openSQLiteStoreWithDriver("sqlite", path)
	if err != nil {
		t.Fatalf("openSQLiteStoreWithDriver() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreExecutionLifecycle(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()

	execution := &models.Execution{
		ChannelType: "slack",
		ChannelID:   "C1",
		UserID:      "u1",
		InputText:   "hi",
		Status:      models.StatusPending,
		StartedAt:   time.Now(),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := store.CreateExecution(ctx, execution); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	got, err := store.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.InputText != "hi" || got.Status != models.StatusPending {
		t.Fatalf("GetExecution() = %+v, want round-tripped pending execution", got)
	}

	if err := store.UpdateExecutionStatus(ctx, execution.ID, models.StatusCompleted, "done"); err != nil {
		t.Fatalf("UpdateExecutionStatus() error = %v", err)
	}
	got, err = store.GetExecution(ctx, execution.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Status != models.StatusCompleted || got.OutputText != "done" || got.CompletedAt == nil {
		t.Fatalf("GetExecution() after update = %+v, want completed with output and CompletedAt set", got)
	}
}

func TestSQLiteStoreGetExecutionNotFound(t *testing.T) {
	store := openTestSQLiteStore(t)
	if _, err := store.GetExecution(context.Background(), "missing"); err != ErrExecutionNotFound {
		t.Fatalf("GetExecution() error = %v, want ErrExecutionNotFound", err)
	}
}

func TestSQLiteStoreUpdateExecutionStatusNotFound(t *testing.T) {
	store := openTestSQLiteStore(t)
	err := store.UpdateExecutionStatus(context.Background(), "missing", models.StatusFailed, "")
	if err != ErrExecutionNotFound {
		t.Fatalf("UpdateExecutionStatus() error = %v, want ErrExecutionNotFound", err)
	}
}

func TestSQLiteStoreRecordEventSequencing(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()
	execID := "exec-1"

	for i, eventType := range []models.EventType{models.EventUserInput, models.EventLlmRequest, models.EventLlmResponse} {
		event := &models.Event{ExecutionID: execID, EventType: eventType}
		if err := store.RecordEvent(ctx, event); err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
		if event.SequenceNum != i {
			t.Fatalf("RecordEvent() #%d SequenceNum = %d, want %d", i, event.SequenceNum, i)
		}
	}

	events, err := store.GetExecutionEvents(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecutionEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("GetExecutionEvents() = %d events, want 3", len(events))
	}
	for i, event := range events {
		if event.SequenceNum != i {
			t.Fatalf("events[%d].SequenceNum = %d, want %d", i, event.SequenceNum, i)
		}
	}
}

func TestSQLiteStoreGetEventsByTypeAndChildren(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()
	execID := "exec-1"

	parent := &models.Event{ExecutionID: execID, EventType: models.EventToolCall}
	if err := store.RecordEvent(ctx, parent); err != nil {
		t.Fatalf("RecordEvent(parent) error = %v", err)
	}
	child := (&models.Event{ExecutionID: execID, EventType: models.EventToolResult}).WithParent(parent.ID)
	if err := store.RecordEvent(ctx, &child); err != nil {
		t.Fatalf("RecordEvent(child) error = %v", err)
	}

	toolCalls, err := store.GetEventsByType(ctx, execID, models.EventToolCall)
	if err != nil {
		t.Fatalf("GetEventsByType() error = %v", err)
	}
	if len(toolCalls) != 1 {
		t.Fatalf("GetEventsByType() = %d, want 1", len(toolCalls))
	}

	children, err := store.GetChildEvents(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetChildEvents() error = %v", err)
	}
	if len(children) != 1 || children[0].ID != child.ID {
		t.Fatalf("GetChildEvents() = %+v, want the one child event", children)
	}
}

func TestSQLiteStoreCountAndNextSequenceNum(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()
	execID := "exec-1"

	next, err := store.GetNextSequenceNum(ctx, execID)
	if err != nil || next != 0 {
		t.Fatalf("GetNextSequenceNum() = %d, %v, want 0, nil", next, err)
	}

	store.RecordEvent(ctx, &models.Event{ExecutionID: execID, EventType: models.EventUserInput})
	store.RecordEvent(ctx, &models.Event{ExecutionID: execID, EventType: models.EventLlmResponse})

	count, err := store.CountEvents(ctx, execID)
	if err != nil || count != 2 {
		t.Fatalf("CountEvents() = %d, %v, want 2, nil", count, err)
	}
}

func TestSQLiteStoreDeleteOldExecutionsCascades(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()

	old := &models.Execution{
		ChannelType: "cli", ChannelID: "c", UserID: "u",
		StartedAt: time.Now(), CreatedAt: time.Now().Add(-48 * time.Hour), UpdatedAt: time.Now(),
	}
	recent := &models.Execution{
		ChannelType: "cli", ChannelID: "c", UserID: "u",
		StartedAt: time.Now(), CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := store.CreateExecution(ctx, old); err != nil {
		t.Fatalf("CreateExecution(old) error = %v", err)
	}
	if err := store.CreateExecution(ctx, recent); err != nil {
		t.Fatalf("CreateExecution(recent) error = %v", err)
	}
	if err := store.RecordEvent(ctx, &models.Event{ExecutionID: old.ID, EventType: models.EventUserInput}); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	removed, err := store.DeleteOldExecutions(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOldExecutions() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("DeleteOldExecutions() = %d, want 1", removed)
	}

	if _, err := store.GetExecution(ctx, old.ID); err != ErrExecutionNotFound {
		t.Fatalf("GetExecution(old) error = %v, want ErrExecutionNotFound", err)
	}
	events, err := store.GetExecutionEvents(ctx, old.ID)
	if err != nil {
		t.Fatalf("GetExecutionEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("GetExecutionEvents(old) = %v, want empty after cascade delete", events)
	}
	if _, err := store.GetExecution(ctx, recent.ID); err != nil {
		t.Fatalf("GetExecution(recent) error = %v, want nil", err)
	}
}
