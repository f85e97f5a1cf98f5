package retention

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSessionStore struct {
	calls  int32
	ttl    time.Duration
	result int
	err    error
}

func (f *fakeSessionStore) CleanupExpired(_ context.Context, ttl time.Duration) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	f.ttl = ttl
	return f.result, f.err
}

type fakeExecutionStore struct {
	calls  int32
	cutoff time.Time
	result int
	err    error
}

func (f *fakeExecutionStore) DeleteOldExecutions(_ context.Context, cutoff time.Time) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	f.cutoff = cutoff
	return f.result, f.err
}

func TestNewSchedulerAppliesDefaults(t *testing.T) {
	sched, err := NewScheduler(&fakeSessionStore{}, &fakeExecutionStore{}, Config{})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if sched.config.SessionSchedule != "@hourly" {
		t.Fatalf("SessionSchedule = %q, want @hourly", sched.config.SessionSchedule)
	}
	if sched.config.SessionTTL != 24*time.Hour {
		t.Fatalf("SessionTTL = %v, want 24h", sched.config.SessionTTL)
	}
	if sched.config.ExecutionSchedule != "@daily" {
		t.Fatalf("ExecutionSchedule = %q, want @daily", sched.config.ExecutionSchedule)
	}
	if sched.config.ExecutionTTL != 30*24*time.Hour {
		t.Fatalf("ExecutionTTL = %v, want 720h", sched.config.ExecutionTTL)
	}
}

func TestNewSchedulerRejectsInvalidSchedule(t *testing.T) {
	_, err := NewScheduler(&fakeSessionStore{}, nil, Config{SessionSchedule: "not a cron expression"})
	if err == nil {
		t.Fatalf("expected an error for a malformed session schedule")
	}
}

func TestNewSchedulerSkipsNilStores(t *testing.T) {
	sched, err := NewScheduler(nil, nil, Config{})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if len(sched.cron.Entries()) != 0 {
		t.Fatalf("expected no registered jobs when both stores are nil, got %d", len(sched.cron.Entries()))
	}
}

func TestRunSessionCleanupNowInvokesStore(t *testing.T) {
	store := &fakeSessionStore{result: 3}
	sched, err := NewScheduler(store, nil, Config{SessionTTL: time.Hour})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	sched.RunSessionCleanupNow()
	if atomic.LoadInt32(&store.calls) != 1 {
		t.Fatalf("calls = %d, want 1", store.calls)
	}
	if store.ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", store.ttl)
	}
}

func TestRunExecutionCleanupNowUsesTTLCutoff(t *testing.T) {
	store := &fakeExecutionStore{result: 2}
	sched, err := NewScheduler(nil, store, Config{ExecutionTTL: 48 * time.Hour})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	before := time.Now().Add(-48 * time.Hour)
	sched.RunExecutionCleanupNow()
	after := time.Now().Add(-48 * time.Hour)

	if atomic.LoadInt32(&store.calls) != 1 {
		t.Fatalf("calls = %d, want 1", store.calls)
	}
	if store.cutoff.Before(before.Add(-time.Second)) || store.cutoff.After(after.Add(time.Second)) {
		t.Fatalf("cutoff = %v, want near %v", store.cutoff, before)
	}
}

func TestCleanupSessionsLogsErrorWithoutPanicking(t *testing.T) {
	store := &fakeSessionStore{err: errors.New("db unavailable")}
	sched, err := NewScheduler(store, nil, Config{})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	sched.RunSessionCleanupNow()
	if atomic.LoadInt32(&store.calls) != 1 {
		t.Fatalf("calls = %d, want 1", store.calls)
	}
}

func TestStartStop(t *testing.T) {
	sched, err := NewScheduler(&fakeSessionStore{}, &fakeExecutionStore{}, Config{})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	sched.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
