package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/first-fluke/cratos/pkg/models"
)

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("session: lock acquisition timeout")

	// ErrLockHeld is returned when a lock is already held by another writer.
	ErrLockHeld = errors.New("session: lock held by another writer")
)

// DefaultLockTimeout is the default timeout for lock acquisition.
const DefaultLockTimeout = 5 * time.Second

// lockPollInterval is how often we check if a lock has been released.
const lockPollInterval = 10 * time.Millisecond

// sessionMutex wraps a mutex for per-session locking.
type sessionMutex struct {
	mu     sync.Mutex
	locked bool
}

// SessionLocker provides per-session-key write locks, guaranteeing exactly
// one writer per session key at a time. It is the single-process
// enforcement of that invariant, used when the deployment has one
// orchestrator instance. DBLocker (locker.go) enforces the same invariant
// across processes via a leased row.
type SessionLocker struct {
	locks   sync.Map // map[string]*sessionMutex
	timeout time.Duration
}

// NewSessionLocker creates a SessionLocker with the given default timeout.
func NewSessionLocker(timeout time.Duration) *SessionLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &SessionLocker{timeout: timeout}
}

func (s *SessionLocker) getOrCreateMutex(key string) *sessionMutex {
	if m, ok := s.locks.Load(key); ok {
		if mu, ok := m.(*sessionMutex); ok {
			return mu
		}
	}
	newMu := &sessionMutex{}
	actual, _ := s.locks.LoadOrStore(key, newMu)
	if mu, ok := actual.(*sessionMutex); ok {
		return mu
	}
	return newMu
}

// Lock acquires a lock for the given session key, blocking until available
// or the default timeout expires.
func (s *SessionLocker) Lock(key string) error {
	return s.LockWithTimeout(key, s.timeout)
}

// LockWithTimeout acquires a lock for key with a custom timeout.
func (s *SessionLocker) LockWithTimeout(key string, timeout time.Duration) error {
	m := s.getOrCreateMutex(key)
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		if !m.locked {
			m.locked = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

// LockWithContext acquires a lock for key, respecting context cancellation.
func (s *SessionLocker) LockWithContext(ctx context.Context, key string) error {
	m := s.getOrCreateMutex(key)
	deadline := time.Now().Add(s.timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.mu.Lock()
		if !m.locked {
			m.locked = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Unlock releases the lock for key. Safe to call even if not held.
func (s *SessionLocker) Unlock(key string) {
	if m, ok := s.locks.Load(key); ok {
		mu, ok := m.(*sessionMutex)
		if !ok {
			return
		}
		mu.mu.Lock()
		mu.locked = false
		mu.mu.Unlock()
	}
}

// TryLock attempts to acquire a lock for key without blocking.
func (s *SessionLocker) TryLock(key string) bool {
	m := s.getOrCreateMutex(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// IsLocked reports whether key is currently locked.
func (s *SessionLocker) IsLocked(key string) bool {
	if m, ok := s.locks.Load(key); ok {
		mu, ok := m.(*sessionMutex)
		if !ok {
			return false
		}
		mu.mu.Lock()
		defer mu.mu.Unlock()
		return mu.locked
	}
	return false
}

// LockingStore wraps a Store with automatic per-session-key write locking.
// Save, Delete and AppendMessage acquire the session key's lock before
// delegating, so two concurrent orchestrator calls for the same session key
// never interleave their trim-and-save sequence. GetOrCreate and
// CleanupExpired pass through to the wrapped Store without locking.
type LockingStore struct {
	Store
	locker *SessionLocker
}

// NewLockingStore wraps store with locking using the given timeout for
// lock acquisition (DefaultLockTimeout if zero).
func NewLockingStore(store Store, timeout time.Duration) *LockingStore {
	return &LockingStore{Store: store, locker: NewSessionLocker(timeout)}
}

func (s *LockingStore) Save(ctx context.Context, session *models.SessionContext) error {
	if err := s.locker.LockWithContext(ctx, session.SessionKey); err != nil {
		return err
	}
	defer s.locker.Unlock(session.SessionKey)
	return s.Store.Save(ctx, session)
}

func (s *LockingStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.locker.LockWithContext(ctx, key); err != nil {
		return false, err
	}
	defer s.locker.Unlock(key)
	return s.Store.Delete(ctx, key)
}

func (s *LockingStore) AppendMessage(ctx context.Context, key string, msg models.Message) (*models.SessionContext, error) {
	if err := s.locker.LockWithContext(ctx, key); err != nil {
		return nil, err
	}
	defer s.locker.Unlock(key)
	return s.Store.AppendMessage(ctx, key, msg)
}

// WithLock executes fn while holding key's write lock. Useful for compound
// read-modify-write sequences beyond AppendMessage.
func (s *LockingStore) WithLock(ctx context.Context, key string, fn func(Store) error) error {
	if err := s.locker.LockWithContext(ctx, key); err != nil {
		return err
	}
	defer s.locker.Unlock(key)
	return fn(s.Store)
}
