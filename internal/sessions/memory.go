package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/first-fluke/cratos/pkg/models"
)

// MemoryStore is an in-memory Store used for tests and local runs. It is
// safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.SessionContext
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*models.SessionContext{}}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*models.SessionContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Save(ctx context.Context, session *models.SessionContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.LastActivity = time.Now()
	m.sessions[clone.SessionKey] = clone
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; !ok {
		return false, nil
	}
	delete(m.sessions, key)
	return true, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.sessions[key]
	return ok, nil
}

func (m *MemoryStore) ListKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

func (m *MemoryStore) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for key, session := range m.sessions {
		if session.LastActivity.Before(cutoff) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key string, maxTokens int) (*models.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[key]; ok {
		return cloneSession(session), nil
	}

	now := time.Now()
	session := &models.SessionContext{
		ID:                 uuid.NewString(),
		SessionKey:         key,
		Messages:           []models.Message{},
		LastActivity:       now,
		MaxTokens:          maxTokens,
		TokenAwareTrimming: true,
	}
	m.sessions[key] = session
	return cloneSession(session), nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, key string, msg models.Message) (*models.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		session = &models.SessionContext{
			ID:                 uuid.NewString(),
			SessionKey:         key,
			TokenAwareTrimming: true,
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	session.Messages = append(session.Messages, msg)
	session.LastActivity = time.Now()
	Trim(session)
	m.sessions[key] = session
	return cloneSession(session), nil
}

func cloneSession(session *models.SessionContext) *models.SessionContext {
	if session == nil {
		return nil
	}
	clone := *session
	clone.Messages = append([]models.Message{}, session.Messages...)
	if session.Metadata != nil {
		clone.Metadata = deepCloneMap(session.Metadata)
	}
	return &clone
}

// deepCloneMap creates a deep copy of a map[string]any to prevent shared
// references between a stored session and the copy handed back to callers.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	case []int:
		cloned := make([]int, len(val))
		copy(cloned, val)
		return cloned
	case []int64:
		cloned := make([]int64, len(val))
		copy(cloned, val)
		return cloned
	case []float64:
		cloned := make([]float64, len(val))
		copy(cloned, val)
		return cloned
	case []bool:
		cloned := make([]bool, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}
