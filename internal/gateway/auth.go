package gateway

import (
	"context"
	"errors"

	"github.com/first-fluke/cratos/internal/auth"
)

// Scope names checked by method-specific dispatch.
const (
	ScopeSessionRead  = "session:read"
	ScopeSessionWrite = "session:write"
	ScopeExecutionRun = "execution:run"
	ScopeExecutionReadWrite = "execution:write"
	ScopeApprovalRespond = "approval:respond"
	ScopeNodeManage      = "node:manage"
	ScopeConfigRead      = "config:read"
	ScopeConfigWrite     = "config:write"
)

// defaultScopes is granted to every successfully authenticated connection.
// The underlying auth.Service has no per-user scope model of its own, so a
// gateway connection earns the full scope set the moment its token
// validates; a richer per-user scope store is future work this adapter
// leaves a seam for via AuthStore.
var defaultScopes = []string{
	ScopeSessionRead, ScopeSessionWrite,
	ScopeExecutionRun, ScopeExecutionReadWrite,
	ScopeApprovalRespond,
	ScopeNodeManage,
	ScopeConfigRead, ScopeConfigWrite,
}

// AuthContext is the resolved identity and permission set a connection
// authenticates as after a successful connect handshake.
type AuthContext struct {
	UserID string
	Scopes map[string]struct{}
}

// HasScope reports whether the context carries scope.
func (a AuthContext) HasScope(scope string) bool {
	_, ok := a.Scopes[scope]
	return ok
}

func newAuthContext(userID string, scopes []string) AuthContext {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return AuthContext{UserID: userID, Scopes: set}
}

// ErrInvalidToken is returned by AuthStore.Resolve when the token does not
// identify a known caller.
var ErrInvalidToken = errors.New("gateway: invalid or expired token")

// AuthStore resolves a connect token into an AuthContext. Production
// deployments back this with the JWT/API-key service; tests can supply a
// fixed map.
type AuthStore interface {
	Resolve(ctx context.Context, token string) (AuthContext, error)
}

// ServiceAuthStore adapts internal/auth.Service (JWT and API-key
// validation) to the gateway's AuthStore interface.
type ServiceAuthStore struct {
	service *auth.Service
}

// NewServiceAuthStore wraps svc as an AuthStore.
func NewServiceAuthStore(svc *auth.Service) *ServiceAuthStore {
	return &ServiceAuthStore{service: svc}
}

func (s *ServiceAuthStore) Resolve(_ context.Context, token string) (AuthContext, error) {
	if s.service == nil || token == "" {
		return AuthContext{}, ErrInvalidToken
	}
	if user, err := s.service.ValidateJWT(token); err == nil {
		return newAuthContext(user.ID, defaultScopes), nil
	}
	if user, err := s.service.ValidateAPIKey(token); err == nil {
		return newAuthContext(user.ID, defaultScopes), nil
	}
	return AuthContext{}, ErrInvalidToken
}

// StaticAuthStore resolves a fixed token->user map, for tests and
// single-operator deployments that do not want a full JWT/API-key service.
type StaticAuthStore map[string]string

func (s StaticAuthStore) Resolve(_ context.Context, token string) (AuthContext, error) {
	userID, ok := s[token]
	if !ok {
		return AuthContext{}, ErrInvalidToken
	}
	return newAuthContext(userID, defaultScopes), nil
}
