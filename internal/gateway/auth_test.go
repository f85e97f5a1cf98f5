package gateway

import (
	"context"
	"testing"

	"github.com/first-fluke/cratos/internal/auth"
)

func TestStaticAuthStoreResolvesKnownToken(t *testing.T) {
	store := StaticAuthStore{"abc": "user-1"}
	authCtx, err := store.Resolve(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authCtx.UserID != "user-1" {
		t.Fatalf("UserID = %q, want user-1", authCtx.UserID)
	}
	if !authCtx.HasScope(ScopeExecutionRun) {
		t.Fatal("expected default scopes to include execution:run")
	}
}

func TestStaticAuthStoreRejectsUnknownToken(t *testing.T) {
	store := StaticAuthStore{"abc": "user-1"}
	if _, err := store.Resolve(context.Background(), "nope"); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestServiceAuthStoreResolvesValidAPIKey(t *testing.T) {
	svc := auth.NewService(auth.Config{
		APIKeys: []auth.APIKeyConfig{{Key: "key-1", UserID: "user-2", Email: "a@example.com", Name: "A"}},
	})
	store := NewServiceAuthStore(svc)

	authCtx, err := store.Resolve(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authCtx.UserID != "user-2" {
		t.Fatalf("UserID = %q, want user-2", authCtx.UserID)
	}
}

func TestServiceAuthStoreRejectsInvalidToken(t *testing.T) {
	svc := auth.NewService(auth.Config{
		APIKeys: []auth.APIKeyConfig{{Key: "key-1", UserID: "user-2"}},
	})
	store := NewServiceAuthStore(svc)

	if _, err := store.Resolve(context.Background(), "wrong"); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestServiceAuthStoreRejectsEmptyService(t *testing.T) {
	store := NewServiceAuthStore(nil)
	if _, err := store.Resolve(context.Background(), "anything"); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthContextHasScope(t *testing.T) {
	authCtx := newAuthContext("u1", []string{ScopeSessionRead})
	if !authCtx.HasScope(ScopeSessionRead) {
		t.Fatal("expected ScopeSessionRead to be present")
	}
	if authCtx.HasScope(ScopeSessionWrite) {
		t.Fatal("did not expect ScopeSessionWrite to be present")
	}
}
