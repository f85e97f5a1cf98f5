package oauthcreds

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeCredsFile(t *testing.T, dir string, creds Credentials) string {
	t.Helper()
	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatalf("marshal creds: %v", err)
	}
	path := filepath.Join(dir, "creds.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write creds file: %v", err)
	}
	return path
}

func TestLoadParsesCredentialsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeCredsFile(t, dir, Credentials{
		ClientID:     "client-1",
		ClientSecret: "secret",
		RefreshToken: "refresh-token",
		TokenURL:     "https://example.com/token",
	})

	creds, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if creds.RefreshToken != "refresh-token" {
		t.Fatalf("RefreshToken = %q, want refresh-token", creds.RefreshToken)
	}
}

func TestLoadRejectsMissingRefreshToken(t *testing.T) {
	dir := t.TempDir()
	path := writeCredsFile(t, dir, Credentials{
		ClientID: "client-1",
		TokenURL: "https://example.com/token",
	})

	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for a credentials file with no refresh_token")
	}
}

func TestLoadRejectsMissingTokenURL(t *testing.T) {
	dir := t.TempDir()
	path := writeCredsFile(t, dir, Credentials{
		ClientID:     "client-1",
		RefreshToken: "refresh-token",
	})

	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for a credentials file with no token_uri")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected an error for a missing credentials file")
	}
}

func TestLoadFromEnvReturnsNilWhenUnset(t *testing.T) {
	t.Setenv("TEST_OAUTH_CREDS_PATH", "")
	creds, err := LoadFromEnv("TEST_OAUTH_CREDS_PATH")
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if creds != nil {
		t.Fatalf("expected nil credentials when env var is unset")
	}
}

func TestLoadFromEnvReadsConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	path := writeCredsFile(t, dir, Credentials{
		ClientID:     "client-1",
		RefreshToken: "refresh-token",
		TokenURL:     "https://example.com/token",
	})
	t.Setenv("TEST_OAUTH_CREDS_PATH", path)

	creds, err := LoadFromEnv("TEST_OAUTH_CREDS_PATH")
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if creds == nil {
		t.Fatalf("expected credentials to be loaded from env-configured path")
	}
}

func TestCachedSourceRefreshesAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"minted-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	creds := &Credentials{
		ClientID:     "client-1",
		ClientSecret: "secret",
		RefreshToken: "refresh-token",
		TokenURL:     server.URL,
	}

	source := NewCachedSource(creds)
	token, err := source.AccessToken(t.Context())
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token != "minted-token" {
		t.Fatalf("AccessToken() = %q, want minted-token", token)
	}
}
