// Package oauthcreds resolves OAuth-based provider credentials from a
// token file path, as an alternative to a static API key. A provider
// configured with an OAuth credentials file authenticates by exchanging
// its stored refresh token for a short-lived access token, refreshed
// automatically as it expires.
package oauthcreds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// Credentials is the on-disk shape of an OAuth credentials file: a
// refresh token plus the client and endpoint needed to exchange it for
// access tokens. This mirrors the minimal fields every OAuth2 refresh
// flow needs, independent of any one provider's credential format.
type Credentials struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RefreshToken string   `json:"refresh_token"`
	TokenURL     string   `json:"token_uri"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Load reads and parses an OAuth credentials file from path.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("oauthcreds: read %s: %w", path, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("oauthcreds: parse %s: %w", path, err)
	}
	if strings.TrimSpace(creds.RefreshToken) == "" {
		return nil, fmt.Errorf("oauthcreds: %s has no refresh_token", path)
	}
	if strings.TrimSpace(creds.TokenURL) == "" {
		return nil, fmt.Errorf("oauthcreds: %s has no token_uri", path)
	}
	return &creds, nil
}

// LoadFromEnv reads the credentials file path from envVar and loads it.
// It returns (nil, nil) when envVar is unset, so a caller can fall back
// to a static API key without treating a missing OAuth file as an error.
func LoadFromEnv(envVar string) (*Credentials, error) {
	path := strings.TrimSpace(os.Getenv(envVar))
	if path == "" {
		return nil, nil
	}
	return Load(path)
}

// TokenSource builds an oauth2.TokenSource that refreshes as needed,
// cached so repeated calls reuse the same underlying token and don't
// each start their own refresh cycle.
func (c *Credentials) TokenSource(ctx context.Context) oauth2.TokenSource {
	cfg := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL: c.TokenURL,
		},
	}
	seed := &oauth2.Token{RefreshToken: c.RefreshToken}
	return oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx, seed))
}

// CachedSource wraps a Credentials with a memoized oauth2.TokenSource,
// so a provider adapter can hold one CachedSource for its lifetime
// instead of rebuilding the token source config on every request.
type CachedSource struct {
	mu     sync.Mutex
	creds  *Credentials
	source oauth2.TokenSource
}

// NewCachedSource wraps creds for repeated AccessToken calls.
func NewCachedSource(creds *Credentials) *CachedSource {
	return &CachedSource{creds: creds}
}

// AccessToken returns a valid access token, refreshing it if the cached
// one has expired.
func (c *CachedSource) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source == nil {
		c.source = c.creds.TokenSource(ctx)
	}
	token, err := c.source.Token()
	if err != nil {
		return "", fmt.Errorf("oauthcreds: refresh token: %w", err)
	}
	return token.AccessToken, nil
}
