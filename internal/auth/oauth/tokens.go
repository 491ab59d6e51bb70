package oauth

import (
	"context"
	"sync"
)

// TokenCache holds the channel's current token and refreshes it on demand.
// It satisfies the API client's TokenSource contract.
type TokenCache struct {
	manager *Manager

	mu    sync.Mutex
	token Token
}

// NewTokenCache constructs a cache tied to the manager's token endpoint.
func NewTokenCache(manager *Manager) *TokenCache {
	return &TokenCache{manager: manager}
}

// Set installs a freshly exchanged token, typically from the OAuth callback.
func (c *TokenCache) Set(token Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Authorized reports whether the cache holds any credential material.
func (c *TokenCache) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token.AccessToken != "" || c.token.RefreshToken != ""
}

// Token returns a valid access token, refreshing through the manager when
// the cached one has expired.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.token.Expired() {
		return c.token.AccessToken, nil
	}
	if c.token.RefreshToken == "" {
		return "", ErrNotAuthorized
	}
	refreshed, err := c.manager.Refresh(ctx, c.token.RefreshToken)
	if err != nil {
		return "", err
	}
	c.token = refreshed
	return c.token.AccessToken, nil
}
