package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// PasswordGranter performs a resource-owner password grant. *Keycloak
// satisfies it.
type PasswordGranter interface {
	PasswordGrant(ctx context.Context, username, password string) (TokenSet, error)
}

// AdminTokenProvider hands out a currently valid admin token.
type AdminTokenProvider interface {
	Token(ctx context.Context) (AdminCredentialToken, error)
	Invalidate()
}

const adminRefreshKey = "admin"

// AdminTokenCache owns the single admin credential. Concurrent callers that
// find the token stale share one refresh.
type AdminTokenCache struct {
	granter  PasswordGranter
	username string
	password string
	now      func() time.Time
	metrics  *Metrics
	logger   *slog.Logger

	mu    sync.RWMutex
	token AdminCredentialToken
	group singleflight.Group
}

// AdminTokenCacheOption customises an AdminTokenCache.
type AdminTokenCacheOption func(*AdminTokenCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) AdminTokenCacheOption {
	return func(c *AdminTokenCache) { c.now = now }
}

// WithCacheMetrics records refresh outcomes.
func WithCacheMetrics(m *Metrics) AdminTokenCacheOption {
	return func(c *AdminTokenCache) { c.metrics = m }
}

// NewAdminTokenCache builds an empty cache; the first Token call fetches.
func NewAdminTokenCache(granter PasswordGranter, username, password string, logger *slog.Logger, opts ...AdminTokenCacheOption) *AdminTokenCache {
	c := &AdminTokenCache{
		granter:  granter,
		username: username,
		password: password,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached token while now < ExpiresAt, otherwise refreshes
// synchronously. A caller never receives a token expiring at or before now.
func (c *AdminTokenCache) Token(ctx context.Context) (AdminCredentialToken, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	// The refresh outlives any single caller's cancellation; the HTTP
	// client timeout still bounds it.
	refreshCtx := context.WithoutCancel(ctx)
	v, err, shared := c.group.Do(adminRefreshKey, func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		return c.refresh(refreshCtx)
	})
	if err != nil {
		return AdminCredentialToken{}, err
	}
	if shared {
		c.logger.Debug("admin token refresh shared")
	}
	return v.(AdminCredentialToken), nil
}

// Invalidate drops the cached token so the next Token call refreshes.
func (c *AdminTokenCache) Invalidate() {
	c.mu.Lock()
	c.token = AdminCredentialToken{}
	c.mu.Unlock()
}

func (c *AdminTokenCache) cached() (AdminCredentialToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.ValidAt(c.now()) {
		return c.token, true
	}
	return AdminCredentialToken{}, false
}

func (c *AdminTokenCache) refresh(ctx context.Context) (tok AdminCredentialToken, err error) {
	defer func() { c.metrics.adminTokenRefreshed(err) }()

	c.logger.Debug("admin token refresh")
	set, err := c.granter.PasswordGrant(ctx, c.username, c.password)
	if err != nil {
		c.logger.Error("admin token refresh failed", "error", err, "kind", KindOf(err).String())
		return AdminCredentialToken{}, err
	}

	now := c.now()
	tok = AdminCredentialToken{
		Value:     set.AccessToken,
		ExpiresAt: now.Add(time.Duration(set.ExpiresInSeconds) * time.Second),
	}
	if !tok.ValidAt(now) {
		err = UpstreamError("admin token refresh failed", "identity provider issued an already expired token", nil)
		c.logger.Error("admin token refresh failed", "error", err, "expires_in", set.ExpiresInSeconds)
		return AdminCredentialToken{}, err
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	c.logger.Info("admin token refreshed", "expires_at", tok.ExpiresAt)
	return tok, nil
}
