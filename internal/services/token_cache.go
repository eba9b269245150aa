package services

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTokenMargin is subtracted from the provider expiry when deciding whether a cached
// token is still usable.
const DefaultTokenMargin = 30 * time.Second

// TokenFetchFunc exchanges credentials for a token and its absolute expiry.
type TokenFetchFunc func(ctx context.Context) (token string, expiresAt time.Time, err error)

// TokenCache holds one bearer token. Concurrent misses share a single fetch; the last
// successful fetch wins.
type TokenCache struct {
	fetch   TokenFetchFunc
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenCache(fetch TokenFetchFunc, margin, timeout time.Duration) *TokenCache {
	if margin < 0 {
		margin = DefaultTokenMargin
	}
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	return &TokenCache{fetch: fetch, margin: margin, timeout: timeout, now: time.Now}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", false
	}
	if !c.now().Before(c.expiresAt.Add(-c.margin)) {
		return "", false
	}
	return c.token, true
}

// Get returns the cached token or fetches a new one. A caller whose ctx ends while a
// shared fetch is in flight gets ctx.Err(); the fetch itself keeps running under its
// own timeout so other waiters still receive the result.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	ch := c.group.DoChan("token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		tok, expiresAt, err := c.fetch(fctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expiresAt = expiresAt
		c.mu.Unlock()
		return tok, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
