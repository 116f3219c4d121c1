package cloudrelay

import (
	"sync"
	"time"
)

// tokenSkew is how long before expiry a cached token stops being handed out.
const tokenSkew = 300 * time.Second

// TokenCache holds the single access token of an AuthManager.
type TokenCache struct {
	now  func() time.Time
	skew time.Duration

	mu          sync.RWMutex
	accessToken string
	expiresAt   time.Time
}

// NewTokenCache creates an empty cache. A nil clock means time.Now.
func NewTokenCache(now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{now: now, skew: tokenSkew}
}

// Get returns the cached token while now+skew is still before its expiry.
func (c *TokenCache) Get() (string, bool) {
	token, _, ok := c.lookup()
	return token, ok
}

// lookup is Get plus the expiry of the returned token.
func (c *TokenCache) lookup() (string, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.usableLocked(c.now()) {
		return "", time.Time{}, false
	}
	return c.accessToken, c.expiresAt, true
}

// Store replaces the cached token; it expires expiresIn seconds after issuedAt,
// clamped to maxTokenLifetime. It returns the stored expiry.
func (c *TokenCache) Store(accessToken string, expiresIn int64, issuedAt time.Time) time.Time {
	if expiresIn > maxTokenLifetime {
		expiresIn = maxTokenLifetime
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
	c.expiresAt = issuedAt.Add(time.Duration(expiresIn) * time.Second)
	return c.expiresAt
}

// ExpiresAt reports the absolute expiry of the cached token, zero if empty.
func (c *TokenCache) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

// usableLocked assumes the caller holds at least a read lock.
func (c *TokenCache) usableLocked(now time.Time) bool {
	if c.accessToken == "" {
		return false
	}
	return now.Add(c.skew).Before(c.expiresAt)
}
