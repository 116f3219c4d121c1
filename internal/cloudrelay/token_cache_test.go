package cloudrelay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCacheEmpty(t *testing.T) {
	c := NewTokenCache(newFakeClock().Now)
	_, ok := c.Get()
	assert.False(t, ok)
	assert.True(t, c.ExpiresAt().IsZero())
}

func TestTokenCacheSkewBoundary(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		usable    bool
	}{
		{name: "fresh", remaining: time.Hour, usable: true},
		{name: "301s left", remaining: 301 * time.Second, usable: true},
		{name: "300s left", remaining: 300 * time.Second, usable: false},
		{name: "299s left", remaining: 299 * time.Second, usable: false},
		{name: "expired", remaining: -time.Second, usable: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			c := NewTokenCache(clock.Now)
			issued := clock.Now()
			c.Store("tok", 3600, issued)

			clock.Advance(time.Hour - tc.remaining)
			got, ok := c.Get()
			require.Equal(t, tc.usable, ok)
			if tc.usable {
				assert.Equal(t, "tok", got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestTokenCacheStoreReplaces(t *testing.T) {
	clock := newFakeClock()
	c := NewTokenCache(clock.Now)

	c.Store("first", 3600, clock.Now())
	c.Store("second", 1800, clock.Now())

	got, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, "second", got)
	assert.Equal(t, clock.Now().Add(1800*time.Second), c.ExpiresAt())
}

func TestTokenCacheExpiryIsRelativeToIssue(t *testing.T) {
	clock := newFakeClock()
	c := NewTokenCache(clock.Now)

	// Stored late: the lifetime counts from issuedAt, not from Store.
	issued := clock.Now()
	clock.Advance(10 * time.Minute)
	c.Store("tok", 3600, issued)

	assert.Equal(t, issued.Add(time.Hour), c.ExpiresAt())
}

func TestTokenCacheGetIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	c := NewTokenCache(clock.Now)
	c.Store("tok", 3600, clock.Now())

	for i := 0; i < 3; i++ {
		got, ok := c.Get()
		require.True(t, ok)
		assert.Equal(t, "tok", got)
	}
}

func TestTokenCacheClampsHugeLifetime(t *testing.T) {
	clock := newFakeClock()
	c := NewTokenCache(clock.Now)

	expiresAt := c.Store("tok", 9_300_000_000, clock.Now())
	assert.Equal(t, clock.Now().Add(24*time.Hour), expiresAt)

	got, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, "tok", got)
}
