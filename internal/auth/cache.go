package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL cache of authenticated principals keyed by API key.
// Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: an expired entry is still returned and the first
// reader after expiry is told to refresh it in the background, so requests
// only block on the database and bcrypt on a cold start.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Principal    *Principal
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // the entry is stale and this caller owns the refresh
}

// Get looks up the API key in the cache.
//
//   - Fresh hit: {Principal, Hit=true,  NeedsRefresh=false}
//   - Stale hit: {Principal, Hit=true,  NeedsRefresh=true} for exactly one caller
//   - Miss:      {nil,       Hit=false, NeedsRefresh=false}
func (c *AuthCache) Get(apiKey string) GetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Principal: entry.principal, Hit: true}
	}
	return GetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a principal with the configured TTL.
func (c *AuthCache) Set(apiKey string, p *Principal) {
	c.store.Store(apiKey, &cacheEntry{
		principal: p,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}

// Purge drops every cached key belonging to an operator. Called after a key
// rotation or deletion so the old key stops working immediately.
func (c *AuthCache) Purge(operatorID string) {
	c.store.Range(func(k, v any) bool {
		if v.(*cacheEntry).principal.OperatorID == operatorID {
			c.store.Delete(k)
		}
		return true
	})
}
