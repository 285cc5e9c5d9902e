// ABOUTME: Short-lived state cache in front of Home Assistant for public share views
// ABOUTME: Keyed by instance URL, token hash and entity id so owners never see each other's states

package homeassistant

import (
	"context"
	"encoding/hex"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v2"
	"github.com/zeebo/blake3"
)

// StateCache holds recently fetched states shared by all CachedClients.
type StateCache struct {
	cache *ttlcache.Cache
}

// NewStateCache creates a cache whose entries live for ttl from insertion.
func NewStateCache(ttl time.Duration) *StateCache {
	c := ttlcache.NewCache()
	_ = c.SetTTL(ttl)
	c.SkipTTLExtensionOnHit(true)
	return &StateCache{cache: c}
}

// Wrap returns an API that reads through the cache for the instance at
// baseURL as seen with token.
func (s *StateCache) Wrap(baseURL, token string, inner API) *CachedClient {
	sum := blake3.Sum256([]byte(token))
	prefix := baseURL + "|" + hex.EncodeToString(sum[:8]) + "|"
	return &CachedClient{inner: inner, prefix: prefix, cache: s.cache}
}

// Len returns the number of live entries.
func (s *StateCache) Len() int { return s.cache.Count() }

// Close stops the expiry goroutine.
func (s *StateCache) Close() error { return s.cache.Close() }

// CachedClient serves GetState and GetStates from the cache when fresh.
// Everything else goes straight to the inner client.
type CachedClient struct {
	inner  API
	prefix string
	cache  *ttlcache.Cache
}

var _ API = (*CachedClient)(nil)

func (c *CachedClient) key(entityID string) string {
	return c.prefix + entityID
}

func (c *CachedClient) lookup(entityID string) (*State, bool) {
	v, err := c.cache.Get(c.key(entityID))
	if err != nil {
		// ttlcache.ErrNotFound, or the cache was closed.
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}

// GetState returns a cached state or fetches and caches it.
func (c *CachedClient) GetState(ctx context.Context, entityID string) (*State, error) {
	if st, ok := c.lookup(entityID); ok {
		return st, nil
	}
	st, err := c.inner.GetState(ctx, entityID)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(c.key(entityID), st)
	return st, nil
}

// GetStates fetches only the misses and preserves input order.
func (c *CachedClient) GetStates(ctx context.Context, entityIDs []string) ([]*State, error) {
	found := make(map[string]*State, len(entityIDs))
	var misses []string
	for _, id := range entityIDs {
		if st, ok := c.lookup(id); ok {
			found[id] = st
		} else {
			misses = append(misses, id)
		}
	}

	if len(misses) > 0 {
		fetched, err := c.inner.GetStates(ctx, misses)
		if err != nil {
			return nil, err
		}
		for _, st := range fetched {
			found[st.EntityID] = st
			_ = c.cache.Set(c.key(st.EntityID), st)
		}
	}

	states := make([]*State, 0, len(entityIDs))
	for _, id := range entityIDs {
		if st, ok := found[id]; ok {
			states = append(states, st)
		}
	}
	return states, nil
}

// GetAllStates is never cached.
func (c *CachedClient) GetAllStates(ctx context.Context) ([]*State, error) {
	return c.inner.GetAllStates(ctx)
}

// CallService forwards the call and drops the target entity from the cache
// so the next view shows the new state.
func (c *CachedClient) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	err := c.inner.CallService(ctx, domain, service, data)
	if id, ok := data["entity_id"].(string); ok {
		_ = c.cache.Remove(c.key(id))
	}
	return err
}

// Ping forwards to the inner client.
func (c *CachedClient) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}
