package market

import (
	"sync"

	"polyfade/pkg/types"
)

// Cache is the registry of markets the engine trades. Records arrive fully
// populated from the configured slate; the cache indexes them by slug and by
// token ID and evicts them when they settle.
type Cache struct {
	mu      sync.RWMutex
	bySlug  map[string]*types.Market
	byToken map[string]*types.Market
}

// NewCache creates an empty market cache.
func NewCache() *Cache {
	return &Cache{
		bySlug:  make(map[string]*types.Market),
		byToken: make(map[string]*types.Market),
	}
}

// Put inserts or replaces a market record.
func (c *Cache) Put(m types.Market) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.bySlug[m.Slug]; ok {
		delete(c.byToken, old.TokenIDs[0])
		delete(c.byToken, old.TokenIDs[1])
	}
	rec := &m
	c.bySlug[m.Slug] = rec
	c.byToken[m.TokenIDs[0]] = rec
	c.byToken[m.TokenIDs[1]] = rec
}

// BySlug looks up a market by its slug.
func (c *Cache) BySlug(slug string) (types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.bySlug[slug]
	if !ok {
		return types.Market{}, false
	}
	return *m, true
}

// ByToken looks up the market containing a token ID.
func (c *Cache) ByToken(tokenID string) (types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.byToken[tokenID]
	if !ok {
		return types.Market{}, false
	}
	return *m, true
}

// Complement returns the paired token for a token ID.
func (c *Cache) Complement(tokenID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.byToken[tokenID]
	if !ok {
		return "", false
	}
	other := m.Complement(tokenID)
	return other, other != ""
}

// MarkSettled flips a market to settled and removes it from the indexes.
// Returns the evicted record so callers can unsubscribe its tokens.
func (c *Cache) MarkSettled(slug string) (types.Market, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.bySlug[slug]
	if !ok {
		return types.Market{}, false
	}
	m.State = types.MarketSettled
	out := *m
	delete(c.bySlug, slug)
	delete(c.byToken, m.TokenIDs[0])
	delete(c.byToken, m.TokenIDs[1])
	return out, true
}

// Active returns all cached markets.
func (c *Cache) Active() []types.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Market, 0, len(c.bySlug))
	for _, m := range c.bySlug {
		out = append(out, *m)
	}
	return out
}

// TokenIDs returns every tracked token ID, for WS subscription.
func (c *Cache) TokenIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.byToken))
	for id := range c.byToken {
		out = append(out, id)
	}
	return out
}
