package service

import (
	"sync"
	"time"

	"tickersync/internal/domain"
)

// DefaultCacheTTL bounds how long a batch fetch result is reused.
const DefaultCacheTTL = 60 * time.Second

type cacheEntry struct {
	table domain.PriceTable
	at    time.Time
}

// QuoteCache memoizes the last successful batch fetch per symbol set,
// preventing duplicate upstream fetches within the TTL window. It is a
// process-wide singleton shared by all fetch invocations, so all access
// goes through an internal lock.
type QuoteCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewQuoteCache(ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &QuoteCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Lookup returns the cached table and its age for key. A hit requires
// age < TTL. Callers that force a refresh skip Lookup entirely but still
// Store the result.
func (c *QuoteCache) Lookup(key string) (domain.PriceTable, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	age := c.now().Sub(e.at)
	if age >= c.ttl {
		delete(c.entries, key)
		return nil, 0, false
	}
	return e.table.Clone(), age, true
}

// Store records a fetch result and opportunistically evicts every expired
// entry, so no background sweep is needed.
func (c *QuoteCache) Store(key string, table domain.PriceTable) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.at) >= c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{table: table.Clone(), at: now}
}
