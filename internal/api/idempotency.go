package api

import (
	"sync"
	"time"
)

const idempotencyTTL = time.Hour

type idempotencyEntry struct {
	body      []byte
	timestamp time.Time
}

// idempotencyCache remembers report-submission responses keyed by the
// X-Idempotency-Key header so a retried relay returns the original
// result instead of reprocessing the report.
type idempotencyCache struct {
	mu    sync.Mutex
	cache map[string]idempotencyEntry
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{cache: make(map[string]idempotencyEntry)}
}

func (c *idempotencyCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.timestamp) > idempotencyTTL {
		delete(c.cache, key)
		return nil, false
	}
	return e.body, true
}

func (c *idempotencyCache) Set(key string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = idempotencyEntry{body: body, timestamp: time.Now()}
}
