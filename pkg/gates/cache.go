package gates

import (
	"sync"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// cacheTTL bounds how long a passing verdict is trusted without re-running
// the gate.
const cacheTTL = 5 * time.Minute

type cacheKey struct {
	sessionID string
	gate      string
}

type cacheEntry struct {
	result  models.GateResult
	savedAt time.Time
}

// resultCache holds passing gate verdicts per session. Failing and warning
// verdicts are never cached.
type resultCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
	now     func() time.Time
}

func newResultCache() *resultCache {
	return &resultCache{
		entries: make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}
}

func (c *resultCache) get(sessionID, gate string) (models.GateResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{sessionID: sessionID, gate: gate}
	entry, ok := c.entries[key]
	if !ok {
		return models.GateResult{}, false
	}
	if c.now().Sub(entry.savedAt) > cacheTTL {
		delete(c.entries, key)
		return models.GateResult{}, false
	}
	return entry.result, true
}

func (c *resultCache) put(sessionID, gate string, result models.GateResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{sessionID: sessionID, gate: gate}] = cacheEntry{
		result:  result,
		savedAt: c.now(),
	}
}

func (c *resultCache) clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.sessionID == sessionID {
			delete(c.entries, key)
		}
	}
}
