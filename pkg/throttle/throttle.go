// Package throttle collapses bursts of conversation updates for the same case.
package throttle

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultSize   = 4
	DefaultTTL    = 60 * time.Second
	DefaultMinGap = 5 * time.Second
)

// Cache remembers when each case was last updated. Entries expire after the TTL
// and the least recently used entry is evicted once the cache is full.
type Cache struct {
	mu     sync.Mutex
	lru    *expirable.LRU[uuid.UUID, time.Time]
	minGap time.Duration
	now    func() time.Time
}

func New(size int, ttl, minGap time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		lru:    expirable.NewLRU[uuid.UUID, time.Time](size, nil, ttl),
		minGap: minGap,
		now:    time.Now,
	}
}

// Allow reports whether an update for the case may be sent now, and records it when so
func (c *Cache) Allow(caseID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.lru.Get(caseID); ok && now.Sub(last) < c.minGap {
		return false
	}
	c.lru.Add(caseID, now)
	return true
}
