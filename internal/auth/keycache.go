package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/partner-gateway/internal/metrics"
	"github.com/jmehdipour/partner-gateway/internal/model"
)

const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCacheMaxEntries = 10000
)

type cacheEntry struct {
	key        model.APIKey
	partner    model.Partner
	insertedAt time.Time
}

// KeyCache maps key hash -> (key, partner) for a fixed TTL. Entries are
// checked lazily on read and removed by Sweep; when the entry count exceeds
// the cap the oldest-inserted entry goes first.
type KeyCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	entries sync.Map // hash -> *cacheEntry
	size    atomic.Int64

	// serializes cap eviction only; reads and writes never take it
	evictMu sync.Mutex
}

func NewKeyCache(ttl time.Duration, maxEntries int, now func() time.Time) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &KeyCache{ttl: ttl, maxEntries: maxEntries, now: now}
}

// Get returns copies of the cached records. An entry older than the TTL is
// dropped and reported as a miss.
func (c *KeyCache) Get(hash string) (*model.APIKey, *model.Partner, bool) {
	v, ok := c.entries.Load(hash)
	if !ok {
		metrics.KeyCacheTotal.WithLabelValues("miss").Inc()
		return nil, nil, false
	}
	e := v.(*cacheEntry)
	if c.expired(e, c.now()) {
		c.remove(hash, e)
		metrics.KeyCacheTotal.WithLabelValues("stale").Inc()
		return nil, nil, false
	}
	metrics.KeyCacheTotal.WithLabelValues("hit").Inc()
	k, p := e.key, e.partner
	return &k, &p, true
}

func (c *KeyCache) Put(hash string, key *model.APIKey, partner *model.Partner) {
	e := &cacheEntry{key: *key, partner: *partner, insertedAt: c.now()}
	if _, loaded := c.entries.Swap(hash, e); !loaded {
		c.size.Add(1)
	}
	if int(c.size.Load()) > c.maxEntries {
		c.evictOldest()
	}
	metrics.KeyCacheEntries.Set(float64(c.size.Load()))
}

func (c *KeyCache) Delete(hash string) {
	if _, loaded := c.entries.LoadAndDelete(hash); loaded {
		c.size.Add(-1)
		metrics.KeyCacheEntries.Set(float64(c.size.Load()))
	}
}

func (c *KeyCache) Len() int { return int(c.size.Load()) }

// Sweep removes every entry older than the TTL and returns how many went.
func (c *KeyCache) Sweep() int {
	now := c.now()
	removed := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*cacheEntry)
		if c.expired(e, now) && c.remove(k.(string), e) {
			removed++
		}
		return true
	})
	if removed > 0 {
		metrics.KeyCacheTotal.WithLabelValues("sweep").Add(float64(removed))
	}
	metrics.KeyCacheEntries.Set(float64(c.size.Load()))
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (c *KeyCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

func (c *KeyCache) expired(e *cacheEntry, now time.Time) bool {
	return now.Sub(e.insertedAt) > c.ttl
}

// remove deletes hash only if it still points at e, so a concurrent Put of a
// fresh entry survives.
func (c *KeyCache) remove(hash string, e *cacheEntry) bool {
	if c.entries.CompareAndDelete(hash, e) {
		c.size.Add(-1)
		return true
	}
	return false
}

func (c *KeyCache) evictOldest() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	for int(c.size.Load()) > c.maxEntries {
		var (
			oldestHash  string
			oldestEntry *cacheEntry
		)
		c.entries.Range(func(k, v any) bool {
			e := v.(*cacheEntry)
			if oldestEntry == nil || e.insertedAt.Before(oldestEntry.insertedAt) {
				oldestHash, oldestEntry = k.(string), e
			}
			return true
		})
		if oldestEntry == nil {
			return
		}
		if c.remove(oldestHash, oldestEntry) {
			metrics.KeyCacheTotal.WithLabelValues("evict").Inc()
		}
	}
}
