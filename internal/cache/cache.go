// Package cache stores recognition results keyed by frame fingerprint.
//
// The cache is bounded by both entry count and age. Near-identical video frames rarely
// repeat byte for byte, so without these bounds the map would grow with every frame.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/types"
)

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expirations uint64 `json:"expirations"`
	Evictions   uint64 `json:"evictions"`
	Size        int    `json:"size"`
}

type entry struct {
	key        frame.Fingerprint
	result     types.Result
	insertedAt time.Time
}

// ResultCache is a TTL-aware map with oldest-insertion eviction. All methods are safe for
// concurrent use and atomic with respect to each other.
type ResultCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	entries map[frame.Fingerprint]*list.Element
	// order holds entries by insertion time, oldest at the front. Set always stamps with
	// the current time and moves the entry to the back, so the front is the eviction victim.
	order *list.List

	stats Stats
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithClock overrides the wall clock used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) { c.now = now }
}

// New creates a cache holding at most maxSize entries, each valid for ttl.
func New(maxSize int, ttl time.Duration, opts ...Option) *ResultCache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &ResultCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[frame.Fingerprint]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the stored result for fp. An entry whose age has reached the TTL is removed
// and reported as absent.
func (c *ResultCache) Get(fp frame.Fingerprint) (types.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fp]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.removeElement(el)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.result, true
}

// Set stores result under fp. Overwriting resets the entry's timestamp. When the cache is
// full and fp is new, exactly one entry (the oldest) is evicted first.
func (c *ResultCache) Set(fp frame.Fingerprint, result types.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := result.Clone()
	if stored == nil {
		stored = types.Result{}
	}

	if el, ok := c.entries[fp]; ok {
		e := el.Value.(*entry)
		e.result = stored
		e.insertedAt = c.now()
		c.order.MoveToBack(el)
		return
	}

	if len(c.entries) >= c.maxSize {
		if oldest := c.order.Front(); oldest != nil {
			c.removeElement(oldest)
			c.stats.Evictions++
		}
	}

	c.entries[fp] = c.order.PushBack(&entry{key: fp, result: stored, insertedAt: c.now()})
}

// Clear removes every entry.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[frame.Fingerprint]*list.Element)
	c.order.Init()
}

// Size is the number of stored entries. Expired entries are still counted until a Get
// purges them.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

// removeElement expects c.mu to be held.
func (c *ResultCache) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.entries, e.key)
}
