package composer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// cacheKey hashes the inputs that determine a build.
func cacheKey(folioID, query string, opts BuildOptions) string {
	optJSON, _ := json.Marshal(opts)
	h := sha256.New()
	h.Write([]byte(folioID))
	h.Write([]byte{0})
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write(optJSON)
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	context *Context
	stored  time.Time
	seq     uint64
}

// contextCache holds built contexts for ttl. After every write expired
// entries are swept, and when more than maxEntries remain only the keep
// most recently inserted survive.
type contextCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	keep       int
	seq        uint64
}

func newContextCache(ttl time.Duration, maxEntries, keep int) *contextCache {
	return &contextCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		keep:       keep,
	}
}

func (c *contextCache) get(key string, now time.Time) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.Sub(e.stored) >= c.ttl {
		return nil, false
	}
	return e.context, true
}

func (c *contextCache) put(key string, ctx *Context, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.entries[key] = cacheEntry{context: ctx, stored: now, seq: c.seq}

	for k, e := range c.entries {
		if now.Sub(e.stored) >= c.ttl {
			delete(c.entries, k)
		}
	}

	if len(c.entries) <= c.maxEntries {
		return
	}
	type keyed struct {
		key string
		seq uint64
	}
	all := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, keyed{k, e.seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	for _, k := range all[c.keep:] {
		delete(c.entries, k.key)
	}
}

func (c *contextCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *contextCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
