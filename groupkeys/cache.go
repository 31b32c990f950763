// Package groupkeys implements the bounded in-process cache for the
// GroupKeys entity (spec.md §3: "reads are served from an in-memory FIFO
// cache keyed (gid, version) up to a configured limit; the latest version
// is never served stale within a process unless the cache is explicitly
// bypassed"). It wraps a dao.GroupKeysDAO and satisfies the same
// interface, so it drops in wherever the raw DAO is used.
package groupkeys

import (
	"container/list"
	"context"
	"sync"

	"github.com/bcmapp/groupdispatch/dao"
)

// entry is one cached (gid, version) row.
type entry struct {
	gid, mode, creator string
	version            uint64
	keys               []byte
}

type cacheKey struct {
	gid     string
	version uint64
}

// Cache wraps a dao.GroupKeysDAO with a bounded LRU cache over Get, sized
// from cache.groupKeysLimit. Individual (gid, version) rows are immutable
// once inserted, so they're cached indefinitely subject to eviction.
// LatestVersion is never cached and always delegates straight through:
// caching it would let the cache answer "latest" with a version it
// learned about before a newer Insert landed, violating "never served
// stale" (petervdpas-goop2's util.RingBuffer gave the eviction shape; the
// ring is generalized here to an LRU list, and the never-stale guarantee
// comes from this LatestVersion bypass, not from the eviction order).
type Cache struct {
	dao   dao.GroupKeysDAO
	limit int

	mu    sync.Mutex
	ll    *list.List
	items map[cacheKey]*list.Element
}

// NewCache constructs a Cache bounded to limit rows. A limit of 0 disables
// caching: every Get falls straight through to dao.
func NewCache(underlying dao.GroupKeysDAO, limit int) *Cache {
	return &Cache{
		dao:   underlying,
		limit: limit,
		ll:    list.New(),
		items: make(map[cacheKey]*list.Element),
	}
}

// Insert forwards to the underlying DAO, then seeds the cache with the
// row it just wrote so the next Get for (gid, version) is a hit.
func (c *Cache) Insert(ctx context.Context, gid string, version uint64, mode, creator string, keys []byte) error {
	if err := c.dao.Insert(ctx, gid, version, mode, creator, keys); err != nil {
		return err
	}
	c.put(gid, version, mode, creator, keys)
	return nil
}

// LatestVersion always bypasses the cache (see Cache doc).
func (c *Cache) LatestVersion(ctx context.Context, gid string) (uint64, error) {
	return c.dao.LatestVersion(ctx, gid)
}

// Get serves (gid, version) from the cache when present, otherwise fetches
// from the underlying DAO and caches the result.
func (c *Cache) Get(ctx context.Context, gid string, version uint64) (mode, creator string, keys []byte, err error) {
	if e, ok := c.get(gid, version); ok {
		return e.mode, e.creator, e.keys, nil
	}
	mode, creator, keys, err = c.dao.Get(ctx, gid, version)
	if err != nil {
		return "", "", nil, err
	}
	c.put(gid, version, mode, creator, keys)
	return mode, creator, keys, nil
}

func (c *Cache) get(gid string, version uint64) (entry, bool) {
	if c.limit <= 0 {
		return entry{}, false
	}
	k := cacheKey{gid, version}

	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok {
		return entry{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(entry), true
}

func (c *Cache) put(gid string, version uint64, mode, creator string, keys []byte) {
	if c.limit <= 0 {
		return
	}
	k := cacheKey{gid, version}
	e := entry{gid: gid, version: version, mode: mode, creator: creator, keys: keys}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		el.Value = e
		c.ll.MoveToFront(el)
		return
	}
	c.items[k] = c.ll.PushFront(e)
	for c.ll.Len() > c.limit {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, cacheKey{oldest.Value.(entry).gid, oldest.Value.(entry).version})
	}
}

// Len reports the number of rows currently cached, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
