package sstable

import "github.com/dd0wney/lsmcore/pkg/cache"

// CacheAdapter narrows a *cache.ShardedCache down to the BlockCache
// interface the table reader actually needs, turning its Handle protocol
// into the closure-based release style used throughout this package.
type CacheAdapter struct {
	C *cache.ShardedCache
}

// NewCacheAdapter wraps c for use as a Table's BlockCache.
func NewCacheAdapter(c *cache.ShardedCache) *CacheAdapter {
	return &CacheAdapter{C: c}
}

func (a *CacheAdapter) Lookup(key []byte) (value any, release func(), ok bool) {
	h, found := a.C.Lookup(key)
	if !found {
		return nil, nil, false
	}
	return h.Value(), func() { a.C.Release(h) }, true
}

func (a *CacheAdapter) Insert(key []byte, value any, charge int, deleter func(key []byte, value any)) func() {
	h := a.C.Insert(key, value, charge, cache.Deleter(deleter))
	return func() { a.C.Release(h) }
}
