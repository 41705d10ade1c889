// Package cache implements the block cache: a sharded LRU keyed by raw
// bytes with an explicit, reference-counted Handle protocol, per
// spec.md §4.12.
package cache

import (
	"hash/fnv"
	"sync"
)

// NumShards is the fixed shard count (S = 16 in spec.md §4.12).
const NumShards = 16

// Deleter is invoked exactly once, when an entry's reference count drops
// to zero — the cache's polymorphism mechanism for different value kinds
// (decoded blocks, raw bytes, whatever a caller stores).
type Deleter func(key []byte, value any)

// Handle is the opaque reference callers hold to a cached entry. It must
// be released via the cache's Release method once; using a Handle's value
// after Release is undefined (the entry may already be freed).
type Handle struct {
	entry *entry
}

// Value returns the cached value held by this handle.
func (h Handle) Value() any { return h.entry.value }

type entry struct {
	key     []byte
	value   any
	charge  int
	deleter Deleter

	refs    int
	inCache bool

	// lru list linkage; head-sentinel doubly linked list. next points
	// toward the MRU end, prev toward the LRU end (for the sentinel itself,
	// prev is the MRU entry and next the LRU entry).
	prev, next *entry
}

// ShardedCache is a fixed-capacity LRU split across NumShards independent
// shards, each with its own mutex, hash table, and LRU list.
type ShardedCache struct {
	shards [NumShards]shard
}

// New creates a cache with the given total capacity (an abstract "charge"
// budget — callers decide what a charge unit means, typically bytes).
// Capacity is divided evenly (rounding up) across shards.
func New(totalCapacity int) *ShardedCache {
	perShard := (totalCapacity + NumShards - 1) / NumShards
	c := &ShardedCache{}
	for i := range c.shards {
		c.shards[i].init(perShard)
	}
	return c
}

func shardFor(hash uint32) int {
	// shard_index = hash >> (32 - log2(S))
	return int(hash >> (32 - 4)) // log2(16) = 4
}

func hashKey(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32()
}

// Insert adds (key, value) with the given charge and deleter, evicting
// LRU entries as needed to stay within capacity. The returned Handle
// carries the caller's reference; the cache retains its own reference
// until the entry is evicted or Erased.
func (c *ShardedCache) Insert(key []byte, value any, charge int, deleter Deleter) Handle {
	h := hashKey(key)
	return c.shards[shardFor(h)].insert(key, value, charge, deleter)
}

// Lookup finds key, bumping it to the MRU position and returning a Handle
// with an incremented reference count, or ok=false if absent.
func (c *ShardedCache) Lookup(key []byte) (Handle, bool) {
	h := hashKey(key)
	return c.shards[shardFor(h)].lookup(key)
}

// Release drops a reference acquired via Insert or Lookup, freeing the
// entry (invoking its deleter) once the count reaches zero.
func (c *ShardedCache) Release(handle Handle) {
	h := hashKey(handle.entry.key)
	c.shards[shardFor(h)].release(handle.entry)
}

// Erase removes key from the cache if present, dropping the cache's own
// reference (the entry is freed once any outstanding caller handles are
// also released).
func (c *ShardedCache) Erase(key []byte) {
	h := hashKey(key)
	c.shards[shardFor(h)].erase(key)
}

// shard is one of the cache's S independent partitions.
type shard struct {
	mu       sync.Mutex
	capacity int
	usage    int
	table    map[string]*entry
	lruHead  entry // sentinel; lruHead.next = LRU end, lruHead.prev = MRU end
}

func (s *shard) init(capacity int) {
	s.capacity = capacity
	s.table = make(map[string]*entry)
	s.lruHead.next = &s.lruHead
	s.lruHead.prev = &s.lruHead
}

func (s *shard) listRemove(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

// listPushMRU links e at the MRU end (just before the sentinel going
// backward, i.e. sentinel.prev).
func (s *shard) listPushMRU(e *entry) {
	e.next = &s.lruHead
	e.prev = s.lruHead.prev
	e.prev.next = e
	e.next.prev = e
}

func (s *shard) insert(key []byte, value any, charge int, deleter Deleter) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{
		key:     append([]byte{}, key...),
		value:   value,
		charge:  charge,
		deleter: deleter,
		refs:    2, // one for the cache, one for the caller
		inCache: true,
	}
	s.listPushMRU(e)
	s.usage += charge

	if old, ok := s.table[string(key)]; ok {
		s.listRemove(old)
		old.inCache = false
		s.usage -= old.charge
		s.unrefLocked(old)
	}
	s.table[string(key)] = e

	for s.usage > s.capacity && s.lruHead.next != &s.lruHead {
		lru := s.lruHead.next
		s.listRemove(lru)
		delete(s.table, string(lru.key))
		lru.inCache = false
		s.usage -= lru.charge
		s.unrefLocked(lru)
	}

	return Handle{entry: e}
}

func (s *shard) lookup(key []byte) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.table[string(key)]
	if !ok {
		return Handle{}, false
	}
	e.refs++
	s.listRemove(e)
	s.listPushMRU(e)
	return Handle{entry: e}, true
}

func (s *shard) release(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unrefLocked(e)
}

func (s *shard) erase(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.table[string(key)]
	if !ok {
		return
	}
	delete(s.table, string(key))
	s.listRemove(e)
	e.inCache = false
	s.usage -= e.charge
	s.unrefLocked(e)
}

// unrefLocked drops a reference and frees the entry (invoking its
// deleter) if it reaches zero. Must be called with s.mu held.
func (s *shard) unrefLocked(e *entry) {
	e.refs--
	if e.refs <= 0 {
		if e.deleter != nil {
			e.deleter(e.key, e.value)
		}
	}
}
