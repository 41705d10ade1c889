package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndLookupRoundTrips(t *testing.T) {
	c := New(1 << 20)
	h := c.Insert([]byte("a"), 100, 1, nil)
	defer c.Release(h)

	got, ok := c.Lookup([]byte("a"))
	require.True(t, ok)
	require.Equal(t, 100, got.Value())
	c.Release(got)
}

func TestLookupMissingKeyNotFound(t *testing.T) {
	c := New(1 << 20)
	_, ok := c.Lookup([]byte("nope"))
	require.False(t, ok)
}

func TestReleaseInvokesDeleterAtZeroRefs(t *testing.T) {
	c := New(1 << 20)
	var deleted []string
	h := c.Insert([]byte("a"), 1, 1, func(key []byte, value any) {
		deleted = append(deleted, string(key))
	})
	require.Empty(t, deleted)
	c.Erase([]byte("a")) // drop the cache's own reference; the caller's remains
	c.Release(h)
	require.Equal(t, []string{"a"}, deleted)
}

func TestEraseDropsEntryOnceUnreferenced(t *testing.T) {
	c := New(1 << 20)
	var deleted []string
	h := c.Insert([]byte("a"), 1, 1, func(key []byte, value any) {
		deleted = append(deleted, string(key))
	})
	c.Erase([]byte("a"))
	_, ok := c.Lookup([]byte("a"))
	require.False(t, ok)
	require.Empty(t, deleted, "deleter must wait for the caller's handle to be released too")

	c.Release(h)
	require.Equal(t, []string{"a"}, deleted)
}

func TestReinsertingKeyDropsOldEntry(t *testing.T) {
	c := New(1 << 20)
	var deleted []int
	h1 := c.Insert([]byte("a"), 1, 1, func(key []byte, value any) {
		deleted = append(deleted, value.(int))
	})
	c.Release(h1)

	h2 := c.Insert([]byte("a"), 2, 1, func(key []byte, value any) {
		deleted = append(deleted, value.(int))
	})
	require.Equal(t, []int{1}, deleted)

	got, ok := c.Lookup([]byte("a"))
	require.True(t, ok)
	require.Equal(t, 2, got.Value())
	c.Release(got)
	c.Release(h2)
}

// TestSingleShardEvictionInvariant mirrors spec.md §8's boundary invariant:
// inserting n entries of equal charge into a single-shard cache with
// capacity c < n invokes exactly n-c deleters, and the c most-recently
// looked-up keys remain present.
func TestSingleShardEvictionInvariant(t *testing.T) {
	const capacity = 4
	const n = 10
	s := &shard{}
	s.init(capacity)

	deletedCount := 0
	var handles []Handle
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		h := s.insert(key, i, 1, func(key []byte, value any) {
			deletedCount++
		})
		s.release(h.entry) // drop the caller's own reference immediately
		handles = append(handles, h)
	}

	require.Equal(t, n-capacity, deletedCount)

	for i := n - capacity; i < n; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		_, ok := s.lookup(key)
		require.True(t, ok, "key %s should still be cached", key)
	}
	for i := 0; i < n-capacity; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		_, ok := s.lookup(key)
		require.False(t, ok, "key %s should have been evicted", key)
	}
}

func TestLookupBumpsEntryToMRUProtectingFromEviction(t *testing.T) {
	const capacity = 3
	s := &shard{}
	s.init(capacity)

	var evicted []string
	insert := func(k string) Handle {
		h := s.insert([]byte(k), k, 1, func(key []byte, value any) {
			evicted = append(evicted, string(key))
		})
		s.release(h.entry)
		return h
	}

	insert("a")
	insert("b")
	insert("c")

	// Touch "a" so it becomes MRU; "b" is now the LRU victim.
	h, ok := s.lookup([]byte("a"))
	require.True(t, ok)
	s.release(h.entry)

	insert("d")

	require.Equal(t, []string{"b"}, evicted)
	_, ok = s.lookup([]byte("a"))
	require.True(t, ok)
	_, ok = s.lookup([]byte("d"))
	require.True(t, ok)
}

// TestReinsertingKeyDoesNotLeakUsage guards against a regression where the
// overwrite path in shard.insert failed to subtract the replaced entry's
// charge from s.usage, permanently inflating capacity accounting on every
// key reinsertion.
func TestReinsertingKeyDoesNotLeakUsage(t *testing.T) {
	s := &shard{}
	s.init(100)

	h1 := s.insert([]byte("a"), 1, 7, nil)
	s.release(h1.entry)
	require.Equal(t, 7, s.usage)

	h2 := s.insert([]byte("a"), 2, 7, nil)
	s.release(h2.entry)
	require.Equal(t, 7, s.usage, "usage must not grow when overwriting an existing key with equal charge")

	h3 := s.insert([]byte("a"), 3, 11, nil)
	s.release(h3.entry)
	require.Equal(t, 11, s.usage, "usage must reflect only the latest entry's charge after overwrite")
}

func TestShardDistributionSpansAllShards(t *testing.T) {
	c := New(NumShards * 100)
	_ = c
	seen := make(map[int]bool)
	for i := 0; i < 4096; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		seen[shardFor(hashKey(key))] = true
	}
	require.Len(t, seen, NumShards)
}
