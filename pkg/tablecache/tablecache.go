// Package tablecache holds a process-level cache of open SST file handles,
// per spec.md §4.13.
package tablecache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dd0wney/lsmcore/pkg/cache"
	"github.com/dd0wney/lsmcore/pkg/coding"
	"github.com/dd0wney/lsmcore/pkg/comparator"
	"github.com/dd0wney/lsmcore/pkg/sstable"
)

// entry is the cached value for one open SST file: its handle plus the
// parsed Table reader built on top of it.
type entry struct {
	file  sstable.RandomAccessFile
	table *sstable.Table
}

// Cache opens and caches SST files by file number, keyed by their
// fixed64-le encoding, per spec.md §4.13.
type Cache struct {
	dbDir      string
	cmp        comparator.Comparator
	policy     sstable.FilterPolicy
	blockCache *cache.ShardedCache
	cache      *cache.ShardedCache
}

// Options configures a Cache.
type Options struct {
	Comparator   comparator.Comparator
	FilterPolicy sstable.FilterPolicy // nil disables filters
	BlockCache   *cache.ShardedCache  // nil disables block caching
}

// New creates a table cache rooted at dbDir whose capacity is counted in
// open tables (the cache's "charge" unit is one entry per open table).
// The capacity is split across the ShardedCache's shards, each holding at
// most ceil(capacity/cache.NumShards) tables, so the bound applies per
// shard rather than to the total.
func New(dbDir string, capacity int, opts Options) *Cache {
	return &Cache{
		dbDir:      dbDir,
		cmp:        opts.Comparator,
		policy:     opts.FilterPolicy,
		blockCache: opts.BlockCache,
		cache:      cache.New(capacity),
	}
}

// fileNumberKey is the fixed64-le encoding of a file number, per spec.md
// §4.13's stated cache key.
func fileNumberKey(fileNumber uint64) []byte {
	var buf [8]byte
	coding.PutFixed64(buf[:0], fileNumber)
	return buf[:]
}

// tableFileNames returns the current (.ldb) and legacy (.sst) paths for
// fileNumber, per spec.md §6's bit-exact file naming.
func tableFileNames(dbDir string, fileNumber uint64) (current, legacy string) {
	base := fmt.Sprintf("%06d", fileNumber)
	return filepath.Join(dbDir, base+".ldb"), filepath.Join(dbDir, base+".sst")
}

// openTable opens fileNumber's SST file, trying the current filename form
// first and falling back to the legacy one, per spec.md §4.13.
func (c *Cache) openTable(fileNumber uint64) (*entry, error) {
	current, legacy := tableFileNames(c.dbDir, fileNumber)

	path := current
	if _, err := os.Stat(current); err != nil {
		if _, err := os.Stat(legacy); err != nil {
			return nil, fmt.Errorf("tablecache: open table %d: %w", fileNumber, err)
		}
		path = legacy
	}

	file, err := sstable.OpenMmapFile(path)
	if err != nil {
		return nil, fmt.Errorf("tablecache: mmap table %d: %w", fileNumber, err)
	}

	var tableOpts sstable.Options
	tableOpts.Comparator = c.cmp
	tableOpts.FilterPolicy = c.policy
	if c.blockCache != nil {
		tableOpts.Cache = sstable.NewCacheAdapter(c.blockCache)
		idKey := fileNumberKey(fileNumber)
		copy(tableOpts.CacheIDKey[:], idKey)
	}

	table, err := sstable.Open(file, file.Size(), tableOpts)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("tablecache: open footer/index for table %d: %w", fileNumber, err)
	}

	return &entry{file: file, table: table}, nil
}

// FindTable returns the cached (or newly opened) Table for fileNumber. The
// returned release func must be called once the caller is done with the
// table (typically when a borrowed iterator is dropped).
func (c *Cache) FindTable(fileNumber uint64) (table *sstable.Table, release func(), err error) {
	key := fileNumberKey(fileNumber)

	if v, ok := c.cache.Lookup(key); ok {
		e := v.Value().(*entry)
		return e.table, func() { c.cache.Release(v) }, nil
	}

	e, err := c.openTable(fileNumber)
	if err != nil {
		return nil, nil, err
	}
	h := c.cache.Insert(key, e, 1, func(key []byte, value any) {
		_ = value.(*entry).file.Close()
	})
	return e.table, func() { c.cache.Release(h) }, nil
}

// Get looks up key within the SST identified by fileNumber.
func (c *Cache) Get(fileNumber uint64, key []byte) ([]byte, error) {
	table, release, err := c.FindTable(fileNumber)
	if err != nil {
		return nil, err
	}
	defer release()
	return table.Get(key)
}

// NewIterator returns an iterator over the SST identified by fileNumber.
// The iterator's Close method releases the table cache's handle in
// addition to the table's own internally-held block.
func (c *Cache) NewIterator(fileNumber uint64) (*Iterator, error) {
	table, release, err := c.FindTable(fileNumber)
	if err != nil {
		return nil, err
	}
	return &Iterator{Iterator: table.NewIterator(), release: release}, nil
}

// Evict drops fileNumber from the cache, e.g. after it is compacted away.
func (c *Cache) Evict(fileNumber uint64) {
	c.cache.Erase(fileNumberKey(fileNumber))
}

// Iterator wraps a *sstable.Iterator borrowed from the table cache,
// releasing the table handle on Close in addition to the iterator's own
// data block, per spec.md §4.13's cleanup requirement.
type Iterator struct {
	*sstable.Iterator
	release func()
}

// Close releases the held data block and the table cache handle.
func (it *Iterator) Close() {
	it.Iterator.Close()
	it.release()
}
