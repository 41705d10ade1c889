// Package memtable implements the in-memory write buffer: an
// arena-backed skip list keyed by encoded internal key, per spec.md §4.7.
// A single writer calls Add (with TypeValue or TypeDeletion); any number of
// readers may concurrently Get or iterate.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/dd0wney/lsmcore/pkg/arena"
	"github.com/dd0wney/lsmcore/pkg/coding"
	"github.com/dd0wney/lsmcore/pkg/comparator"
	"github.com/dd0wney/lsmcore/pkg/ikey"
	"github.com/dd0wney/lsmcore/pkg/skiplist"
)

// Options configures a MemTable.
type Options struct {
	// ArenaBlockSize is the default heap-block size for the backing
	// arena (see pkg/arena). Zero uses arena.DefaultBlockSize.
	ArenaBlockSize int
	// Comparator orders user keys. Nil defaults to comparator.Bytewise.
	Comparator comparator.Comparator
}

// MemTable is the arena-backed write buffer described in spec.md §4.7.
// Entries are encoded as [varint32 ikey_len][ikey][varint32 vlen][value]
// and allocated from the arena; the skip list only ever stores pointers
// into that arena.
type MemTable struct {
	arena *arena.Arena
	list  *skiplist.SkipList
	icmp  *comparator.InternalKeyComparator

	refs    atomic.Int32
	memSize atomic.Int64

	mu sync.Mutex // serializes writers; a single writer is assumed but this keeps Add safe if misused
}

// New creates an empty MemTable. The returned table starts with a
// reference count of 1; callers should Unref it when no longer needed.
func New(opts Options) *MemTable {
	cmp := opts.Comparator
	if cmp == nil {
		cmp = comparator.Bytewise
	}
	icmp := comparator.NewInternalKeyComparator(cmp)
	a := arena.New(opts.ArenaBlockSize)
	mt := &MemTable{
		arena: a,
		icmp:  icmp,
		list:  skiplist.New(func(a, b []byte) int { return icmp.Compare(decodeMemtableIKey(a), decodeMemtableIKey(b)) }),
	}
	mt.refs.Store(1)
	return mt
}

// decodeMemtableIKey strips the varint32 length prefix a memtable entry's
// key is stored with, returning just the internal-key bytes. Used only as
// the skip list's comparator adapter, since the skip list stores raw
// encoded entries, not bare internal keys.
func decodeMemtableIKey(entryKey []byte) []byte {
	ik, _, ok := coding.GetLengthPrefixedSlice(entryKey)
	if !ok {
		return entryKey
	}
	return ik
}

// Ref increments the reference count.
func (mt *MemTable) Ref() { mt.refs.Add(1) }

// Unref decrements the reference count; the caller must not use mt after
// the count reaches zero.
func (mt *MemTable) Unref() int32 { return mt.refs.Add(-1) }

// ApproximateMemoryUsage returns the arena's memory usage (the bytes of
// every block it has allocated), suitable for flush-threshold decisions.
func (mt *MemTable) ApproximateMemoryUsage() int64 {
	return mt.arena.MemoryUsage()
}

// Add inserts (key, seq, type, value) into the table. Only Put and
// Delete value types are meaningful; Delete's value is ignored (typically
// empty). The single writer must ensure seq values are never reused.
func (mt *MemTable) Add(seq uint64, vtype ikey.ValueType, key, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	ikeySize := len(key) + 8
	valSize := len(value)
	encodedSize := coding.VarintLength32(uint32(ikeySize)) + ikeySize +
		coding.VarintLength32(uint32(valSize)) + valSize

	buf := mt.arena.Allocate(encodedSize)
	dst := buf[:0]
	dst = coding.PutVarint32(dst, uint32(ikeySize))
	dst = ikey.Append(dst, key, seq, vtype)
	dst = coding.PutVarint32(dst, uint32(valSize))
	dst = append(dst, value...)

	mt.list.Insert(dst)
	mt.memSize.Add(int64(encodedSize))
}

// LookupResult is returned by Get.
type LookupResult struct {
	Value []byte
	Found bool
	// Deleted is true when the most recent version at or before the
	// probed sequence is a tombstone; Found is still true in that case
	// (the key has a known, recent history) but Value is nil and the
	// caller should treat this as "not present".
	Deleted bool
}

// Get looks up key at the given sequence number (the caller builds the
// probe via pkg/ikey.NewLookupKey and passes it here; its MemtableKey is
// the seek target and its UserKey the match check). It
// positions the skip list with a single Seek, per spec.md §4.7.
func (mt *MemTable) Get(lookupKey *ikey.LookupKey) LookupResult {
	it := mt.list.NewIterator()
	it.Seek(lookupKey.MemtableKey())
	if !it.Valid() {
		return LookupResult{}
	}

	entry := it.Key()
	internalKey, rest, ok := splitEntry(entry)
	if !ok {
		return LookupResult{}
	}
	parsed, ok := ikey.Parse(internalKey)
	if !ok {
		return LookupResult{}
	}
	if mt.icmp.User.Compare(parsed.UserKey, lookupKey.UserKey()) != 0 {
		return LookupResult{}
	}

	value, _, ok := coding.GetLengthPrefixedSlice(rest)
	if !ok {
		return LookupResult{}
	}
	switch parsed.Type {
	case ikey.TypeValue:
		return LookupResult{Value: value, Found: true}
	case ikey.TypeDeletion:
		return LookupResult{Found: true, Deleted: true}
	default:
		return LookupResult{}
	}
}

// splitEntry decodes a raw memtable entry into its internal-key bytes and
// the remaining (length-prefixed value) bytes.
func splitEntry(entry []byte) (internalKey, rest []byte, ok bool) {
	ik, n, ok := coding.GetLengthPrefixedSlice(entry)
	if !ok {
		return nil, nil, false
	}
	return ik, entry[n:], true
}

// Entry is a decoded memtable entry, used by Iterator and Scan.
type Entry struct {
	UserKey []byte
	Seq     uint64
	Type    ikey.ValueType
	Value   []byte
}

// Iterator provides ordered traversal of the memtable's internal keys
// (including all versions and tombstones — deduplication across versions
// is the caller's responsibility, matching spec.md's layering).
type Iterator struct {
	it *skiplist.Iterator
}

// NewIterator returns an Iterator positioned before the first entry.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{it: mt.list.NewIterator()}
}

func (it *Iterator) Valid() bool { return it.it.Valid() }
func (it *Iterator) SeekToFirst() { it.it.SeekToFirst() }
func (it *Iterator) SeekToLast()  { it.it.SeekToLast() }
func (it *Iterator) Next()        { it.it.Next() }
func (it *Iterator) Prev()        { it.it.Prev() }

// Seek positions at the first entry whose internal key is >= the probe
// built from (userKey, seq).
func (it *Iterator) Seek(userKey []byte, seq uint64) {
	lk := ikey.NewLookupKey(userKey, seq)
	it.it.Seek(lk.MemtableKey())
}

// Entry decodes the entry at the current position.
func (it *Iterator) Entry() Entry {
	internalKey, rest, _ := splitEntry(it.it.Key())
	parsed, _ := ikey.Parse(internalKey)
	value, _, _ := coding.GetLengthPrefixedSlice(rest)
	return Entry{UserKey: parsed.UserKey, Seq: parsed.Seq, Type: parsed.Type, Value: value}
}
