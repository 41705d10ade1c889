package sstable

import (
	"errors"

	"github.com/dd0wney/lsmcore/pkg/comparator"
	"github.com/golang/snappy"
)

// ErrNotFound indicates Get found no matching key.
var ErrNotFound = errors.New("sstable: key not found")

// BlockCache is the subset of pkg/cache.ShardedCache the table reader
// needs: a handle-based lookup-or-insert for decoded blocks, keyed by raw
// bytes (typically file-number||block-offset).
type BlockCache interface {
	Lookup(key []byte) (value any, release func(), ok bool)
	Insert(key []byte, value any, charge int, deleter func(key []byte, value any)) (release func())
}

// Table is an opened, immutable SST file reader, per spec.md §4.11.
type Table struct {
	file   RandomAccessFile
	cmp    comparator.Comparator
	policy FilterPolicy

	index  *Block
	filter *FilterBlockReader

	cache      BlockCache
	cacheIDKey [8]byte // distinguishes this table's blocks within a shared cache
}

// Options configures Open.
type Options struct {
	Comparator   comparator.Comparator
	FilterPolicy FilterPolicy // nil disables filter checks even if present on disk
	Cache        BlockCache   // nil disables block caching
	CacheIDKey   [8]byte
}

// Open reads the footer, index block, and (if present) filter block of
// file, whose total size is fileSize.
func Open(file RandomAccessFile, fileSize int64, opts Options) (*Table, error) {
	if fileSize < FooterLength {
		return nil, ErrCorruptBlock
	}
	var footerBuf [FooterLength]byte
	if _, err := file.ReadAt(footerBuf[:], fileSize-FooterLength); err != nil {
		return nil, err
	}
	footer, err := DecodeFooter(footerBuf[:])
	if err != nil {
		return nil, err
	}

	cmp := opts.Comparator
	if cmp == nil {
		cmp = comparator.Bytewise
	}

	indexContents, err := readBlockPayload(file, footer.IndexHandle)
	if err != nil {
		return nil, err
	}
	indexBlock, err := NewBlock(indexContents, cmp)
	if err != nil {
		return nil, err
	}

	t := &Table{
		file:       file,
		cmp:        cmp,
		policy:     opts.FilterPolicy,
		index:      indexBlock,
		cache:      opts.Cache,
		cacheIDKey: opts.CacheIDKey,
	}

	if opts.FilterPolicy != nil {
		metaContents, err := readBlockPayload(file, footer.MetaIndexHandle)
		if err == nil {
			metaBlock, err := NewBlock(metaContents, comparator.Bytewise)
			if err == nil {
				if handle, ok := lookupFilterHandle(metaBlock, opts.FilterPolicy.Name()); ok {
					filterContents, err := readBlockPayload(file, handle)
					if err == nil {
						if fr, err := NewFilterBlockReader(opts.FilterPolicy, filterContents); err == nil {
							t.filter = fr
						}
					}
				}
			}
		}
	}

	return t, nil
}

func lookupFilterHandle(metaBlock *Block, policyName string) (BlockHandle, bool) {
	it := metaBlock.NewIterator()
	target := []byte(metaFilterKeyPrefix + policyName)
	it.Seek(target)
	if !it.Valid() || string(it.Key()) != string(target) {
		return BlockHandle{}, false
	}
	h, _, err := DecodeBlockHandle(it.Value())
	if err != nil {
		return BlockHandle{}, false
	}
	return h, true
}

// readBlockPayload reads the block at handle (including its trailer),
// verifies the checksum, and returns the decompressed payload.
func readBlockPayload(file RandomAccessFile, handle BlockHandle) ([]byte, error) {
	buf := make([]byte, handle.Size+BlockTrailerLen)
	if _, err := file.ReadAt(buf, int64(handle.Offset)); err != nil {
		return nil, err
	}
	payload := buf[:handle.Size]
	trailer := buf[handle.Size:]
	ctype, err := verifyBlockTrailer(payload, trailer)
	if err != nil {
		return nil, err
	}
	switch ctype {
	case CompressionNone:
		return payload, nil
	case CompressionSnappy:
		return snappy.Decode(nil, payload)
	default:
		return nil, ErrCorruptBlock
	}
}

// readDataBlock fetches the data block at handle, going through the
// block cache if one is configured.
func (t *Table) readDataBlock(handle BlockHandle) (*Block, func(), error) {
	if t.cache == nil {
		payload, err := readBlockPayload(t.file, handle)
		if err != nil {
			return nil, nil, err
		}
		blk, err := NewBlock(payload, t.cmp)
		if err != nil {
			return nil, nil, err
		}
		return blk, func() {}, nil
	}

	key := cacheKey(t.cacheIDKey, handle.Offset)
	if v, release, ok := t.cache.Lookup(key); ok {
		return v.(*Block), release, nil
	}
	payload, err := readBlockPayload(t.file, handle)
	if err != nil {
		return nil, nil, err
	}
	blk, err := NewBlock(payload, t.cmp)
	if err != nil {
		return nil, nil, err
	}
	release := t.cache.Insert(key, blk, len(payload), func(key []byte, value any) {})
	return blk, release, nil
}

func cacheKey(cacheID [8]byte, blockOffset uint64) []byte {
	key := make([]byte, 16)
	copy(key, cacheID[:])
	for i := 0; i < 8; i++ {
		key[8+i] = byte(blockOffset >> (8 * i))
	}
	return key
}

// Get looks up key, applying the filter block (if present) before
// fetching the data block.
func (t *Table) Get(key []byte) (value []byte, err error) {
	iit := t.index.NewIterator()
	iit.Seek(key)
	if !iit.Valid() {
		return nil, ErrNotFound
	}
	handle, _, err := DecodeBlockHandle(iit.Value())
	if err != nil {
		return nil, err
	}

	if t.filter != nil && !t.filter.KeyMayMatch(handle.Offset, key) {
		return nil, ErrNotFound
	}

	blk, release, err := t.readDataBlock(handle)
	if err != nil {
		return nil, err
	}
	defer release()

	dit := blk.NewIterator()
	dit.Seek(key)
	if !dit.Valid() || t.cmp.Compare(dit.Key(), key) != 0 {
		return nil, ErrNotFound
	}
	return append([]byte{}, dit.Value()...), nil
}

// Iterator is a bidirectional iterator over every (key, value) pair in
// the table, in ascending key order.
type Iterator struct {
	t       *Table
	index   *BlockIterator
	data    *BlockIterator
	release func()
	handle  []byte // raw encoded handle of the currently-loaded data block
	err     error
}

// NewIterator returns a two-level iterator, per spec.md §4.11.
func (t *Table) NewIterator() *Iterator {
	return &Iterator{t: t, index: t.index.NewIterator()}
}

func (it *Iterator) Valid() bool   { return it.data != nil && it.data.Valid() }
func (it *Iterator) Key() []byte   { return it.data.Key() }
func (it *Iterator) Value() []byte { return it.data.Value() }
func (it *Iterator) Err() error    { return it.err }

// Close releases the currently held data block, if any. Callers must call
// Close when finished iterating.
func (it *Iterator) Close() {
	if it.release != nil {
		it.release()
		it.release = nil
	}
}

// initDataBlock loads the data block the (possibly just-moved) index
// iterator points at, reusing the current one if the handle is unchanged.
func (it *Iterator) initDataBlock() {
	if !it.index.Valid() {
		it.Close()
		it.data = nil
		return
	}
	handleBytes := it.index.Value()
	if it.data != nil && string(handleBytes) == string(it.handle) {
		return
	}
	handle, _, err := DecodeBlockHandle(handleBytes)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	blk, release, err := it.t.readDataBlock(handle)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	it.Close()
	it.data = blk.NewIterator()
	it.release = release
	it.handle = append(it.handle[:0], handleBytes...)
}

func (it *Iterator) skipEmptyForward() {
	for it.data == nil || !it.data.Valid() {
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.index.Next()
		it.initDataBlock()
		if it.data != nil {
			it.data.SeekToFirst()
		}
	}
}

func (it *Iterator) skipEmptyBackward() {
	for it.data == nil || !it.data.Valid() {
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.index.Prev()
		it.initDataBlock()
		if it.data != nil {
			it.data.SeekToLast()
		}
	}
}

// Seek positions at the first entry whose key is >= target.
func (it *Iterator) Seek(target []byte) {
	it.index.Seek(target)
	it.initDataBlock()
	if it.data != nil {
		it.data.Seek(target)
	}
	it.skipEmptyForward()
}

// SeekToFirst positions at the first entry in the table.
func (it *Iterator) SeekToFirst() {
	it.index.SeekToFirst()
	it.initDataBlock()
	if it.data != nil {
		it.data.SeekToFirst()
	}
	it.skipEmptyForward()
}

// SeekToLast positions at the last entry in the table.
func (it *Iterator) SeekToLast() {
	it.index.SeekToLast()
	it.initDataBlock()
	if it.data != nil {
		it.data.SeekToLast()
	}
	it.skipEmptyBackward()
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	it.data.Next()
	it.skipEmptyForward()
}

// Prev moves to the previous entry.
func (it *Iterator) Prev() {
	it.data.Prev()
	it.skipEmptyBackward()
}
