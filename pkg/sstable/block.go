// Package sstable implements the immutable sorted-table file format: data
// blocks, the filter block, the table builder/reader, and block-handle and
// footer codecs described in spec.md §4.8–§4.11.
package sstable

import (
	"bytes"
	"errors"

	"github.com/dd0wney/lsmcore/pkg/coding"
	"github.com/dd0wney/lsmcore/pkg/comparator"
)

// DefaultRestartInterval is the number of entries between full-key restart
// points in a data block.
const DefaultRestartInterval = 16

// IndexRestartInterval is the restart interval used for the index block,
// which stores one separator per data block and gains nothing from prefix
// compression across entries.
const IndexRestartInterval = 1

// BlockBuilder assembles a single SST block (data or index) from entries
// presented in ascending key order, per spec.md §4.8.
type BlockBuilder struct {
	restartInterval int
	buf             bytes.Buffer
	restarts        []uint32
	counter         int
	lastKey         []byte
	finished        bool
}

// NewBlockBuilder creates a builder that emits a restart point every
// restartInterval entries.
func NewBlockBuilder(restartInterval int) *BlockBuilder {
	b := &BlockBuilder{restartInterval: restartInterval}
	b.restarts = append(b.restarts, 0)
	return b
}

// Reset clears the builder for reuse.
func (b *BlockBuilder) Reset() {
	b.buf.Reset()
	b.restarts = b.restarts[:0]
	b.restarts = append(b.restarts, 0)
	b.counter = 0
	b.lastKey = nil
	b.finished = false
}

// Empty reports whether any entries have been added since the last Reset.
func (b *BlockBuilder) Empty() bool { return b.buf.Len() == 0 }

// CurrentSizeEstimate approximates the block's final size, used to decide
// when to flush.
func (b *BlockBuilder) CurrentSizeEstimate() int {
	return b.buf.Len() + len(b.restarts)*4 + 4
}

// Add appends (key, value). Keys must be added in ascending order.
func (b *BlockBuilder) Add(key, value []byte) {
	var shared int
	if b.counter < b.restartInterval {
		shared = commonPrefixLen(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
		b.counter = 0
		shared = 0
	}
	nonShared := len(key) - shared

	var hdr [3 * coding.MaxVarint32Len]byte
	dst := hdr[:0]
	dst = coding.PutVarint32(dst, uint32(shared))
	dst = coding.PutVarint32(dst, uint32(nonShared))
	dst = coding.PutVarint32(dst, uint32(len(value)))
	b.buf.Write(dst)
	b.buf.Write(key[shared:])
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// Finish serializes the block: entries, restart offsets, and restart
// count.
func (b *BlockBuilder) Finish() []byte {
	for _, r := range b.restarts {
		var tmp [4]byte
		dst := coding.PutFixed32(tmp[:0], r)
		b.buf.Write(dst)
	}
	var tmp [4]byte
	b.buf.Write(coding.PutFixed32(tmp[:0], uint32(len(b.restarts))))
	b.finished = true
	return b.buf.Bytes()
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// ErrCorruptBlock is returned when a block's contents cannot be parsed.
var ErrCorruptBlock = errors.New("sstable: corrupt block contents")

// Block is a parsed, immutable data or index block ready for iteration.
type Block struct {
	data        []byte
	restartsOff int // byte offset where the restart array begins
	numRestarts int
	cmp         comparator.Comparator
}

// NewBlock parses the trailing restart array of a serialized block. cmp
// orders the (fully reconstructed) keys for Seek.
func NewBlock(data []byte, cmp comparator.Comparator) (*Block, error) {
	if len(data) < 4 {
		return nil, ErrCorruptBlock
	}
	numRestarts := int(coding.DecodeFixed32(data[len(data)-4:]))
	if numRestarts < 0 {
		return nil, ErrCorruptBlock
	}
	restartsOff := len(data) - 4 - numRestarts*4
	if restartsOff < 0 || restartsOff > len(data) {
		return nil, ErrCorruptBlock
	}
	if cmp == nil {
		cmp = comparator.Bytewise
	}
	return &Block{data: data, restartsOff: restartsOff, numRestarts: numRestarts, cmp: cmp}, nil
}

func (blk *Block) restartPoint(i int) uint32 {
	return coding.DecodeFixed32(blk.data[blk.restartsOff+4*i:])
}

// decodedEntry is one parsed (key, value, nextOffset) triple.
type decodedEntry struct {
	key        []byte
	value      []byte
	nextOffset int
}

// decodeEntryAt parses the entry whose encoding begins at offset, given the
// key of the immediately preceding entry (used to reconstruct the shared
// prefix); pass nil if offset is a restart point.
func (blk *Block) decodeEntryAt(offset int, prevKey []byte) (decodedEntry, bool) {
	if offset >= blk.restartsOff {
		return decodedEntry{}, false
	}
	p := blk.data[offset:blk.restartsOff]
	shared, n1, ok := coding.GetVarint32(p)
	if !ok {
		return decodedEntry{}, false
	}
	p = p[n1:]
	nonShared, n2, ok := coding.GetVarint32(p)
	if !ok {
		return decodedEntry{}, false
	}
	p = p[n2:]
	valLen, n3, ok := coding.GetVarint32(p)
	if !ok {
		return decodedEntry{}, false
	}
	p = p[n3:]
	if int(nonShared)+int(valLen) > len(p) {
		return decodedEntry{}, false
	}

	key := make([]byte, 0, int(shared)+int(nonShared))
	if shared > 0 {
		if int(shared) > len(prevKey) {
			return decodedEntry{}, false
		}
		key = append(key, prevKey[:shared]...)
	}
	key = append(key, p[:nonShared]...)
	value := p[nonShared : nonShared+valLen]

	headerLen := len(blk.data[offset:blk.restartsOff]) - len(p)
	next := offset + headerLen + int(nonShared) + int(valLen)
	return decodedEntry{key: key, value: value, nextOffset: next}, true
}

// BlockIterator is a restart-point-aware iterator over a Block, per
// spec.md §4.8.
type BlockIterator struct {
	blk     *Block
	offset  int // offset of the current entry, or blk.restartsOff if invalid
	next    int // offset just past the current entry
	key     []byte
	value   []byte
	valid   bool
	corrupt bool
}

// NewIterator returns a BlockIterator positioned before the first entry.
func (blk *Block) NewIterator() *BlockIterator {
	return &BlockIterator{blk: blk, offset: blk.restartsOff}
}

func (it *BlockIterator) Valid() bool   { return it.valid && !it.corrupt }
func (it *BlockIterator) Key() []byte   { return it.key }
func (it *BlockIterator) Value() []byte { return it.value }

func (it *BlockIterator) invalidate() {
	it.valid = false
	it.offset = it.blk.restartsOff
}

// SeekToFirst positions at restart 0 and decodes the first entry.
func (it *BlockIterator) SeekToFirst() {
	if it.blk.numRestarts == 0 {
		it.invalidate()
		return
	}
	it.seekToRestartPoint(0)
	it.parseAt(it.offset, nil)
}

// SeekToLast positions at the last entry in the block.
func (it *BlockIterator) SeekToLast() {
	if it.blk.numRestarts == 0 {
		it.invalidate()
		return
	}
	it.seekToRestartPoint(it.blk.numRestarts - 1)
	it.parseAt(it.offset, nil)
	for it.Valid() && it.next < it.blk.restartsOff {
		it.Next()
	}
}

func (it *BlockIterator) seekToRestartPoint(i int) {
	it.offset = int(it.blk.restartPoint(i))
}

// parseAt decodes the entry at offset using prevKey as the preceding key
// for shared-prefix reconstruction, storing its bounds for Next to use
// without re-decoding.
func (it *BlockIterator) parseAt(offset int, prevKey []byte) {
	e, ok := it.blk.decodeEntryAt(offset, prevKey)
	if !ok {
		it.corrupt = true
		it.invalidate()
		return
	}
	it.offset = offset
	it.next = e.nextOffset
	it.key = e.key
	it.value = e.value
	it.valid = true
}

// Next advances to the entry following the current one.
func (it *BlockIterator) Next() {
	if !it.Valid() {
		return
	}
	if it.next >= it.blk.restartsOff {
		it.invalidate()
		return
	}
	it.parseAt(it.next, it.key)
}

// Prev walks the restart index backward until its offset precedes the
// current entry, then parses forward to reconstruct the predecessor.
func (it *BlockIterator) Prev() {
	if !it.valid {
		return
	}
	original := it.offset
	restartIdx := it.indexOfRestartBefore(original)
	if restartIdx < 0 {
		it.invalidate()
		return
	}
	it.seekToRestartPoint(restartIdx)

	var prevKey []byte
	offset := it.offset
	for {
		e, ok := it.blk.decodeEntryAt(offset, prevKey)
		if !ok {
			it.corrupt = true
			it.invalidate()
			return
		}
		if e.nextOffset >= original {
			it.offset = offset
			it.next = e.nextOffset
			it.key = e.key
			it.value = e.value
			it.valid = true
			return
		}
		prevKey = e.key
		offset = e.nextOffset
	}
}

// indexOfRestartBefore returns the largest restart index whose offset is
// strictly less than target, or -1 if none.
func (it *BlockIterator) indexOfRestartBefore(target int) int {
	best := -1
	for i := 0; i < it.blk.numRestarts; i++ {
		if int(it.blk.restartPoint(i)) < target {
			best = i
		} else {
			break
		}
	}
	return best
}

// Seek positions at the first entry whose key is >= target, using binary
// search over the restart array (restart keys have shared=0, so they
// decode without needing a predecessor).
func (it *BlockIterator) Seek(target []byte) {
	lo, hi := 0, it.blk.numRestarts-1
	if hi < 0 {
		it.invalidate()
		return
	}
	for lo < hi {
		mid := (lo + hi + 1) / 2
		e, ok := it.blk.decodeEntryAt(int(it.blk.restartPoint(mid)), nil)
		if !ok {
			it.corrupt = true
			it.invalidate()
			return
		}
		if it.blk.cmp.Compare(e.key, target) < 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	it.seekToRestartPoint(lo)
	it.parseAt(it.offset, nil)
	for it.Valid() && it.blk.cmp.Compare(it.key, target) < 0 {
		it.Next()
	}
}
