package sstable

import (
	"errors"

	"github.com/dd0wney/lsmcore/pkg/comparator"
	"github.com/golang/snappy"
)

// DefaultBlockSize is the target uncompressed size of a data block before
// Flush is triggered.
const DefaultBlockSize = 4 * 1024

// metaFilterKeyPrefix names the meta-index entry pointing at the filter
// block: "filter." + policy name.
const metaFilterKeyPrefix = "filter."

// TableBuilder assembles an SST file in a single forward pass over
// ascending keys, per spec.md §4.10.
type TableBuilder struct {
	w      WritableFile
	cmp    comparator.Comparator
	policy FilterPolicy

	blockSize int
	data      *BlockBuilder
	index     *BlockBuilder
	filter    *FilterBlockBuilder

	offset            uint64
	lastKey           []byte
	numEntries        int
	pendingIndexEntry bool
	pendingHandle     BlockHandle

	closed bool
	err    error
}

// NewTableBuilder creates a builder writing to w. policy may be nil to
// omit the filter block.
func NewTableBuilder(w WritableFile, cmp comparator.Comparator, policy FilterPolicy) *TableBuilder {
	if cmp == nil {
		cmp = comparator.Bytewise
	}
	tb := &TableBuilder{
		w:         w,
		cmp:       cmp,
		policy:    policy,
		blockSize: DefaultBlockSize,
		data:      NewBlockBuilder(DefaultRestartInterval),
		index:     NewBlockBuilder(IndexRestartInterval),
	}
	if policy != nil {
		tb.filter = NewFilterBlockBuilder(policy)
		tb.filter.StartBlock(0)
	}
	return tb
}

// NumEntries returns the number of (key, value) pairs added so far.
func (tb *TableBuilder) NumEntries() int { return tb.numEntries }

// FileSize returns the number of bytes written to the underlying file so
// far (not counting buffered-but-unflushed data block contents).
func (tb *TableBuilder) FileSize() uint64 { return tb.offset }

// Add appends (key, value). Keys must be presented in ascending order.
func (tb *TableBuilder) Add(key, value []byte) {
	if tb.err != nil {
		return
	}
	if tb.numEntries > 0 {
		if tb.cmp.Compare(tb.lastKey, key) >= 0 {
			tb.err = errors.New("sstable: keys added out of order")
			return
		}
	}

	if tb.pendingIndexEntry {
		separator := tb.cmp.FindShortestSeparator(append([]byte{}, tb.lastKey...), key)
		var handleBuf [MaxBlockHandleLen]byte
		tb.index.Add(separator, tb.pendingHandle.EncodeTo(handleBuf[:0]))
		tb.pendingIndexEntry = false
	}

	if tb.filter != nil {
		tb.filter.AddKey(key)
	}

	tb.lastKey = append(tb.lastKey[:0], key...)
	tb.data.Add(key, value)
	tb.numEntries++

	if tb.data.CurrentSizeEstimate() >= tb.blockSize {
		tb.Flush()
	}
}

// Flush serializes and writes the current data block, if non-empty.
func (tb *TableBuilder) Flush() {
	if tb.err != nil || tb.data.Empty() {
		return
	}
	handle, err := tb.writeBlock(tb.data, true)
	if err != nil {
		tb.err = err
		return
	}
	tb.pendingHandle = handle
	tb.pendingIndexEntry = true
	tb.data.Reset()

	if tb.filter != nil {
		tb.filter.StartBlock(tb.offset)
	}
}

// writeBlock serializes b, optionally compressing it (kept only if the
// compressed form shrinks the block by more than 12.5%), writes
// block||type||masked_crc32c, and returns the handle.
func (tb *TableBuilder) writeBlock(b *BlockBuilder, allowCompression bool) (BlockHandle, error) {
	raw := b.Finish()
	payload := raw
	ctype := CompressionNone

	if allowCompression {
		if compressed := maybeCompress(raw); compressed != nil {
			payload = compressed
			ctype = CompressionSnappy
		}
	}

	handle := BlockHandle{Offset: tb.offset, Size: uint64(len(payload))}
	trailer := writeBlockTrailer(nil, payload, ctype)

	if _, err := tb.w.Write(payload); err != nil {
		return BlockHandle{}, err
	}
	if _, err := tb.w.Write(trailer); err != nil {
		return BlockHandle{}, err
	}
	tb.offset += uint64(len(payload) + BlockTrailerLen)
	return handle, nil
}

// maybeCompress returns the snappy-compressed form of raw if it shrinks
// the block by more than 12.5%, or nil if compression isn't worthwhile.
func maybeCompress(raw []byte) []byte {
	compressed := snappy.Encode(nil, raw)
	if len(compressed) < len(raw)-len(raw)/8 {
		return compressed
	}
	return nil
}

// Finish flushes any pending data block, writes the filter block,
// meta-index block, index block, and footer, per spec.md §4.10.
func (tb *TableBuilder) Finish() error {
	if tb.closed {
		return tb.err
	}
	tb.closed = true
	tb.Flush()
	if tb.err != nil {
		return tb.err
	}

	var filterHandle BlockHandle
	haveFilter := tb.filter != nil
	if haveFilter {
		filterContents := tb.filter.Finish()
		h, err := tb.writeRawBlock(filterContents)
		if err != nil {
			return err
		}
		filterHandle = h
	}

	metaIndexBuilder := NewBlockBuilder(DefaultRestartInterval)
	if haveFilter {
		var handleBuf [MaxBlockHandleLen]byte
		metaIndexBuilder.Add([]byte(metaFilterKeyPrefix+tb.policy.Name()), filterHandle.EncodeTo(handleBuf[:0]))
	}
	metaIndexHandle, err := tb.writeBlock(metaIndexBuilder, true)
	if err != nil {
		return err
	}

	if tb.pendingIndexEntry {
		successor := tb.cmp.FindShortSuccessor(append([]byte{}, tb.lastKey...))
		var handleBuf [MaxBlockHandleLen]byte
		tb.index.Add(successor, tb.pendingHandle.EncodeTo(handleBuf[:0]))
		tb.pendingIndexEntry = false
	}
	indexHandle, err := tb.writeBlock(tb.index, true)
	if err != nil {
		return err
	}

	footer := Footer{MetaIndexHandle: metaIndexHandle, IndexHandle: indexHandle}
	var footerBuf [FooterLength]byte
	if _, err := tb.w.Write(footer.EncodeTo(footerBuf[:0])); err != nil {
		return err
	}
	tb.offset += FooterLength

	if err := tb.w.Flush(); err != nil {
		return err
	}
	return tb.w.Sync()
}

// writeRawBlock writes contents verbatim (uncompressed), as the filter
// block always is.
func (tb *TableBuilder) writeRawBlock(contents []byte) (BlockHandle, error) {
	handle := BlockHandle{Offset: tb.offset, Size: uint64(len(contents))}
	trailer := writeBlockTrailer(nil, contents, CompressionNone)
	if _, err := tb.w.Write(contents); err != nil {
		return BlockHandle{}, err
	}
	if _, err := tb.w.Write(trailer); err != nil {
		return BlockHandle{}, err
	}
	tb.offset += uint64(len(contents) + BlockTrailerLen)
	return handle, nil
}
