// Package arena implements a bump allocator over a chain of heap blocks,
// the allocation strategy backing the memtable (see pkg/memtable and
// pkg/skiplist). All allocations made from an Arena are freed together
// when the Arena is dropped; there is no per-allocation free.
package arena

import "sync/atomic"

// DefaultBlockSize is the size of a freshly allocated default block.
const DefaultBlockSize = 4096

// Arena is a bump allocator. It is not internally synchronized for
// writes: the memtable guarantees a single writer. MemoryUsage is safe to
// call concurrently with allocation, matching the concurrency contract in
// spec.md §4.7 (readers only ever observe published, already-allocated
// bytes).
type Arena struct {
	blockSize int

	current   []byte // the block currently being bumped from
	off       int    // bump offset within current
	blocks    [][]byte
	blocksCap int // bookkeeping: sum of cap(blocks[i])

	memUsage atomic.Int64
}

// New creates an Arena with the given default block size. A blockSize of
// 0 uses DefaultBlockSize.
func New(blockSize int) *Arena {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Arena{blockSize: blockSize}
}

// Allocate returns n fresh bytes. If n fits in the remaining space of the
// current block, it is carved from there. If n exceeds a quarter of the
// block size, it gets a dedicated block (the current block is kept, its
// remaining space is not discarded). Otherwise the current block is
// retired (its remainder is wasted) and a new default block is allocated.
func (a *Arena) Allocate(n int) []byte {
	if n <= 0 {
		return nil
	}
	if remaining := len(a.current) - a.off; n <= remaining {
		b := a.current[a.off : a.off+n : a.off+n]
		a.off += n
		return b
	}
	return a.allocateFallback(n)
}

func (a *Arena) allocateFallback(n int) []byte {
	if n > a.blockSize/4 {
		// Large allocation: give it its own block, keep the current one.
		return a.newBlock(n)
	}

	// Retire the current block (wasting its tail) and bump from a fresh
	// default block.
	a.current = a.newBlock(a.blockSize)
	a.off = n
	return a.current[:n:n]
}

// AllocateAligned returns n bytes aligned to max(pointer-size, 8) bytes,
// matching the C++ original's AllocateAligned behavior on 64-bit
// platforms.
func (a *Arena) AllocateAligned(n int) []byte {
	const align = 8
	cur := a.off
	slop := (align - (cur & (align - 1))) & (align - 1)
	needed := n + slop
	if remaining := len(a.current) - a.off; needed <= remaining {
		a.off += slop
		b := a.current[a.off : a.off+n : a.off+n]
		a.off += n
		return b
	}
	return a.allocateFallback(n)
}

func (a *Arena) newBlock(size int) []byte {
	b := make([]byte, size)
	a.blocks = append(a.blocks, b)
	a.blocksCap += cap(b)
	a.memUsage.Add(int64(cap(b)))
	return b
}

// MemoryUsage returns the approximate number of bytes held by all blocks
// allocated so far, including unused tail space in the current block.
func (a *Arena) MemoryUsage() int64 {
	return a.memUsage.Load()
}
