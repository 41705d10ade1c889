package sstable

import (
	"hash/fnv"
	"math"

	"github.com/dd0wney/lsmcore/pkg/coding"
)

// FilterPolicy summarizes a set of keys into a filter that can cheaply
// rule out most non-membership lookups, per spec.md §4.9.
type FilterPolicy interface {
	Name() string
	// CreateFilter appends a filter summarizing keys to dst.
	CreateFilter(keys [][]byte, dst []byte) []byte
	// KeyMayMatch reports whether key might be a member of the set
	// CreateFilter summarized into filter. False positives are allowed;
	// false negatives are not.
	KeyMayMatch(key []byte, filter []byte) bool
}

// bitsPerKey controls the default Bloom filter's size/accuracy trade-off.
const bitsPerKey = 10

// NewBloomFilterPolicy returns the default Bloom filter policy, using
// k = round(bitsPerKey * ln2) hash functions simulated via double hashing
// (one FNV-1a hash as the start, a rotation of it as the step), the same
// technique as the teacher's bloom filter.
func NewBloomFilterPolicy() FilterPolicy {
	k := int(math.Round(bitsPerKey * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &bloomFilterPolicy{k: k}
}

type bloomFilterPolicy struct {
	k int
}

func (p *bloomFilterPolicy) Name() string { return "leveldb.BuiltinBloomFilter2" }

func (p *bloomFilterPolicy) CreateFilter(keys [][]byte, dst []byte) []byte {
	bits := len(keys) * bitsPerKey
	if bits < 64 {
		bits = 64
	}
	bytes := (bits + 7) / 8
	bits = bytes * 8

	base := len(dst)
	dst = append(dst, make([]byte, bytes)...)
	dst = append(dst, byte(p.k))
	array := dst[base : base+bytes]

	for _, key := range keys {
		h := bloomHash(key)
		delta := (h >> 17) | (h << 15) // rotate, per the double-hashing trick
		for i := 0; i < p.k; i++ {
			bitpos := h % uint32(bits)
			array[bitpos/8] |= 1 << (bitpos % 8)
			h += delta
		}
	}
	return dst
}

func (p *bloomFilterPolicy) KeyMayMatch(key []byte, filter []byte) bool {
	if len(filter) < 1 {
		return false
	}
	bytes := len(filter) - 1
	bits := bytes * 8
	if bits == 0 {
		return false
	}
	k := int(filter[len(filter)-1])
	if k > 30 {
		// Reserved for future encodings the reader doesn't understand:
		// conservatively say yes (matches the policy's false-negative-never
		// contract).
		return true
	}

	h := bloomHash(key)
	delta := (h >> 17) | (h << 15)
	for i := 0; i < k; i++ {
		bitpos := h % uint32(bits)
		if filter[bitpos/8]&(1<<(bitpos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// bloomHash derives a single 32-bit hash used as the Bloom filter's
// starting point for the double-hashing scheme, using FNV-1a the same way
// the teacher's bloom filter does.
func bloomHash(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32()
}

// FilterBaseLg is log2 of the number of data bytes each filter group
// covers (2 KiB by default).
const FilterBaseLg = 11

// FilterBlockBuilder accumulates keys per data-block offset group and
// emits one filter per group, per spec.md §4.9.
type FilterBlockBuilder struct {
	policy FilterPolicy

	keys        [][]byte
	result      []byte
	groupOffset []uint32 // offset into result where each group's filter starts
}

// NewFilterBlockBuilder creates a builder using policy.
func NewFilterBlockBuilder(policy FilterPolicy) *FilterBlockBuilder {
	return &FilterBlockBuilder{policy: policy}
}

// StartBlock notifies the builder that a new data block begins at
// dataBlockOffset, closing out filter groups for any offset spans that
// have now been fully seen.
func (fb *FilterBlockBuilder) StartBlock(dataBlockOffset uint64) {
	group := dataBlockOffset >> FilterBaseLg
	for group > uint64(len(fb.groupOffset)) {
		fb.emitFilter()
	}
}

// AddKey records a key for inclusion in the filter group currently being
// built.
func (fb *FilterBlockBuilder) AddKey(key []byte) {
	fb.keys = append(fb.keys, append([]byte{}, key...))
}

func (fb *FilterBlockBuilder) emitFilter() {
	fb.groupOffset = append(fb.groupOffset, uint32(len(fb.result)))
	if len(fb.keys) > 0 {
		fb.result = fb.policy.CreateFilter(fb.keys, fb.result)
	}
	fb.keys = fb.keys[:0]
}

// Finish serializes the filter block: per-group filters, a fixed32 offset
// per group, the offset of that offset array, and the base-lg byte.
func (fb *FilterBlockBuilder) Finish() []byte {
	if len(fb.keys) > 0 {
		fb.emitFilter()
	}
	offsetArrayStart := uint32(len(fb.result))
	for _, off := range fb.groupOffset {
		var tmp [4]byte
		fb.result = append(fb.result, coding.PutFixed32(tmp[:0], off)...)
	}
	var tmp [4]byte
	fb.result = append(fb.result, coding.PutFixed32(tmp[:0], offsetArrayStart)...)
	fb.result = append(fb.result, byte(FilterBaseLg))
	return fb.result
}

// FilterBlockReader answers KeyMayMatch queries against a serialized
// filter block.
type FilterBlockReader struct {
	policy FilterPolicy
	data   []byte
	// offsetsStart is where the fixed32 per-group offset array begins.
	offsetsStart uint32
	numGroups    uint32
	baseLg       byte
}

// NewFilterBlockReader parses a serialized filter block.
func NewFilterBlockReader(policy FilterPolicy, data []byte) (*FilterBlockReader, error) {
	if len(data) < 5 {
		return nil, ErrCorruptBlock
	}
	baseLg := data[len(data)-1]
	offsetsStart := coding.DecodeFixed32(data[len(data)-5:])
	if int(offsetsStart) > len(data)-5 {
		return nil, ErrCorruptBlock
	}
	numGroups := (uint32(len(data)-5) - offsetsStart) / 4
	return &FilterBlockReader{
		policy:       policy,
		data:         data,
		offsetsStart: offsetsStart,
		numGroups:    numGroups,
		baseLg:       baseLg,
	}, nil
}

// KeyMayMatch reports whether key might be present in the data block
// starting at blockOffset. Out-of-range groups conservatively return true.
func (fr *FilterBlockReader) KeyMayMatch(blockOffset uint64, key []byte) bool {
	idx := uint32(blockOffset >> fr.baseLg)
	if idx >= fr.numGroups {
		return true
	}
	start := coding.DecodeFixed32(fr.data[fr.offsetsStart+4*idx:])
	var limit uint32
	if idx+1 < fr.numGroups {
		limit = coding.DecodeFixed32(fr.data[fr.offsetsStart+4*(idx+1):])
	} else {
		limit = fr.offsetsStart
	}
	if start == limit {
		return false
	}
	if start > limit || limit > fr.offsetsStart {
		return true // corrupt offsets: fail open
	}
	return fr.policy.KeyMayMatch(key, fr.data[start:limit])
}
