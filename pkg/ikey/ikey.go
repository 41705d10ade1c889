// Package ikey implements the internal-key format shared by the memtable
// and SSTable: user_key || fixed64_le(seq<<8 | type), per spec.md §3.
package ikey

import (
	"fmt"

	"github.com/dd0wney/lsmcore/pkg/coding"
)

// ValueType tags an internal key as a live value or a tombstone.
type ValueType uint8

const (
	// TypeDeletion marks a tombstone: the key was explicitly removed.
	TypeDeletion ValueType = 0
	// TypeValue marks a live value.
	TypeValue ValueType = 1
)

// TypeForSeek is the value type used when constructing a LookupKey: being
// the highest-numbered real type, a probe built with it sorts no later
// than any real entry at that sequence number.
const TypeForSeek = TypeValue

// MaxSequenceNumber is the largest representable sequence number (56
// bits) and is reserved as a sentinel for "latest version" lookups.
const MaxSequenceNumber uint64 = (1 << 56) - 1

// PackSequenceAndType packs a sequence number and value type into the
// 8-byte trailer appended to every internal key.
func PackSequenceAndType(seq uint64, t ValueType) uint64 {
	return (seq << 8) | uint64(t)
}

// UnpackSequenceAndType reverses PackSequenceAndType.
func UnpackSequenceAndType(packed uint64) (seq uint64, t ValueType) {
	return packed >> 8, ValueType(packed & 0xff)
}

// Append appends the internal-key encoding of (userKey, seq, t) to dst.
func Append(dst []byte, userKey []byte, seq uint64, t ValueType) []byte {
	dst = append(dst, userKey...)
	dst = coding.PutFixed64(dst, PackSequenceAndType(seq, t))
	return dst
}

// ParsedInternalKey is the decoded form of an internal key.
type ParsedInternalKey struct {
	UserKey []byte
	Seq     uint64
	Type    ValueType
}

// Parse decodes an internal key produced by Append. It returns ok=false
// if ikey is shorter than the 8-byte trailer.
func Parse(ikeyBytes []byte) (ParsedInternalKey, bool) {
	if len(ikeyBytes) < 8 {
		return ParsedInternalKey{}, false
	}
	n := len(ikeyBytes) - 8
	packed := coding.DecodeFixed64(ikeyBytes[n:])
	seq, t := UnpackSequenceAndType(packed)
	return ParsedInternalKey{UserKey: ikeyBytes[:n], Seq: seq, Type: t}, true
}

// UserKey returns the user-key portion of an internal key without fully
// parsing the trailer.
func UserKey(ikeyBytes []byte) []byte {
	if len(ikeyBytes) < 8 {
		return nil
	}
	return ikeyBytes[:len(ikeyBytes)-8]
}

// String renders a parsed internal key for diagnostics.
func (p ParsedInternalKey) String() string {
	tag := "v"
	if p.Type == TypeDeletion {
		tag = "d"
	}
	return fmt.Sprintf("%q@%d:%s", p.UserKey, p.Seq, tag)
}

// NewLookupKey builds the probe described in spec.md §3 "Lookup key": a
// memtable-entry-shaped key (varint length prefix + user key + packed
// trailer) positioned so a single Seek lands on the first entry with this
// user key whose sequence is <= seq.
//
// The returned LookupKey exposes three views: the full memtable-key
// encoding (for skip-list seeks), the internal-key encoding (for
// comparator use), and the bare user key.
type LookupKey struct {
	buf       []byte
	userKeyAt int // offset where the user key starts within buf
}

// NewLookupKey constructs a LookupKey for userKey at the given sequence
// number, probing as of TypeForSeek so the first match at seq or an
// earlier sequence is returned.
func NewLookupKey(userKey []byte, seq uint64) *LookupKey {
	size := coding.VarintLength32(uint32(len(userKey)+8)) + len(userKey) + 8
	buf := make([]byte, 0, size)
	buf = coding.PutVarint32(buf, uint32(len(userKey)+8))
	userKeyAt := len(buf)
	buf = append(buf, userKey...)
	buf = coding.PutFixed64(buf, PackSequenceAndType(seq, TypeForSeek))
	return &LookupKey{buf: buf, userKeyAt: userKeyAt}
}

// MemtableKey returns the varint32-length-prefixed encoding suitable for
// seeking directly in the memtable's skip list.
func (lk *LookupKey) MemtableKey() []byte { return lk.buf }

// InternalKey returns the user_key||trailer encoding without the
// memtable-entry length prefix.
func (lk *LookupKey) InternalKey() []byte { return lk.buf[lk.userKeyAt:] }

// UserKey returns the bare user key.
func (lk *LookupKey) UserKey() []byte { return lk.buf[lk.userKeyAt : len(lk.buf)-8] }
