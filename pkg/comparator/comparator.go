// Package comparator defines the byte-wise total order used by the
// memtable and SSTable, plus the internal-key wrapper that breaks ties by
// descending sequence number. Mirrors spec.md §4.4.
package comparator

import (
	"bytes"

	"github.com/dd0wney/lsmcore/pkg/coding"
	"github.com/dd0wney/lsmcore/pkg/ikey"
)

// Comparator is a total order over byte strings, plus the two helpers
// needed to shorten keys stored in SSTable index/restart entries.
type Comparator interface {
	// Compare returns <0, 0, or >0 as a < b, a == b, a > b.
	Compare(a, b []byte) int
	// Name identifies the comparator for on-disk compatibility checks.
	Name() string
	// FindShortestSeparator mutates *start into the shortest string s such
	// that start <= s < limit, leaving *start unchanged if no such
	// shortening exists.
	FindShortestSeparator(start []byte, limit []byte) []byte
	// FindShortSuccessor mutates key into the shortest string >= key,
	// leaving key unchanged if no such shortening exists (all 0xff bytes).
	FindShortSuccessor(key []byte) []byte
}

// Bytewise is the default comparator: plain unsigned byte-wise order.
var Bytewise Comparator = bytewiseComparator{}

type bytewiseComparator struct{}

func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (bytewiseComparator) Name() string            { return "leveldb.BytewiseComparator" }

func (bytewiseComparator) FindShortestSeparator(start, limit []byte) []byte {
	minLen := len(start)
	if len(limit) < minLen {
		minLen = len(limit)
	}
	diffIdx := 0
	for diffIdx < minLen && start[diffIdx] == limit[diffIdx] {
		diffIdx++
	}
	if diffIdx >= minLen {
		// One is a prefix of the other: no shortening possible.
		return start
	}
	b := start[diffIdx]
	if b < 0xff && b+1 < limit[diffIdx] {
		shortened := append([]byte{}, start[:diffIdx+1]...)
		shortened[diffIdx]++
		return shortened
	}
	return start
}

func (bytewiseComparator) FindShortSuccessor(key []byte) []byte {
	for i := 0; i < len(key); i++ {
		if b := key[i]; b != 0xff {
			out := append([]byte{}, key[:i+1]...)
			out[i]++
			return out
		}
	}
	return key
}

// InternalKeyComparator wraps a user comparator: internal keys compare
// by user_key first (ascending), then by the 8-byte trailer interpreted
// as a little-endian u64 in REVERSE order (larger sequence, i.e. newer,
// sorts first).
type InternalKeyComparator struct {
	User Comparator
}

// NewInternalKeyComparator wraps user in an InternalKeyComparator. A nil
// user defaults to Bytewise.
func NewInternalKeyComparator(user Comparator) *InternalKeyComparator {
	if user == nil {
		user = Bytewise
	}
	return &InternalKeyComparator{User: user}
}

func (c *InternalKeyComparator) Name() string {
	return "leveldb.InternalKeyComparator." + c.User.Name()
}

func (c *InternalKeyComparator) Compare(a, b []byte) int {
	ua, ub := ikey.UserKey(a), ikey.UserKey(b)
	if cmp := c.User.Compare(ua, ub); cmp != 0 {
		return cmp
	}
	ta := coding.DecodeFixed64(a[len(a)-8:])
	tb := coding.DecodeFixed64(b[len(b)-8:])
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	default:
		return 0
	}
}

// FindShortestSeparator delegates to the user comparator over the
// user-key portions, then appends (MaxSequenceNumber, TypeForSeek) as the
// trailer — but only when the shortened user key strictly precedes the
// original; otherwise the internal key is left untouched, since a
// shortened-but-equal user key combined with a maximal trailer would sort
// before the original entry, violating the separator invariant.
func (c *InternalKeyComparator) FindShortestSeparator(start, limit []byte) []byte {
	userStart := ikey.UserKey(start)
	userLimit := ikey.UserKey(limit)
	shortened := c.User.FindShortestSeparator(userStart, userLimit)
	if strictlyPrecedes(c.User, shortened, userStart) {
		return appendMaxTrailer(shortened)
	}
	return start
}

// FindShortSuccessor delegates to the user comparator over the user-key
// portion, appending the same maximal trailer, subject to the same
// untouched-unless-strictly-shortened rule as FindShortestSeparator.
func (c *InternalKeyComparator) FindShortSuccessor(key []byte) []byte {
	userKey := ikey.UserKey(key)
	shortened := c.User.FindShortSuccessor(userKey)
	if strictlyPrecedes(c.User, shortened, userKey) {
		return appendMaxTrailer(shortened)
	}
	return key
}

// strictlyPrecedes reports whether shortened is a genuine shortening of
// original — i.e. shorter, or equal-length but different (and thus
// necessarily comparing greater, since FindShortestSeparator/FindShortSuccessor
// only ever increment a byte and truncate after it).
func strictlyPrecedes(cmp Comparator, shortened, original []byte) bool {
	return len(shortened) < len(original) || (len(shortened) == len(original) && cmp.Compare(shortened, original) != 0)
}

func appendMaxTrailer(userKey []byte) []byte {
	dst := append([]byte{}, userKey...)
	return ikey.Append(dst[:len(userKey):len(userKey)], nil, ikey.MaxSequenceNumber, ikey.TypeForSeek)
}
