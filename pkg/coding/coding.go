// Package coding implements the fixed-width and variable-length integer
// encodings used throughout the on-disk formats: WAL records, SSTable
// blocks, and internal keys. The encoding is part of the on-disk contract
// and must stay byte-for-byte stable across releases.
package coding

import "encoding/binary"

// PutFixed32 appends the little-endian encoding of v to dst.
func PutFixed32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// PutFixed64 appends the little-endian encoding of v to dst.
func PutFixed64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// DecodeFixed32 reads a little-endian uint32 from the start of b.
func DecodeFixed32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// DecodeFixed64 reads a little-endian uint64 from the start of b.
func DecodeFixed64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// MaxVarint32Len is the maximum number of bytes a Varint32 can occupy.
const MaxVarint32Len = 5

// MaxVarint64Len is the maximum number of bytes a Varint64 can occupy.
const MaxVarint64Len = 10

// PutVarint32 appends the varint encoding of v to dst.
func PutVarint32(dst []byte, v uint32) []byte {
	return PutVarint64(dst, uint64(v))
}

// PutVarint64 appends the varint encoding of v to dst: 7 bits per byte,
// continuation bit in the MSB.
func PutVarint64(dst []byte, v uint64) []byte {
	const mask = 0x80
	for v >= mask {
		dst = append(dst, byte(v)|mask)
		v >>= 7
	}
	return append(dst, byte(v))
}

// GetVarint32 decodes a varint32 from the start of b, returning the value
// and the number of bytes consumed, or ok=false if b is exhausted
// mid-value or the value overflows 32 bits.
func GetVarint32(b []byte) (v uint32, n int, ok bool) {
	v64, n, ok := GetVarint64(b)
	if !ok || v64 > 0xffffffff {
		return 0, 0, false
	}
	return uint32(v64), n, true
}

// GetVarint64 decodes a varint64 from the start of b.
func GetVarint64(b []byte) (v uint64, n int, ok bool) {
	var result uint64
	for shift := uint(0); shift < 64; shift += 7 {
		if n >= len(b) {
			return 0, 0, false
		}
		c := b[n]
		n++
		if c&0x80 != 0 {
			result |= uint64(c&0x7f) << shift
		} else {
			result |= uint64(c) << shift
			return result, n, true
		}
	}
	return 0, 0, false
}

// VarintLength32 returns the number of bytes PutVarint32 would emit for v.
func VarintLength32(v uint32) int {
	return VarintLength64(uint64(v))
}

// VarintLength64 returns the number of bytes PutVarint64 would emit for v.
func VarintLength64(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// PutLengthPrefixedSlice appends Varint32(len(v)) || v to dst.
func PutLengthPrefixedSlice(dst []byte, v []byte) []byte {
	dst = PutVarint32(dst, uint32(len(v)))
	return append(dst, v...)
}

// GetLengthPrefixedSlice decodes a length-prefixed slice from the start of
// b, returning a sub-slice of b (no copy) and the number of bytes the
// encoding occupied, or ok=false if the length prefix or payload is
// truncated.
func GetLengthPrefixedSlice(b []byte) (v []byte, n int, ok bool) {
	length, hdrLen, ok := GetVarint32(b)
	if !ok {
		return nil, 0, false
	}
	end := hdrLen + int(length)
	if end > len(b) || end < hdrLen {
		return nil, 0, false
	}
	return b[hdrLen:end], end, true
}
