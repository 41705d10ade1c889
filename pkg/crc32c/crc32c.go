// Package crc32c computes Castagnoli CRC32 checksums and applies the
// mask/unmask transform used to guard against CRC-of-CRC coincidences in
// the WAL and SSTable on-disk formats.
package crc32c

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is added after rotating the raw CRC; it has no particular
// significance beyond being a fixed constant baked into the on-disk
// format.
const maskDelta = 0xa282ead8

// Value computes the Castagnoli CRC32 of b.
func Value(b []byte) uint32 {
	return crc32.Checksum(b, table)
}

// Extend extends a CRC computed over a previous chunk with additional
// bytes, equivalent to Value(prevBytes || b) without re-hashing prevBytes.
func Extend(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, table, b)
}

// Mask transforms a raw CRC so that it is unlikely to be equal to a CRC
// value computed over in-memory data that also embeds a masked CRC.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask reverses Mask.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}
