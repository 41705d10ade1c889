package sstable

import (
	"errors"

	"github.com/dd0wney/lsmcore/pkg/coding"
	"github.com/dd0wney/lsmcore/pkg/crc32c"
)

// FooterMagic is the fixed64 magic number at the tail of every SST file.
const FooterMagic uint64 = 0xdb4775248b80fb57

// FooterLength is the fixed on-disk size of the footer: two block
// handles, each padded to MaxBlockHandleLen, plus the 8-byte magic.
const FooterLength = 2*MaxBlockHandleLen + 8

// MaxBlockHandleLen is the maximum encoded size of a BlockHandle (two
// varint64s).
const MaxBlockHandleLen = 2 * coding.MaxVarint64Len

// BlockTrailerLen is the 5-byte trailer following every on-disk block:
// a compression-type byte plus a masked CRC32C.
const BlockTrailerLen = 5

// CompressionType tags how a block's payload is stored on disk.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
)

// BlockHandle locates a block within an SST file: its offset and size,
// not including the trailing BlockTrailerLen checksum/type bytes.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// EncodeTo appends the varint64(offset) || varint64(size) encoding to dst.
func (h BlockHandle) EncodeTo(dst []byte) []byte {
	dst = coding.PutVarint64(dst, h.Offset)
	dst = coding.PutVarint64(dst, h.Size)
	return dst
}

// DecodeBlockHandle reads a BlockHandle from the start of b.
func DecodeBlockHandle(b []byte) (BlockHandle, int, error) {
	offset, n1, ok := coding.GetVarint64(b)
	if !ok {
		return BlockHandle{}, 0, ErrCorruptBlock
	}
	size, n2, ok := coding.GetVarint64(b[n1:])
	if !ok {
		return BlockHandle{}, 0, ErrCorruptBlock
	}
	return BlockHandle{Offset: offset, Size: size}, n1 + n2, nil
}

// Footer is the last FooterLength bytes of an SST file.
type Footer struct {
	MetaIndexHandle BlockHandle
	IndexHandle     BlockHandle
}

// EncodeTo serializes the footer: both handles padded to
// MaxBlockHandleLen, then the magic number.
func (f Footer) EncodeTo(dst []byte) []byte {
	start := len(dst)
	dst = f.MetaIndexHandle.EncodeTo(dst)
	for len(dst) < start+MaxBlockHandleLen {
		dst = append(dst, 0)
	}
	dst = f.IndexHandle.EncodeTo(dst)
	for len(dst) < start+2*MaxBlockHandleLen {
		dst = append(dst, 0)
	}
	dst = coding.PutFixed64(dst, FooterMagic)
	return dst
}

var ErrInvalidFooterMagic = errors.New("sstable: not an sstable (bad magic number)")

// DecodeFooter parses a footer from its fixed FooterLength byte slice.
func DecodeFooter(b []byte) (Footer, error) {
	if len(b) != FooterLength {
		return Footer{}, ErrCorruptBlock
	}
	magic := coding.DecodeFixed64(b[FooterLength-8:])
	if magic != FooterMagic {
		return Footer{}, ErrInvalidFooterMagic
	}
	metaHandle, _, err := DecodeBlockHandle(b)
	if err != nil {
		return Footer{}, err
	}
	indexHandle, _, err := DecodeBlockHandle(b[MaxBlockHandleLen:])
	if err != nil {
		return Footer{}, err
	}
	return Footer{MetaIndexHandle: metaHandle, IndexHandle: indexHandle}, nil
}

// ErrBadBlockTrailer indicates a block's trailing checksum did not match.
var ErrBadBlockTrailer = errors.New("sstable: block checksum mismatch")

// writeBlockTrailer appends the 1-byte compression type and the masked
// CRC32C over payload||type to dst.
func writeBlockTrailer(dst []byte, payload []byte, ctype CompressionType) []byte {
	crc := crc32c.Extend(crc32c.Value(payload), []byte{byte(ctype)})
	checksum := crc32c.Mask(crc)
	dst = append(dst, byte(ctype))
	dst = coding.PutFixed32(dst, checksum)
	return dst
}

// verifyBlockTrailer checks a block's trailer and returns its
// compression type.
func verifyBlockTrailer(payload []byte, trailer []byte) (CompressionType, error) {
	if len(trailer) != BlockTrailerLen {
		return 0, ErrCorruptBlock
	}
	ctype := CompressionType(trailer[0])
	expected := crc32c.Unmask(coding.DecodeFixed32(trailer[1:]))
	actual := crc32c.Extend(crc32c.Value(payload), trailer[:1])
	if actual != expected {
		return 0, ErrBadBlockTrailer
	}
	return ctype, nil
}
