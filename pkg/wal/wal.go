// Package wal implements the block-framed, CRC-checked write-ahead log
// codec described in spec.md §4.5/§4.6: a Writer that fragments records
// across fixed-size blocks, and a Reader that reassembles them, tolerating
// torn writes and resynchronizing past corruption.
package wal

import (
	"io"

	"github.com/dd0wney/lsmcore/pkg/coding"
	"github.com/dd0wney/lsmcore/pkg/crc32c"
)

const (
	// BlockSize is the fixed physical block size records are framed into.
	BlockSize = 32 * 1024
	// HeaderSize is the 7-byte physical record header: masked CRC32C(4) +
	// length(2) + type(1).
	HeaderSize = 7
)

// RecordType tags a physical fragment's role in reassembling a logical
// record.
type RecordType uint8

const (
	// TypeZero is reserved for file-preallocation fill and is always
	// silently skipped by the reader.
	TypeZero RecordType = 0
	// TypeFull holds an entire logical record in one fragment.
	TypeFull RecordType = 1
	// TypeFirst begins a fragmented logical record.
	TypeFirst RecordType = 2
	// TypeMiddle continues a fragmented logical record.
	TypeMiddle RecordType = 3
	// TypeLast ends a fragmented logical record.
	TypeLast RecordType = 4
)

// Writer appends records of an append-only file, framing them into
// BlockSize blocks per spec.md §4.5.
type Writer struct {
	w           io.Writer
	blockOffset int
}

// NewWriter returns a Writer appending to w, which is assumed to be
// positioned wherever writing should begin (offset 0 for a fresh log).
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Append writes record as one or more physical fragments. An empty record
// is still emitted as a single zero-length Full fragment.
func (wr *Writer) Append(record []byte) error {
	begin := true
	for {
		leftover := BlockSize - wr.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				var zeros [HeaderSize]byte
				if _, err := wr.w.Write(zeros[:leftover]); err != nil {
					return err
				}
			}
			wr.blockOffset = 0
			leftover = BlockSize
		}

		avail := leftover - HeaderSize
		frag := len(record)
		if frag > avail {
			frag = avail
		}

		end := frag == len(record)
		var t RecordType
		switch {
		case begin && end:
			t = TypeFull
		case begin:
			t = TypeFirst
		case end:
			t = TypeLast
		default:
			t = TypeMiddle
		}

		if err := wr.emitPhysicalRecord(t, record[:frag]); err != nil {
			return err
		}
		record = record[frag:]
		begin = false
		if len(record) == 0 {
			break
		}
	}
	return nil
}

func (wr *Writer) emitPhysicalRecord(t RecordType, payload []byte) error {
	var hdr [HeaderSize]byte
	checksum := crc32c.Mask(extendCRCWithType(payload, t))
	coding.PutFixed32(hdr[:0], checksum)
	hdr[4] = byte(len(payload))
	hdr[5] = byte(len(payload) >> 8)
	hdr[6] = byte(t)

	if _, err := wr.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := wr.w.Write(payload); err != nil {
		return err
	}
	wr.blockOffset += HeaderSize + len(payload)
	return nil
}

// extendCRCWithType computes CRC32C over type||payload, matching the WAL
// record header's checksum coverage.
func extendCRCWithType(payload []byte, t RecordType) uint32 {
	return crc32c.Extend(crc32c.Value([]byte{byte(t)}), payload)
}

// Reporter receives human-readable descriptions of corruption encountered
// while reading, along with the number of bytes dropped to resynchronize.
type Reporter interface {
	Corruption(bytesDropped int, reason string)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(bytesDropped int, reason string)

func (f ReporterFunc) Corruption(bytesDropped int, reason string) { f(bytesDropped, reason) }

// Reader reassembles logical records from a sequential physical stream,
// per spec.md §4.6.
type Reader struct {
	src      io.Reader
	reporter Reporter
	checksum bool

	buf         []byte // unconsumed bytes from the most recent block read
	eof         bool
	lastOffset  int64 // start offset of the most recently emitted record
	endOfBufOff int64 // file offset just past the end of buf
	initialOff  int64
	resyncing   bool
}

// NewReader constructs a Reader. initialOffset seeks to the block
// containing that byte offset and, if non-zero, discards physical
// fragments until a First or Full fragment is seen (resync mode).
func NewReader(src io.Reader, reporter Reporter, checksum bool, initialOffset int64) (*Reader, error) {
	r := &Reader{
		src:        src,
		reporter:   reporter,
		checksum:   checksum,
		initialOff: initialOffset,
		resyncing:  initialOffset > 0,
	}
	if initialOffset > 0 {
		if err := r.skipToInitialBlock(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// skipToInitialBlock rounds initialOff down to a block boundary, per
// spec.md §4.6: if the offset falls within the final 6 bytes of a block
// (the trailer region too small to hold a header), advance to the next
// block so the reader never starts mid-trailer.
func (r *Reader) skipToInitialBlock() error {
	blockStart := r.initialOff % BlockSize
	offset := r.initialOff - blockStart
	if blockStart > BlockSize-HeaderSize {
		offset += BlockSize
	}
	r.endOfBufOff = offset
	if offset == 0 {
		return nil
	}
	if seeker, ok := r.src.(io.Seeker); ok {
		_, err := seeker.Seek(offset, io.SeekStart)
		return err
	}
	// Fall back to discarding bytes if the source cannot seek.
	_, err := io.CopyN(io.Discard, r.src, offset)
	return err
}

func (r *Reader) reportDrop(n int, reason string) {
	if r.reporter != nil {
		r.reporter.Corruption(n, reason)
	}
}

// fillBuffer reads the next physical block into buf, or marks eof if the
// underlying reader is exhausted (a short read is treated as the final,
// possibly-partial block).
func (r *Reader) fillBuffer() error {
	block := make([]byte, BlockSize)
	n, err := io.ReadFull(r.src, block)
	switch {
	case err == nil:
		r.buf = block
		r.endOfBufOff += int64(n)
		return nil
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		r.buf = block[:n]
		r.endOfBufOff += int64(n)
		r.eof = true
		return nil
	default:
		return err
	}
}

type parseResult int

const (
	resultOK parseResult = iota
	resultEOF
	resultBadRecord
)

// parseNextFragment returns the next physical fragment's type and payload,
// refilling the block buffer as needed.
func (r *Reader) parseNextFragment() (RecordType, []byte, parseResult) {
	for {
		if len(r.buf) < HeaderSize {
			if r.eof {
				return 0, nil, resultEOF
			}
			if err := r.fillBuffer(); err != nil {
				return 0, nil, resultEOF
			}
			continue
		}

		hdr := r.buf[:HeaderSize]
		length := int(hdr[4]) | int(hdr[5])<<8
		t := RecordType(hdr[6])
		fragmentStart := r.endOfBufOff - int64(len(r.buf))

		if HeaderSize+length > len(r.buf) {
			if r.eof {
				// Truncated tail: clean end-of-stream, not corruption.
				r.buf = nil
				return 0, nil, resultEOF
			}
			r.reportDrop(len(r.buf), "bad record length")
			r.buf = nil
			return 0, nil, resultBadRecord
		}

		if t == TypeZero && length == 0 {
			// Preallocation filler: skip silently.
			r.buf = r.buf[HeaderSize:]
			continue
		}

		payload := r.buf[HeaderSize : HeaderSize+length]
		if r.checksum {
			expected := crc32c.Unmask(coding.DecodeFixed32(hdr[:4]))
			actual := extendCRCWithType(payload, t)
			if actual != expected {
				dropped := len(r.buf)
				r.buf = nil
				r.reportDrop(dropped, "checksum mismatch")
				return 0, nil, resultBadRecord
			}
		}

		r.buf = r.buf[HeaderSize+length:]

		if fragmentStart < r.initialOff {
			// Entirely before the requested start: skip without reporting.
			continue
		}

		return t, payload, resultOK
	}
}

// ReadRecord returns the next logical record. It returns io.EOF when the
// stream is exhausted with no dropped bytes (a clean end, including a
// writer crash mid-record).
func (r *Reader) ReadRecord() ([]byte, error) {
	var scratch []byte
	inFragmentedRecord := false

	for {
		t, payload, result := r.parseNextFragment()

		switch result {
		case resultEOF:
			if inFragmentedRecord {
				scratch = nil
			}
			return nil, io.EOF
		case resultBadRecord:
			if inFragmentedRecord {
				r.reportDrop(0, "error in middle of record")
				scratch = nil
				inFragmentedRecord = false
			}
			r.resyncing = true
			continue
		}

		if r.resyncing {
			if t == TypeMiddle || t == TypeLast {
				continue
			}
			r.resyncing = false
		}

		switch t {
		case TypeFull:
			if inFragmentedRecord && len(scratch) != 0 {
				r.reportDrop(len(scratch), "partial record without end(1)")
			}
			scratch = nil
			inFragmentedRecord = false
			r.lastOffset = r.endOfBufOff - int64(len(r.buf)) - int64(HeaderSize+len(payload))
			return append([]byte{}, payload...), nil

		case TypeFirst:
			if inFragmentedRecord && len(scratch) != 0 {
				r.reportDrop(len(scratch), "partial record without end(1)")
			}
			scratch = append([]byte{}, payload...)
			inFragmentedRecord = true
			r.lastOffset = r.endOfBufOff - int64(len(r.buf)) - int64(HeaderSize+len(payload))

		case TypeMiddle:
			if !inFragmentedRecord {
				r.reportDrop(len(payload), "missing start of fragmented record(1)")
				continue
			}
			scratch = append(scratch, payload...)

		case TypeLast:
			if !inFragmentedRecord {
				r.reportDrop(len(payload), "missing start of fragmented record(2)")
				continue
			}
			scratch = append(scratch, payload...)
			inFragmentedRecord = false
			return scratch, nil

		default:
			// Unknown type: treat as corruption and resync.
			r.reportDrop(len(payload), "unknown record type")
			r.resyncing = true
		}
	}
}

// LastRecordOffset returns the file offset at which the most recently
// emitted logical record's first physical fragment began.
func (r *Reader) LastRecordOffset() int64 { return r.lastOffset }
