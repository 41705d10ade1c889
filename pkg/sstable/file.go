package sstable

import (
	"os"

	"golang.org/x/exp/mmap"
)

// RandomAccessFile is the read side of the file abstraction blocks and
// the footer are pulled through; SST reads never need sequential access.
type RandomAccessFile interface {
	ReadAt(dst []byte, offset int64) (int, error)
	Size() int64
	Close() error
}

// WritableFile is the write side the table builder appends to: ordinary
// buffered, flushable, syncable output. All I/O is synchronous and
// blocking from the core's point of view.
type WritableFile interface {
	Write(p []byte) (int, error)
	Flush() error
	Sync() error
	Close() error
}

// mmapFile is a RandomAccessFile backed by a read-only memory mapping,
// avoiding a syscall per block fetch for hot tables.
type mmapFile struct {
	r *mmap.ReaderAt
}

// OpenMmapFile memory-maps path for random-access reads.
func OpenMmapFile(path string) (RandomAccessFile, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmapFile{r: r}, nil
}

func (f *mmapFile) ReadAt(dst []byte, offset int64) (int, error) {
	return f.r.ReadAt(dst, offset)
}

func (f *mmapFile) Size() int64 { return int64(f.r.Len()) }

func (f *mmapFile) Close() error { return f.r.Close() }

// osWritableFile adapts *os.File to WritableFile. Flush is a no-op since
// os.File writes are unbuffered; callers that want buffering should wrap
// this in a *bufio.Writer and call its own Flush before Sync.
type osWritableFile struct {
	f *os.File
}

// CreateFile opens path for writing, truncating any existing content.
func CreateFile(path string) (WritableFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &osWritableFile{f: f}, nil
}

func (w *osWritableFile) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w *osWritableFile) Flush() error                 { return nil }
func (w *osWritableFile) Sync() error                  { return w.f.Sync() }
func (w *osWritableFile) Close() error                 { return w.f.Close() }
