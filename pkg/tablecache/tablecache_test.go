package tablecache

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dd0wney/lsmcore/pkg/comparator"
	"github.com/dd0wney/lsmcore/pkg/sstable"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, dir string, fileNumber uint64, ext string, pairs [][2]string) {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%06d%s", fileNumber, ext))
	wf, err := sstable.CreateFile(path)
	require.NoError(t, err)

	tb := sstable.NewTableBuilder(wf, comparator.Bytewise, sstable.NewBloomFilterPolicy())
	for _, kv := range pairs {
		tb.Add([]byte(kv[0]), []byte(kv[1]))
	}
	require.NoError(t, tb.Finish())
	require.NoError(t, wf.Close())
}

func TestFindTableOpensCurrentFilenameForm(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, ".ldb", [][2]string{{"a", "1"}, {"b", "2"}})

	c := New(dir, 10, Options{Comparator: comparator.Bytewise, FilterPolicy: sstable.NewBloomFilterPolicy()})
	v, err := c.Get(1, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
}

func TestFindTableFallsBackToLegacyFilenameForm(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 2, ".sst", [][2]string{{"x", "10"}})

	c := New(dir, 10, Options{Comparator: comparator.Bytewise, FilterPolicy: sstable.NewBloomFilterPolicy()})
	v, err := c.Get(2, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "10", string(v))
}

func TestFindTableCachesAcrossLookups(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 3, ".ldb", [][2]string{{"k", "v"}})

	c := New(dir, 10, Options{Comparator: comparator.Bytewise, FilterPolicy: sstable.NewBloomFilterPolicy()})
	t1, release1, err := c.FindTable(3)
	require.NoError(t, err)
	t2, release2, err := c.FindTable(3)
	require.NoError(t, err)
	require.Same(t, t1, t2)
	release1()
	release2()
}

func TestFindTableMissingFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 10, Options{Comparator: comparator.Bytewise})
	_, _, err := c.FindTable(999)
	require.Error(t, err)
}

func TestIteratorScansThroughCachedTable(t *testing.T) {
	dir := t.TempDir()
	pairs := [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	writeTable(t, dir, 4, ".ldb", pairs)

	c := New(dir, 10, Options{Comparator: comparator.Bytewise, FilterPolicy: sstable.NewBloomFilterPolicy()})
	it, err := c.NewIterator(4)
	require.NoError(t, err)
	defer it.Close()

	it.SeekToFirst()
	var got [][2]string
	for it.Valid() {
		got = append(got, [2]string{string(it.Key()), string(it.Value())})
		it.Next()
	}
	require.Equal(t, pairs, got)
}

func TestEvictRemovesFromCache(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 5, ".ldb", [][2]string{{"a", "1"}})

	c := New(dir, 10, Options{Comparator: comparator.Bytewise, FilterPolicy: sstable.NewBloomFilterPolicy()})
	_, release, err := c.FindTable(5)
	require.NoError(t, err)
	release()

	c.Evict(5)

	require.NoError(t, os.Remove(filepath.Join(dir, "000005.ldb")))
	_, _, err = c.FindTable(5)
	require.Error(t, err, "evicted entry must be reopened from disk, not served from the cache")
}
