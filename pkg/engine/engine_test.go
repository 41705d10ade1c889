package engine

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T, memTableSize int64) *Engine {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	if memTableSize > 0 {
		opts.MemTableSize = memTableSize
	}
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutGetRoundTrips(t *testing.T) {
	e := openEngine(t, 0)

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	v, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	v, ok, err = e.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(v))
}

func TestGetMissingKeyNotFound(t *testing.T) {
	e := openEngine(t, 0)
	_, ok, err := e.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutOverwriteReturnsLatest(t *testing.T) {
	e := openEngine(t, 0)
	require.NoError(t, e.Put([]byte("k"), []byte("old")))
	require.NoError(t, e.Put([]byte("k"), []byte("new")))

	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(v))
}

func TestDeleteRemovesKey(t *testing.T) {
	e := openEngine(t, 0)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFlushPersistsAcrossMemtableGeneration(t *testing.T) {
	e := openEngine(t, 0)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Flush())

	// memtable is now empty; value must still be found via the flushed SST.
	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	require.Len(t, e.tableNumbers, 1)
}

func TestDeleteAfterFlushShadowsOlderSST(t *testing.T) {
	e := openEngine(t, 0)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete([]byte("k")))

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAutomaticFlushTriggersOnMemTableSizeThreshold(t *testing.T) {
	e := openEngine(t, 1) // flush after essentially any write
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.Len(t, e.tableNumbers, 1)

	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}

func TestScanMergesMemtableAndFlushedSST(t *testing.T) {
	e := openEngine(t, 0)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Flush())

	require.NoError(t, e.Put([]byte("c"), []byte("3")))
	require.NoError(t, e.Put([]byte("b"), []byte("2-new"))) // overwrite flushed key

	results, err := e.Scan(nil, nil)
	require.NoError(t, err)

	got := make(map[string]string)
	for _, r := range results {
		got[string(r.Key)] = string(r.Value)
	}
	require.Equal(t, map[string]string{"a": "1", "b": "2-new", "c": "3"}, got)
}

func TestScanRespectsBounds(t *testing.T) {
	e := openEngine(t, 0)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}

	results, err := e.Scan([]byte("b"), []byte("d"))
	require.NoError(t, err)

	var keys []string
	for _, r := range results {
		keys = append(keys, string(r.Key))
	}
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestScanExcludesDeletedKeys(t *testing.T) {
	e := openEngine(t, 0)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Delete([]byte("a")))

	results, err := e.Scan(nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "b", string(results[0].Key))
}

func TestSyncFlushesAndFsyncsWAL(t *testing.T) {
	e := openEngine(t, 0)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Sync())
	require.Len(t, e.tableNumbers, 1)
}

func TestCloseFlushesRemainingWrites(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	e, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())
	require.Len(t, e.tableNumbers, 1)

	require.Error(t, e.Put([]byte("k2"), []byte("v2")), "writes after Close must fail")
}

func TestManyKeysAcrossMultipleFlushesAllFindable(t *testing.T) {
	e := openEngine(t, 8192) // small threshold forces several flushes as arena blocks fill
	const n = 400
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("val-%04d", i))
		require.NoError(t, e.Put(key, val))
	}
	require.Greater(t, len(e.tableNumbers), 1, "small memtable threshold should force multiple flushes")

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := fmt.Sprintf("val-%04d", i)
		v, ok, err := e.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, string(v))
	}
}

func TestOpenCreatesDataDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "store")
	opts := DefaultOptions(dir)
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}
