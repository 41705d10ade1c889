package skiplist

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func byteCmp(a, b []byte) int { return bytes.Compare(a, b) }

func TestInsertAndContains(t *testing.T) {
	sl := New(byteCmp)
	keys := []string{"banana", "apple", "cherry", "date"}
	for _, k := range keys {
		sl.Insert([]byte(k))
	}
	for _, k := range keys {
		require.True(t, sl.Contains([]byte(k)))
	}
	require.False(t, sl.Contains([]byte("fig")))
}

func TestIteratorOrdering(t *testing.T) {
	sl := New(byteCmp)
	input := []string{"d", "b", "a", "c"}
	for _, k := range input {
		sl.Insert([]byte(k))
	}

	it := sl.NewIterator()
	it.SeekToFirst()
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		it.Next()
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestIteratorSeekAndPrev(t *testing.T) {
	sl := New(byteCmp)
	for _, k := range []string{"a", "c", "e", "g"} {
		sl.Insert([]byte(k))
	}

	it := sl.NewIterator()
	it.Seek([]byte("d"))
	require.True(t, it.Valid())
	require.Equal(t, "e", string(it.Key()))

	it.Prev()
	require.True(t, it.Valid())
	require.Equal(t, "c", string(it.Key()))

	it.SeekToFirst()
	it.Prev()
	require.False(t, it.Valid())
}

func TestIteratorSeekPastEnd(t *testing.T) {
	sl := New(byteCmp)
	sl.Insert([]byte("a"))
	it := sl.NewIterator()
	it.Seek([]byte("z"))
	require.False(t, it.Valid())
}

func TestSeekToLast(t *testing.T) {
	sl := New(byteCmp)
	for _, k := range []string{"a", "b", "c"} {
		sl.Insert([]byte(k))
	}
	it := sl.NewIterator()
	it.SeekToLast()
	require.True(t, it.Valid())
	require.Equal(t, "c", string(it.Key()))

	it.Next()
	require.False(t, it.Valid())
}

func TestSeekToLastEmpty(t *testing.T) {
	sl := New(byteCmp)
	it := sl.NewIterator()
	it.SeekToLast()
	require.False(t, it.Valid())
}

// TestConcurrentReadDuringWrite exercises the publication contract: a
// single writer inserting while many readers Seek/Next must never observe
// a torn node.
func TestConcurrentReadDuringWrite(t *testing.T) {
	sl := New(byteCmp)
	const n = 2000

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				it := sl.NewIterator()
				it.SeekToFirst()
				for it.Valid() {
					_ = it.Key()
					it.Next()
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		sl.Insert([]byte(fmt.Sprintf("key-%06d", i)))
	}
	close(stop)
	wg.Wait()

	require.True(t, sl.Contains([]byte("key-000000")))
	require.True(t, sl.Contains([]byte(fmt.Sprintf("key-%06d", n-1))))
}
