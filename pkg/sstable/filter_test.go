package sstable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloomFilterPolicyBasic(t *testing.T) {
	policy := NewBloomFilterPolicy()
	keys := [][]byte{[]byte("hello"), []byte("world")}
	filter := policy.CreateFilter(keys, nil)

	require.True(t, policy.KeyMayMatch([]byte("hello"), filter))
	require.True(t, policy.KeyMayMatch([]byte("world"), filter))
}

func TestBloomFilterPolicyFalsePositiveRateIsReasonable(t *testing.T) {
	policy := NewBloomFilterPolicy()
	var keys [][]byte
	for i := 0; i < 1000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%d", i)))
	}
	filter := policy.CreateFilter(keys, nil)

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		probe := []byte(fmt.Sprintf("absent-%d", i))
		if policy.KeyMayMatch(probe, filter) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 50) // well under 5% at 10 bits/key
}

func TestFilterBlockBuilderAndReaderRoundTrip(t *testing.T) {
	policy := NewBloomFilterPolicy()
	fb := NewFilterBlockBuilder(policy)

	fb.StartBlock(0)
	fb.AddKey([]byte("apple"))
	fb.AddKey([]byte("banana"))

	fb.StartBlock(2000) // still within the first 2KiB group (base_lg=11 => 2048)
	fb.AddKey([]byte("cherry"))

	fb.StartBlock(5000) // advances past an empty group
	fb.AddKey([]byte("date"))

	data := fb.Finish()
	fr, err := NewFilterBlockReader(policy, data)
	require.NoError(t, err)

	require.True(t, fr.KeyMayMatch(0, []byte("apple")))
	require.True(t, fr.KeyMayMatch(0, []byte("banana")))
	require.True(t, fr.KeyMayMatch(5000, []byte("date")))
}

func TestFilterBlockReaderEmptyGroupReturnsFalse(t *testing.T) {
	policy := NewBloomFilterPolicy()
	fb := NewFilterBlockBuilder(policy)

	fb.StartBlock(0)
	fb.AddKey([]byte("only-in-group-zero"))
	fb.StartBlock(10000) // forces intervening empty groups

	data := fb.Finish()
	fr, err := NewFilterBlockReader(policy, data)
	require.NoError(t, err)

	// A group in between with no keys added should report no match.
	require.False(t, fr.KeyMayMatch(4096, []byte("anything")))
}

func TestFilterBlockReaderOutOfRangeGroupConservativelyMatches(t *testing.T) {
	policy := NewBloomFilterPolicy()
	fb := NewFilterBlockBuilder(policy)
	fb.StartBlock(0)
	fb.AddKey([]byte("k"))
	data := fb.Finish()

	fr, err := NewFilterBlockReader(policy, data)
	require.NoError(t, err)

	require.True(t, fr.KeyMayMatch(1<<30, []byte("anything")))
}
