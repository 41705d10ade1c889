package comparator

import (
	"bytes"
	"testing"

	"github.com/dd0wney/lsmcore/pkg/ikey"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestBytewiseCompareMatchesLexicographic(t *testing.T) {
	require.Less(t, Bytewise.Compare([]byte("a"), []byte("b")), 0)
	require.Equal(t, 0, Bytewise.Compare([]byte("a"), []byte("a")))
	require.Greater(t, Bytewise.Compare([]byte("b"), []byte("a")), 0)
}

func TestFindShortestSeparatorBasic(t *testing.T) {
	s := Bytewise.FindShortestSeparator([]byte("helloworld"), []byte("hellozzzz"))
	require.True(t, bytes.Compare(s, []byte("helloworld")) >= 0)
	require.True(t, bytes.Compare(s, []byte("hellozzzz")) < 0)
}

func TestFindShortestSeparatorPrefixUnchanged(t *testing.T) {
	start := []byte("foo")
	s := Bytewise.FindShortestSeparator(start, []byte("foobar"))
	require.Equal(t, start, s)
}

func TestFindShortSuccessor(t *testing.T) {
	s := Bytewise.FindShortSuccessor([]byte("abc"))
	require.Equal(t, []byte("b"), s)

	allFF := Bytewise.FindShortSuccessor([]byte{0xff, 0xff})
	require.Equal(t, []byte{0xff, 0xff}, allFF)
}

// TestSeparatorInvariantProperty is §8 item 4: after FindShortestSeparator
// with s < l, the mutated s satisfies original_s <= s < l.
func TestSeparatorInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("shortest separator stays in [start, limit)", prop.ForAll(
		func(a, b string) bool {
			start, limit := []byte(a), []byte(b)
			if Bytewise.Compare(start, limit) >= 0 {
				return true // precondition start < limit not met; skip
			}
			s := Bytewise.FindShortestSeparator(append([]byte{}, start...), limit)
			return Bytewise.Compare(s, start) >= 0 && Bytewise.Compare(s, limit) < 0
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestInternalKeyComparatorOrdersBySeqDescending(t *testing.T) {
	icmp := NewInternalKeyComparator(Bytewise)

	newer := ikey.Append(nil, []byte("k"), 5, ikey.TypeValue)
	older := ikey.Append(nil, []byte("k"), 3, ikey.TypeValue)

	// Same user key: larger sequence sorts first (less).
	require.Less(t, icmp.Compare(newer, older), 0)
	require.Greater(t, icmp.Compare(older, newer), 0)

	a := ikey.Append(nil, []byte("a"), 1, ikey.TypeValue)
	z := ikey.Append(nil, []byte("z"), 1, ikey.TypeValue)
	require.Less(t, icmp.Compare(a, z), 0)
}

func TestInternalKeyComparatorSeparatorDoesNotBreakOrder(t *testing.T) {
	icmp := NewInternalKeyComparator(Bytewise)

	start := ikey.Append(nil, []byte("abc"), 10, ikey.TypeValue)
	limit := ikey.Append(nil, []byte("abd"), 10, ikey.TypeValue)

	sep := icmp.FindShortestSeparator(append([]byte{}, start...), limit)
	require.GreaterOrEqual(t, icmp.Compare(sep, start), 0)
	require.Less(t, icmp.Compare(sep, limit), 0)
}
