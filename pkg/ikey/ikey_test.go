package ikey

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestParseAppendRoundTrip(t *testing.T) {
	cases := []struct {
		key  string
		seq  uint64
		typ  ValueType
	}{
		{"apple", 0, TypeValue},
		{"", 1, TypeDeletion},
		{"zzz", MaxSequenceNumber, TypeValue},
	}
	for _, c := range cases {
		enc := Append(nil, []byte(c.key), c.seq, c.typ)
		parsed, ok := Parse(enc)
		require.True(t, ok)
		require.Equal(t, c.key, string(parsed.UserKey))
		require.Equal(t, c.seq, parsed.Seq)
		require.Equal(t, c.typ, parsed.Type)
	}
}

func TestParseTooShort(t *testing.T) {
	_, ok := Parse([]byte("short"))
	require.False(t, ok)
}

// TestInternalKeyRoundTripProperty is §8 item 2: for any (user_key, seq,
// type), Parse(Append(...)) returns the original components, for
// sequences up to 2^56-1 and both type variants.
func TestInternalKeyRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("internal key round-trips", prop.ForAll(
		func(key string, seq uint64, typeBit bool) bool {
			seq &= MaxSequenceNumber
			typ := TypeValue
			if typeBit {
				typ = TypeDeletion
			}
			enc := Append(nil, []byte(key), seq, typ)
			parsed, ok := Parse(enc)
			return ok && string(parsed.UserKey) == key && parsed.Seq == seq && parsed.Type == typ
		},
		gen.AlphaString(),
		gen.UInt64(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestLookupKeyViews(t *testing.T) {
	lk := NewLookupKey([]byte("cat"), 42)
	require.Equal(t, []byte("cat"), lk.UserKey())

	parsed, ok := Parse(lk.InternalKey())
	require.True(t, ok)
	require.Equal(t, uint64(42), parsed.Seq)
	require.Equal(t, TypeForSeek, parsed.Type)

	// MemtableKey is varint32(len(userKey)+8) || InternalKey().
	require.Greater(t, len(lk.MemtableKey()), len(lk.InternalKey()))
}
