package bloomfilter

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainsNeverFalseNegative(t *testing.T) {
	f := New(100)
	keys := make([][]byte, 100)
	for i := range keys {
		keys[i] = []byte{byte(i), byte(i >> 8)}
		f.Add(keys[i])
	}
	for _, k := range keys {
		require.True(t, f.Contains(k), "present key must never be reported absent")
	}
}

func TestContainsRejectsObviouslyAbsentKeyInASmallFilter(t *testing.T) {
	f := New(4)
	f.Add([]byte("present"))
	require.False(t, f.Contains([]byte("definitely-not-in-the-filter-and-distinct")))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := New(10)
	f.Add([]byte("a"))
	f.Add([]byte("b"))

	encoded, err := f.EncodeToBytes()
	require.NoError(t, err)

	got, err := Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.True(t, got.Contains([]byte("a")))
	require.True(t, got.Contains([]byte("b")))
}

func TestNewClampsNonPositiveExpectedCount(t *testing.T) {
	f := New(0)
	f.Add([]byte("x"))
	require.True(t, f.Contains([]byte("x")))
}
