package key

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Key{
		New([]byte("user#1")),
		NewWithSK([]byte("user#1"), []byte("order#2")),
		NewWithSK([]byte(""), []byte("")),
		New(nil),
	}
	for _, k := range cases {
		enc := Encode(k)
		require.Len(t, enc, EncodedLen(k))
		got, err := Decode(enc)
		require.NoError(t, err)
		require.True(t, Equal(k, got))
	}
}

func TestDecodeRejectsTruncatedBuffers(t *testing.T) {
	k := NewWithSK([]byte("pk"), []byte("sk"))
	enc := Encode(k)

	for i := 0; i < len(enc); i++ {
		_, err := Decode(enc[:i])
		require.Error(t, err, "truncated at %d bytes should fail to decode", i)
	}
}

func TestStripeIsStableAndDependsOnlyOnPK(t *testing.T) {
	k1 := NewWithSK([]byte("user#1"), []byte("a"))
	k2 := NewWithSK([]byte("user#1"), []byte("b"))
	require.Equal(t, Stripe(k1), Stripe(k2))

	// Same PK must always hash to the same stripe across calls.
	require.Equal(t, Stripe(k1), Stripe(New([]byte("user#1"))))
}

func TestCompareOrdersByPKThenSK(t *testing.T) {
	a := NewWithSK([]byte("user#1"), []byte("a"))
	b := NewWithSK([]byte("user#1"), []byte("b"))
	c := NewWithSK([]byte("user#2"), []byte("a"))

	require.Negative(t, Compare(a, b))
	require.Positive(t, Compare(b, a))
	require.Negative(t, Compare(a, c))
	require.Zero(t, Compare(a, a))
}

func TestCompareEncodedDivergesFromCompareAcrossLengthByteBoundary(t *testing.T) {
	// A length-prefix crossing a byte boundary (255 -> 256) breaks naive
	// little-endian byte comparison: bytes.Compare(a, b) on the encoded form
	// checks the length prefix's low byte first, so pkLen=255 (0xFF,0,0,0)
	// sorts AFTER pkLen=256 (0x00,0x01,0,0) even though 255 < 256 and the
	// shorter key is a prefix of the longer one under decoded Compare.
	short := New(make([]byte, 255))
	long := New(make([]byte, 256))

	require.Negative(t, Compare(short, long), "255-byte all-zero pk must sort before its 256-byte extension")
	require.Positive(t, CompareEncoded(Encode(short), Encode(long)),
		"encoded form diverges: its length prefix's low byte makes 255 sort after 256")
}
