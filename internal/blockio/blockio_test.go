package blockio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := Block{ID: 42, Payload: []byte("hello block")}
	buf, err := Encode(b)
	require.NoError(t, err)
	require.Len(t, buf, Size)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)
	require.Equal(t, b.Payload, got.Payload)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Block{ID: 1, Payload: make([]byte, MaxPayload+1)})
	require.Error(t, err)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode(make([]byte, Size-1))
	require.Error(t, err)
}

func TestWriteAtReadAtRoundTripThroughFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blockio-*")
	require.NoError(t, err)
	defer f.Close()

	b := Block{ID: 7, Payload: []byte("payload")}
	require.NoError(t, WriteAt(f, 0, b))

	got, err := ReadAt(f, 0, 7)
	require.NoError(t, err)
	require.Equal(t, b.Payload, got.Payload)
}

func TestReadAtRejectsIDMismatch(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blockio-*")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, WriteAt(f, 0, Block{ID: 7, Payload: []byte("x")}))

	_, err = ReadAt(f, 0, 8)
	require.Error(t, err)
}

func TestPadLen(t *testing.T) {
	require.Equal(t, 0, PadLen(Size))
	require.Equal(t, Size-1, PadLen(1))
	require.Equal(t, 1, PadLen(Size-1))
}
