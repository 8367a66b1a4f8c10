package walio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/record"
	"github.com/keystonedb/keystone/internal/value"
)

func putRecord(pk string, seq uint64) record.Record {
	return record.Record{
		Key:  key.New([]byte(pk)),
		Kind: record.KindPut,
		Seq:  seq,
		Item: value.Item{"x": value.NumberFromInt(int64(seq))},
	}
}

func TestAppendAndReadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(1, putRecord("a", 1)))
	require.NoError(t, w.Append(2, putRecord("b", 2)))
	require.NoError(t, w.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer w2.Close()

	entries, err := w2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(1), entries[0].LSN)
	require.Equal(t, uint64(2), entries[1].LSN)
	require.Equal(t, "a", string(entries[0].Record.Key.PK))
}

func TestReadAllStopsCleanlyOnTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, putRecord("a", 1)))
	require.NoError(t, w.Close())

	path := segmentPath(dir, 1)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	stat, err := f.Stat()
	require.NoError(t, err)
	require.NoError(t, f.Truncate(stat.Size()-3))
	require.NoError(t, f.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer w2.Close()

	entries, err := w2.ReadAll()
	require.NoError(t, err, "a torn tail must not surface as an error")
	require.Len(t, entries, 0)
}

func TestReadAllReturnsErrorOnInteriorCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, putRecord("a", 1)))
	require.NoError(t, w.Append(2, putRecord("b", 2)))
	require.NoError(t, w.Close())

	path := segmentPath(dir, 1)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	// Flip a byte inside the first record's payload region (after the
	// 12-byte header), which must fail its CRC check without looking like a
	// truncation.
	_, err = f.WriteAt([]byte{0xFF}, int64(headerLen+20))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer w2.Close()

	_, err = w2.ReadAll()
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestRotateSealsSegmentAndStartsNewOne(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(1, putRecord("a", 1)))
	require.NoError(t, w.Rotate())
	require.NoError(t, w.Append(2, putRecord("b", 2)))

	ids := w.SegmentIDs()
	require.Len(t, ids, 2)

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestGCRemovesSealedSegmentsBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(1, putRecord("a", 1)))
	require.NoError(t, w.Rotate())
	require.NoError(t, w.Append(2, putRecord("b", 2)))
	require.NoError(t, w.Rotate())

	require.Len(t, w.SegmentIDs(), 3)
	require.NoError(t, w.GC(3))
	require.Equal(t, []int{3}, w.SegmentIDs())
}

func TestSegmentMaxLSNTracksWritesAndReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(1, putRecord("a", 1)))
	require.NoError(t, w.Rotate())
	require.NoError(t, w.Append(2, putRecord("b", 2)))

	lsn, ok := w.SegmentMaxLSN(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), lsn)

	_, ok = w.SegmentMaxLSN(99)
	require.False(t, ok)

	require.NoError(t, w.Close())

	// A fresh WAL handle hasn't seen segment 1's contents yet — only ReadAll
	// (the recovery path) backfills history from before this process started.
	w2, err := Open(dir)
	require.NoError(t, err)
	defer w2.Close()

	_, ok = w2.SegmentMaxLSN(1)
	require.False(t, ok)

	_, err = w2.ReadAll()
	require.NoError(t, err)

	lsn, ok = w2.SegmentMaxLSN(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), lsn)
}

func TestAppendAfterCloseReturnsErrClosed(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.Append(1, putRecord("a", 1))
	require.ErrorIs(t, err, ErrClosed)
}
