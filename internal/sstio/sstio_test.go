package sstio

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/record"
	"github.com/keystonedb/keystone/internal/value"
)

func rec(pk string, seq uint64) record.Record {
	return record.Record{
		Key:  key.New([]byte(pk)),
		Kind: record.KindPut,
		Seq:  seq,
		Item: value.Item{"n": value.NumberFromInt(int64(seq))},
	}
}

func buildSST(t *testing.T, opts WriterOptions, recs ...record.Record) (*Reader, Meta) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(dir, 1, 1, opts)
	require.NoError(t, err)
	for _, r := range recs {
		w.Add(r)
	}
	meta, err := w.Finish()
	require.NoError(t, err)

	r, err := Open(meta.Path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, meta
}

func TestWriteThenGetFindsEveryWrittenKey(t *testing.T) {
	recs := []record.Record{rec("a", 1), rec("b", 2), rec("c", 3)}
	r, meta := buildSST(t, WriterOptions{}, recs...)

	require.Equal(t, 3, meta.NumRecords)
	require.Equal(t, uint64(1), meta.MinSeq)
	require.Equal(t, uint64(3), meta.MaxSeq)

	for _, in := range recs {
		got, ok, err := r.Get(key.Encode(in.Key))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, in.Seq, got.Seq)
	}
}

func TestGetReturnsFalseForAbsentKey(t *testing.T) {
	r, _ := buildSST(t, WriterOptions{}, rec("a", 1))

	_, ok, err := r.Get(key.Encode(key.New([]byte("definitely-absent"))))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMayContainNeverFalseNegativeForPresentKey(t *testing.T) {
	recs := make([]record.Record, 50)
	for i := range recs {
		recs[i] = rec(fmt.Sprintf("key-%03d", i), uint64(i))
	}
	r, _ := buildSST(t, WriterOptions{}, recs...)

	for _, in := range recs {
		require.True(t, r.MayContain(key.Encode(in.Key)))
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	recs := []record.Record{rec("a", 1), rec("b", 2)}
	r, meta := buildSST(t, WriterOptions{Compressed: true}, recs...)

	for _, in := range recs {
		got, ok, err := r.Get(key.Encode(in.Key))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, in.Seq, got.Seq)
	}
	require.Greater(t, meta.SizeBytes, int64(0))
}

func TestAllRecordsReturnsSortedByEncodedKey(t *testing.T) {
	r, _ := buildSST(t, WriterOptions{}, rec("c", 3), rec("a", 1), rec("b", 2))

	all, err := r.AllRecords()
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", string(all[0].Key.PK))
	require.Equal(t, "b", string(all[1].Key.PK))
	require.Equal(t, "c", string(all[2].Key.PK))
}

func TestFinishRejectsEmptyWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1, 1, WriterOptions{})
	require.NoError(t, err)
	_, err = w.Finish()
	require.Error(t, err)
}
