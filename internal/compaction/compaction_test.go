package compaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/manifest"
	"github.com/keystonedb/keystone/internal/record"
	"github.com/keystonedb/keystone/internal/sstio"
	"github.com/keystonedb/keystone/internal/stripe"
	"github.com/keystonedb/keystone/internal/value"
)

type fixedStripes struct {
	s *stripe.Stripe
}

func (f *fixedStripes) StripeByID(id uint8) *stripe.Stripe { return f.s }
func (f *fixedStripes) NumStripes() int                    { return 1 }

func writeSST(t *testing.T, dir string, mf *manifest.Manifest, recs []record.Record) *sstio.Reader {
	t.Helper()
	id := mf.NextSSTID()
	w, err := sstio.NewWriter(dir, 0, id, sstio.WriterOptions{})
	require.NoError(t, err)
	for _, r := range recs {
		w.Add(r)
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, mf.AddSST(0, manifest.SSTEntry{SSTID: id, SizeBytes: meta.SizeBytes, MinSeq: meta.MinSeq, MaxSeq: meta.MaxSeq}))

	r, err := sstio.Open(meta.Path)
	require.NoError(t, err)
	return r
}

func TestCompactStripeMergesAndDedupes(t *testing.T) {
	dir := t.TempDir()
	mf := manifest.New(dir)
	s := stripe.New(0)

	r1 := writeSST(t, dir, mf, []record.Record{
		{Key: key.New([]byte("a")), Kind: record.KindPut, Seq: 1, Item: value.Item{"v": value.String("old")}},
		{Key: key.New([]byte("b")), Kind: record.KindPut, Seq: 2, Item: value.Item{"v": value.String("b-val")}},
	})
	r2 := writeSST(t, dir, mf, []record.Record{
		{Key: key.New([]byte("a")), Kind: record.KindPut, Seq: 3, Item: value.Item{"v": value.String("new")}},
	})
	s.AttachSST(r2)
	s.AttachSST(r1)

	m := New(DefaultConfig(), dir, &fixedStripes{s: s}, mf, false)
	require.NoError(t, m.CompactStripe(context.Background(), 0))

	require.Equal(t, 1, s.SSTCount())
	got, ok, err := s.Get(key.New([]byte("a")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value.String("new"), got.Item["v"])
}

func TestCompactStripeDropsTombstonesOnFullCompaction(t *testing.T) {
	dir := t.TempDir()
	mf := manifest.New(dir)
	s := stripe.New(0)

	r1 := writeSST(t, dir, mf, []record.Record{
		{Key: key.New([]byte("a")), Kind: record.KindPut, Seq: 1, Item: value.Item{"v": value.String("x")}},
	})
	r2 := writeSST(t, dir, mf, []record.Record{
		{Key: key.New([]byte("a")), Kind: record.KindDelete, Seq: 2},
	})
	s.AttachSST(r2)
	s.AttachSST(r1)

	m := New(DefaultConfig(), dir, &fixedStripes{s: s}, mf, false)
	require.NoError(t, m.CompactStripe(context.Background(), 0))

	_, ok, err := s.Get(key.New([]byte("a")))
	require.NoError(t, err)
	require.False(t, ok, "tombstone should have been dropped on a full-stripe compaction")
}

func TestCompactStripeSkipsWithFewerThanTwoSSTs(t *testing.T) {
	dir := t.TempDir()
	mf := manifest.New(dir)
	s := stripe.New(0)
	r1 := writeSST(t, dir, mf, []record.Record{
		{Key: key.New([]byte("a")), Kind: record.KindPut, Seq: 1, Item: value.Item{"v": value.String("x")}},
	})
	s.AttachSST(r1)

	m := New(DefaultConfig(), dir, &fixedStripes{s: s}, mf, false)
	require.NoError(t, m.CompactStripe(context.Background(), 0))
	require.Equal(t, 1, s.SSTCount())
}
