package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/internal/index"
	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/txn"
	"github.com/keystonedb/keystone/internal/value"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxMemtableRecords = 4
	cfg.Compaction.Enabled = false
	return cfg
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	k := key.New([]byte("user#1"))
	item := value.Item{"name": value.String("ada")}
	require.NoError(t, e.Put(k, item, nil))

	got, found, err := e.Get(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value.String("ada"), got["name"])
}

func TestDeleteHidesItem(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	k := key.New([]byte("user#1"))
	require.NoError(t, e.Put(k, value.Item{"x": value.NumberFromInt(1)}, nil))
	require.NoError(t, e.Delete(k, nil))

	_, found, err := e.Get(k)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPutConditionRejectsOnMismatch(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	k := key.New([]byte("acct#1"))
	require.NoError(t, e.Put(k, value.Item{"bal": value.NumberFromInt(100)}, nil))

	cond := func(item value.Item, exists bool) bool {
		return exists && value.Equal(item["bal"], value.NumberFromInt(999))
	}
	err = e.Put(k, value.Item{"bal": value.NumberFromInt(0)}, cond)
	require.ErrorIs(t, err, ErrConditionalCheckFailed)

	got, _, _ := e.Get(k)
	require.Equal(t, value.NumberFromInt(100), got["bal"])
}

func TestFlushMovesRecordsIntoAnSST(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	k := key.New([]byte("user#1"))
	require.NoError(t, e.Put(k, value.Item{"x": value.NumberFromInt(1)}, nil))
	require.NoError(t, e.Flush())

	stats := e.Stats()
	require.GreaterOrEqual(t, stats.TotalSSTs, 1)

	got, found, err := e.Get(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value.NumberFromInt(1), got["x"])
}

func TestFlushRotatesAndGarbageCollectsTheWAL(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put(key.New([]byte("user#1")), value.Item{"x": value.NumberFromInt(1)}, nil))
	require.NoError(t, e.wal.Rotate())
	require.NoError(t, e.Put(key.New([]byte("user#2")), value.Item{"x": value.NumberFromInt(2)}, nil))
	require.Len(t, e.wal.SegmentIDs(), 2)

	require.NoError(t, e.Flush())

	// Every record is now durable in an SST, so flushing should have rotated
	// the active segment out and collected every sealed segment behind it.
	require.Len(t, e.wal.SegmentIDs(), 1)
}

func TestTransactWriteSurvivesCrashAndReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.LocalIndexes = []index.Definition{
		{Name: "by-status", Kind: index.KindLocal, Projection: index.ProjectAll, SortAttribute: "status"},
	}
	e, err := Open(dir, cfg)
	require.NoError(t, err)

	a := key.New([]byte("a"))
	b := key.New([]byte("b"))
	require.NoError(t, e.Put(a, value.Item{"bal": value.NumberFromInt(100), "status": value.String("open")}, nil))
	require.NoError(t, e.Put(b, value.Item{"bal": value.NumberFromInt(0), "status": value.String("open")}, nil))

	require.NoError(t, e.TransactWrite([]txn.Op{
		{Key: a, Kind: txn.OpPut, Item: value.Item{"bal": value.NumberFromInt(0), "status": value.String("closed")}},
		{Key: b, Kind: txn.OpPut, Item: value.Item{"bal": value.NumberFromInt(100), "status": value.String("closed")}},
	}))

	// Close without an explicit Flush: the transaction's envelope, and the
	// index writes each Put above produced, are still only in the WAL.
	require.NoError(t, e.Close())

	e2, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e2.Close()

	gotA, foundA, err := e2.Get(a)
	require.NoError(t, err)
	require.True(t, foundA)
	require.Equal(t, value.NumberFromInt(0), gotA["bal"])
	require.Equal(t, value.String("closed"), gotA["status"])

	gotB, foundB, err := e2.Get(b)
	require.NoError(t, err)
	require.True(t, foundB)
	require.Equal(t, value.NumberFromInt(100), gotB["bal"])
	require.Equal(t, value.String("closed"), gotB["status"])
}

func TestRecoveryReplaysAfterReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)

	k := key.New([]byte("user#1"))
	require.NoError(t, e.Put(k, value.Item{"x": value.NumberFromInt(7)}, nil))
	require.NoError(t, e.Close())

	e2, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e2.Close()

	got, found, err := e2.Get(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value.NumberFromInt(7), got["x"])
}

func TestTransactWriteAppliesAtomically(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	a := key.New([]byte("a"))
	b := key.New([]byte("b"))
	require.NoError(t, e.Put(a, value.Item{"bal": value.NumberFromInt(100)}, nil))
	require.NoError(t, e.Put(b, value.Item{"bal": value.NumberFromInt(0)}, nil))

	err = e.TransactWrite([]txn.Op{
		{Key: a, Kind: txn.OpPut, Item: value.Item{"bal": value.NumberFromInt(0)},
			Condition: func(item value.Item, exists bool) bool {
				return exists && value.Equal(item["bal"], value.NumberFromInt(100))
			}},
		{Key: b, Kind: txn.OpPut, Item: value.Item{"bal": value.NumberFromInt(100)}},
	})
	require.NoError(t, err)

	gotA, _, _ := e.Get(a)
	gotB, _, _ := e.Get(b)
	require.Equal(t, value.NumberFromInt(0), gotA["bal"])
	require.Equal(t, value.NumberFromInt(100), gotB["bal"])
}

func TestQueryReturnsOnlyMatchingPartition(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put(key.NewWithSK([]byte("user#1"), []byte("order#1")), value.Item{"total": value.NumberFromInt(1)}, nil))
	require.NoError(t, e.Put(key.NewWithSK([]byte("user#1"), []byte("order#2")), value.Item{"total": value.NumberFromInt(2)}, nil))
	require.NoError(t, e.Put(key.NewWithSK([]byte("user#2"), []byte("order#1")), value.Item{"total": value.NumberFromInt(3)}, nil))

	items, cursor, err := e.Query([]byte("user#1"), nil, 10, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Nil(t, cursor)
}

func TestQueryWithZeroLimitReturnsEmptyPageWithInputCursor(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put(key.NewWithSK([]byte("user#1"), []byte("order#1")), value.Item{"total": value.NumberFromInt(1)}, nil))

	cursorIn := key.Encode(key.NewWithSK([]byte("user#1"), []byte("order#0")))
	items, cursorOut, err := e.Query([]byte("user#1"), nil, 0, cursorIn)
	require.NoError(t, err)
	require.Nil(t, items)
	require.Equal(t, cursorIn, cursorOut)
}

func TestScanWithZeroLimitReturnsEmptyPageWithInputCursor(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put(key.New([]byte("user#1")), value.Item{"x": value.NumberFromInt(1)}, nil))

	cursorIn := key.Encode(key.New([]byte("user#0")))
	items, cursorOut, err := e.Scan(0, 1, 0, cursorIn)
	require.NoError(t, err)
	require.Nil(t, items)
	require.Equal(t, cursorIn, cursorOut)
}

func TestQueryPaginatesWithCursor(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 3; i++ {
		sk := []byte{byte('a' + i)}
		require.NoError(t, e.Put(key.NewWithSK([]byte("user#1"), sk), value.Item{"n": value.NumberFromInt(int64(i))}, nil))
	}

	page1, cursor, err := e.Query([]byte("user#1"), nil, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, cursor)

	page2, cursor2, err := e.Query([]byte("user#1"), nil, 2, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	require.Nil(t, cursor2)
}

func TestSecondaryIndexWriteSharesBaseSequenceNumber(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.LocalIndexes = []index.Definition{
		{Name: "by-status", Kind: index.KindLocal, Projection: index.ProjectAll, SortAttribute: "status"},
	}
	e, err := Open(dir, cfg)
	require.NoError(t, err)
	defer e.Close()

	k := key.New([]byte("order#1"))
	require.NoError(t, e.Put(k, value.Item{"status": value.String("open")}, nil))

	before := e.manifest.PeekNextSequenceNumber()
	require.NoError(t, e.Put(k, value.Item{"status": value.String("closed")}, nil))
	after := e.manifest.PeekNextSequenceNumber()

	// One base write with one derived index record must consume exactly one
	// sequence number, not two.
	require.Equal(t, before+1, after)
}

func TestTTLExpiresItemsAtReadTime(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.TTLAttribute = "expires_at"
	e, err := Open(dir, cfg)
	require.NoError(t, err)
	defer e.Close()

	k := key.New([]byte("session#1"))
	require.NoError(t, e.Put(k, value.Item{"expires_at": value.NumberFromInt(1)}, nil))

	_, found, err := e.Get(k)
	require.NoError(t, err)
	require.False(t, found)
}

func TestReadStreamReportsChanges(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.StreamEnabled = true
	cfg.StreamViewType = 1 // ViewNewImage
	cfg.StreamBufferSize = 10
	e, err := Open(dir, cfg)
	require.NoError(t, err)
	defer e.Close()

	k := key.New([]byte("user#1"))
	require.NoError(t, e.Put(k, value.Item{"x": value.NumberFromInt(1)}, nil))

	changes := e.ReadStream(0)
	require.Len(t, changes, 1)
	require.Equal(t, value.NumberFromInt(1), changes[0].NewImage["x"])
}
