// Package engine implements the LSM engine façade: it owns the WAL, the
// 256 stripes, the manifest, the compaction manager, the stream buffer,
// and the single reader-writer lock that every operation in this package
// acquires before touching any of them.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keystonedb/keystone/internal/compaction"
	"github.com/keystonedb/keystone/internal/extent"
	"github.com/keystonedb/keystone/internal/index"
	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/manifest"
	"github.com/keystonedb/keystone/internal/memtable"
	"github.com/keystonedb/keystone/internal/record"
	"github.com/keystonedb/keystone/internal/recovery"
	"github.com/keystonedb/keystone/internal/sstio"
	"github.com/keystonedb/keystone/internal/stream"
	"github.com/keystonedb/keystone/internal/stripe"
	"github.com/keystonedb/keystone/internal/ttl"
	"github.com/keystonedb/keystone/internal/txn"
	"github.com/keystonedb/keystone/internal/value"
	"github.com/keystonedb/keystone/internal/walio"
)

// ErrConditionalCheckFailed is returned by Put/Delete when a non-nil
// condition evaluates false against the currently visible item.
var ErrConditionalCheckFailed = errors.New("engine: conditional check failed")

// Config configures an Engine at Open time ("Configuration options").
type Config struct {
	MaxMemtableRecords   int
	MaxMemtableSizeBytes int64
	MaxWALSizeBytes      int64
	MaxTotalDiskBytes    int64 // not read by the engine; no write is rejected for disk usage

	Compaction compaction.Config

	LocalIndexes  []index.Definition
	GlobalIndexes []index.Definition
	TTLAttribute  string

	StreamEnabled    bool
	StreamViewType   stream.ViewType
	StreamBufferSize int

	Compressed bool // zstd-compress SST data blocks

	Logger zerolog.Logger
}

// DefaultConfig returns the engine's out-of-the-box configuration.
func DefaultConfig() Config {
	return Config{
		MaxMemtableRecords:   stripe.FlushThresholdRecords,
		MaxMemtableSizeBytes: stripe.FlushThresholdBytes,
		MaxWALSizeBytes:      64 << 20,
		Compaction:           compaction.DefaultConfig(),
		StreamViewType:       stream.ViewKeysOnly,
		StreamBufferSize:     stream.DefaultCapacity,
		Logger:               zerolog.Nop(),
	}
}

// Engine is the concurrency-safe core every exported keystone operation is a
// thin wrapper around.
type Engine struct {
	dir string
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	stripes  [key.NumStripes]*stripe.Stripe
	manifest *manifest.Manifest
	wal      *walio.WAL

	compaction *compaction.Manager
	allocator  *extent.Allocator
	stream     *stream.Buffer
	indexes    []index.Definition
	ttlAttr    string
	txn        *txn.Coordinator
}

// Open runs recovery against dir and returns a ready Engine.
func Open(dir string, cfg Config) (*Engine, error) {
	res, err := recovery.Open(dir, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}

	e := &Engine{
		dir:       dir,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "engine").Logger(),
		stripes:   res.Stripes,
		manifest:  res.Manifest,
		wal:       res.WAL,
		allocator: extent.New(dir, res.Manifest),
		indexes:   append(append([]index.Definition(nil), cfg.LocalIndexes...), cfg.GlobalIndexes...),
		ttlAttr:   cfg.TTLAttribute,
	}

	for _, s := range e.stripes {
		s.SetFlushThresholds(cfg.MaxMemtableSizeBytes, cfg.MaxMemtableRecords)
	}

	streamCapacity := 0
	if cfg.StreamEnabled {
		streamCapacity = cfg.StreamBufferSize
	}
	e.stream = stream.New(streamCapacity, cfg.StreamViewType)

	e.txn = txn.New(e)

	e.compaction = compaction.New(cfg.Compaction, dir, e, e.manifest, cfg.Compressed)
	e.compaction.Start()

	return e, nil
}

// Close stops the compaction worker and closes the WAL.
func (e *Engine) Close() error {
	if e.compaction != nil {
		e.compaction.Stop()
	}
	return e.wal.Close()
}

// StripeByID and NumStripes satisfy compaction.StripeSource.
func (e *Engine) StripeByID(id uint8) *stripe.Stripe { return e.stripes[id] }
func (e *Engine) NumStripes() int                    { return key.NumStripes }

func (e *Engine) ttlFilter() ttl.Filter {
	if e.ttlAttr == "" {
		return ttl.Disabled()
	}
	return ttl.New(e.ttlAttr, time.Now().Unix())
}

// Put writes item under key k, failing with ErrConditionalCheckFailed if
// cond is non-nil and evaluates false against the currently visible item.
// Any configured secondary-index records derived from the new item share
// the base write's sequence number and WAL envelope.
func (e *Engine) Put(k key.Key, item value.Item, cond txn.Condition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, exists, err := e.getLocked(k)
	if err != nil {
		return err
	}
	if cond != nil && !cond(cur, exists) {
		return ErrConditionalCheckFailed
	}

	seq := e.manifest.NextSequenceNumber()
	base := record.Record{Key: k, Kind: record.KindPut, Seq: seq, Item: item}
	ops := append([]record.Record{base}, indexOps(e.indexes, k, item, record.KindPut, seq)...)

	if err := e.writeGroup(seq, ops); err != nil {
		return err
	}
	e.applySingleLocked(seq, base, cur, exists, ops)
	return nil
}

// Delete removes the item at k, subject to the same conditional-check
// contract as Put. Any secondary-index records the pre-delete item implies
// are tombstoned under the same sequence number.
func (e *Engine) Delete(k key.Key, cond txn.Condition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, exists, err := e.getLocked(k)
	if err != nil {
		return err
	}
	if cond != nil && !cond(cur, exists) {
		return ErrConditionalCheckFailed
	}

	seq := e.manifest.NextSequenceNumber()
	base := record.Record{Key: k, Kind: record.KindDelete, Seq: seq}
	ops := []record.Record{base}
	if exists {
		ops = append(ops, indexOps(e.indexes, k, cur, record.KindDelete, seq)...)
	}

	if err := e.writeGroup(seq, ops); err != nil {
		return err
	}
	e.applySingleLocked(seq, base, cur, exists, ops)
	return nil
}

// indexOps derives the secondary-index side effects of writing item (the
// post-write item for a put, the pre-delete item for a delete) under kind,
// all sharing seq.
func indexOps(defs []index.Definition, baseKey key.Key, item value.Item, kind record.Kind, seq uint64) []record.Record {
	var out []record.Record
	for _, idx := range index.Derive(defs, baseKey, item) {
		rec := record.Record{Key: idx.Key, Kind: kind, Seq: seq}
		if kind == record.KindPut {
			rec.Item = idx.Item
		}
		out = append(out, rec)
	}
	return out
}

// writeGroup durably appends ops as a single WAL unit: a plain record when
// there is exactly one (the common case, no indexes configured), otherwise
// a KindTxn envelope so the whole group is recovered atomically (spec
// §4.13: "part of the same atomic group at the engine level").
func (e *Engine) writeGroup(seq uint64, ops []record.Record) error {
	if len(ops) == 1 {
		if err := e.wal.Append(seq, ops[0]); err != nil {
			return fmt.Errorf("engine: wal append: %w", err)
		}
		return nil
	}
	envelope := record.Record{Kind: record.KindTxn, Seq: seq, TxnOps: ops}
	if err := e.wal.Append(seq, envelope); err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	return nil
}

// Get returns the currently visible item for k, applying the TTL predicate,
// under the engine read lock ("Read algorithm").
func (e *Engine) Get(k key.Key) (value.Item, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.getLocked(k)
}

func (e *Engine) getLocked(k key.Key) (value.Item, bool, error) {
	s := e.stripes[key.Stripe(k)]
	rec, ok, err := s.Get(k)
	if err != nil {
		return nil, false, fmt.Errorf("engine: read: %w", err)
	}
	if !ok || rec.IsTombstone() {
		return nil, false, nil
	}
	if e.ttlFilter().Expired(rec.Item) {
		return nil, false, nil
	}
	return rec.Item, true, nil
}

// applySingleLocked installs a Put/Delete's full op group (base record plus
// any derived index records) into their stripes, appends one stream change
// for the base record, and schedules a flush for every stripe touched.
// Caller must hold e.mu.
func (e *Engine) applySingleLocked(seq uint64, base record.Record, cur value.Item, existed bool, ops []record.Record) {
	touched := make(map[uint8]bool, len(ops))
	for _, op := range ops {
		sid := key.Stripe(op.Key)
		e.stripes[sid].Put(op)
		touched[sid] = true
	}

	if e.stream.Enabled() {
		var kind stream.EventKind
		switch {
		case base.IsTombstone():
			kind = stream.EventRemove
		case !existed:
			kind = stream.EventInsert
		default:
			kind = stream.EventModify
		}
		change := stream.Change{Seq: seq, Kind: kind, Key: base.Key}
		switch e.cfg.StreamViewType {
		case stream.ViewNewImage:
			change.NewImage = base.Item
		case stream.ViewOldImage:
			change.OldImage = cur
		case stream.ViewNewAndOldImages:
			change.NewImage = base.Item
			change.OldImage = cur
		}
		e.stream.Append(change)
	}

	for sid := range touched {
		if e.stripes[sid].ShouldFlush() {
			go e.flushStripe(sid)
		}
	}
}

// flushStripe runs the idle -> snapshot -> writing_sst -> renaming ->
// manifest_updating -> cleaning_wal -> idle state machine for one stripe.
// Errors are logged; the stripe keeps serving from its memtable and the
// flush is simply retried on the next threshold crossing.
func (e *Engine) flushStripe(id uint8) {
	s := e.stripes[id]

	e.mu.Lock()
	defer e.mu.Unlock()
	recs := s.MemtableSnapshot()

	if len(recs) == 0 {
		return
	}

	ext := e.allocator.Allocate(id)
	w, err := sstio.NewWriter(e.dir, id, ext.SSTID, sstio.WriterOptions{Compressed: e.cfg.Compressed})
	if err != nil {
		e.log.Warn().Err(err).Uint8("stripe", id).Msg("flush: new writer failed")
		return
	}
	for _, rec := range recs {
		w.Add(rec)
	}
	meta, err := w.Finish()
	if err != nil {
		e.log.Warn().Err(err).Uint8("stripe", id).Msg("flush: finish failed")
		return
	}

	entry := manifest.SSTEntry{SSTID: meta.SSTID, SizeBytes: meta.SizeBytes, MinSeq: meta.MinSeq, MaxSeq: meta.MaxSeq}
	if err := e.manifest.AddSST(id, entry); err != nil {
		e.log.Warn().Err(err).Uint8("stripe", id).Msg("flush: manifest update failed")
		return
	}

	reader, err := sstio.Open(meta.Path)
	if err != nil {
		e.log.Warn().Err(err).Uint8("stripe", id).Msg("flush: reopen failed")
		return
	}

	s.SwapMemtable(memtable.New(), reader)

	e.log.Debug().Uint8("stripe", id).Int("records", len(recs)).Msg("stripe flushed")

	e.maybeRotateWAL()
}

// Flush synchronously flushes every stripe whose memtable is non-empty.
func (e *Engine) Flush() error {
	for i := range e.stripes {
		e.flushStripe(uint8(i))
	}
	return nil
}

// maybeRotateWAL seals the active WAL segment and deletes whichever sealed
// segments hold nothing but records already durable in some SST — the WAL
// equivalent of recovery.go's maxSSTSeq threshold, computed here from the
// lowest sequence number still buffered in any stripe's memtable rather than
// from the manifest.
func (e *Engine) maybeRotateWAL() {
	minLive, hasLive := e.lowestLiveSeq()

	if err := e.wal.Rotate(); err != nil {
		e.log.Warn().Err(err).Msg("wal rotate failed")
		return
	}

	ids := e.wal.SegmentIDs()
	keepFromID := ids[len(ids)-1] // GC never touches the active segment
	for _, id := range ids[:len(ids)-1] {
		maxLSN, known := e.wal.SegmentMaxLSN(id)
		if !known {
			continue // segment never held a live record
		}
		if hasLive && maxLSN >= minLive {
			keepFromID = id
			break
		}
	}

	if err := e.wal.GC(keepFromID); err != nil {
		e.log.Warn().Err(err).Msg("wal gc failed")
	}
}

// lowestLiveSeq returns the lowest Seq still buffered in any stripe's
// memtable, and whether any stripe has anything buffered at all.
func (e *Engine) lowestLiveSeq() (uint64, bool) {
	var min uint64
	found := false
	for _, s := range e.stripes {
		seq, ok := s.OldestLiveSeq()
		if !ok {
			continue
		}
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	return min, found
}

// TriggerCompaction compacts one stripe (or all, if id is nil) immediately,
// outside the periodic schedule.
func (e *Engine) TriggerCompaction(id *uint8) error {
	ctx := context.Background()
	if id != nil {
		return e.compaction.CompactStripe(ctx, *id)
	}
	for i := 0; i < key.NumStripes; i++ {
		if err := e.compaction.CompactStripe(ctx, uint8(i)); err != nil {
			return err
		}
	}
	return nil
}

// ReadStream returns every retained change with sequence number > afterSeq.
func (e *Engine) ReadStream(afterSeq uint64) []stream.Change {
	return e.stream.Since(afterSeq)
}

// Stats summarizes the engine's current state for the stats() operation.
type Stats struct {
	TotalSSTs       int
	TotalStripes    int
	NextSequenceNum uint64
}

// Stats reports a point-in-time summary of engine state.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := 0
	for _, s := range e.stripes {
		total += s.SSTCount()
	}
	return Stats{TotalSSTs: total, TotalStripes: key.NumStripes, NextSequenceNum: e.manifest.PeekNextSequenceNumber()}
}

// Health reports whether the engine can still accept writes (the WAL is
// open and reachable).
func (e *Engine) Health() error {
	return e.wal.Flush()
}

// --- txn.Store ---

// CurrentItem satisfies txn.Store; callers (the coordinator) are expected
// to already hold e.mu for the duration of the transaction.
func (e *Engine) CurrentItem(k key.Key) (value.Item, bool, error) {
	return e.getLocked(k)
}

func (e *Engine) NextSequenceNumber() uint64 {
	return e.manifest.NextSequenceNumber()
}

func (e *Engine) AppendWAL(rec record.Record) error {
	if err := e.wal.Append(rec.Seq, rec); err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	return nil
}

// Apply installs a transaction's already-durable ops. Per-op stream changes
// are emitted as REMOVE (delete) or MODIFY (put) without an old
// image, since distinguishing insert from modify would require an extra
// read per op beyond what validate already did for conditioned ops — a
// simplification transact_write's interface-boundary-only scope allows.
// Secondary-index maintenance is likewise not run for transaction ops.
func (e *Engine) Apply(seq uint64, ops []record.Record) {
	for _, op := range ops {
		sid := key.Stripe(op.Key)
		e.stripes[sid].Put(op)

		if e.stream.Enabled() {
			kind := stream.EventModify
			if op.IsTombstone() {
				kind = stream.EventRemove
			}
			change := stream.Change{Seq: seq, Kind: kind, Key: op.Key}
			if e.cfg.StreamViewType == stream.ViewNewImage || e.cfg.StreamViewType == stream.ViewNewAndOldImages {
				change.NewImage = op.Item
			}
			e.stream.Append(change)
		}

		if e.stripes[sid].ShouldFlush() {
			go e.flushStripe(sid)
		}
	}
}

// TransactWrite runs ops as a single atomic group under the engine write
// lock.
func (e *Engine) TransactWrite(ops []txn.Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txn.Write(ops)
}

// TransactGet reads every key in keys under one read-lock acquisition.
func (e *Engine) TransactGet(keys []key.Key) ([]value.Item, []bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.txn.Get(keys)
}

// Query returns every live record in pk's partition whose sort key matches
// pred (nil matches everything), in ascending (pk, sk) order, paginated by
// an opaque cursor. limit == 0 returns an empty page with nextCursor equal
// to afterCursor, without scanning anything. Every key sharing pk lives in
// one stripe, so this scans that stripe and filters by partition rather
// than trying to express "just this partition" as an encoded-key byte
// range — the encoded form's length-prefixed fields mean raw byte order
// diverges from (pk, sk) order exactly at a varying sort-key length, so no
// single byte-range bound is correct for every partition (see
// key.CompareEncoded's own caveat).
func (e *Engine) Query(pk []byte, pred func(sk []byte) bool, limit int, afterCursor []byte) (items []value.Item, nextCursor []byte, err error) {
	if limit == 0 {
		return nil, afterCursor, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	s := e.stripes[key.Stripe(key.New(pk))]
	recs, err := s.RangeScan(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: query: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return key.Compare(recs[i].Key, recs[j].Key) < 0 })

	var after *key.Key
	if afterCursor != nil {
		ak, derr := key.Decode(afterCursor)
		if derr != nil {
			return nil, nil, fmt.Errorf("engine: query: invalid cursor: %w", derr)
		}
		after = &ak
	}

	ttlf := e.ttlFilter()
	for _, rec := range recs {
		if !bytes.Equal(rec.Key.PK, pk) {
			continue
		}
		if after != nil && key.Compare(rec.Key, *after) <= 0 {
			continue
		}
		if rec.IsTombstone() || ttlf.Expired(rec.Item) {
			continue
		}
		if pred != nil && !pred(rec.Key.SK) {
			continue
		}
		items = append(items, rec.Item)
		if limit > 0 && len(items) >= limit {
			nextCursor = key.Encode(rec.Key)
			break
		}
	}
	return items, nextCursor, nil
}

// Scan iterates every stripe whose id mod segmentCount == segmentID,
// merging results in global encoded-key order. segmentCount <= 0 means "one
// segment, everything". limit == 0 returns an empty page with nextCursor
// equal to afterCursor, without scanning anything.
func (e *Engine) Scan(segmentID, segmentCount, limit int, afterCursor []byte) (items []value.Item, nextCursor []byte, err error) {
	if limit == 0 {
		return nil, afterCursor, nil
	}
	if segmentCount <= 0 {
		segmentCount, segmentID = 1, 0
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var all []record.Record
	for i := 0; i < key.NumStripes; i++ {
		if i%segmentCount != segmentID {
			continue
		}
		recs, serr := e.stripes[i].RangeScan(nil, nil)
		if serr != nil {
			return nil, nil, fmt.Errorf("engine: scan: %w", serr)
		}
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, j int) bool {
		return key.CompareEncoded(key.Encode(all[i].Key), key.Encode(all[j].Key)) < 0
	})

	ttlf := e.ttlFilter()
	skip := afterCursor != nil
	for _, rec := range all {
		ek := key.Encode(rec.Key)
		if skip {
			if key.CompareEncoded(ek, afterCursor) <= 0 {
				continue
			}
			skip = false
		}
		if rec.IsTombstone() || ttlf.Expired(rec.Item) {
			continue
		}
		items = append(items, rec.Item)
		if limit > 0 && len(items) >= limit {
			nextCursor = ek
			break
		}
	}
	return items, nextCursor, nil
}
