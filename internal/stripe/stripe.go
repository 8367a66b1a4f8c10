// Package stripe implements one of the 256 independent LSM sub-trees keyed
// by partition key: a memtable plus a newest-first list of SST
// readers. This is the unit the engine fans writes and reads out to, and the
// unit the compaction manager rewrites one at a time.
package stripe

import (
	"sort"
	"sync"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/memtable"
	"github.com/keystonedb/keystone/internal/record"
	"github.com/keystonedb/keystone/internal/sstio"
)

// FlushThresholdBytes and FlushThresholdRecords are the two independent
// triggers ShouldFlush checks (/§4.8: "if the stripe's memtable
// size or record count crosses either of two thresholds").
const (
	FlushThresholdBytes   = 4 << 20 // 4 MiB
	FlushThresholdRecords = 10000
)

// Stripe owns one memtable and the SSTs currently live for its id. SST
// readers are kept newest-first so Get's first match wins.
type Stripe struct {
	ID uint8

	mu           sync.RWMutex
	mem          *memtable.Memtable
	ssts         []*sstio.Reader // newest first
	flushBytes   int64
	flushRecords int
}

// New returns an empty stripe for id, using the package's default flush
// thresholds.
func New(id uint8) *Stripe {
	return &Stripe{ID: id, mem: memtable.New(), flushBytes: FlushThresholdBytes, flushRecords: FlushThresholdRecords}
}

// SetFlushThresholds overrides the two ShouldFlush triggers — used by the
// engine to apply a configured max_memtable_size_bytes/max_memtable_records
// in place of the package defaults. Zero leaves a threshold
// unchanged.
func (s *Stripe) SetFlushThresholds(bytes int64, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes > 0 {
		s.flushBytes = bytes
	}
	if records > 0 {
		s.flushRecords = records
	}
}

// Put inserts rec into the memtable. The engine is responsible for stripe
// routing, sequence assignment, and WAL durability before calling this.
func (s *Stripe) Put(rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Put(rec)
}

// Get returns the most recent record for k — from the memtable if present,
// otherwise by walking the SST list newest-first, short-circuiting each via
// its bloom filter. The caller must check
// Record.IsTombstone.
func (s *Stripe) Get(k key.Key) (record.Record, bool, error) {
	ek := key.Encode(k)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.mem.Get(ek); ok {
		return rec, true, nil
	}

	for _, r := range s.ssts {
		if !r.MayContain(ek) {
			continue
		}
		rec, ok, err := r.Get(ek)
		if err != nil {
			return record.Record{}, false, err
		}
		if ok {
			return rec, true, nil
		}
	}

	return record.Record{}, false, nil
}

// ShouldFlush reports whether the memtable has crossed either threshold
//.
func (s *Stripe) ShouldFlush() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.SizeBytes() >= s.flushBytes || s.mem.Len() >= s.flushRecords
}

// MemtableSnapshot returns every buffered record, for the flush path to
// build an SST from. It does not clear the memtable — call SwapMemtable
// after the SST is durably written.
func (s *Stripe) MemtableSnapshot() []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.Snapshot()
}

// OldestLiveSeq returns the lowest Seq among records still buffered in this
// stripe's memtable, and whether the memtable holds anything at all. Used to
// find the oldest WAL record not yet durable in an SST, across every stripe.
func (s *Stripe) OldestLiveSeq() (uint64, bool) {
	recs := s.MemtableSnapshot()
	if len(recs) == 0 {
		return 0, false
	}
	oldest := recs[0].Seq
	for _, r := range recs[1:] {
		if r.Seq < oldest {
			oldest = r.Seq
		}
	}
	return oldest, true
}

// SwapMemtable installs fresh in place of the current memtable and prepends
// newReader (built from the records MemtableSnapshot returned) as the
// newest SST. Callers must not allow writes to land in the old memtable
// between the snapshot and this call — the engine serializes each stripe's
// flush under its own write path (idle → snapshot → writing_sst → renaming
// → manifest_updating → cleaning_wal → idle).
func (s *Stripe) SwapMemtable(fresh *memtable.Memtable, newReader *sstio.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem = fresh
	if newReader != nil {
		s.ssts = append([]*sstio.Reader{newReader}, s.ssts...)
	}
}

// ReplaceSSTs atomically swaps the stripe's entire SST reader list — used
// after compaction installs one merged SST in place of several.
// oldPaths identifies which currently-open readers to close and drop;
// newReader (nil for "nothing to add", e.g. an all-tombstone compaction)
// is prepended as the newest.
func (s *Stripe) ReplaceSSTs(oldPaths map[string]bool, newReader *sstio.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.ssts[:0]
	for _, r := range s.ssts {
		if oldPaths[r.Path()] {
			r.Close()
			continue
		}
		kept = append(kept, r)
	}
	s.ssts = kept
	if newReader != nil {
		s.ssts = append([]*sstio.Reader{newReader}, s.ssts...)
	}
}

// AttachSST prepends an already-open reader as the newest SST — used during
// recovery, where SSTs are opened in manifest order rather than produced by
// a flush in this process.
func (s *Stripe) AttachSST(r *sstio.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssts = append([]*sstio.Reader{r}, s.ssts...)
}

// SSTReaders returns a snapshot of the current newest-first SST list, for
// the compaction manager to collect a merge input set from.
func (s *Stripe) SSTReaders() []*sstio.Reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sstio.Reader, len(s.ssts))
	copy(out, s.ssts)
	return out
}

// SSTCount reports how many SSTs are currently live for this stripe, the
// quantity the compaction manager's trigger checks.
func (s *Stripe) SSTCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ssts)
}

// RangeScan returns every live record (memtable then all SSTs, newest
// sequence per key wins, tombstones included) whose encoded key falls
// within [startInclusive, endExclusive) — endExclusive == nil means
// unbounded. Results are returned in ascending encoded-key order for the
// caller (query/scan) to paginate and filter further.
func (s *Stripe) RangeScan(startInclusive, endExclusive []byte) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := map[string]record.Record{}

	consider := func(rec record.Record) {
		ek := key.Encode(rec.Key)
		if startInclusive != nil && key.CompareEncoded(ek, startInclusive) < 0 {
			return
		}
		if endExclusive != nil && key.CompareEncoded(ek, endExclusive) >= 0 {
			return
		}
		if cur, ok := best[string(ek)]; !ok || rec.Seq > cur.Seq {
			best[string(ek)] = rec
		}
	}

	for _, rec := range s.mem.Snapshot() {
		consider(rec)
	}
	for _, r := range s.ssts {
		recs, err := r.AllRecords()
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			consider(rec)
		}
	}

	out := make([]record.Record, 0, len(best))
	for _, rec := range best {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return key.CompareEncoded(key.Encode(out[i].Key), key.Encode(out[j].Key)) < 0
	})
	return out, nil
}
