// Package memtable provides each stripe's mutable, in-memory write buffer: a
// generic skip list ordered by encoded key, wrapped into a concrete store of
// record.Record values keyed by their encoded key.
package memtable

import (
	"iter"
	"sync"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/record"
)

// Memtable is one stripe's active write buffer. All mutations append a
// record (a tombstone for deletes) rather than physically removing
// anything — a memtable never holds less information than what was
// written to it, since the WAL recovery path and flush both depend on
// tombstones surviving until compaction drops them (invariant I7).
type Memtable struct {
	mu        sync.RWMutex
	sl        *skipList[string, record.Record]
	sizeBytes int64
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{sl: newSkipList[string, record.Record]()}
}

// entrySize approximates the memtable footprint of one record: its encoded
// key plus its encoded body, used against the stripe's flush threshold
// ("should_flush").
func entrySize(rec record.Record) int64 {
	return int64(key.EncodedLen(rec.Key)) + int64(record.EncodedBodyLen(rec))
}

// Put inserts or overwrites rec, keyed by its own encoded key. A later Put
// for the same key (including a tombstone from Delete) always wins within a
// memtable, since both the WAL and callers guarantee increasing Seq.
func (m *Memtable) Put(rec record.Record) {
	ek := string(key.Encode(rec.Key))

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, existed := m.sl.Get(ek); existed {
		m.sizeBytes -= entrySize(old)
	}
	m.sl.Put(ek, rec)
	m.sizeBytes += entrySize(rec)
}

// Get returns the record for encodedKey, if present. The caller must check
// Record.IsTombstone — a present tombstone still means "no live value".
func (m *Memtable) Get(encodedKey []byte) (record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sl.Get(string(encodedKey))
}

// Len reports the number of distinct keys (including tombstones) buffered.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sl.Len()
}

// SizeBytes reports the approximate in-memory footprint used for flush
// threshold decisions.
func (m *Memtable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// Snapshot returns every buffered record in ascending encoded-key order, for
// a flush to build an SST from or for a range scan to merge against. It
// copies under the read lock so the caller can iterate without holding it.
func (m *Memtable) Snapshot() []record.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]record.Record, 0, m.sl.Len())
	for e := range m.sl.Iterator() {
		out = append(out, e.value)
	}
	return out
}

// All returns an iterator over a snapshot taken at call time (see Snapshot).
func (m *Memtable) All() iter.Seq[record.Record] {
	snap := m.Snapshot()
	return func(yield func(record.Record) bool) {
		for _, rec := range snap {
			if !yield(rec) {
				return
			}
		}
	}
}
