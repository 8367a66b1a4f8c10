// Package txn implements the two-phase transaction coordinator from spec
// §4.15: validate every condition against the currently visible item with no
// mutation on failure, then apply every op under one sequence number as a
// single WAL record. Update- and condition-expression grammars are out of
// scope; this package's boundary with the engine is a
// plain Go closure, per the same Non-goals' instruction that only the
// interface to the engine is specified.
package txn

import (
	"fmt"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/record"
	"github.com/keystonedb/keystone/internal/value"
)

// Condition evaluates true/false against the item currently visible for an
// op's key (exists reports whether any live, non-tombstone item was found).
type Condition func(item value.Item, exists bool) bool

// OpKind distinguishes a transaction member write from a delete.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one member of a transact_write call.
type Op struct {
	Key       key.Key
	Kind      OpKind
	Item      value.Item // ignored for OpDelete
	Condition Condition  // nil means unconditional
}

// CanceledError is returned by Write when at least one op's condition
// failed; Index is the position of the first failing op.
type CanceledError struct {
	Index int
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("txn: condition failed at op %d", e.Index)
}

// Store is the engine-provided dependency the coordinator needs. The engine
// is expected to hold its own write lock for the duration of a Write call
// and its read lock for the duration of a Get call — the coordinator adds
// no locking of its own.
type Store interface {
	// CurrentItem returns the visible item for k, or ok == false if there is
	// none (absent or tombstoned).
	CurrentItem(k key.Key) (item value.Item, ok bool, err error)
	// NextSequenceNumber consumes and returns the single sequence number the
	// whole transaction will share.
	NextSequenceNumber() uint64
	// AppendWAL durably writes rec (a KindTxn record) before any stripe is
	// touched, so recovery only ever sees fully-applied-or-never-applied
	// transactions.
	AppendWAL(rec record.Record) error
	// Apply installs each already-durable op into its stripe and the stream
	// buffer, all tagged with seq. It derives no secondary-index records.
	Apply(seq uint64, ops []record.Record)
}

// Coordinator runs transact_write/transact_get against a Store.
type Coordinator struct {
	store Store
}

// New returns a coordinator backed by store.
func New(store Store) *Coordinator {
	return &Coordinator{store: store}
}

// Write validates every op's condition against the currently visible item;
// if any fails, it returns *CanceledError for the first failing index and
// neither writes to the WAL nor mutates any stripe. Otherwise it assigns one
// sequence number, durably appends a single composite WAL record, and
// applies every op ("validate" then "apply").
func (c *Coordinator) Write(ops []Op) error {
	if len(ops) == 0 {
		return fmt.Errorf("txn: no ops")
	}

	for i, op := range ops {
		if op.Condition == nil {
			continue
		}
		item, exists, err := c.store.CurrentItem(op.Key)
		if err != nil {
			return fmt.Errorf("txn: validate op %d: %w", i, err)
		}
		if !op.Condition(item, exists) {
			return &CanceledError{Index: i}
		}
	}

	seq := c.store.NextSequenceNumber()

	recs := make([]record.Record, len(ops))
	for i, op := range ops {
		recs[i] = toRecord(op, seq)
	}

	envelope := record.Record{Kind: record.KindTxn, Seq: seq, TxnOps: recs}
	if err := c.store.AppendWAL(envelope); err != nil {
		return fmt.Errorf("txn: append wal: %w", err)
	}

	c.store.Apply(seq, recs)
	return nil
}

func toRecord(op Op, seq uint64) record.Record {
	switch op.Kind {
	case OpDelete:
		return record.Record{Key: op.Key, Kind: record.KindDelete, Seq: seq}
	default:
		return record.Record{Key: op.Key, Kind: record.KindPut, Seq: seq, Item: op.Item}
	}
}

// Get returns the currently visible item for each of keys, under whatever
// single lock acquisition the caller already holds (// "read-committed snapshot across the batch" — the coordinator itself makes
// no locking decision, it just reads each key in order).
func (c *Coordinator) Get(keys []key.Key) ([]value.Item, []bool, error) {
	items := make([]value.Item, len(keys))
	found := make([]bool, len(keys))
	for i, k := range keys {
		item, ok, err := c.store.CurrentItem(k)
		if err != nil {
			return nil, nil, fmt.Errorf("txn: get key %d: %w", i, err)
		}
		items[i] = item
		found[i] = ok
	}
	return items, found, nil
}
