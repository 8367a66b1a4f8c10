// Package keystone is an embedded, single-node, DynamoDB-compatible
// key-value store built on a 256-way striped log-structured merge tree. A
// DB is the public handle returned by Open; every operation it exposes is a
// thin translation layer over internal/engine, turning its sentinel and
// wrapped errors into the stable *Error taxonomy callers match against.
package keystone

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/keystonedb/keystone/internal/compaction"
	"github.com/keystonedb/keystone/internal/engine"
	"github.com/keystonedb/keystone/internal/index"
	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/stream"
	"github.com/keystonedb/keystone/internal/txn"
	"github.com/keystonedb/keystone/internal/value"
)

// Value and Item are re-exported so callers never need to import an
// internal package to build a put/query argument.
type (
	Value = value.Value
	Item  = value.Item
)

// Value constructors, re-exported for the same reason.
var (
	NullValue    = value.Null
	String       = value.String
	Number       = value.Number
	NumberFromInt = value.NumberFromInt
	Binary       = value.Binary
	Bool         = value.Bool
	List         = value.List
	Map          = value.Map
	Vector       = value.Vector
	Timestamp    = value.Timestamp
)

// Key identifies one item: a required partition key and an optional sort
// key ("Key has two parts").
type Key struct {
	PK []byte
	SK []byte
}

func (k Key) internal() key.Key {
	if len(k.SK) == 0 {
		return key.New(k.PK)
	}
	return key.NewWithSK(k.PK, k.SK)
}

// Condition evaluates a single-key write's precondition against the item
// currently visible at that key (exists is false when there is none).
type Condition = txn.Condition

// IndexDefinition configures one local or global secondary index.
type IndexDefinition = index.Definition

const (
	LocalIndex  = index.KindLocal
	GlobalIndex = index.KindGlobal

	ProjectAll     = index.ProjectAll
	ProjectKeys    = index.ProjectKeysOnly
	ProjectInclude = index.ProjectInclude
)

// StreamViewType selects which images a change-stream entry carries.
type StreamViewType = stream.ViewType

const (
	StreamKeysOnly        = stream.ViewKeysOnly
	StreamNewImage        = stream.ViewNewImage
	StreamOldImage        = stream.ViewOldImage
	StreamNewAndOldImages = stream.ViewNewAndOldImages
)

// Change is one entry read back from ReadStream.
type Change = stream.Change

// Config configures Open ("Configuration options"). A zero
// Config is invalid; start from DefaultConfig and override fields, or pass
// the With* functional options to Open.
type Config struct {
	MaxMemtableRecords   int
	MaxMemtableSizeBytes int64
	WriteBufferSize      int
	MaxWALSizeBytes      int64
	MaxTotalDiskBytes    int64

	CompactionEnabled       bool
	CompactionSSTThreshold  int
	CompactionCheckInterval int // seconds
	CompactionMaxConcurrent int

	LocalIndexes  []IndexDefinition
	GlobalIndexes []IndexDefinition
	TTLAttribute  string

	StreamEnabled    bool
	StreamViewType   StreamViewType
	StreamBufferSize int

	Compressed bool

	Logger zerolog.Logger
}

// DefaultConfig returns conservative, ready-to-run defaults.
func DefaultConfig() Config {
	d := engine.DefaultConfig()
	return Config{
		MaxMemtableRecords:      d.MaxMemtableRecords,
		MaxMemtableSizeBytes:    d.MaxMemtableSizeBytes,
		MaxWALSizeBytes:         d.MaxWALSizeBytes,
		CompactionEnabled:       d.Compaction.Enabled,
		CompactionSSTThreshold:  d.Compaction.SSTThreshold,
		CompactionCheckInterval: int(d.Compaction.CheckInterval.Seconds()),
		CompactionMaxConcurrent: d.Compaction.MaxConcurrent,
		StreamViewType:          d.StreamViewType,
		StreamBufferSize:        d.StreamBufferSize,
		Logger:                  zerolog.Nop(),
	}
}

// Option applies a functional override to a Config, for the handful of
// values worth setting independently of the rest.
type Option func(*Config)

// WithLogger overrides the zerolog.Logger every engine component sublogs
// from.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

func (c Config) toEngineConfig() engine.Config {
	return engine.Config{
		MaxMemtableRecords:   c.MaxMemtableRecords,
		MaxMemtableSizeBytes: c.MaxMemtableSizeBytes,
		MaxWALSizeBytes:      c.MaxWALSizeBytes,
		MaxTotalDiskBytes:    c.MaxTotalDiskBytes,
		Compaction: compaction.Config{
			Enabled:       c.CompactionEnabled,
			SSTThreshold:  c.CompactionSSTThreshold,
			CheckInterval: time.Duration(c.CompactionCheckInterval) * time.Second,
			MaxConcurrent: c.CompactionMaxConcurrent,
		},
		LocalIndexes:     c.LocalIndexes,
		GlobalIndexes:    c.GlobalIndexes,
		TTLAttribute:     c.TTLAttribute,
		StreamEnabled:    c.StreamEnabled,
		StreamViewType:   c.StreamViewType,
		StreamBufferSize: c.StreamBufferSize,
		Compressed:       c.Compressed,
		Logger:           c.Logger,
	}
}

// DB is a handle to one open database directory.
type DB struct {
	eng *engine.Engine
}

// Open opens the database at path, creating it if it does not already
// exist ("open(path, config)").
func Open(path string, cfg Config, opts ...Option) (*DB, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	eng, err := engine.Open(path, cfg.toEngineConfig())
	if err != nil {
		return nil, translateOpenErr("open", err)
	}
	return &DB{eng: eng}, nil
}

// OpenOrCreate opens path, failing with ALREADY_EXISTS if it already
// contains a database and create is true (// "open_or_create(path, config, schema)"). The schema — local/global index
// definitions and the TTL attribute — is carried on cfg.
func OpenOrCreate(path string, cfg Config, create bool, opts ...Option) (*DB, error) {
	if create {
		if _, err := os.Stat(path); err == nil {
			return nil, newError("open_or_create", AlreadyExists, fmt.Errorf("%s already exists", path))
		}
	}
	return Open(path, cfg, opts...)
}

// Close stops the background compaction worker and closes the WAL file
// handle. It does not flush memtables — call Flush first if that matters.
func (db *DB) Close() error {
	if err := db.eng.Close(); err != nil {
		return newError("close", IOError, err)
	}
	return nil
}

// Put writes item under key k. If cond is non-nil, the write only applies
// when cond evaluates true against the item currently visible at k;
// otherwise Put returns a CONDITIONAL_CHECK_FAILED *Error.
func (db *DB) Put(k Key, item Item, cond Condition) error {
	if len(k.PK) == 0 {
		return newError("put", InvalidArgument, fmt.Errorf("empty partition key"))
	}
	if err := db.eng.Put(k.internal(), item, cond); err != nil {
		return translateWriteErr("put", err)
	}
	return nil
}

// Delete removes the item at k, subject to the same conditional contract
// as Put.
func (db *DB) Delete(k Key, cond Condition) error {
	if len(k.PK) == 0 {
		return newError("delete", InvalidArgument, fmt.Errorf("empty partition key"))
	}
	if err := db.eng.Delete(k.internal(), cond); err != nil {
		return translateWriteErr("delete", err)
	}
	return nil
}

// Get returns the currently visible item for k. found is false and err is
// nil when the key has no live record — a missing key is a normal negative
// result, not an error.
func (db *DB) Get(k Key) (item Item, found bool, err error) {
	item, found, ierr := db.eng.Get(k.internal())
	if ierr != nil {
		return nil, false, newError("get", IOError, ierr)
	}
	return item, found, nil
}

// BatchGet reads every key in keys independently (no shared snapshot), in
// the order given.
func (db *DB) BatchGet(keys []Key) (items []Item, found []bool, err error) {
	items = make([]Item, len(keys))
	found = make([]bool, len(keys))
	for i, k := range keys {
		item, ok, gerr := db.Get(k)
		if gerr != nil {
			return nil, nil, gerr
		}
		items[i] = item
		found[i] = ok
	}
	return items, found, nil
}

// WriteOp is one member of a BatchWrite call.
type WriteOp struct {
	Key    Key
	Delete bool
	Item   Item // ignored when Delete is true
}

// BatchWrite applies every op independently (unlike TransactWrite, a
// failure on one op does not roll back the others already applied).
func (db *DB) BatchWrite(ops []WriteOp) error {
	for i, op := range ops {
		var err error
		if op.Delete {
			err = db.Delete(op.Key, nil)
		} else {
			err = db.Put(op.Key, op.Item, nil)
		}
		if err != nil {
			return fmt.Errorf("batch_write: op %d: %w", i, err)
		}
	}
	return nil
}

// TxnOp is one member of a TransactWrite call.
type TxnOp struct {
	Key       Key
	Delete    bool
	Item      Item // ignored when Delete is true
	Condition Condition
}

// TransactWrite applies every op atomically under one sequence number: if
// any op's condition fails, none are applied and a TRANSACTION_CANCELED
// *Error naming the failing index is returned.
func (db *DB) TransactWrite(ops []TxnOp) error {
	internalOps := make([]txn.Op, len(ops))
	for i, op := range ops {
		kind := txn.OpPut
		if op.Delete {
			kind = txn.OpDelete
		}
		internalOps[i] = txn.Op{Key: op.Key.internal(), Kind: kind, Item: op.Item, Condition: op.Condition}
	}
	if err := db.eng.TransactWrite(internalOps); err != nil {
		var canceled *txn.CanceledError
		if errors.As(err, &canceled) {
			return newError("transact_write", TransactionCanceled, err)
		}
		return newError("transact_write", IOError, err)
	}
	return nil
}

// TransactGet reads every key in keys under one read-lock acquisition, a
// read-committed snapshot across the batch.
func (db *DB) TransactGet(keys []Key) (items []Item, found []bool, err error) {
	internalKeys := make([]key.Key, len(keys))
	for i, k := range keys {
		internalKeys[i] = k.internal()
	}
	items, found, ierr := db.eng.TransactGet(internalKeys)
	if ierr != nil {
		return nil, nil, newError("transact_get", IOError, ierr)
	}
	return items, found, nil
}

// SortPredicate filters candidate sort keys within a partition during
// Query. A nil predicate matches every sort key.
type SortPredicate func(sk []byte) bool

// Query returns every live item in pk's partition whose sort key matches
// pred, ascending by sort key, paginated via an opaque cursor returned
// alongside each page.
func (db *DB) Query(pk []byte, pred SortPredicate, limit int, afterCursor []byte) (items []Item, nextCursor []byte, err error) {
	if len(pk) == 0 {
		return nil, nil, newError("query", InvalidArgument, fmt.Errorf("empty partition key"))
	}
	items, nextCursor, ierr := db.eng.Query(pk, pred, limit, afterCursor)
	if ierr != nil {
		return nil, nil, newError("query", IOError, ierr)
	}
	return items, nextCursor, nil
}

// Scan returns every live item in segment segmentID of segmentCount total
// parallel segments, across the whole keyspace, ascending by encoded key.
// segmentCount <= 0 means a single full-table scan.
func (db *DB) Scan(segmentID, segmentCount, limit int, afterCursor []byte) (items []Item, nextCursor []byte, err error) {
	items, nextCursor, ierr := db.eng.Scan(segmentID, segmentCount, limit, afterCursor)
	if ierr != nil {
		return nil, nil, newError("scan", IOError, ierr)
	}
	return items, nextCursor, nil
}

// ReadStream returns every retained change with a sequence number greater
// than afterSeq. Returns an empty slice, never an error, when the stream
// is disabled or the ring has rotated past afterSeq entirely.
func (db *DB) ReadStream(afterSeq uint64) []Change {
	return db.eng.ReadStream(afterSeq)
}

// Flush synchronously flushes every stripe with a non-empty memtable.
func (db *DB) Flush() error {
	if err := db.eng.Flush(); err != nil {
		return newError("flush", IOError, err)
	}
	return nil
}

// TriggerCompaction compacts one stripe immediately, or every stripe when
// stripeID is nil.
func (db *DB) TriggerCompaction(stripeID *uint8) error {
	if err := db.eng.TriggerCompaction(stripeID); err != nil {
		return newError("trigger_compaction", IOError, err)
	}
	return nil
}

// Stats reports a point-in-time summary of engine state.
type Stats struct {
	TotalSSTs       int
	TotalStripes    int
	NextSequenceNum uint64
}

// Stats reports a point-in-time summary of engine state.
func (db *DB) Stats() Stats {
	s := db.eng.Stats()
	return Stats{TotalSSTs: s.TotalSSTs, TotalStripes: s.TotalStripes, NextSequenceNum: s.NextSequenceNum}
}

// Health reports nil if the engine can still accept writes, or an
// IO_ERROR *Error describing why not.
func (db *DB) Health() error {
	if err := db.eng.Health(); err != nil {
		return newError("health", IOError, err)
	}
	return nil
}

func translateOpenErr(op string, err error) error {
	return newError(op, IOError, err)
}

func translateWriteErr(op string, err error) error {
	if errors.Is(err, engine.ErrConditionalCheckFailed) {
		return newError(op, ConditionalCheckFailed, err)
	}
	return newError(op, IOError, err)
}
