// Package stream implements a bounded change-data-capture ring buffer: a
// fixed-capacity in-memory ring of change entries, written under the engine
// write lock so entries stay in sequence-number order, read by
// sequence-number cursor with at-least-once-within-retention-window
// semantics.
package stream

import (
	"sync"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/value"
)

// EventKind distinguishes the three change shapes a write can produce.
type EventKind uint8

const (
	EventInsert EventKind = iota
	EventModify
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "INSERT"
	case EventModify:
		return "MODIFY"
	case EventRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// ViewType selects which images a Change carries, mirroring DynamoDB
// Streams' StreamViewType naming (KEYS_ONLY / NEW_IMAGE / OLD_IMAGE /
// NEW_AND_OLD_IMAGES), which schema.stream.view_type selects from.
type ViewType uint8

const (
	ViewKeysOnly ViewType = iota
	ViewNewImage
	ViewOldImage
	ViewNewAndOldImages
)

// Change is one entry in the stream buffer.
type Change struct {
	Seq      uint64
	Kind     EventKind
	Key      key.Key
	OldImage value.Item // nil unless the view type includes it
	NewImage value.Item // nil unless the view type includes it, or on Remove
}

// DefaultCapacity is the ring's default entry count.
const DefaultCapacity = 1000

// Buffer is a fixed-capacity, mutex-guarded ring of Changes.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	entries  []Change // ring; entries[0] is the oldest currently held
	enabled  bool
	viewType ViewType
}

// New returns a buffer with the given capacity. A capacity of 0 disables
// the stream entirely (Append becomes a no-op, Since always returns empty).
func New(capacity int, viewType ViewType) *Buffer {
	if capacity <= 0 {
		return &Buffer{enabled: false}
	}
	return &Buffer{
		capacity: capacity,
		entries:  make([]Change, 0, capacity),
		enabled:  true,
		viewType: viewType,
	}
}

// Enabled reports whether this buffer retains entries.
func (b *Buffer) Enabled() bool { return b.enabled }

// Append records one change, trimming the oldest entry if the buffer is at
// capacity. The caller (the engine) is responsible for calling this only
// while holding the engine write lock, so entries land in sequence-number
// order.
func (b *Buffer) Append(c Change) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, c)
}

// Since returns every retained change with Seq > afterSeq, oldest first.
// If afterSeq is older than the oldest retained entry, the caller has
// missed entries — at-least-once-within-retention-window semantics mean
// this returns whatever is left rather than signalling an error (spec
// §4.14).
func (b *Buffer) Since(afterSeq uint64) []Change {
	if !b.enabled {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Change, 0, len(b.entries))
	for _, c := range b.entries {
		if c.Seq > afterSeq {
			out = append(out, c)
		}
	}
	return out
}

// OldestRetainedSeq returns the sequence number of the oldest entry still
// held, and whether the buffer holds anything at all — useful for callers
// that want to detect "I may have missed entries".
func (b *Buffer) OldestRetainedSeq() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[0].Seq, true
}
