// Package walio implements the write-ahead log: file format, group-commit
// writer, and crash-tolerant reader.
//
// Segment discovery and rotation generalize a plain byte-log's append and
// rotate calls to this WAL's header+CRC record format, and the group-commit
// contract batches concurrent Append calls behind a single fsync per round
// (a mutex plus a batch generation counter) rather than syncing on every
// call.
package walio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/keystonedb/keystone/internal/record"
	"github.com/rs/zerolog"
)

var segmentNamePattern = regexp.MustCompile(`^wal-(\d+)\.log$`)

func segmentPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%06d.log", id))
}

func listSegmentIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// WAL is the durable, ordered, group-committed log of every mutation.
type WAL struct {
	mu             sync.Mutex
	cond           *sync.Cond
	dir            string
	maxSegmentSize int64

	activeID int
	active   *os.File
	offset   int64

	sealedIDs []int // older segments still on disk, oldest first

	segMaxLSN map[int]uint64 // highest LSN seen in each segment, by id

	round       uint64
	durable     uint64
	failedRound uint64
	failErr     error
	syncing     bool
	closed      bool

	log zerolog.Logger
}

// Option configures Open.
type Option func(*WAL)

// WithMaxSegmentSize overrides the default rotation-size hint.
func WithMaxSegmentSize(n int64) Option {
	return func(w *WAL) { w.maxSegmentSize = n }
}

// WithLogger attaches a structured logger; the zero value is zerolog's
// disabled logger, so the WAL stays silent unless a caller opts in.
func WithLogger(l zerolog.Logger) Option {
	return func(w *WAL) { w.log = l.With().Str("component", "wal").Logger() }
}

const defaultMaxSegmentSize int64 = 64 << 20 // 64MiB

// Open opens (creating if necessary) the WAL directory, positions the active
// segment at its end, and is ready to accept Append calls.
func Open(dir string, opts ...Option) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("walio: mkdir: %w", err)
	}

	w := &WAL{dir: dir, maxSegmentSize: defaultMaxSegmentSize, log: zerolog.Nop(), segMaxLSN: make(map[int]uint64)}
	w.cond = sync.NewCond(&w.mu)
	for _, o := range opts {
		o(w)
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("walio: list segments: %w", err)
	}

	if len(ids) == 0 {
		if err := w.createSegment(1); err != nil {
			return nil, err
		}
		return w, nil
	}

	w.sealedIDs = ids[:len(ids)-1]
	lastID := ids[len(ids)-1]

	f, err := os.OpenFile(segmentPath(dir, lastID), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walio: open active segment: %w", err)
	}
	if _, err := readHeader(f); err != nil {
		f.Close()
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	w.activeID = lastID
	w.active = f
	w.offset = stat.Size()
	w.round = 1
	return w, nil
}

func (w *WAL) createSegment(id int) error {
	f, err := os.OpenFile(segmentPath(w.dir, id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("walio: create segment %d: %w", id, err)
	}
	if err := writeHeader(f); err != nil {
		f.Close()
		return fmt.Errorf("walio: write header: %w", err)
	}
	w.activeID = id
	w.active = f
	w.offset = headerLen
	if w.round == 0 {
		w.round = 1
	}
	return nil
}

// Append serializes rec as WAL record lsn, writes it at the log's current
// tail, and blocks until that byte range — and everything queued ahead of it
// in the same fsync batch — has been durably synced (group
// commit). On error the record is not considered durable and the in-memory
// state that depends on it must not be updated by the caller.
func (w *WAL) Append(lsn uint64, rec record.Record) error {
	buf, err := encodeRecord(lsn, rec)
	if err != nil {
		return fmt.Errorf("walio: encode record: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}

	if w.offset > headerLen && w.offset+int64(len(buf)) > w.maxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
	}

	if _, err := w.active.WriteAt(buf, w.offset); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("walio: write: %w", err)
	}
	w.offset += int64(len(buf))
	if lsn > w.segMaxLSN[w.activeID] {
		w.segMaxLSN[w.activeID] = lsn
	}
	myRound := w.round

	return w.waitForDurableLocked(myRound)
}

// waitForDurableLocked must be called with w.mu held; it always releases it.
func (w *WAL) waitForDurableLocked(myRound uint64) error {
	for {
		if w.durable >= myRound {
			w.mu.Unlock()
			return nil
		}
		if w.failedRound >= myRound {
			err := w.failErr
			w.mu.Unlock()
			return err
		}
		if !w.syncing {
			w.syncing = true
			syncRound := w.round
			w.round++
			syncFile := w.active
			w.mu.Unlock()

			err := syncFile.Sync()

			w.mu.Lock()
			w.syncing = false
			if err != nil {
				w.failedRound = syncRound
				w.failErr = fmt.Errorf("walio: fsync: %w", err)
				w.log.Warn().Err(err).Msg("wal fsync failed")
			} else {
				w.durable = syncRound
			}
			w.cond.Broadcast()
			continue
		}
		w.cond.Wait()
	}
}

// Flush fsyncs through the log's current tail; a no-op if nothing is pending.
func (w *WAL) Flush() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	// w.round is the round future Appends will join; everything already
	// written belongs to round-1 (or earlier). If that's already durable
	// (or failed) there is nothing new to sync.
	pending := w.round - 1
	if pending <= w.durable || pending <= w.failedRound {
		w.mu.Unlock()
		return nil
	}
	return w.waitForDurableLocked(pending)
}

// Rotate seals the current segment and starts a new one. Called after a
// flush has produced durable SSTs covering every record up to some LSN
// ("rotate").
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.rotateLocked()
}

func (w *WAL) rotateLocked() error {
	if err := w.active.Sync(); err != nil {
		return fmt.Errorf("walio: sync before rotate: %w", err)
	}
	if err := w.active.Close(); err != nil {
		return fmt.Errorf("walio: close before rotate: %w", err)
	}
	w.sealedIDs = append(w.sealedIDs, w.activeID)
	w.durable = w.round
	w.round++
	return w.createSegment(w.activeID + 1)
}

// SegmentIDs returns every segment id currently on disk, oldest first,
// including the active one.
func (w *WAL) SegmentIDs() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := append([]int(nil), w.sealedIDs...)
	return append(ids, w.activeID)
}

// SegmentMaxLSN returns the highest LSN ever written into segment id, and
// whether the WAL has seen that segment at all (via Append or ReadAll). A
// sealed segment with no entries recorded here never held a live record and
// is always safe to GC.
func (w *WAL) SegmentMaxLSN(id int) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn, ok := w.segMaxLSN[id]
	return lsn, ok
}

// GC deletes sealed segments whose id is strictly less than keepFromID —
// called once every record they contain is durable in an SST ("WAL segments die after a flush has durably persisted...").
func (w *WAL) GC(keepFromID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.sealedIDs[:0:0]
	for _, id := range w.sealedIDs {
		if id < keepFromID {
			if err := os.Remove(segmentPath(w.dir, id)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("walio: gc segment %d: %w", id, err)
			}
			w.log.Debug().Int("segment", id).Msg("wal segment garbage collected")
			continue
		}
		kept = append(kept, id)
	}
	w.sealedIDs = kept
	return nil
}

// Close fsyncs and closes the active segment. It does not wait for Append
// calls still waiting in waitForDurableLocked.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	active := w.active
	w.mu.Unlock()

	if err := active.Sync(); err != nil {
		active.Close()
		return fmt.Errorf("walio: final sync: %w", err)
	}
	return active.Close()
}

// Entry is one record recovered by ReadAll, tagged with its segment id so
// callers can compute per-segment max-LSN bookkeeping.
type Entry struct {
	SegmentID int
	LSN       uint64
	Record    record.Record
}

// ReadAll streams every record from every segment, oldest segment first, in
// LSN order. It stops reading a segment cleanly (without error) at a torn
// tail — a partial record, or a record that fails to verify and ends exactly
// at the end of the segment — but returns ErrCorrupt if a record that fails
// to verify is followed by more bytes in its segment, since that can't be
// distinguished from interior corruption by re-synchronizing past it.
func (w *WAL) ReadAll() ([]Entry, error) {
	ids := w.SegmentIDs()

	var out []Entry
	for _, id := range ids {
		f, err := os.Open(segmentPath(w.dir, id))
		if err != nil {
			return out, fmt.Errorf("walio: open segment %d: %w", id, err)
		}

		entries, rerr := readSegment(f, id)
		f.Close()
		out = append(out, entries...)

		w.mu.Lock()
		for _, e := range entries {
			if e.LSN > w.segMaxLSN[id] {
				w.segMaxLSN[id] = e.LSN
			}
		}
		w.mu.Unlock()

		if rerr != nil {
			return out, rerr
		}
	}
	return out, nil
}

func readSegment(f *os.File, id int) ([]Entry, error) {
	if _, err := readHeader(f); err != nil {
		return nil, err
	}
	if _, err := f.Seek(headerLen, io.SeekStart); err != nil {
		return nil, fmt.Errorf("walio: seek past header: %w", err)
	}

	var out []Entry
	for {
		lsn, rec, err := decodeRecord(f)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, nil
			}
			// A bad record that ends exactly at the end of the segment is a
			// torn final write, not interior corruption.
			if pos, serr := f.Seek(0, io.SeekCurrent); serr == nil {
				if st, serr := f.Stat(); serr == nil && pos == st.Size() {
					return out, nil
				}
			}
			return out, err
		}
		out = append(out, Entry{SegmentID: id, LSN: lsn, Record: rec})
	}
}
