// Package compaction implements a background k-way merge: periodically scan
// every stripe's SST count, and for any stripe at or above the threshold,
// merge all of its live SSTs into one, deduplicating by sequence number and
// conservatively dropping tombstones only on a full-stripe compaction.
package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keystonedb/keystone/internal/extent"
	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/manifest"
	"github.com/keystonedb/keystone/internal/record"
	"github.com/keystonedb/keystone/internal/sstio"
	"github.com/keystonedb/keystone/internal/stripe"
)

var sstFilenamePattern = regexp.MustCompile(`^(\d{3})-(\d+)\.sst$`)

// sstIDFromPath extracts the SST id the `<stripe:03d>-<sst_id>.sst`
// filename convention encodes, so the compactor can tell the manifest
// exactly which ids it is replacing without re-deriving them from manifest
// entries it already has open readers for.
func sstIDFromPath(path string) (uint64, bool) {
	m := sstFilenamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Config tunes the worker ("Configuration").
type Config struct {
	Enabled       bool
	SSTThreshold  int
	CheckInterval time.Duration
	MaxConcurrent int
}

// DefaultConfig returns conservative compaction defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		SSTThreshold:  10,
		CheckInterval: 60 * time.Second,
		MaxConcurrent: 4,
	}
}

// StripeSource gives the worker access to the engine's live stripes without
// depending on the engine package (which itself depends on compaction).
type StripeSource interface {
	StripeByID(id uint8) *stripe.Stripe
	NumStripes() int
}

// Manager runs the periodic compaction loop.
type Manager struct {
	cfg       Config
	dir       string
	stripes   StripeSource
	manifest  *manifest.Manifest
	allocator *extent.Allocator
	compressed bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  chan struct{}
}

// New constructs a manager. Start must be called to begin the periodic loop.
func New(cfg Config, dir string, stripes StripeSource, mf *manifest.Manifest, compressed bool) *Manager {
	return &Manager{
		cfg:       cfg,
		dir:       dir,
		stripes:   stripes,
		manifest:  mf,
		allocator: extent.New(dir, mf),
		compressed: compressed,
	}
}

// Start launches the background ticker goroutine. It is a no-op if disabled.
func (m *Manager) Start() {
	if !m.cfg.Enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.stopped = make(chan struct{})

	go m.loop(ctx)
}

// Stop halts the background loop and waits for the current round to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stopped := m.stopped
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.stopped)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runRound(ctx)
		}
	}
}

// runRound checks every stripe and compacts eligible ones, up to
// MaxConcurrent at a time ("Trigger").
func (m *Manager) runRound(ctx context.Context) {
	var eligible []uint8
	for id := 0; id < m.stripes.NumStripes(); id++ {
		s := m.stripes.StripeByID(uint8(id))
		if s.SSTCount() >= m.cfg.SSTThreshold {
			eligible = append(eligible, uint8(id))
		}
	}
	if len(eligible) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrent)
	for _, id := range eligible {
		id := id
		g.Go(func() error {
			return m.CompactStripe(gctx, id)
		})
	}
	_ = g.Wait() // per-stripe errors are discarded, not logged; one stripe's failure does not abort the others
}

// CompactStripe runs one k-way merge of stripeID's entire live SST set
// ("Algorithm"). It can be called directly — e.g. by
// trigger_compaction — outside the periodic loop.
func (m *Manager) CompactStripe(ctx context.Context, stripeID uint8) error {
	s := m.stripes.StripeByID(stripeID)
	readers := s.SSTReaders()
	if len(readers) < 2 {
		return nil
	}

	oldIDs := make([]uint64, 0, len(readers))
	oldPaths := make(map[string]bool, len(readers))
	newest := map[string]record.Record{}
	var order []string

	for _, r := range readers {
		if id, ok := sstIDFromPath(r.Path()); ok {
			oldIDs = append(oldIDs, id)
		}
		oldPaths[r.Path()] = true

		recs, err := r.AllRecords()
		if err != nil {
			return fmt.Errorf("compaction: read %s: %w", r.Path(), err)
		}
		for _, rec := range recs {
			ek := string(key.Encode(rec.Key))
			if cur, ok := newest[ek]; !ok || rec.Seq > cur.Seq {
				if !ok {
					order = append(order, ek)
				}
				newest[ek] = rec
			}
		}
	}

	// This manager always compacts a stripe's entire live SST set. Partial
	// compactions are possible too, but always taking the full set makes
	// the tombstone-drop rule trivially satisfiable every time it runs, at
	// the cost of more write amplification than a tiered or leveled
	// partial strategy would have.
	const fullStripeCompaction = true

	merged := make([]record.Record, 0, len(order))
	for _, ek := range order {
		rec := newest[ek]
		if rec.IsTombstone() && fullStripeCompaction {
			continue
		}
		merged = append(merged, rec)
	}

	if len(merged) == 0 {
		if err := m.manifest.Replace(stripeID, oldIDs, nil); err != nil {
			return fmt.Errorf("compaction: manifest replace (empty): %w", err)
		}
		s.ReplaceSSTs(oldPaths, nil)
		for _, r := range readers {
			os.Remove(r.Path())
		}
		return nil
	}

	ext := m.allocator.Allocate(stripeID)
	w, err := sstio.NewWriter(m.dir, stripeID, ext.SSTID, sstio.WriterOptions{Compressed: m.compressed})
	if err != nil {
		return fmt.Errorf("compaction: new writer: %w", err)
	}
	for _, rec := range merged {
		w.Add(rec)
	}
	meta, err := w.Finish()
	if err != nil {
		return fmt.Errorf("compaction: finish: %w", err)
	}

	entry := manifest.SSTEntry{SSTID: meta.SSTID, SizeBytes: meta.SizeBytes, MinSeq: meta.MinSeq, MaxSeq: meta.MaxSeq}
	if err := m.manifest.Replace(stripeID, oldIDs, &entry); err != nil {
		os.Remove(meta.Path)
		return fmt.Errorf("compaction: manifest replace: %w", err)
	}

	newReader, err := sstio.Open(meta.Path)
	if err != nil {
		return fmt.Errorf("compaction: reopen merged sst: %w", err)
	}
	s.ReplaceSSTs(oldPaths, newReader)

	for _, r := range readers {
		os.Remove(r.Path())
	}

	return nil
}
