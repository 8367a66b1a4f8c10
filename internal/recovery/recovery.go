// Package recovery implements the startup sequence: load the manifest,
// reopen every SST it lists, delete whatever stray files
// are left on disk, replay the WAL tail the manifest doesn't yet cover, and
// hand back a database ready for traffic.
package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/manifest"
	"github.com/keystonedb/keystone/internal/record"
	"github.com/keystonedb/keystone/internal/sstio"
	"github.com/keystonedb/keystone/internal/stripe"
	"github.com/keystonedb/keystone/internal/walio"
)

// Result is everything Open hands back to the engine: a fully populated
// stripe array, the manifest recovery brought up to date, and the open WAL.
type Result struct {
	Manifest *manifest.Manifest
	WAL      *walio.WAL
	Stripes  [key.NumStripes]*stripe.Stripe
}

// Open runs the full recovery sequence against dir, creating it fresh if
// this is a brand-new database.
//
//  1. load (or create) the manifest
//  2. open every SST the manifest lists as live, failing with ErrCorrupted
//     if any footer doesn't validate
//  3. delete any .sst file in dir that the manifest doesn't list as live
//  4. replay the WAL, unpacking any KindTxn envelope into its member ops
//     and applying only records past each stripe's highest-already-in-an-SST
//     sequence number
//  5. stop at the WAL's first torn tail, if any (walio.ReadAll already does
//     this without raising an error)
//  6. advance the manifest's next_sequence_number past the highest LSN seen
//  7. return, leaving it to the caller to start the compaction worker
func Open(dir string, log zerolog.Logger) (*Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recovery: mkdir: %w", err)
	}

	mf, existed, err := manifest.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("recovery: open manifest: %w", err)
	}
	if !existed {
		mf = manifest.New(dir)
	}

	res := &Result{Manifest: mf}
	for i := range res.Stripes {
		res.Stripes[i] = stripe.New(uint8(i))
	}

	live := mf.AllLiveSSTPaths(sstio.Filename)
	maxSSTSeq := make(map[uint8]uint64, key.NumStripes)

	for stripeID := 0; stripeID < key.NumStripes; stripeID++ {
		entries := mf.LiveSSTs(uint8(stripeID))
		// Oldest first in the manifest; attach oldest first so the final
		// stripe list ends up newest-first, matching what AttachSST expects.
		for _, e := range entries {
			path := filepath.Join(dir, sstio.Filename(uint8(stripeID), e.SSTID))
			r, err := sstio.Open(path)
			if err != nil {
				return nil, fmt.Errorf("%w: sst %s: %v", ErrCorrupted, path, err)
			}
			res.Stripes[stripeID].AttachSST(r)
			if e.MaxSeq > maxSSTSeq[uint8(stripeID)] {
				maxSSTSeq[uint8(stripeID)] = e.MaxSeq
			}
		}
	}

	if err := removeStraySSTs(dir, live); err != nil {
		return nil, err
	}

	w, err := walio.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("recovery: open wal: %w", err)
	}
	res.WAL = w

	entries, err := w.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: wal replay: %v", ErrCorrupted, err)
	}

	var maxLSN uint64
	for _, e := range entries {
		if e.LSN > maxLSN {
			maxLSN = e.LSN
		}
		applyReplayedRecord(res.Stripes[:], maxSSTSeq, e.LSN, e.Record)
	}

	if maxLSN > 0 {
		mf.SetNextSequenceNumber(maxLSN + 1)
	}

	log.Info().
		Int("wal_records_replayed", len(entries)).
		Uint64("next_sequence_number", mf.PeekNextSequenceNumber()).
		Msg("recovery complete")

	return res, nil
}

// applyReplayedRecord routes rec to its stripe's memtable by rec.Key, unless
// it's already durable in an SST. A KindTxn envelope carries no key of its
// own (it's a pure grouping wrapper around TxnOps) — it is never installed
// directly; each member op is unpacked and routed by its own key instead,
// mirroring what Engine.Apply does when a transaction is applied live.
func applyReplayedRecord(stripes []*stripe.Stripe, maxSSTSeq map[uint8]uint64, lsn uint64, rec record.Record) {
	if rec.Kind == record.KindTxn {
		for _, op := range rec.TxnOps {
			applyReplayedRecord(stripes, maxSSTSeq, lsn, op)
		}
		return
	}

	sid := key.Stripe(rec.Key)
	if lsn <= maxSSTSeq[sid] {
		return // already durable in an SST read above
	}
	stripes[sid].Put(rec)
}

// removeStraySSTs deletes every *.sst file in dir that live doesn't list —
// files left behind by a crash between an SST rename and the manifest write
// that was supposed to record it.
func removeStraySSTs(dir string, live map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("recovery: list dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sst") {
			continue
		}
		if live[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("recovery: remove stray sst %s: %w", e.Name(), err)
		}
	}
	return nil
}
