// Package extent implements the minimum-viable extent allocator: each SST
// is its own file, so allocating an extent reduces to generating a unique
// filename. The Allocator type exists as the seam a future single-file
// layout would replace — it wraps a stripe-scoped SST id counter and the
// standard filename convention, rather than scattering that arithmetic
// across the flush and compaction call sites.
package extent

import (
	"path/filepath"

	"github.com/keystonedb/keystone/internal/sstio"
)

// IDSource is the next-SST-id counter an Allocator draws from — satisfied
// by *manifest.Manifest.
type IDSource interface {
	NextSSTID() uint64
}

// Allocator hands out unique SST identities within one database directory.
type Allocator struct {
	dir    string
	source IDSource
}

// New returns an allocator rooted at dir, drawing ids from source.
func New(dir string, source IDSource) *Allocator {
	return &Allocator{dir: dir, source: source}
}

// Extent is one allocated SST identity: its stripe, its id, and the full
// path the writer should create (as a temp name, then atomically rename
// into place).
type Extent struct {
	StripeID uint8
	SSTID    uint64
	Path     string
}

// Allocate reserves a new SST identity for stripeID. This never blocks on
// disk I/O and never fails — under the MVP's per-SST-file layout,
// "allocating a contiguous byte range" degenerates to minting a unique id.
func (a *Allocator) Allocate(stripeID uint8) Extent {
	id := a.source.NextSSTID()
	return Extent{
		StripeID: stripeID,
		SSTID:    id,
		Path:     filepath.Join(a.dir, sstio.Filename(stripeID, id)),
	}
}

// Release marks e reusable once no reader references it. Under the
// per-SST-file layout a released extent is just a file the caller unlinks
// (compaction and flush-failure cleanup do this directly via os.Remove);
// there is no free list to coalesce into until a single-file layout exists.
func (a *Allocator) Release(e Extent) {}
