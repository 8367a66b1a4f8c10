package sstio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/keystonedb/keystone/internal/blockio"
	"github.com/keystonedb/keystone/internal/bloomfilter"
	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/record"
)

// Reader opens a sealed SST file and serves point lookups and ordered scans
// against it. The footer, index, and bloom blocks are loaded eagerly at Open
// ("a reader loads footer+index+bloom once, then serves many
// point lookups without re-reading them"); data blocks are read lazily.
type Reader struct {
	f       *os.File
	path    string
	footer  footer
	index   []indexEntry
	filters []*bloomfilter.Filter
	dec     *zstd.Decoder
}

// Open loads and validates an SST's header, footer, index, and bloom blocks.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, path: path}
	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	if err := readFileHeader(r.f); err != nil {
		return err
	}

	info, err := r.f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < int64(fileHeaderLen+blockio.Size) {
		return fmt.Errorf("%w: file too small for footer", ErrCorrupt)
	}

	footerBuf := make([]byte, blockio.Size)
	if _, err := r.f.ReadAt(footerBuf, info.Size()-blockio.Size); err != nil {
		return fmt.Errorf("%w: read footer: %v", ErrCorrupt, err)
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		return err
	}
	r.footer = ft

	bloomLen := (info.Size() - blockio.Size) - int64(ft.bloomOffset)
	bloomBuf := make([]byte, bloomLen)
	if _, err := r.f.ReadAt(bloomBuf, int64(ft.bloomOffset)); err != nil {
		return fmt.Errorf("%w: read bloom block: %v", ErrCorrupt, err)
	}
	filters, err := decodeBloomBlock(bloomBuf)
	if err != nil {
		return err
	}
	r.filters = filters

	indexLen := int64(ft.bloomOffset) - int64(ft.indexOffset)
	indexBuf := make([]byte, indexLen)
	if _, err := r.f.ReadAt(indexBuf, int64(ft.indexOffset)); err != nil {
		return fmt.Errorf("%w: read index block: %v", ErrCorrupt, err)
	}
	entries, err := decodeIndexBlock(indexBuf)
	if err != nil {
		return err
	}
	r.index = entries

	if ft.compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("sstio: new zstd decoder: %w", err)
		}
		r.dec = dec
	}

	return nil
}

// Close releases the reader's file handle and decoder.
func (r *Reader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	return r.f.Close()
}

// Path returns the backing file path.
func (r *Reader) Path() string { return r.path }

// MayContain reports whether the data block that would hold encodedKey's
// bloom filter admits its possible presence — a false result means the key
// is definitely absent from this SST.
func (r *Reader) MayContain(encodedKey []byte) bool {
	idx, ok := findBlock(r.index, encodedKey)
	if !ok {
		return false
	}
	return r.filters[idx].Contains(encodedKey)
}

// Get looks up encodedKey, returning the record and true if found (including
// tombstones — callers distinguish via Record.IsTombstone), or false if this
// SST definitively has no entry for it.
func (r *Reader) Get(encodedKey []byte) (record.Record, bool, error) {
	idx, ok := findBlock(r.index, encodedKey)
	if !ok {
		return record.Record{}, false, nil
	}
	if !r.filters[idx].Contains(encodedKey) {
		return record.Record{}, false, nil
	}

	recs, err := r.readBlock(idx)
	if err != nil {
		return record.Record{}, false, err
	}
	for _, rec := range recs {
		ek := key.Encode(rec.Key)
		if bytes.Equal(ek, encodedKey) {
			return rec, true, nil
		}
	}
	return record.Record{}, false, nil
}

// NumDataBlocks reports how many data blocks this SST holds.
func (r *Reader) NumDataBlocks() int { return len(r.index) }

// readBlock reads and decodes the i-th data block in full.
func (r *Reader) readBlock(i int) ([]record.Record, error) {
	start := int64(r.index[i].blockOffset)
	var end int64
	if i+1 < len(r.index) {
		end = int64(r.index[i+1].blockOffset)
	} else {
		end = int64(r.footer.indexOffset)
	}

	hdr := make([]byte, 4)
	if _, err := r.f.ReadAt(hdr, start); err != nil {
		return nil, fmt.Errorf("%w: read block header: %v", ErrCorrupt, err)
	}
	storedLen := binary.LittleEndian.Uint32(hdr)
	if int64(4+storedLen) > end-start {
		return nil, fmt.Errorf("%w: block %d length overruns next block", ErrCorrupt, i)
	}

	stored := make([]byte, storedLen)
	if _, err := r.f.ReadAt(stored, start+4); err != nil {
		return nil, fmt.Errorf("%w: read block payload: %v", ErrCorrupt, err)
	}

	payload := stored
	if r.footer.compressed {
		decoded, err := r.dec.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decompress block %d: %v", ErrCorrupt, i, err)
		}
		payload = decoded
	}

	return decodeDataBlockPayload(payload)
}

// ScanFunc is called once per record in ascending encoded-key order by Scan.
// Returning false stops the scan early.
type ScanFunc func(rec record.Record) (keepGoing bool)

// Scan walks every record across every data block in order, applying fn. It
// is the building block compaction and stripe range-scans use; it does not
// itself filter tombstones or apply TTL/condition predicates.
func (r *Reader) Scan(fn ScanFunc) error {
	for i := range r.index {
		recs, err := r.readBlock(i)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if !fn(rec) {
				return nil
			}
		}
	}
	return nil
}

// AllRecords reads and returns every record in the SST, in order. Intended
// for compaction's k-way merge input and tests; not for hot read paths.
func (r *Reader) AllRecords() ([]record.Record, error) {
	var all []record.Record
	err := r.Scan(func(rec record.Record) bool {
		all = append(all, rec)
		return true
	})
	return all, err
}
