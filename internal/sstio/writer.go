package sstio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/keystonedb/keystone/internal/blockio"
	"github.com/keystonedb/keystone/internal/bloomfilter"
	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/record"
)

// Filename returns the stripe-and-id filename convention.
func Filename(stripeID uint8, sstID uint64) string {
	return fmt.Sprintf("%03d-%d.sst", stripeID, sstID)
}

// WriterOptions configures an SST writer.
type WriterOptions struct {
	// Compressed enables zstd compression of each data block's payload;
	// the footer carries a flag recording whether it was used.
	Compressed bool
}

// Meta summarizes a just-written SST, enough for the manifest and stripe to
// track it without reopening the file.
type Meta struct {
	StripeID   uint8
	SSTID      uint64
	Path       string
	NumRecords int
	MinKey     []byte // encoded
	MaxKey     []byte // encoded
	MinSeq     uint64
	MaxSeq     uint64
	SizeBytes  int64
}

type bufferedRecord struct {
	encodedKey []byte
	rec        record.Record
}

// Writer accumulates records in arbitrary order and, on Finish, sorts and
// seals them into an immutable SST file: one bloom filter per data block,
// a footer carrying index/bloom offsets, prefix compression between
// consecutive keys within a block, and optional whole-payload zstd
// compression behind an explicit offset index rather than a single
// uncompressed data region.
type Writer struct {
	dir      string
	stripeID uint8
	sstID    uint64
	opts     WriterOptions
	records  []bufferedRecord
	enc      *zstd.Encoder
}

// NewWriter creates a writer for the given stripe/SST id. Records are
// buffered in memory until Finish.
func NewWriter(dir string, stripeID uint8, sstID uint64, opts WriterOptions) (*Writer, error) {
	w := &Writer{dir: dir, stripeID: stripeID, sstID: sstID, opts: opts}
	if opts.Compressed {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("sstio: new zstd encoder: %w", err)
		}
		w.enc = enc
	}
	return w, nil
}

// Add buffers one record for inclusion in the sealed SST.
func (w *Writer) Add(rec record.Record) {
	w.records = append(w.records, bufferedRecord{encodedKey: key.Encode(rec.Key), rec: rec})
}

// Len reports how many records are currently buffered.
func (w *Writer) Len() int { return len(w.records) }

// Finish sorts the buffered records by encoded key, splits them into data
// blocks, builds per-block bloom filters, and writes the whole SST to a
// temporary file which is fsynced and renamed into place — finalization is
// not atomic at the filesystem level on its own, so the rename is what
// makes a listed SST appear all-at-once.
func (w *Writer) Finish() (Meta, error) {
	if len(w.records) == 0 {
		return Meta{}, fmt.Errorf("sstio: cannot finish an empty SST")
	}
	if w.opts.Compressed {
		defer w.enc.Close()
	}

	sort.Slice(w.records, func(i, j int) bool {
		return key.CompareEncoded(w.records[i].encodedKey, w.records[j].encodedKey) < 0
	})

	blocks := w.splitBlocks()

	finalPath := filepath.Join(w.dir, Filename(w.stripeID, w.sstID))
	tmpPath := finalPath + ".tmp-" + uuid.NewString()

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Meta{}, fmt.Errorf("sstio: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if err = writeFileHeader(f); err != nil {
		return Meta{}, fmt.Errorf("sstio: write header: %w", err)
	}

	offset := int64(fileHeaderLen)
	indexEntries := make([]indexEntry, 0, len(blocks))
	filters := make([]*bloomfilter.Filter, 0, len(blocks))

	for _, blk := range blocks {
		payload, perr := encodeDataBlockPayload(blk.keys, blk.recs)
		if perr != nil {
			err = perr
			return Meta{}, fmt.Errorf("sstio: encode data block: %w", err)
		}

		stored := payload
		if w.opts.Compressed {
			stored = w.enc.EncodeAll(payload, nil)
		}

		blockStart := offset
		hdr := make([]byte, 4)
		binary.LittleEndian.PutUint32(hdr, uint32(len(stored)))
		if _, err = f.WriteAt(hdr, offset); err != nil {
			return Meta{}, fmt.Errorf("sstio: write block header: %w", err)
		}
		offset += int64(len(hdr))
		if _, err = f.WriteAt(stored, offset); err != nil {
			return Meta{}, fmt.Errorf("sstio: write block: %w", err)
		}
		offset += int64(len(stored))

		next := nextBlockBoundary(offset)
		if pad := next - offset; pad > 0 {
			if err = writeZeros(f, offset, pad); err != nil {
				return Meta{}, err
			}
		}
		offset = next

		indexEntries = append(indexEntries, indexEntry{firstKey: blk.keys[0], blockOffset: uint64(blockStart)})

		filter := bloomfilter.New(len(blk.recs))
		for _, ek := range blk.keys {
			filter.Add(ek)
		}
		filters = append(filters, filter)
	}

	indexOffset := offset
	indexPayload, err := encodeIndexBlock(indexEntries)
	if err != nil {
		return Meta{}, fmt.Errorf("sstio: encode index: %w", err)
	}
	if _, err = f.WriteAt(indexPayload, offset); err != nil {
		return Meta{}, fmt.Errorf("sstio: write index: %w", err)
	}
	offset += int64(len(indexPayload))
	next := nextBlockBoundary(offset)
	if pad := next - offset; pad > 0 {
		if err = writeZeros(f, offset, pad); err != nil {
			return Meta{}, err
		}
	}
	offset = next

	bloomOffset := offset
	bloomPayload, err := encodeBloomBlock(filters)
	if err != nil {
		return Meta{}, fmt.Errorf("sstio: encode bloom block: %w", err)
	}
	if _, err = f.WriteAt(bloomPayload, offset); err != nil {
		return Meta{}, fmt.Errorf("sstio: write bloom block: %w", err)
	}
	offset += int64(len(bloomPayload))
	next = nextBlockBoundary(offset)
	if pad := next - offset; pad > 0 {
		if err = writeZeros(f, offset, pad); err != nil {
			return Meta{}, err
		}
	}
	offset = next

	ft := footer{
		numDataBlocks: uint32(len(blocks)),
		indexOffset:   uint64(indexOffset),
		bloomOffset:   uint64(bloomOffset),
		compressed:    w.opts.Compressed,
	}
	if _, err = f.WriteAt(ft.encode(), offset); err != nil {
		return Meta{}, fmt.Errorf("sstio: write footer: %w", err)
	}
	offset += blockio.Size

	if err = f.Sync(); err != nil {
		return Meta{}, fmt.Errorf("sstio: fsync: %w", err)
	}
	if err = f.Close(); err != nil {
		return Meta{}, fmt.Errorf("sstio: close: %w", err)
	}
	if err = os.Rename(tmpPath, finalPath); err != nil {
		return Meta{}, fmt.Errorf("sstio: rename into place: %w", err)
	}

	minSeq, maxSeq := w.records[0].rec.Seq, w.records[0].rec.Seq
	for _, r := range w.records {
		if r.rec.Seq < minSeq {
			minSeq = r.rec.Seq
		}
		if r.rec.Seq > maxSeq {
			maxSeq = r.rec.Seq
		}
	}

	return Meta{
		StripeID:   w.stripeID,
		SSTID:      w.sstID,
		Path:       finalPath,
		NumRecords: len(w.records),
		MinKey:     w.records[0].encodedKey,
		MaxKey:     w.records[len(w.records)-1].encodedKey,
		MinSeq:     minSeq,
		MaxSeq:     maxSeq,
		SizeBytes:  offset,
	}, nil
}

type dataBlockPlan struct {
	keys [][]byte
	recs []record.Record
}

func (w *Writer) splitBlocks() []dataBlockPlan {
	var blocks []dataBlockPlan
	var curKeys [][]byte
	var curRecs []record.Record
	var curSize int
	var prevKey []byte

	flush := func() {
		if len(curRecs) == 0 {
			return
		}
		blocks = append(blocks, dataBlockPlan{keys: curKeys, recs: curRecs})
		curKeys, curRecs, curSize, prevKey = nil, nil, 0, nil
	}

	for _, r := range w.records {
		sz := entrySize(prevKey, r.encodedKey, r.rec)
		if len(curRecs) > 0 && (len(curRecs) >= MaxRecordsPerBlock || curSize+sz > MaxBlockPayload) {
			flush()
			sz = entrySize(nil, r.encodedKey, r.rec)
		}
		curKeys = append(curKeys, r.encodedKey)
		curRecs = append(curRecs, r.rec)
		curSize += sz
		prevKey = r.encodedKey
	}
	flush()

	return blocks
}

func writeZeros(f *os.File, offset, n int64) error {
	zeros := make([]byte, n)
	_, err := f.WriteAt(zeros, offset)
	return err
}
