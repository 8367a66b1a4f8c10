// Package sstio implements the sorted-string-table file format: a header, a
// sequence of (optionally zstd-compressed) prefix-compressed data blocks, an
// index block, a per-data-block bloom-filter block, and a footer. It is
// block-oriented and footer-validated, uses bits-and-blooms bloom filters
// per block, adds prefix compression between consecutive records, an
// explicit file header/magic, and real (optional) payload compression via
// klauspost/compress/zstd behind the footer's compressed flag.
package sstio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/keystonedb/keystone/internal/blockio"
)

// MagicBytes is the SST file magic, big-endian on disk.
var MagicBytes = [4]byte{0x53, 0x53, 0x54, 0x00}

// FormatVersion is the only version this engine understands.
const FormatVersion uint32 = 1

const fileHeaderLen = 4 + 4 + 4 // magic + version + reserved

// MaxRecordsPerBlock and MaxBlockPayload bound a data block (// "bounded by both a record count (≤100) and a byte budget ... ≤4KiB after
// prefix compression").
const (
	MaxRecordsPerBlock = 100
	MaxBlockPayload     = blockio.Size
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func writeFileHeader(w io.WriterAt) error {
	buf := make([]byte, fileHeaderLen)
	copy(buf[0:4], MagicBytes[:])
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	_, err := w.WriteAt(buf, 0)
	return err
}

func readFileHeader(r io.ReaderAt) error {
	buf := make([]byte, fileHeaderLen)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("sstio: read header: %w", err)
	}
	if !bytes.Equal(buf[0:4], MagicBytes[:]) {
		return fmt.Errorf("%w: bad SST magic", ErrCorrupt)
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != FormatVersion {
		return fmt.Errorf("%w: unsupported SST version %d", ErrCorrupt, version)
	}
	return nil
}

// footer is the fixed trailing 4KiB block locating everything else in the
// file ("Footer block").
type footer struct {
	numDataBlocks uint32
	indexOffset   uint64
	bloomOffset   uint64
	compressed    bool
}

const footerFieldsLen = 4 + 8 + 8 + 1 + 3 // + 3 reserved bytes

func (f footer) encode() []byte {
	buf := make([]byte, blockio.Size)
	binary.LittleEndian.PutUint32(buf[0:4], f.numDataBlocks)
	binary.LittleEndian.PutUint64(buf[4:12], f.indexOffset)
	binary.LittleEndian.PutUint64(buf[12:20], f.bloomOffset)
	if f.compressed {
		buf[20] = 1
	}
	// buf[21:24] reserved, left zero
	crc := crc32.Checksum(buf[0:footerFieldsLen], castagnoli)
	binary.LittleEndian.PutUint32(buf[footerFieldsLen:footerFieldsLen+4], crc)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != blockio.Size {
		return footer{}, fmt.Errorf("sstio: footer must be %d bytes, got %d", blockio.Size, len(buf))
	}
	storedCRC := binary.LittleEndian.Uint32(buf[footerFieldsLen : footerFieldsLen+4])
	gotCRC := crc32.Checksum(buf[0:footerFieldsLen], castagnoli)
	if storedCRC != gotCRC {
		return footer{}, fmt.Errorf("%w: footer checksum mismatch", ErrCorrupt)
	}
	f := footer{
		numDataBlocks: binary.LittleEndian.Uint32(buf[0:4]),
		indexOffset:   binary.LittleEndian.Uint64(buf[4:12]),
		bloomOffset:   binary.LittleEndian.Uint64(buf[12:20]),
		compressed:    buf[20] == 1,
	}
	return f, nil
}

// nextBlockBoundary returns offset rounded up to the next blockio.Size
// boundary.
func nextBlockBoundary(offset int64) int64 {
	pad := blockio.PadLen(int(offset % blockio.Size))
	return offset + int64(pad)
}
