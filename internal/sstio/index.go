package sstio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// indexEntry maps a data block's first (encoded) key to its file offset.
type indexEntry struct {
	firstKey    []byte
	blockOffset uint64
}

// encodeIndexBlock renders the sparse index: entry_count, then per entry
// key_len||key||block_offset. The region is zero-padded
// by the caller out to the next 4KiB boundary.
func encodeIndexBlock(entries []indexEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(entries))); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(e.firstKey))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(e.firstKey); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, e.blockOffset); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeIndexBlock(payload []byte) ([]indexEntry, error) {
	r := bytes.NewReader(payload)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: index count: %v", ErrCorrupt, err)
	}
	entries := make([]indexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, fmt.Errorf("%w: index key len: %v", ErrCorrupt, err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("%w: index key: %v", ErrCorrupt, err)
		}
		var off uint64
		if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
			return nil, fmt.Errorf("%w: index offset: %v", ErrCorrupt, err)
		}
		entries = append(entries, indexEntry{firstKey: key, blockOffset: off})
	}
	return entries, nil
}

// findBlock returns the index of the data block that may contain target:
// the entry with the largest first key <= target (binary search, spec
// §4.6's "at-most-one candidate data block"). ok is false if target is
// smaller than every block's first key.
func findBlock(entries []indexEntry, target []byte) (idx int, ok bool) {
	lo, hi := 0, len(entries)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(entries[mid].firstKey, target) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
