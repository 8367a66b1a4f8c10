// Package bloomfilter wraps github.com/bits-and-blooms/bloom/v3 into a
// narrow contract: fixed capacity at construction, add, a membership test
// that may false-positive but never false-negative, and a length-prefixed
// encode/decode pair for storage in an SST's bloom block.
package bloomfilter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
)

// TargetFPRate aims for roughly 10 bits per key at a ~1% false positive
// rate with k≈7 hash functions — bloom/v3's NewWithEstimates derives m
// and k from (expectedCount, fpRate) using the standard double-hashing
// scheme, which lands close to 10 bits/key at k≈7 for fp=0.01.
const (
	TargetFPRate = 0.01
)

// Filter is a sealed-after-construction membership filter for one data block.
type Filter struct {
	bf *bloom.BloomFilter
}

// New constructs a filter sized for expectedCount keys. Capacity is fixed at
// construction; adding more keys than expectedCount degrades the
// false-positive rate but never corrupts the filter.
func New(expectedCount int) *Filter {
	if expectedCount < 1 {
		expectedCount = 1
	}
	return &Filter{bf: bloom.NewWithEstimates(uint(expectedCount), TargetFPRate)}
}

// Add records keyBytes as present.
func (f *Filter) Add(keyBytes []byte) {
	f.bf.Add(keyBytes)
}

// Contains reports whether keyBytes may be present. It may return true for
// an absent key (false positive) but never false for a present key.
func (f *Filter) Contains(keyBytes []byte) bool {
	return f.bf.Test(keyBytes)
}

// Encode writes: u32_le(k hash-function count) || u32_le(bit-array size in
// bits) || raw filter bytes (bloom/v3's own gob-free binary form via
// WriteTo).
func (f *Filter) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(f.bf.K())); err != nil {
		return fmt.Errorf("bloomfilter: write k: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(f.bf.Cap())); err != nil {
		return fmt.Errorf("bloomfilter: write cap: %w", err)
	}
	if _, err := f.bf.WriteTo(w); err != nil {
		return fmt.Errorf("bloomfilter: write bits: %w", err)
	}
	return nil
}

// EncodeToBytes is a convenience for callers (the SST writer) that need the
// encoded length before writing it inline into a larger block.
func (f *Filter) EncodeToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(r io.Reader) (*Filter, error) {
	var k, capBits uint32
	if err := binary.Read(r, binary.LittleEndian, &k); err != nil {
		return nil, fmt.Errorf("bloomfilter: read k: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &capBits); err != nil {
		return nil, fmt.Errorf("bloomfilter: read cap: %w", err)
	}

	bf := bloom.New(uint(capBits), uint(k))
	if _, err := bf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("bloomfilter: read bits: %w", err)
	}
	return &Filter{bf: bf}, nil
}
