// Package key implements KeystoneDB's encoded key format: a partition key and
// an optional sort key, packed length-prefixed so that byte-lexicographic
// order on the encoded form is the memtable/SST order (it can differ from
// (pk, sk) order when key lengths differ), and a pure stripe-assignment
// function.
package key

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// NumStripes is the fixed number of independent LSM sub-trees.
const NumStripes = 256

// Key identifies an item: a required partition key and an optional sort key.
type Key struct {
	PK []byte
	SK []byte // nil or empty means "no sort key"
}

// New builds a partition-only key.
func New(pk []byte) Key {
	return Key{PK: pk}
}

// NewWithSK builds a partition+sort key.
func NewWithSK(pk, sk []byte) Key {
	return Key{PK: pk, SK: sk}
}

// Encode produces the on-disk/in-memtable byte form:
//
//	u32_le(pk_len) || pk || u32_le(sk_len_or_0) || sk?
//
// Encoded keys compare lexicographically; that order can differ from
// (pk, sk) order when key lengths differ (see CompareEncoded).
func Encode(k Key) []byte {
	skLen := len(k.SK)
	buf := make([]byte, 4+len(k.PK)+4+skLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(k.PK)))
	copy(buf[4:4+len(k.PK)], k.PK)

	off := 4 + len(k.PK)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(skLen))
	if skLen > 0 {
		copy(buf[off+4:], k.SK)
	}

	return buf
}

// Decode reverses Encode. It returns an error if the buffer is too short or
// the embedded lengths overrun it — this is the only validation Decode does;
// callers that read from untrusted storage should have already verified a
// containing checksum.
func Decode(b []byte) (Key, error) {
	if len(b) < 4 {
		return Key{}, fmt.Errorf("key: buffer too short for pk length")
	}
	pkLen := binary.LittleEndian.Uint32(b)
	off := 4
	if off+int(pkLen) > len(b) {
		return Key{}, fmt.Errorf("key: pk length %d overruns buffer", pkLen)
	}
	pk := append([]byte(nil), b[off:off+int(pkLen)]...)
	off += int(pkLen)

	if off+4 > len(b) {
		return Key{}, fmt.Errorf("key: buffer too short for sk length")
	}
	skLen := binary.LittleEndian.Uint32(b[off:])
	off += 4
	if off+int(skLen) > len(b) {
		return Key{}, fmt.Errorf("key: sk length %d overruns buffer", skLen)
	}

	var sk []byte
	if skLen > 0 {
		sk = append([]byte(nil), b[off:off+int(skLen)]...)
	}

	return Key{PK: pk, SK: sk}, nil
}

// EncodedLen returns the byte length Encode(k) would produce, without allocating.
func EncodedLen(k Key) int {
	return 4 + len(k.PK) + 4 + len(k.SK)
}

// Stripe computes the key's stripe id. Per invariant I6 this depends only on
// the partition key and never changes: stripe(k) = crc32(k.PK) mod 256.
func Stripe(k Key) uint8 {
	return uint8(crc32.ChecksumIEEE(k.PK) % NumStripes)
}

// Compare orders two keys by partition key then sort key, both
// lexicographically. It is a semantic convenience for callers that already
// hold decoded keys (e.g. condition evaluation); it is NOT used for
// memtable/SST ordering — that ordering is defined as the byte-lexicographic
// order of Encode's output (see CompareEncoded) per the on-disk format.
func Compare(a, b Key) int {
	if c := bytes.Compare(a.PK, b.PK); c != 0 {
		return c
	}
	return bytes.Compare(a.SK, b.SK)
}

// Equal reports whether a and b identify the same item.
func Equal(a, b Key) bool {
	return bytes.Equal(a.PK, b.PK) && bytes.Equal(a.SK, b.SK)
}

// CompareEncoded orders two already-encoded keys without decoding them —
// the encoded form is length-prefixed so a raw byte compare is NOT equivalent
// to Compare: the two can disagree whenever partition- or sort-key lengths
// differ; use this only in contexts that already
// hold encoded bytes and cannot cheaply decode (e.g. SST index probing before
// a candidate block is chosen).
func CompareEncoded(a, b []byte) int {
	return bytes.Compare(a, b)
}
