package sstio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/record"
)

// sharedPrefixLen returns how many leading bytes a and b have in common.
func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// entrySize returns the on-disk size of one data-block entry given the
// previous entry's encoded key (for prefix compression) — used to decide
// when a block is full ("≤4KiB after prefix compression").
func entrySize(prevEncodedKey, encodedKey []byte, rec record.Record) int {
	shared := sharedPrefixLen(prevEncodedKey, encodedKey)
	unshared := len(encodedKey) - shared
	return 4 + 4 + unshared + 4 + record.EncodedBodyLen(rec)
}

// encodeDataBlockPayload renders the records (already in ascending encoded-
// key order) as one data block's uncompressed payload.
func encodeDataBlockPayload(encodedKeys [][]byte, recs []record.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(recs))); err != nil {
		return nil, err
	}

	var prev []byte
	for i, rec := range recs {
		ek := encodedKeys[i]
		shared := sharedPrefixLen(prev, ek)
		unshared := ek[shared:]

		if err := binary.Write(&buf, binary.LittleEndian, uint32(shared)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(unshared))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(unshared); err != nil {
			return nil, err
		}

		var body bytes.Buffer
		if err := record.EncodeBody(&body, rec); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(body.Len())); err != nil {
			return nil, err
		}
		if _, err := buf.Write(body.Bytes()); err != nil {
			return nil, err
		}

		prev = ek
	}

	return buf.Bytes(), nil
}

// decodeDataBlockPayload reverses encodeDataBlockPayload, reconstructing
// each record's full Key from the shared/unshared prefix chain.
func decodeDataBlockPayload(payload []byte) ([]record.Record, error) {
	r := bytes.NewReader(payload)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: data block count: %v", ErrCorrupt, err)
	}

	recs := make([]record.Record, 0, count)
	var prev []byte
	for i := uint32(0); i < count; i++ {
		var shared, unsharedLen uint32
		if err := binary.Read(r, binary.LittleEndian, &shared); err != nil {
			return nil, fmt.Errorf("%w: shared len: %v", ErrCorrupt, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &unsharedLen); err != nil {
			return nil, fmt.Errorf("%w: unshared len: %v", ErrCorrupt, err)
		}
		if int(shared) > len(prev) {
			return nil, fmt.Errorf("%w: shared prefix longer than previous key", ErrCorrupt)
		}

		unshared := make([]byte, unsharedLen)
		if _, err := io.ReadFull(r, unshared); err != nil {
			return nil, fmt.Errorf("%w: unshared bytes: %v", ErrCorrupt, err)
		}

		ek := make([]byte, int(shared)+len(unshared))
		copy(ek, prev[:shared])
		copy(ek[shared:], unshared)

		var recordLen uint32
		if err := binary.Read(r, binary.LittleEndian, &recordLen); err != nil {
			return nil, fmt.Errorf("%w: record len: %v", ErrCorrupt, err)
		}
		body := make([]byte, recordLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("%w: record body: %v", ErrCorrupt, err)
		}

		rec, err := record.DecodeBody(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: record decode: %v", ErrCorrupt, err)
		}
		k, err := key.Decode(ek)
		if err != nil {
			return nil, fmt.Errorf("%w: key decode: %v", ErrCorrupt, err)
		}
		rec.Key = k

		recs = append(recs, rec)
		prev = ek
	}

	return recs, nil
}
