package sstio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/keystonedb/keystone/internal/bloomfilter"
)

// encodeBloomBlock renders: filter_count, then per filter len||bytes. The
// i-th filter corresponds to the i-th data block.
func encodeBloomBlock(filters []*bloomfilter.Filter) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(filters))); err != nil {
		return nil, err
	}
	for _, f := range filters {
		enc, err := f.EncodeToBytes()
		if err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(enc))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(enc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeBloomBlock(payload []byte) ([]*bloomfilter.Filter, error) {
	r := bytes.NewReader(payload)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: bloom count: %v", ErrCorrupt, err)
	}
	filters := make([]*bloomfilter.Filter, 0, n)
	for i := uint32(0); i < n; i++ {
		var l uint32
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, fmt.Errorf("%w: bloom entry len: %v", ErrCorrupt, err)
		}
		raw := make([]byte, l)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("%w: bloom entry bytes: %v", ErrCorrupt, err)
		}
		f, err := bloomfilter.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: bloom decode: %v", ErrCorrupt, err)
		}
		filters = append(filters, f)
	}
	return filters, nil
}
