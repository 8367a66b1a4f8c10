// Package record implements the Record type shared by the WAL and SSTs: an
// encoded key, a Put/Delete kind, a monotonic sequence number, and an
// optional item ("Record").
package record

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/value"
)

// Kind distinguishes a live write, a tombstone, and a transaction envelope.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
	// KindTxn marks a composite WAL record grouping every op of one
	// transact_write under a single sequence number ("write one
	// composite WAL record containing all ops"). A KindTxn record is never
	// itself stored in a memtable or SST — recovery and the engine both
	// unpack TxnOps into ordinary Put/Delete records before doing anything
	// else with them.
	KindTxn
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "delete"
	case KindTxn:
		return "txn"
	default:
		return "put"
	}
}

// Record is the unit written to the WAL and stored in SSTs.
type Record struct {
	Key  key.Key
	Kind Kind
	Seq  uint64
	Item value.Item // nil for Kind == KindDelete or KindTxn

	// TxnOps holds the member writes of a KindTxn record, each itself Kind
	// Put or Delete and sharing the outer record's Seq.
	TxnOps []Record
}

// IsTombstone reports whether this record marks a deletion.
func (r Record) IsTombstone() bool { return r.Kind == KindDelete }

// EncodeFull serializes the complete record — encoded key included — which
// is the format used as the WAL payload ("payload is the
// serialized Record").
func EncodeFull(w io.Writer, r Record) error {
	ek := key.Encode(r.Key)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ek))); err != nil {
		return err
	}
	if _, err := w.Write(ek); err != nil {
		return err
	}
	return EncodeBody(w, r)
}

// DecodeFull reverses EncodeFull.
func DecodeFull(r io.Reader) (Record, error) {
	var ekLen uint32
	if err := binary.Read(r, binary.LittleEndian, &ekLen); err != nil {
		return Record{}, err
	}
	ek := make([]byte, ekLen)
	if _, err := io.ReadFull(r, ek); err != nil {
		return Record{}, err
	}
	k, err := key.Decode(ek)
	if err != nil {
		return Record{}, fmt.Errorf("record: decode key: %w", err)
	}

	rec, err := DecodeBody(r)
	if err != nil {
		return Record{}, err
	}
	rec.Key = k
	return rec, nil
}

// EncodeBody serializes everything but the encoded key: kind, sequence
// number, and (for Puts) the item. SST data blocks use this form, since the
// key is already carried via prefix compression in the block entry.
func EncodeBody(w io.Writer, r Record) error {
	if err := binary.Write(w, binary.LittleEndian, uint8(r.Kind)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, r.Seq); err != nil {
		return err
	}
	switch r.Kind {
	case KindDelete:
		return nil
	case KindTxn:
		if err := binary.Write(w, binary.LittleEndian, uint32(len(r.TxnOps))); err != nil {
			return err
		}
		for _, op := range r.TxnOps {
			if err := EncodeFull(w, op); err != nil {
				return err
			}
		}
		return nil
	default:
		return value.EncodeItem(w, r.Item)
	}
}

// DecodeBody reverses EncodeBody. The returned Record's Key is zero; callers
// fill it in from whatever carried the key (WAL framing, or the SST block's
// prefix-compressed key).
func DecodeBody(r io.Reader) (Record, error) {
	var kind uint8
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return Record{}, err
	}
	var seq uint64
	if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
		return Record{}, err
	}

	rec := Record{Kind: Kind(kind), Seq: seq}
	switch rec.Kind {
	case KindDelete:
		return rec, nil
	case KindTxn:
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return Record{}, err
		}
		ops := make([]Record, 0, count)
		for i := uint32(0); i < count; i++ {
			op, err := DecodeFull(r)
			if err != nil {
				return Record{}, err
			}
			ops = append(ops, op)
		}
		rec.TxnOps = ops
		return rec, nil
	default:
		item, err := value.DecodeItem(r)
		if err != nil {
			return Record{}, err
		}
		rec.Item = item
		return rec, nil
	}
}

// EncodedBodyLen returns the byte length EncodeBody would write, for block
// size accounting without a double-buffer.
func EncodedBodyLen(r Record) int {
	n := 1 + 8 // kind + seq
	switch r.Kind {
	case KindDelete:
		return n
	case KindTxn:
		n += 4
		for _, op := range r.TxnOps {
			n += 4 + key.EncodedLen(op.Key) + EncodedBodyLen(op)
		}
		return n
	default:
		var counter countingWriter
		_ = value.EncodeItem(&counter, r.Item)
		return n + int(counter)
	}
}

type countingWriter int

func (c *countingWriter) Write(p []byte) (int, error) {
	*c += countingWriter(len(p))
	return len(p), nil
}
