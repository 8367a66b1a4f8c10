// Package index implements the secondary-index maintenance hook from spec
// §4.13: given a base write, derive the additional index records it implies
// for each configured local or global secondary index, so the engine can
// fold them into the same write group (same sequence number, same WAL
// envelope) as the base record.
package index

import (
	"bytes"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/value"
)

// Projection selects which attributes an index record carries.
type Projection uint8

const (
	ProjectAll Projection = iota
	ProjectKeysOnly
	ProjectInclude
)

// Kind distinguishes a local secondary index (same partition, alternate
// sort key) from a global secondary index (new partition key entirely).
type Kind uint8

const (
	KindLocal Kind = iota
	KindGlobal
)

// indexMarker separates the base partition key from the index's own sort
// value within a local secondary index's encoded key, so LSI records never
// collide with base records or with each other across indexes sharing a
// partition ("pk || index_marker || index_sort_value || base_sk").
func indexMarker(name string) []byte {
	return append([]byte{0x00}, []byte(name)...)
}

// Definition configures one secondary index.
type Definition struct {
	Name       string
	Kind       Kind
	Projection Projection
	Include    []string // attribute names, only meaningful for ProjectInclude

	// SortAttribute names the item attribute whose value becomes the
	// index's sort key contribution (both LSI and GSI use this).
	SortAttribute string

	// PartitionAttribute names the item attribute that becomes the new
	// partition key; only meaningful for KindGlobal.
	PartitionAttribute string
}

// Record is one derived index entry ready to be written like any other
// base record, keyed into whichever stripe its Key routes to.
type Record struct {
	IndexName string
	Key       key.Key
	Item      value.Item // nil for a delete-side index record
}

// Derive computes the index records a base write (identified by baseKey,
// with item being the post-write item for a put or the pre-delete item for a
// delete) implies under defs. A nil item yields no records. The engine
// deletes a base item's index entries by calling Derive with the pre-delete
// item and writing tombstones for the returned keys.
func Derive(defs []Definition, baseKey key.Key, item value.Item) []Record {
	var out []Record
	for _, def := range defs {
		rec, ok := deriveOne(def, baseKey, item)
		if ok {
			out = append(out, rec)
		}
	}
	return out
}

func deriveOne(def Definition, baseKey key.Key, item value.Item) (Record, bool) {
	switch def.Kind {
	case KindLocal:
		return deriveLocal(def, baseKey, item)
	case KindGlobal:
		return deriveGlobal(def, baseKey, item)
	default:
		return Record{}, false
	}
}

// deriveLocal builds an LSI record whose encoded key is
// pk || index_marker(name) || index_sort_value || base_sk, living in the
// same stripe as the base record because it shares the base partition key.
func deriveLocal(def Definition, baseKey key.Key, item value.Item) (Record, bool) {
	sortVal, ok := sortBytes(def, item)
	if !ok {
		return Record{}, false
	}

	var sk bytes.Buffer
	sk.Write(indexMarker(def.Name))
	sk.Write(sortVal)
	sk.Write(baseKey.SK)

	return Record{
		IndexName: def.Name,
		Key:       key.NewWithSK(baseKey.PK, sk.Bytes()),
		Item:      project(def, item),
	}, true
}

// deriveGlobal builds a GSI record whose partition key comes from a named
// item attribute and whose stripe is therefore computed independently of
// the base record's stripe.
func deriveGlobal(def Definition, baseKey key.Key, item value.Item) (Record, bool) {
	if item == nil {
		// A delete with no surviving item has no attribute to derive the
		// GSI partition key from; the caller must track and delete the
		// prior GSI key itself using the pre-delete item.
		return Record{}, false
	}

	pkVal, ok := item[def.PartitionAttribute]
	if !ok {
		return Record{}, false
	}
	pk := attributeBytes(pkVal)

	var sk []byte
	if def.SortAttribute != "" {
		if skVal, ok := item[def.SortAttribute]; ok {
			sk = attributeBytes(skVal)
		}
	}

	return Record{
		IndexName: def.Name,
		Key:       key.NewWithSK(pk, sk),
		Item:      project(def, item),
	}, true
}

func sortBytes(def Definition, item value.Item) ([]byte, bool) {
	if item == nil {
		return nil, false
	}
	v, ok := item[def.SortAttribute]
	if !ok {
		return nil, false
	}
	return attributeBytes(v), true
}

// attributeBytes renders a Value as the byte sequence an index key
// embeds. Numbers use their decimal text directly so lexicographic index
// key ordering matches numeric order only for same-width zero-padded
// callers — callers needing numeric index ordering are expected to
// zero-pad their own numeric attributes, same as DynamoDB's documented
// limitation for numeric sort keys in indexes.
func attributeBytes(v value.Value) []byte {
	switch v.Kind {
	case value.KindString, value.KindNumber:
		return []byte(v.Str)
	case value.KindBinary:
		return v.Bin
	default:
		return nil
	}
}

// project returns the item fields an index record should carry per the
// definition's projection type.
func project(def Definition, item value.Item) value.Item {
	if item == nil {
		return nil
	}
	switch def.Projection {
	case ProjectAll:
		return item.Clone()
	case ProjectKeysOnly:
		return nil
	case ProjectInclude:
		out := make(value.Item, len(def.Include))
		for _, name := range def.Include {
			if v, ok := item[name]; ok {
				out[name] = v
			}
		}
		return out
	default:
		return nil
	}
}
