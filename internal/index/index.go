// Package index implements secondary-index key derivation and projection
// for spec §4.10's local (LSI) and global (GSI) secondary indexes.
//
// An index entry is just another record in the same LSM machinery the base
// table uses (memtable + SST + WAL), keyed so that it sorts usefully for
// the index's query pattern; this package only derives those keys and
// projects the attributes an index is configured to carry, leaving
// storage, stripe placement, and WAL-group membership to the engine, per
// spec §4.10 ("GSI... maintained in the same WAL group as the base
// write").
//
// Grounded on the teacher's k4.go, which has no secondary-index concept at
// all, so this is new code; an earlier draft explored adapting the
// teacher's bstarplustree package as a dedicated on-disk index structure,
// but bstarplustree is built on its own pager+gob stack (see
// internal/codec's note on why gob was dropped), which would duplicate
// — and diverge from — the codec/mmap-pool-based storage stack already
// built for the base table. Reusing the base table's own memtable/SST/WAL
// machinery for index entries, keyed as this package describes, avoids
// that duplication entirely (see DESIGN.md).
package index

import (
	"encoding/binary"

	"github.com/keystone-db/keystonedb-sub001/internal/model"
	"github.com/keystone-db/keystonedb-sub001/internal/codec"
)

// Kind distinguishes local from global secondary indexes.
type Kind int

const (
	KindLocal Kind = iota
	KindGlobal
)

// ProjectionType controls which attributes an index entry carries, per
// spec §4.10.
type ProjectionType int

const (
	ProjectKeysOnly ProjectionType = iota
	ProjectInclude
	ProjectAll
)

// Definition describes one configured secondary index.
type Definition struct {
	Name           string
	Kind           Kind
	SortKeyAttr    string // attribute supplying the index's sort key
	PartitionKeyAttr string // GSI only: attribute supplying the index's partition key
	Projection     ProjectionType
	IncludeAttrs   []string // used when Projection == ProjectInclude
}

// Project returns the attribute subset an index entry should carry for
// item, per def's ProjectionType.
func Project(item model.Item, def Definition) model.Item {
	switch def.Projection {
	case ProjectAll:
		return item.Clone()
	case ProjectInclude:
		out := model.Item{}
		for _, name := range def.IncludeAttrs {
			if v, ok := item[name]; ok {
				out[name] = v
			}
		}
		return out
	default: // ProjectKeysOnly
		return model.Item{}
	}
}

// indexKeyMarker prefixes an LSI's alternate-sort-key byte encoding so an
// index entry's encoded key can never collide with the base table's own
// keys when both share a stripe's keyspace.
var indexKeyMarker = []byte{0xFF, 'I', 'D', 'X'}

// LocalKey derives the on-disk key for one LSI entry: the base partition
// key (so the entry lands in the same stripe as its base item, per spec
// §4.10), followed by the index's alternate sort key, then the base sort
// key as a tiebreaker for items that share an alternate sort key value.
func LocalKey(def Definition, basePK []byte, item model.Item, baseSK []byte) (model.Key, error) {
	altVal, ok := item[def.SortKeyAttr]
	if !ok {
		return model.Key{}, errMissingSortKeyAttr(def.SortKeyAttr)
	}
	altBytes := encodeSortable(altVal)
	sk := make([]byte, 0, len(indexKeyMarker)+len(def.Name)+len(altBytes)+len(baseSK)+8)
	sk = append(sk, indexKeyMarker...)
	sk = codec.PutBytes(sk, []byte(def.Name))
	sk = codec.PutBytes(sk, altBytes)
	sk = codec.PutBytes(sk, baseSK)
	return model.Key{PK: basePK, SK: sk}, nil
}

// GlobalKey derives the on-disk key for one GSI entry: its own partition
// key (drawn from the item, giving it an independent stripe per spec
// §4.10's "own stripe space") and its own sort key, with the base key
// appended as a uniqueness tiebreaker.
func GlobalKey(def Definition, item model.Item, basePK, baseSK []byte) (model.Key, error) {
	pkVal, ok := item[def.PartitionKeyAttr]
	if !ok {
		return model.Key{}, errMissingSortKeyAttr(def.PartitionKeyAttr)
	}
	pkBytes := encodeSortable(pkVal)

	var skBytes []byte
	if def.SortKeyAttr != "" {
		if skVal, ok := item[def.SortKeyAttr]; ok {
			skBytes = encodeSortable(skVal)
		}
	}
	sk := make([]byte, 0, len(skBytes)+len(basePK)+len(baseSK)+16)
	sk = codec.PutBytes(sk, skBytes)
	sk = codec.PutBytes(sk, basePK)
	sk = codec.PutBytes(sk, baseSK)
	return model.Key{PK: pkBytes, SK: sk}, nil
}

// encodeSortable renders an attribute value as a byte sequence that sorts
// the way the index's query pattern expects: strings/binary as their raw
// bytes, numbers and timestamps as fixed-width big-endian forms so numeric
// order matches byte order. Any other kind yields an empty byte sequence.
func encodeSortable(v model.Value) []byte {
	switch v.Kind {
	case model.KindString:
		return []byte(v.Str)
	case model.KindBinary:
		return v.Binary
	case model.KindNumber:
		return encodeSortableNumber(v.Number)
	case model.KindTimestamp:
		return binary.BigEndian.AppendUint64(nil, uint64(v.Timestamp))
	default:
		return nil
	}
}

// encodeSortableNumber renders a decimal number string as an order-
// preserving byte key by normalizing to a fixed-point big-endian integer
// representation scaled by a large constant; this trades unbounded
// precision for comparison correctness within an index's key space, which
// is the same tradeoff every index structure here makes for sort keys
// (the canonical decimal text is preserved in the record's item, never
// overwritten — this encoding exists only for ordering).
func encodeSortableNumber(decimal string) []byte {
	f := parseApprox(decimal)
	scaled := f * 1e6
	const bias = int64(1) << 62
	asInt := int64(scaled) + bias
	return binary.BigEndian.AppendUint64(nil, uint64(asInt))
}

func parseApprox(s string) float64 {
	var f float64
	var sign float64 = 1
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		if s[i] == '-' {
			sign = -1
		}
		i++
	}
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		f = f*10 + float64(s[i]-'0')
	}
	if i < len(s) && s[i] == '.' {
		i++
		frac := 0.1
		for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
			f += float64(s[i]-'0') * frac
			frac /= 10
		}
	}
	return sign * f
}

type missingAttrError string

func (e missingAttrError) Error() string { return "index: item is missing attribute " + string(e) }

func errMissingSortKeyAttr(attr string) error { return missingAttrError(attr) }
