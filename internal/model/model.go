// Package model holds the core data types of spec §3 — Value, Item, Key,
// Record — and their binary codec. It exists as its own package (rather
// than living in the root keystone package, which is where these types are
// re-exported from) so that internal packages needing the data model
// (iterator, expr, index, txn, stream, compaction, partiql, retry) can
// import it without creating an import cycle back through the root
// package, which in turn imports all of those for orchestration.
package model

import (
	"bytes"
	"fmt"
	"math"

	"github.com/keystone-db/keystonedb-sub001/internal/codec"
)

// ValueKind tags the arm of a Value union.
type ValueKind byte

const (
	KindNumber ValueKind = iota
	KindString
	KindBinary
	KindBool
	KindNull
	KindList
	KindMap
	KindVector
	KindTimestamp
)

// Value is a tagged union mirroring DynamoDB's attribute value model.
// Numbers are kept as their original decimal text so the write path never
// loses precision by routing through a binary float; arithmetic (ADD,
// a+b/a-b) is the only place a Value's Number is parsed, and the result is
// re-serialized back to text immediately.
type Value struct {
	Kind      ValueKind
	Number    string           // KindNumber: decimal text, e.g. "3.14159265358979"
	Str       string           // KindString
	Binary    []byte           // KindBinary
	Bool      bool             // KindBool
	List      []Value          // KindList
	Map       map[string]Value // KindMap
	Vector    []float32        // KindVector
	Timestamp int64            // KindTimestamp, epoch milliseconds
}

func Number(s string) Value        { return Value{Kind: KindNumber, Number: s} }
func String(s string) Value        { return Value{Kind: KindString, Str: s} }
func Binary(b []byte) Value        { return Value{Kind: KindBinary, Binary: append([]byte(nil), b...)} }
func Bool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func Null() Value                  { return Value{Kind: KindNull} }
func List(v []Value) Value         { return Value{Kind: KindList, List: v} }
func Map(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }
func Vector(v []float32) Value     { return Value{Kind: KindVector, Vector: v} }
func Timestamp(ms int64) Value     { return Value{Kind: KindTimestamp, Timestamp: ms} }

// Equal reports deep structural equality between two values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number == o.Number
	case KindString:
		return v.Str == o.Str
	case KindBinary:
		return bytes.Equal(v.Binary, o.Binary)
	case KindBool:
		return v.Bool == o.Bool
	case KindNull:
		return true
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, a := range v.Map {
			b, ok := o.Map[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	case KindVector:
		if len(v.Vector) != len(o.Vector) {
			return false
		}
		for i := range v.Vector {
			if v.Vector[i] != o.Vector[i] {
				return false
			}
		}
		return true
	case KindTimestamp:
		return v.Timestamp == o.Timestamp
	}
	return false
}

// Item is an attribute map. "pk" and "sk" are reserved for the key when
// bridging from a query-language surface and never carry payload.
type Item map[string]Value

// Clone returns a shallow copy: a new map holding the same Values, so any
// slice or map inside a Value is still shared with the original.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Key identifies an item: a mandatory partition key and an optional sort
// key. Ordering compares pk lexicographically, then sk, with "no sk" sorting
// before any present sk.
type Key struct {
	PK []byte
	SK []byte // nil means absent
}

// Compare returns -1, 0, or 1, comparing pk bytewise, then sk, with an
// absent sk before any present sk. This is not the byte order of Encode,
// whose length prefixes put a shorter pk (or sk) first.
func (k Key) Compare(o Key) int {
	if c := bytes.Compare(k.PK, o.PK); c != 0 {
		return c
	}
	switch {
	case k.SK == nil && o.SK == nil:
		return 0
	case k.SK == nil:
		return -1
	case o.SK == nil:
		return 1
	default:
		return bytes.Compare(k.SK, o.SK)
	}
}

func (k Key) String() string {
	if k.SK == nil {
		return fmt.Sprintf("%q", k.PK)
	}
	return fmt.Sprintf("%q/%q", k.PK, k.SK)
}

// Encode produces the sort basis used inside an SST and for pagination
// cursors: len32(pk) | pk | len32(sk) | sk, with len 0 when sk is absent.
func (k Key) Encode() []byte {
	out := make([]byte, 0, 8+len(k.PK)+len(k.SK))
	out = appendUint32(out, uint32(len(k.PK)))
	out = append(out, k.PK...)
	out = appendUint32(out, uint32(len(k.SK)))
	out = append(out, k.SK...)
	return out
}

// DecodeKey is the inverse of Key.Encode.
func DecodeKey(b []byte) (Key, int, error) {
	if len(b) < 4 {
		return Key{}, 0, fmt.Errorf("model: truncated key encoding")
	}
	pkLen := readUint32(b)
	off := 4
	if len(b) < off+int(pkLen)+4 {
		return Key{}, 0, fmt.Errorf("model: truncated key encoding")
	}
	pk := append([]byte(nil), b[off:off+int(pkLen)]...)
	off += int(pkLen)
	skLen := readUint32(b[off:])
	off += 4
	if len(b) < off+int(skLen) {
		return Key{}, 0, fmt.Errorf("model: truncated key encoding")
	}
	var sk []byte
	if skLen > 0 {
		sk = append([]byte(nil), b[off:off+int(skLen)]...)
	}
	off += int(skLen)
	return Key{PK: pk, SK: sk}, off, nil
}

// ReadUint32 reads a big-endian uint32 from the start of b, the same layout
// Key.Encode uses; exported so callers (e.g. the root package's stripe scan)
// can test an encoded key's partition-key length without re-decoding it.
func ReadUint32(b []byte) uint32 { return readUint32(b) }

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Record is the unit of durability: a key, an optional item (none is a
// tombstone), and the process-wide monotonic seq assigned at commit time.
type Record struct {
	Key       Key
	Item      Item // nil Item with Tombstone=true means deleted
	Seq       uint64
	Tombstone bool
}

// IsTombstone reports whether this record represents a delete.
func (r Record) IsTombstone() bool { return r.Tombstone }

func float32bits(f float32) uint32     { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }

// encodeValue appends a Value's binary encoding: kind(1) | payload.
func encodeValue(b []byte, v Value) []byte {
	b = append(b, byte(v.Kind))
	switch v.Kind {
	case KindNumber:
		b = codec.PutBytes(b, []byte(v.Number))
	case KindString:
		b = codec.PutBytes(b, []byte(v.Str))
	case KindBinary:
		b = codec.PutBytes(b, v.Binary)
	case KindBool:
		if v.Bool {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case KindNull:
		// no payload
	case KindList:
		b = codec.PutUint32(b, uint32(len(v.List)))
		for _, e := range v.List {
			b = encodeValue(b, e)
		}
	case KindMap:
		b = codec.PutUint32(b, uint32(len(v.Map)))
		for k, e := range v.Map {
			b = codec.PutBytes(b, []byte(k))
			b = encodeValue(b, e)
		}
	case KindVector:
		b = codec.PutUint32(b, uint32(len(v.Vector)))
		for _, f := range v.Vector {
			bits := float32bits(f)
			b = codec.PutUint32(b, bits)
		}
	case KindTimestamp:
		b = codec.PutUint64(b, uint64(v.Timestamp))
	}
	return b
}

func decodeValue(r *codec.Reader) (Value, error) {
	kindByte, err := r.Byte()
	if err != nil {
		return Value{}, err
	}
	kind := ValueKind(kindByte)
	switch kind {
	case KindNumber:
		s, err := r.Bytes()
		if err != nil {
			return Value{}, err
		}
		return Number(string(s)), nil
	case KindString:
		s, err := r.Bytes()
		if err != nil {
			return Value{}, err
		}
		return String(string(s)), nil
	case KindBinary:
		s, err := r.Bytes()
		if err != nil {
			return Value{}, err
		}
		return Binary(s), nil
	case KindBool:
		bb, err := r.Byte()
		if err != nil {
			return Value{}, err
		}
		return Bool(bb == 1), nil
	case KindNull:
		return Null(), nil
	case KindList:
		n, err := r.Uint32()
		if err != nil {
			return Value{}, err
		}
		list := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			list = append(list, e)
		}
		return List(list), nil
	case KindMap:
		n, err := r.Uint32()
		if err != nil {
			return Value{}, err
		}
		m := make(map[string]Value, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.Bytes()
			if err != nil {
				return Value{}, err
			}
			e, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			m[string(k)] = e
		}
		return Map(m), nil
	case KindVector:
		n, err := r.Uint32()
		if err != nil {
			return Value{}, err
		}
		vec := make([]float32, 0, n)
		for i := uint32(0); i < n; i++ {
			bits, err := r.Uint32()
			if err != nil {
				return Value{}, err
			}
			vec = append(vec, float32frombits(bits))
		}
		return Vector(vec), nil
	case KindTimestamp:
		ts, err := r.Uint64()
		if err != nil {
			return Value{}, err
		}
		return Timestamp(int64(ts)), nil
	default:
		return Value{}, fmt.Errorf("model: unknown value kind %d", kindByte)
	}
}

// EncodeItem serializes an Item as count(4) | (namelen|name|value)*.
func EncodeItem(it Item) []byte {
	out := codec.PutUint32(nil, uint32(len(it)))
	for name, v := range it {
		out = codec.PutBytes(out, []byte(name))
		out = encodeValue(out, v)
	}
	return out
}

// DecodeItem is the inverse of EncodeItem.
func DecodeItem(b []byte) (Item, error) {
	r := codec.NewReader(b)
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	it := make(Item, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		it[string(name)] = v
	}
	return it, nil
}

// EncodeRecord serializes a Record: key | seq(8) | tombstone(1) | [itemBytes
// if not tombstone]. This is the payload framed by the WAL and SST layers
// with their own length + CRC32C wrapper (see internal/wal, internal/sstable).
func EncodeRecord(rec Record) []byte {
	out := codec.PutBytes(nil, rec.Key.Encode())
	out = codec.PutUint64(out, rec.Seq)
	if rec.Tombstone {
		out = append(out, 1)
	} else {
		out = append(out, 0)
		out = codec.PutBytes(out, EncodeItem(rec.Item))
	}
	return out
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(b []byte) (Record, error) {
	r := codec.NewReader(b)
	keyBytes, err := r.Bytes()
	if err != nil {
		return Record{}, err
	}
	key, _, err := DecodeKey(keyBytes)
	if err != nil {
		return Record{}, err
	}
	seq, err := r.Uint64()
	if err != nil {
		return Record{}, err
	}
	tomb, err := r.Byte()
	if err != nil {
		return Record{}, err
	}
	rec := Record{Key: key, Seq: seq}
	if tomb == 1 {
		rec.Tombstone = true
		return rec, nil
	}
	itemBytes, err := r.Bytes()
	if err != nil {
		return Record{}, err
	}
	item, err := DecodeItem(itemBytes)
	if err != nil {
		return Record{}, err
	}
	rec.Item = item
	return rec, nil
}
