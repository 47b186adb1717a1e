// Package keystone implements the KeystoneDB embedded storage engine: a
// DynamoDB-flavored key-value store with a stripe-sharded LSM layout.
package keystone

import "github.com/keystone-db/keystonedb-sub001/internal/model"

// The data model (Value, Item, Key, Record) lives in internal/model and is
// re-exported here under its historical root-package names. Internal
// packages that need the model (iterator, expr, index, txn, stream,
// compaction, partiql, retry) import internal/model directly instead of
// this root package, since this package in turn imports all of those for
// orchestration — importing keystone from them would be a cycle.

// ValueKind tags the arm of a Value union.
type ValueKind = model.ValueKind

const (
	KindNumber    = model.KindNumber
	KindString    = model.KindString
	KindBinary    = model.KindBinary
	KindBool      = model.KindBool
	KindNull      = model.KindNull
	KindList      = model.KindList
	KindMap       = model.KindMap
	KindVector    = model.KindVector
	KindTimestamp = model.KindTimestamp
)

// Value is a tagged union mirroring DynamoDB's attribute value model.
// Numbers are kept as their original decimal text so the write path never
// loses precision by routing through a binary float; arithmetic (ADD,
// a+b/a-b) is the only place a Value's Number is parsed, and the result is
// re-serialized back to text immediately.
type Value = model.Value

var (
	Number    = model.Number
	String    = model.String
	Binary    = model.Binary
	Bool      = model.Bool
	Null      = model.Null
	List      = model.List
	Map       = model.Map
	Vector    = model.Vector
	Timestamp = model.Timestamp
)

// Item is an attribute map. "pk" and "sk" are reserved for the key when
// bridging from a query-language surface and never carry payload.
type Item = model.Item

// Key identifies an item: a mandatory partition key and an optional sort
// key. Ordering compares pk lexicographically, then sk, with "no sk"
// sorting before any present sk.
type Key = model.Key

// DecodeKey is the inverse of Key.Encode.
var DecodeKey = model.DecodeKey

// Record is the unit of durability: a key, an optional item (none is a
// tombstone), and the process-wide monotonic seq assigned at commit time.
type Record = model.Record

func readUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
