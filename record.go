package keystone

import "github.com/keystone-db/keystonedb-sub001/internal/model"

// EncodeItem serializes an Item as count(4) | (namelen|name|value)*.
var EncodeItem = model.EncodeItem

// DecodeItem is the inverse of EncodeItem.
var DecodeItem = model.DecodeItem

// EncodeRecord serializes a Record: key | seq(8) | tombstone(1) | [itemBytes
// if not tombstone]. This is the payload the WAL frames with its own
// length + CRC32C wrapper (see internal/wal) and the value an SST entry
// stores (see internal/sstable).
var EncodeRecord = model.EncodeRecord

// DecodeRecord is the inverse of EncodeRecord.
var DecodeRecord = model.DecodeRecord
