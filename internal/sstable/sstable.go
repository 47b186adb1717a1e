// Package sstable implements the sorted-string-table writer/reader of
// spec §4.4: sorted data blocks, a sparse index, a bloom filter block, and a
// footer, for the current block-based variant; plus a legacy flat variant
// kept for backward-compatible opens (see flat.go).
//
// Grounded on the teacher's flushMemtable/SSTable.get/SSTableIterator in
// k4.go (collect entries, write sequentially, trailing filter block,
// binary-search-ish lookup), generalized from "cuckoo filter in the last
// pages" to "sparse index + bloom block + footer" per spec §4.4.
package sstable

import "github.com/keystone-db/keystonedb-sub001/internal/bloom"

// Entry is one (encoded key, encoded record) pair as handed to a Writer by
// the engine (already sorted).
type Entry struct {
	Key   []byte
	Value []byte
}

// Reader is the common read surface both the block-based and flat variants
// implement, so the engine does not care which produced a given extent.
type Reader interface {
	// Get returns the value for key, or ok=false if absent. A false
	// positive bloom check is transparent: the caller simply gets ok=false.
	Get(key []byte) (value []byte, ok bool, err error)
	// Iterator returns every entry in ascending key order.
	Iterator() (Iterator, error)
	// ScanPrefix returns every entry whose key begins with pk's encoded
	// partition-key prefix, in ascending order.
	ScanPrefix(pkPrefix []byte) (Iterator, error)
	// Count returns the number of entries (including tombstones) stored.
	Count() int
	// Bloom exposes the filter for diagnostics/tests; nil for the
	// flat variant, which carries none.
	Bloom() *bloom.Filter
	Close() error
}

// Iterator yields entries in ascending key order.
type Iterator interface {
	Next() bool
	Entry() Entry
}

// sliceIterator adapts an in-memory slice to the Iterator interface, used
// by both variants once they've located their working set.
type sliceIterator struct {
	entries []Entry
	idx     int
}

func newSliceIterator(entries []Entry) *sliceIterator {
	return &sliceIterator{entries: entries, idx: -1}
}

func (it *sliceIterator) Next() bool {
	it.idx++
	return it.idx < len(it.entries)
}

func (it *sliceIterator) Entry() Entry { return it.entries[it.idx] }
