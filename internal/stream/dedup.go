package stream

import (
	"bytes"

	"github.com/keystone-db/keystonedb-sub001/internal/murmur"
)

const dedupInitialCapacity = 32
const dedupLoadFactorThreshold = 0.7

// dedupSet is a murmur-hashed open-bucket set of encoded keys, used to
// collapse a burst of same-key mutations within one ring-buffer window
// into a single CDC emission when a consumer asks for "keys only, latest
// per key" semantics (spec §4.11's "configurable image views").
//
// Grounded on the teacher's hashset package (bucket-of-byte-slices, murmur
// hash, load-factor resize) — narrowed to []byte keys only and stripped of
// its gob Serialize/Deserialize, since this set never crosses a durability
// boundary: it is rebuilt fresh every time a consumer asks for a
// deduplicated read of the live ring buffer.
type dedupSet struct {
	buckets  [][][]byte
	size     int
	capacity int
}

func newDedupSet() *dedupSet {
	return &dedupSet{buckets: make([][][]byte, dedupInitialCapacity), capacity: dedupInitialCapacity}
}

func (h *dedupSet) hash(value []byte, capacity int) int {
	return int(murmur.Hash64(value, 4) % uint64(capacity))
}

// Add reports whether value was newly added (false if already present).
func (h *dedupSet) Add(value []byte) bool {
	idx := h.hash(value, h.capacity)
	for _, item := range h.buckets[idx] {
		if bytes.Equal(item, value) {
			return false
		}
	}
	h.buckets[idx] = append(h.buckets[idx], value)
	h.size++
	if float64(h.size)/float64(h.capacity) > dedupLoadFactorThreshold {
		h.resize()
	}
	return true
}

func (h *dedupSet) resize() {
	newCapacity := h.capacity * 2
	newBuckets := make([][][]byte, newCapacity)
	for _, bucket := range h.buckets {
		for _, value := range bucket {
			idx := h.hash(value, newCapacity)
			newBuckets[idx] = append(newBuckets[idx], value)
		}
	}
	h.buckets = newBuckets
	h.capacity = newCapacity
}

func (h *dedupSet) Contains(value []byte) bool {
	idx := h.hash(value, h.capacity)
	for _, item := range h.buckets[idx] {
		if bytes.Equal(item, value) {
			return true
		}
	}
	return false
}
