// Package stream implements the change-data-capture ring buffer of spec
// §4.11: a bounded in-memory buffer of StreamRecords, one per committed
// mutation, with a configurable image view and drop-oldest overflow.
//
// Grounded on the teacher's k4.go having no CDC surface at all (writes are
// fire-and-forget); this package is new code shaped like a small bounded
// channel-backed buffer, the idiom PriyanshuSharma23-FlashLog uses for its
// own in-memory log tailing.
package stream

import (
	"sync"

	"github.com/keystone-db/keystonedb-sub001/internal/model"
)

// EventType classifies a StreamRecord.
type EventType int

const (
	EventPut EventType = iota
	EventModify
	EventRemove
)

func (e EventType) String() string {
	switch e {
	case EventPut:
		return "PUT"
	case EventModify:
		return "MODIFY"
	case EventRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// ImageView selects which before/after images a consumer receives, per spec
// §4.11.
type ImageView int

const (
	ViewKeysOnly ImageView = iota
	ViewNewImage
	ViewOldImage
	ViewNewAndOldImages
)

// StreamRecord is one emitted change event.
type StreamRecord struct {
	Seq         uint64
	EventType   EventType
	Key         model.Key
	OldImage    model.Item // nil unless the view requests it
	NewImage    model.Item // nil unless the view requests it
	TimestampMs int64
}

// Buffer is a fixed-capacity ring of StreamRecords. Once full, the oldest
// record is silently dropped to make room for the newest, per spec §4.11
// ("drop-oldest overflow").
type Buffer struct {
	mu       sync.Mutex
	records  []StreamRecord
	capacity int
	head     int // index of oldest record
	count    int
	view     ImageView
	enabled  bool
}

// NewBuffer creates a ring buffer of the given capacity and image view. A
// zero or negative capacity disables the stream entirely (Emit becomes a
// no-op), matching the manifest's StreamsEnabled toggle.
func NewBuffer(capacity int, view ImageView) *Buffer {
	if capacity <= 0 {
		return &Buffer{enabled: false}
	}
	return &Buffer{records: make([]StreamRecord, capacity), capacity: capacity, view: view, enabled: true}
}

// Emit appends one change event, applying the configured image view and
// dropping the oldest record if the buffer is full.
func (b *Buffer) Emit(rec StreamRecord) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.view {
	case ViewKeysOnly:
		rec.OldImage, rec.NewImage = nil, nil
	case ViewNewImage:
		rec.OldImage = nil
	case ViewOldImage:
		rec.NewImage = nil
	case ViewNewAndOldImages:
		// keep both
	}

	if b.count < b.capacity {
		idx := (b.head + b.count) % b.capacity
		b.records[idx] = rec
		b.count++
		return
	}
	// full: overwrite the oldest slot and advance head, dropping it
	b.records[b.head] = rec
	b.head = (b.head + 1) % b.capacity
}

// Drain returns every buffered record in emission order without clearing
// the buffer (consumers track their own cursor by Seq).
func (b *Buffer) Drain() []StreamRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StreamRecord, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.records[(b.head+i)%b.capacity]
	}
	return out
}

// DrainLatestPerKey returns the buffered records deduplicated to the most
// recent event per key, in ascending seq order — the "collapse a burst of
// same-key mutations" mode consumers can ask for explicitly.
func (b *Buffer) DrainLatestPerKey() []StreamRecord {
	all := b.Drain()
	seen := newDedupSet()
	var out []StreamRecord
	for i := len(all) - 1; i >= 0; i-- {
		enc := all[i].Key.Encode()
		if seen.Add(enc) {
			out = append([]StreamRecord{all[i]}, out...)
		}
	}
	return out
}

// Len reports the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Enabled reports whether streaming is active for this buffer.
func (b *Buffer) Enabled() bool {
	return b.enabled
}
