package compaction

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keystone-db/keystonedb-sub001/internal/model"
	"github.com/keystone-db/keystonedb-sub001/internal/sstable"
)

func buildReader(t *testing.T, name string, records []model.Record) sstable.Reader {
	t.Helper()
	w := sstable.NewWriter(sstable.Options{})
	for _, rec := range records {
		require.NoError(t, w.Add(rec.Key.Encode(), model.EncodeRecord(rec)))
	}
	r, err := w.Finish(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

type captureOutput struct {
	keys [][]byte
	vals [][]byte
}

func (c *captureOutput) Add(key, value []byte) error {
	c.keys = append(c.keys, append([]byte(nil), key...))
	c.vals = append(c.vals, append([]byte(nil), value...))
	return nil
}

func TestMergeKeepsHighestSeqOnDuplicateKey(t *testing.T) {
	key := model.Key{PK: []byte("a")}
	older := buildReader(t, "older.sst", []model.Record{{Key: key, Item: model.Item{"v": model.Number("1")}, Seq: 1}})
	newer := buildReader(t, "newer.sst", []model.Record{{Key: key, Item: model.Item{"v": model.Number("2")}, Seq: 2}})

	out := &captureOutput{}
	merged, dropped, err := Merge([]MergeInput{{Reader: newer}, {Reader: older}}, out, false)
	require.NoError(t, err)
	require.Equal(t, 1, merged)
	require.Equal(t, 0, dropped)
	require.Len(t, out.vals, 1)

	rec, err := model.DecodeRecord(out.vals[0])
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Seq)
	require.Equal(t, "2", rec.Item["v"].Number)
}

func TestMergeDropsTombstonesOnlyWhenRequested(t *testing.T) {
	key := model.Key{PK: []byte("gone")}
	tombstoneSST := buildReader(t, "tomb.sst", []model.Record{{Key: key, Seq: 5, Tombstone: true}})

	outKept := &captureOutput{}
	merged, dropped, err := Merge([]MergeInput{{Reader: tombstoneSST}}, outKept, false)
	require.NoError(t, err)
	require.Equal(t, 1, merged)
	require.Equal(t, 0, dropped)

	outDropped := &captureOutput{}
	merged, dropped, err = Merge([]MergeInput{{Reader: tombstoneSST}}, outDropped, true)
	require.NoError(t, err)
	require.Equal(t, 0, merged)
	require.Equal(t, 1, dropped)
	require.Empty(t, outDropped.keys)
}

func TestMergeOrdersOutputAcrossReaders(t *testing.T) {
	a := buildReader(t, "a.sst", []model.Record{
		{Key: model.Key{PK: []byte("a")}, Item: model.Item{}, Seq: 1},
		{Key: model.Key{PK: []byte("c")}, Item: model.Item{}, Seq: 1},
	})
	b := buildReader(t, "b.sst", []model.Record{
		{Key: model.Key{PK: []byte("b")}, Item: model.Item{}, Seq: 1},
	})

	out := &captureOutput{}
	_, _, err := Merge([]MergeInput{{Reader: a}, {Reader: b}}, out, false)
	require.NoError(t, err)
	require.Len(t, out.keys, 3)
	for i := 1; i < len(out.keys); i++ {
		require.Less(t, string(out.keys[i-1]), string(out.keys[i]))
	}
}

func TestWorkerDedupsPendingEnqueuesForSameStripe(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	handler := func(stripe uint16) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}

	w := NewWorker(handler, 8)
	w.Start(1)
	defer w.Stop()

	require.True(t, w.Enqueue(7))
	// give the single worker goroutine a chance to pick up stripe 7 and block on release
	time.Sleep(20 * time.Millisecond)
	require.True(t, w.Enqueue(7)) // queued again while still running; queue accepts a fresh entry
	require.True(t, w.Enqueue(7)) // already pending: deduplicated, nothing new is queued
	require.Equal(t, 1, len(w.queue))
	close(release)

	time.Sleep(50 * time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestWorkerStopWaitsForInFlightHandlers(t *testing.T) {
	var mu sync.Mutex
	var seen []uint16
	handler := func(stripe uint16) error {
		mu.Lock()
		seen = append(seen, stripe)
		mu.Unlock()
		return nil
	}

	w := NewWorker(handler, 4)
	w.Start(2)
	require.True(t, w.Enqueue(1))
	require.True(t, w.Enqueue(2))
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
}
