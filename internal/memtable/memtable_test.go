package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetOverwrite(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"))
	v, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	m.Put([]byte("a"), []byte("2"))
	v, ok = m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
	require.Equal(t, 1, m.Count(), "overwriting a key must not grow the count")
}

func TestGetMissingKey(t *testing.T) {
	m := New()
	_, ok := m.Get([]byte("missing"))
	require.False(t, ok)
}

func TestSnapshotIsSortedAscending(t *testing.T) {
	m := New()
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for _, k := range keys {
		m.Put([]byte(k), []byte(k))
	}
	entries := m.Snapshot()
	require.Len(t, entries, len(keys))
	for i := 1; i < len(entries); i++ {
		require.Less(t, string(entries[i-1].Key), string(entries[i].Key))
	}
}

func TestCountAndBytesTrackInsertions(t *testing.T) {
	m := New()
	require.Equal(t, 0, m.Count())
	require.Equal(t, int64(0), m.Bytes())

	for i := 0; i < 100; i++ {
		m.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("value"))
	}
	require.Equal(t, 100, m.Count())
	require.Positive(t, m.Bytes())
}

func TestIteratorWalksEveryEntryInOrder(t *testing.T) {
	m := New()
	for _, k := range []string{"c", "a", "b"} {
		m.Put([]byte(k), []byte(k))
	}
	it := m.NewIterator()
	var seen []string
	for it.Next() {
		seen = append(seen, string(it.Entry().Key))
	}
	require.Equal(t, []string{"a", "b", "c"}, seen)
}
