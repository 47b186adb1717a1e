package sstable

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildSST(t *testing.T, n int, compressionLevel int) Reader {
	t.Helper()
	w := NewWriter(Options{CompressionLevel: compressionLevel})
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("value-%05d", i))
		require.NoError(t, w.Add(key, val))
	}
	path := filepath.Join(t.TempDir(), "000001.sst")
	r, err := w.Finish(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWriterRejectsOutOfOrderKeys(t *testing.T) {
	w := NewWriter(Options{})
	require.NoError(t, w.Add([]byte("b"), []byte("1")))
	require.Error(t, w.Add([]byte("a"), []byte("2")))
}

func TestWriterRejectsDuplicateKey(t *testing.T) {
	w := NewWriter(Options{})
	require.NoError(t, w.Add([]byte("a"), []byte("1")))
	require.Error(t, w.Add([]byte("a"), []byte("2")))
}

func TestGetFindsEveryWrittenKeyAcrossMultipleBlocks(t *testing.T) {
	const n = 2000 // large enough to span several 4KiB blocks
	r := buildSST(t, n, 0)
	require.Equal(t, n, r.Count())

	for i := 0; i < n; i += 97 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val, ok, err := r.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("value-%05d", i), string(val))
	}
}

func TestGetMissingKeyReturnsNotFoundNotError(t *testing.T) {
	r := buildSST(t, 100, 0)
	_, ok, err := r.Get([]byte("nonexistent-key"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIteratorWalksAllEntriesInAscendingOrder(t *testing.T) {
	const n = 500
	r := buildSST(t, n, 0)
	it, err := r.Iterator()
	require.NoError(t, err)

	count := 0
	var prev []byte
	for it.Next() {
		e := it.Entry()
		if prev != nil {
			require.Less(t, string(prev), string(e.Key))
		}
		prev = e.Key
		count++
	}
	require.Equal(t, n, count)
}

func TestCompressedRoundTripMatchesUncompressed(t *testing.T) {
	const n = 1500
	r := buildSST(t, n, 3)
	for i := 0; i < n; i += 211 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val, ok, err := r.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("value-%05d", i), string(val))
	}
}

func TestReopenedSSTServesTheSameData(t *testing.T) {
	w := NewWriter(Options{})
	for i := 0; i < 50; i++ {
		require.NoError(t, w.Add([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i))))
	}
	path := filepath.Join(t.TempDir(), "000002.sst")
	r1, err := w.Finish(path)
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, err := Open(path, false)
	require.NoError(t, err)
	defer r2.Close()

	val, ok, err := r2.Get([]byte("k025"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v025", string(val))
}

func TestFlatWriterUncompressedRoundTrip(t *testing.T) {
	w := NewFlatWriter(false)
	w.Add([]byte("c"), []byte("3"))
	w.Add([]byte("a"), []byte("1"))
	w.Add([]byte("b"), []byte("2"))

	path := filepath.Join(t.TempDir(), "legacy.sst")
	r, err := w.Finish(path)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, 3, r.Count())
	val, ok, err := r.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(val))
	require.Nil(t, r.Bloom())
}

func TestFlatWriterCompressedRoundTrip(t *testing.T) {
	w := NewFlatWriter(true)
	for i := 0; i < 200; i++ {
		// repetitive payload so the LZ77-style window compressor actually
		// finds matches, exercising Compress/Decompress rather than the
		// literal-only fallback path.
		w.Add([]byte(fmt.Sprintf("key-%04d", i)), []byte("repeated-value-repeated-value-repeated-value"))
	}

	path := filepath.Join(t.TempDir(), "legacy-compressed.sst")
	r, err := w.Finish(path)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, 200, r.Count())
	for i := 0; i < 200; i += 37 {
		val, ok, err := r.Get([]byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "repeated-value-repeated-value-repeated-value", string(val))
	}

	it, err := r.Iterator()
	require.NoError(t, err)
	count := 0
	for it.Next() {
		count++
	}
	require.Equal(t, 200, count)
}

func TestOpenAnyDispatchesToFlatVariantByMagic(t *testing.T) {
	w := NewFlatWriter(true)
	w.Add([]byte("k1"), []byte("v1"))
	w.Add([]byte("k2"), []byte("v2"))
	path := filepath.Join(t.TempDir(), "legacy.sst")
	written, err := w.Finish(path)
	require.NoError(t, err)
	require.NoError(t, written.Close())

	r, err := OpenAny(path, nil)
	require.NoError(t, err)
	defer r.Close()

	val, ok, err := r.Get([]byte("k2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(val))
}

func TestScanPrefixReturnsOnlyMatchingEncodedKeys(t *testing.T) {
	w := NewWriter(Options{})
	enc := func(pk, sk string) []byte {
		p := []byte(pk)
		s := []byte(sk)
		out := append([]byte{0, 0, 0, byte(len(p))}, p...)
		out = append(out, 0, 0, 0, byte(len(s)))
		out = append(out, s...)
		return out
	}
	require.NoError(t, w.Add(enc("order#1", "line#1"), []byte("a")))
	require.NoError(t, w.Add(enc("order#1", "line#2"), []byte("b")))
	require.NoError(t, w.Add(enc("order#2", "line#1"), []byte("c")))

	path := filepath.Join(t.TempDir(), "000003.sst")
	r, err := w.Finish(path)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.ScanPrefix([]byte("order#1"))
	require.NoError(t, err)
	var vals []string
	for it.Next() {
		vals = append(vals, string(it.Entry().Value))
	}
	require.ElementsMatch(t, []string{"a", "b"}, vals)
}
