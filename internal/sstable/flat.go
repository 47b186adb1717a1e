package sstable

import (
	"fmt"
	"os"
	"sort"

	"github.com/keystone-db/keystonedb-sub001/internal/bloom"
	"github.com/keystone-db/keystonedb-sub001/internal/codec"
	"github.com/keystone-db/keystonedb-sub001/internal/compress"
)

// FlatMagic tags the legacy whole-file variant kept for backward-compatible
// opens, per spec §4.4 ("a store may encounter SSTs written before the
// block format was introduced").
const FlatMagic uint32 = 0x53535401

// legacyCompressionWindowSize is the teacher's COMPRESSION_WINDOW_SIZE,
// carried over for the flat variant's record payloads.
const legacyCompressionWindowSize = 1024 * 32

// FlatWriter is the legacy variant: every key/value written sequentially,
// one flat lookup table, no block packing. Grounded directly on the
// teacher's flushMemtable, which walks a sorted memtable and appends
// entries to the SSTable file one at a time; when compressed is true each
// entry's payload is run through compress.LegacyCompressor the same way
// the teacher's encodeKV ran a fresh compressor over every key and value.
type FlatWriter struct {
	entries    []Entry
	compressed bool
}

func NewFlatWriter(compressed bool) *FlatWriter {
	return &FlatWriter{compressed: compressed}
}

// Add appends an entry; unlike the block writer, FlatWriter tolerates
// unsorted input and sorts once at Finish, matching the teacher's own
// tolerance for whatever order the memtable iterator produced.
func (w *FlatWriter) Add(key, value []byte) {
	w.entries = append(w.entries, Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

func (w *FlatWriter) Finish(path string) (Reader, error) {
	sort.Slice(w.entries, func(i, j int) bool {
		return compareBytes(w.entries[i].Key, w.entries[j].Key) < 0
	})

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	type offsetEntry struct {
		key    []byte
		offset int64
		length int64
	}
	var offsets []offsetEntry
	var cursor int64
	for _, e := range w.entries {
		rec := codec.PutBytes(nil, e.Key)
		rec = codec.PutBytes(rec, e.Value)
		if w.compressed {
			c, err := compress.NewLegacyCompressor(legacyCompressionWindowSize)
			if err != nil {
				return nil, err
			}
			rec = c.Compress(rec)
		}
		if _, err := f.WriteAt(rec, cursor); err != nil {
			return nil, err
		}
		offsets = append(offsets, offsetEntry{key: e.Key, offset: cursor, length: int64(len(rec))})
		cursor += int64(len(rec))
	}

	idxOffset := cursor
	idx := codec.PutUint32(nil, uint32(len(offsets)))
	for _, oe := range offsets {
		idx = codec.PutBytes(idx, oe.key)
		idx = codec.PutUint64(idx, uint64(oe.offset))
		idx = codec.PutUint64(idx, uint64(oe.length))
	}
	if _, err := f.WriteAt(idx, idxOffset); err != nil {
		return nil, err
	}
	cursor += int64(len(idx))

	footer := putUint32BE(nil, FlatMagic)
	footer = codec.PutUint64(footer, uint64(idxOffset))
	footer = codec.PutUint64(footer, uint64(len(idx)))
	footer = codec.PutUint64(footer, uint64(len(offsets)))
	if w.compressed {
		footer = append(footer, 1)
	} else {
		footer = append(footer, 0)
	}
	crc := codec.CRC32C(footer)
	footer = codec.PutUint32(footer, crc)
	if _, err := f.WriteAt(footer, cursor); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	return OpenFlat(path)
}

type flatEntry struct {
	key    []byte
	offset int64
	length int64
}

type flatReader struct {
	data       []byte
	entries    []flatEntry
	compressed bool
}

// flatFooterSize is magic(4) + idxOffset(8) + idxSize(8) + count(8) +
// compressedFlag(1) + crc(4).
const flatFooterSize = 33

// OpenFlat opens a legacy flat SST for reading. These are never routed
// through the mmap pool: flat SSTs only arise from pre-upgrade stores and
// are expected to be compacted away into the block format soon after open,
// per spec §4.4.
func OpenFlat(path string) (Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < flatFooterSize {
		return nil, fmt.Errorf("sstable: flat file too small to contain a footer")
	}
	footer := data[len(data)-flatFooterSize:]
	magic := readUint32BE(footer[0:4])
	if magic != FlatMagic {
		return nil, fmt.Errorf("sstable: bad flat footer magic")
	}
	wantCRC := codec.CRC32C(footer[:29])
	gotCRC := readUint32LE(footer[29:33])
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("sstable: flat footer checksum mismatch")
	}
	r := codec.NewReader(footer[4:])
	idxOffset, _ := r.Uint64()
	idxSize, _ := r.Uint64()
	_, _ = r.Uint64() // count, recomputed from decode below
	compressedByte, _ := r.Byte()
	compressed := compressedByte == 1

	idxBytes := data[idxOffset : idxOffset+idxSize]
	ir := codec.NewReader(idxBytes)
	n, err := ir.Uint32()
	if err != nil {
		return nil, err
	}
	entries := make([]flatEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		key, err := ir.Bytes()
		if err != nil {
			return nil, err
		}
		off, err := ir.Uint64()
		if err != nil {
			return nil, err
		}
		length, err := ir.Uint64()
		if err != nil {
			return nil, err
		}
		entries = append(entries, flatEntry{key: key, offset: int64(off), length: int64(length)})
	}
	return &flatReader{data: data, entries: entries, compressed: compressed}, nil
}

func (r *flatReader) decodeAt(fe flatEntry) Entry {
	raw := r.data[fe.offset : fe.offset+fe.length]
	if r.compressed {
		c, err := compress.NewLegacyCompressor(legacyCompressionWindowSize)
		if err == nil {
			raw = c.Decompress(raw)
		}
	}
	cr := codec.NewReader(raw)
	key, _ := cr.Bytes()
	val, _ := cr.Bytes()
	return Entry{Key: key, Value: val}
}

func (r *flatReader) Get(key []byte) ([]byte, bool, error) {
	i := sort.Search(len(r.entries), func(i int) bool { return compareBytes(r.entries[i].key, key) >= 0 })
	if i < len(r.entries) && compareBytes(r.entries[i].key, key) == 0 {
		return r.decodeAt(r.entries[i]).Value, true, nil
	}
	return nil, false, nil
}

func (r *flatReader) Iterator() (Iterator, error) {
	all := make([]Entry, len(r.entries))
	for i, fe := range r.entries {
		all[i] = r.decodeAt(fe)
	}
	return newSliceIterator(all), nil
}

func (r *flatReader) ScanPrefix(pkPrefix []byte) (Iterator, error) {
	seek := putUint32BE(nil, uint32(len(pkPrefix)))
	seek = append(seek, pkPrefix...)
	i := sort.Search(len(r.entries), func(i int) bool { return compareBytes(r.entries[i].key, seek) >= 0 })
	var all []Entry
	for ; i < len(r.entries); i++ {
		e := r.decodeAt(r.entries[i])
		if !hasEncodedPKPrefix(e.Key, pkPrefix) {
			if len(all) > 0 {
				break
			}
			continue
		}
		all = append(all, e)
	}
	return newSliceIterator(all), nil
}

func (r *flatReader) Count() int { return len(r.entries) }

// Bloom returns nil: the legacy variant carries no bloom filter, per spec
// §4.4 ("a store may encounter SSTs written before the block format was
// introduced"; callers must treat a nil Bloom as "always check").
func (r *flatReader) Bloom() *bloom.Filter {
	return nil
}

func (r *flatReader) Close() error { return nil }
