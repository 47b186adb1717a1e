package sstable

import (
	"fmt"
	"os"
	"sort"

	"github.com/keystone-db/keystonedb-sub001/internal/bloom"
	"github.com/keystone-db/keystonedb-sub001/internal/codec"
	"github.com/keystone-db/keystonedb-sub001/internal/compress"
	"github.com/keystone-db/keystonedb-sub001/internal/layout"
)

// BlockMagic tags the block-based variant's footer, distinct from the flat
// variant's magic in spec §6.
const BlockMagic uint32 = 0x53535402

// TargetBlockSize is the approximate uncompressed size each data block is
// packed to before starting a new one, per spec §4.4 ("target 4 KiB each").
const TargetBlockSize = 4096

// Options configures a block-based Writer.
type Options struct {
	CompressionLevel int  // 0 disables compression; otherwise 1-22, see compress.Block
	RequireSorted    bool // the block variant always requires sorted input
}

// Writer packs sorted entries into 4 KiB data blocks, a sparse index, a
// bloom filter block, and a footer.
type Writer struct {
	opts     Options
	entries  []Entry
	lastKey  []byte
	hasEntry bool
}

// NewWriter creates a block-based SST writer.
func NewWriter(opts Options) *Writer {
	return &Writer{opts: opts}
}

// Add appends one entry. The block variant requires strictly ascending
// keys; Add itself returns an error for a key that is not greater than the
// previous one (out of order or duplicate), per spec §4.4.
func (w *Writer) Add(key, value []byte) error {
	if w.hasEntry && compareBytes(key, w.lastKey) <= 0 {
		return fmt.Errorf("sstable: out-of-order key in block writer")
	}
	w.entries = append(w.entries, Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
	w.lastKey = key
	w.hasEntry = true
	return nil
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// packedBlock is one finished data block ready to write: its first key, its
// (possibly compressed) bytes, and whether it is compressed.
type packedBlock struct {
	firstKey   []byte
	compressed bool
	rawLen     int
	payload    []byte
}

func (w *Writer) packBlocks() ([]packedBlock, error) {
	var codec_ *compress.Block
	if w.opts.CompressionLevel > 0 {
		codec_ = compress.NewBlock(w.opts.CompressionLevel)
		defer codec_.Close()
	}

	var blocks []packedBlock
	var cur []Entry
	curSize := 0
	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		raw := encodeDataBlock(cur)
		pb := packedBlock{firstKey: cur[0].Key, rawLen: len(raw)}
		if codec_ != nil {
			compressed, err := codec_.Compress(raw)
			if err != nil {
				return err
			}
			if len(compressed) < len(raw) {
				pb.compressed = true
				pb.payload = compressed
			} else {
				pb.payload = raw
			}
		} else {
			pb.payload = raw
		}
		blocks = append(blocks, pb)
		cur = nil
		curSize = 0
		return nil
	}

	for _, e := range w.entries {
		cur = append(cur, e)
		curSize += len(e.Key) + len(e.Value) + 8
		if curSize >= TargetBlockSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func encodeDataBlock(entries []Entry) []byte {
	out := codec.PutUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		out = codec.PutBytes(out, e.Key)
		out = codec.PutBytes(out, e.Value)
	}
	return out
}

func decodeDataBlock(raw []byte) ([]Entry, error) {
	r := codec.NewReader(raw)
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		v, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: k, Value: v})
	}
	return out, nil
}

// Finish writes the packed SST to path and returns an opened Reader over it.
func (w *Writer) Finish(path string) (Reader, error) {
	if len(w.entries) == 0 {
		return nil, fmt.Errorf("sstable: refusing to finish an empty block writer")
	}

	blocks, err := w.packBlocks()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var offset int64
	type indexEntry struct {
		firstKey []byte
		offset   int64
		length   int64
		compressed bool
		rawLen   int
	}
	var idx []indexEntry
	for _, b := range blocks {
		if _, err := f.WriteAt(b.payload, offset); err != nil {
			return nil, err
		}
		idx = append(idx, indexEntry{firstKey: b.firstKey, offset: offset, length: int64(len(b.payload)), compressed: b.compressed, rawLen: b.rawLen})
		offset += int64(len(b.payload))
	}

	bf := bloom.New(len(w.entries))
	for _, e := range w.entries {
		bf.Add(e.Key)
	}
	bloomBytes := bf.Serialize()
	bloomOffset := offset
	if _, err := f.WriteAt(bloomBytes, bloomOffset); err != nil {
		return nil, err
	}
	offset += int64(len(bloomBytes))

	indexOffset := offset
	indexBuf := codec.PutUint32(nil, uint32(len(idx)))
	for _, ie := range idx {
		indexBuf = codec.PutBytes(indexBuf, ie.firstKey)
		indexBuf = codec.PutUint64(indexBuf, uint64(ie.offset))
		indexBuf = codec.PutUint64(indexBuf, uint64(ie.length))
		indexBuf = codec.PutUint64(indexBuf, uint64(ie.rawLen))
		if ie.compressed {
			indexBuf = append(indexBuf, 1)
		} else {
			indexBuf = append(indexBuf, 0)
		}
	}
	if _, err := f.WriteAt(indexBuf, indexOffset); err != nil {
		return nil, err
	}
	offset += int64(len(indexBuf))

	footer := make([]byte, 0, 64)
	footer = putUint32BE(footer, BlockMagic)
	footer = codec.PutUint32(footer, 1) // version
	footer = codec.PutUint64(footer, uint64(indexOffset))
	footer = codec.PutUint64(footer, uint64(len(indexBuf)))
	footer = codec.PutUint64(footer, uint64(bloomOffset))
	footer = codec.PutUint64(footer, uint64(len(bloomBytes)))
	footer = codec.PutUint64(footer, uint64(len(w.entries)))
	crc := codec.CRC32C(footer)
	footer = codec.PutUint32(footer, crc)
	if _, err := f.WriteAt(footer, offset); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	return Open(path, w.opts.CompressionLevel > 0)
}

func putUint32BE(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// blockReader reads a finished block-based SST through the layout mmap pool
// (or, when pool is nil, a plain read of the whole file — used by tests and
// small in-memory-backed databases).
type blockReader struct {
	path       string
	pool       *layout.MmapPool
	mapped     *layout.MappedReader
	data       []byte
	indexEntries []blockIndexEntry
	bloomFilter  *bloom.Filter
	entryCount   int
	codec_       *compress.Block
}

type blockIndexEntry struct {
	firstKey   []byte
	offset     int64
	length     int64
	rawLen     int
	compressed bool
}

// blockFooterSize is magic(4) + version(4) + indexOffset(8) + indexSize(8) +
// bloomOffset(8) + bloomSize(8) + count(8) + crc(4), as Finish writes it.
const blockFooterSize = 52

// Open opens a block-based SST for reading with a plain read of the whole
// file; OpenPooled serves the data through the shared mmap pool instead
// (spec §4.4/§5).
func Open(path string, compressed bool) (Reader, error) {
	return OpenPooled(path, compressed, nil)
}

// OpenPooled is Open with an explicit mmap pool, used by the engine so every
// SST reader shares the pool's reference-counted cache.
func OpenPooled(path string, compressed bool, pool *layout.MmapPool) (Reader, error) {
	var data []byte
	var mapped *layout.MappedReader
	if pool != nil {
		m, err := pool.Open(path)
		if err != nil {
			return nil, err
		}
		mapped = m
		data = m.Bytes()
	} else {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = b
	}

	if len(data) < blockFooterSize {
		return nil, fmt.Errorf("sstable: file too small to contain a footer")
	}
	footer := data[len(data)-blockFooterSize:]
	magic := readUint32BE(footer[0:4])
	if magic != BlockMagic {
		return nil, fmt.Errorf("sstable: bad footer magic")
	}
	wantCRC := codec.CRC32C(footer[:blockFooterSize-4])
	gotCRC := readUint32LE(footer[blockFooterSize-4 : blockFooterSize])
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("sstable: footer checksum mismatch")
	}
	r := codec.NewReader(footer[4:])
	_, _ = r.Uint32() // version
	indexOffset, _ := r.Uint64()
	indexSize, _ := r.Uint64()
	bloomOffset, _ := r.Uint64()
	bloomSize, _ := r.Uint64()
	entryCount, _ := r.Uint64()

	indexBytes := data[indexOffset : indexOffset+indexSize]
	ir := codec.NewReader(indexBytes)
	n, err := ir.Uint32()
	if err != nil {
		return nil, err
	}
	idx := make([]blockIndexEntry, 0, n)
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
		rawLen, err := ir.Uint64()
		if err != nil {
			return nil, err
		}
		comp, err := ir.Byte()
		if err != nil {
			return nil, err
		}
		idx = append(idx, blockIndexEntry{firstKey: key, offset: int64(off), length: int64(length), rawLen: int(rawLen), compressed: comp == 1})
	}

	bloomBytes := data[bloomOffset : bloomOffset+bloomSize]
	bf, err := bloom.Deserialize(bloomBytes)
	if err != nil {
		return nil, err
	}

	var cdc *compress.Block
	if compressed {
		cdc = compress.NewBlock(compress.DefaultLevel)
	}

	return &blockReader{path: path, pool: pool, mapped: mapped, data: data, indexEntries: idx, bloomFilter: bf, entryCount: int(entryCount), codec_: cdc}, nil
}

func readUint32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func readUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (r *blockReader) Bloom() *bloom.Filter { return r.bloomFilter }
func (r *blockReader) Count() int           { return r.entryCount }

func (r *blockReader) readBlock(ie blockIndexEntry) ([]Entry, error) {
	raw := r.data[ie.offset : ie.offset+ie.length]
	if ie.compressed {
		if r.codec_ == nil {
			r.codec_ = compress.NewBlock(compress.DefaultLevel)
		}
		decompressed, err := r.codec_.Decompress(raw, ie.rawLen)
		if err != nil {
			return nil, err
		}
		raw = decompressed
	}
	return decodeDataBlock(raw)
}

// findBlock returns the index of the last block whose first key is <= key
// (binary search over the sparse index), per spec §4.4.
func (r *blockReader) findBlock(key []byte) int {
	lo, hi := 0, len(r.indexEntries)-1
	res := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if compareBytes(r.indexEntries[mid].firstKey, key) <= 0 {
			res = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return res
}

func (r *blockReader) Get(key []byte) ([]byte, bool, error) {
	if r.bloomFilter != nil && !r.bloomFilter.MayContain(key) {
		return nil, false, nil
	}
	bi := r.findBlock(key)
	if bi < 0 {
		return nil, false, nil
	}
	entries, err := r.readBlock(r.indexEntries[bi])
	if err != nil {
		return nil, false, err
	}
	i := sort.Search(len(entries), func(i int) bool { return compareBytes(entries[i].Key, key) >= 0 })
	if i < len(entries) && compareBytes(entries[i].Key, key) == 0 {
		return entries[i].Value, true, nil
	}
	return nil, false, nil
}

func (r *blockReader) Iterator() (Iterator, error) {
	var all []Entry
	for _, ie := range r.indexEntries {
		entries, err := r.readBlock(ie)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return newSliceIterator(all), nil
}

func (r *blockReader) ScanPrefix(pkPrefix []byte) (Iterator, error) {
	// seek is the encoded form of (pk, no sk): no key of the partition sorts
	// before it.
	seek := putUint32BE(nil, uint32(len(pkPrefix)))
	seek = append(seek, pkPrefix...)
	startBlock := r.findBlock(seek)
	if startBlock < 0 {
		startBlock = 0
	}
	var all []Entry
	for bi := startBlock; bi < len(r.indexEntries); bi++ {
		entries, err := r.readBlock(r.indexEntries[bi])
		if err != nil {
			return nil, err
		}
		matched := false
		for _, e := range entries {
			if hasEncodedPKPrefix(e.Key, pkPrefix) {
				all = append(all, e)
				matched = true
			}
		}
		if !matched && bi > startBlock {
			break
		}
	}
	return newSliceIterator(all), nil
}

// hasEncodedPKPrefix reports whether an encoded key (len32|pk|len32|sk...)
// begins with the given raw partition key bytes.
func hasEncodedPKPrefix(encodedKey, pk []byte) bool {
	if len(encodedKey) < 4 {
		return false
	}
	pkLen := readUint32BE(encodedKey)
	if int(pkLen) != len(pk) {
		return false
	}
	return compareBytes(encodedKey[4:4+int(pkLen)], pk) == 0
}

func (r *blockReader) Close() error {
	if r.mapped != nil {
		r.mapped.Release()
	}
	if r.codec_ != nil {
		r.codec_.Close()
	}
	return nil
}
