package layout

import (
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/elastic/go-freelru"
)

// MappedReader is a reference-counted memory-mapped view of one SST file
// (directory mode) or one extent window of the single file (single-file
// mode). Multiple concurrent query cursors may share one MappedReader; it is
// only actually unmapped once the refcount drops to zero AND the pool has
// evicted it, per spec §3 ownership rules.
type MappedReader struct {
	path   string
	file   *os.File
	data   mmap.MMap
	mu     sync.Mutex
	refs   int
	closed bool
}

// Bytes returns the mapped region. Valid only while the caller holds a
// reference (between Acquire and Release).
func (m *MappedReader) Bytes() []byte { return m.data }

func (m *MappedReader) acquire() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

// Release drops one reference; the last release after eviction actually
// unmaps and closes the backing file descriptor.
func (m *MappedReader) Release() {
	m.mu.Lock()
	m.refs--
	shouldClose := m.refs <= 0 && m.closed
	m.mu.Unlock()
	if shouldClose {
		m.reallyClose()
	}
}

func (m *MappedReader) reallyClose() {
	_ = m.data.Unmap()
	_ = m.file.Close()
}

// evict marks the reader for close once outstanding references drain.
func (m *MappedReader) evict() {
	m.mu.Lock()
	m.closed = true
	shouldClose := m.refs <= 0
	m.mu.Unlock()
	if shouldClose {
		m.reallyClose()
	}
}

// hashPath is the freelru hash callback for string keys, using xxhash for
// speed (this is an in-memory cache key hash, never the on-disk CRC32C).
func hashPath(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}

// MmapPool caches MappedReaders keyed by file path with LRU eviction,
// grounded on erigontech/erigon-lib's pairing of edsrzf/mmap-go with
// elastic/go-freelru — the teacher's own pager has no such pool, it always
// re-ReadAts, so this component is new code enriching the teacher with the
// rest of the pack's stack (see DESIGN.md).
type MmapPool struct {
	mu    sync.Mutex
	cache *freelru.LRU[string, *MappedReader]
}

// NewMmapPool creates a pool holding up to capacity mapped readers.
func NewMmapPool(capacity uint32) (*MmapPool, error) {
	cache, err := freelru.New[string, *MappedReader](capacity, hashPath)
	if err != nil {
		return nil, err
	}
	pool := &MmapPool{cache: cache}
	cache.SetOnEvict(func(_ string, r *MappedReader) {
		r.evict()
	})
	return pool, nil
}

// Open returns a shared MappedReader for path, opening and mapping it
// read-only on first use. The caller must call Release when done with the
// returned reader.
func (p *MmapPool) Open(path string) (*MappedReader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.cache.Get(path); ok {
		r.acquire()
		return r, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &MappedReader{path: path, file: f, data: data, refs: 1}
	p.cache.Add(path, r)
	return r, nil
}

// Invalidate evicts path from the pool, e.g. after a compaction deletes the
// underlying file. The reader closes once its last holder releases it.
func (p *MmapPool) Invalidate(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(path)
}

// Close evicts every cached reader, used on engine Close.
func (p *MmapPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}
