// Package manifest implements the durable catalog of spec §4.5: per-stripe
// live SST identifiers, a monotonic generation counter, and config. Updates
// are appended as journal entries; recovery replays them into memory,
// stopping at the first corrupt entry so orphaned partial-compaction
// extents stay invisible.
//
// Grounded on the teacher's loadSSTables directory scan in k4.go — the
// teacher has no manifest at all, rediscovering its SSTable set from the
// filesystem on every Open. This package is new code that gives KeystoneDB
// the crash-safe, O(1)-on-open catalog spec §4.5 requires instead of a
// directory listing.
package manifest

import (
	"fmt"
	"os"
	"sync"

	"github.com/keystone-db/keystonedb-sub001/internal/codec"
)

// SSTRef identifies one live SST by stripe, generation, and on-disk path
// (directory mode) or extent id (single-file mode, Path left empty).
type SSTRef struct {
	Stripe     uint16
	Generation uint64
	Path       string
	ExtentID   uint64
}

// key identifies a ref by stripe, path and extent id. Generation is left
// out because Commit rewrites it on the refs it adds.
func (r SSTRef) key() string {
	return fmt.Sprintf("%d:%s:%d", r.Stripe, r.Path, r.ExtentID)
}

// entryKind tags a journal entry.
type entryKind byte

const (
	kindCommit entryKind = iota
	kindConfig
)

// Config is the database-wide configuration persisted in the manifest:
// streams/index/compression toggles, per spec §4.5.
type Config struct {
	StreamsEnabled     bool
	CompressionEnabled bool
	CompressionLevel   int
	IndexNames         []string
}

// Manifest is the in-memory replay target plus the append-only journal
// writer backing it.
type Manifest struct {
	mu         sync.RWMutex
	file       *os.File
	generation uint64
	live       map[string]SSTRef   // key() -> ref
	byStripe   map[uint16][]SSTRef // stripe -> live refs, in no particular order
	config     Config
}

// Open opens or creates the manifest journal at path and replays it.
func Open(path string) (*Manifest, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		file:     f,
		live:     make(map[string]SSTRef),
		byStripe: make(map[uint16][]SSTRef),
	}
	if err := m.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

// replay scans the journal, applying each well-formed entry in order and
// stopping at the first truncated or checksum-mismatched entry, per spec
// §4.5 ("If the journal is corrupted mid-entry, recovery stops at the last
// complete entry").
func (m *Manifest) replay() error {
	info, err := m.file.Stat()
	if err != nil {
		return err
	}
	buf := make([]byte, info.Size())
	if info.Size() > 0 {
		if _, err := m.file.ReadAt(buf, 0); err != nil {
			return err
		}
	}
	off := 0
	for off < len(buf) {
		if len(buf)-off < 4 {
			break
		}
		length := le32(buf[off:])
		end := off + 4 + int(length) + 4
		if end > len(buf) {
			break
		}
		payload := buf[off+4 : off+4+int(length)]
		wantCRC := le32(buf[off+4+int(length):])
		if codec.CRC32C(payload) != wantCRC {
			break
		}
		if err := m.applyEntry(payload); err != nil {
			break
		}
		off = end
	}
	if off < len(buf) {
		_ = m.file.Truncate(int64(off))
		_, _ = m.file.Seek(0, 2)
	}
	return nil
}

func (m *Manifest) applyEntry(payload []byte) error {
	r := codec.NewReader(payload)
	kindByte, err := r.Byte()
	if err != nil {
		return err
	}
	switch entryKind(kindByte) {
	case kindCommit:
		gen, err := r.Uint64()
		if err != nil {
			return err
		}
		addN, err := r.Uint32()
		if err != nil {
			return err
		}
		var added []SSTRef
		for i := uint32(0); i < addN; i++ {
			ref, err := decodeRef(r)
			if err != nil {
				return err
			}
			added = append(added, ref)
		}
		remN, err := r.Uint32()
		if err != nil {
			return err
		}
		var removed []SSTRef
		for i := uint32(0); i < remN; i++ {
			ref, err := decodeRef(r)
			if err != nil {
				return err
			}
			removed = append(removed, ref)
		}
		if gen > m.generation {
			m.generation = gen
		}
		for _, ref := range removed {
			delete(m.live, ref.key())
		}
		for _, ref := range added {
			m.live[ref.key()] = ref
		}
		m.rebuildByStripe()
		return nil
	case kindConfig:
		cfg, err := decodeConfig(r)
		if err != nil {
			return err
		}
		m.config = cfg
		return nil
	default:
		return fmt.Errorf("manifest: unknown entry kind %d", kindByte)
	}
}

func (m *Manifest) rebuildByStripe() {
	m.byStripe = make(map[uint16][]SSTRef, len(m.byStripe))
	for _, ref := range m.live {
		m.byStripe[ref.Stripe] = append(m.byStripe[ref.Stripe], ref)
	}
}

func encodeRef(b []byte, ref SSTRef) []byte {
	b = append(b, byte(ref.Stripe), byte(ref.Stripe>>8))
	b = codec.PutUint64(b, ref.Generation)
	b = codec.PutBytes(b, []byte(ref.Path))
	b = codec.PutUint64(b, ref.ExtentID)
	return b
}

func decodeRef(r *codec.Reader) (SSTRef, error) {
	lo, err := r.Byte()
	if err != nil {
		return SSTRef{}, err
	}
	hi, err := r.Byte()
	if err != nil {
		return SSTRef{}, err
	}
	gen, err := r.Uint64()
	if err != nil {
		return SSTRef{}, err
	}
	path, err := r.Bytes()
	if err != nil {
		return SSTRef{}, err
	}
	extID, err := r.Uint64()
	if err != nil {
		return SSTRef{}, err
	}
	return SSTRef{Stripe: uint16(lo) | uint16(hi)<<8, Generation: gen, Path: string(path), ExtentID: extID}, nil
}

func encodeConfig(b []byte, c Config) []byte {
	var flags byte
	if c.StreamsEnabled {
		flags |= 1
	}
	if c.CompressionEnabled {
		flags |= 2
	}
	b = append(b, flags)
	b = codec.PutUint32(b, uint32(c.CompressionLevel))
	b = codec.PutUint32(b, uint32(len(c.IndexNames)))
	for _, n := range c.IndexNames {
		b = codec.PutBytes(b, []byte(n))
	}
	return b
}

func decodeConfig(r *codec.Reader) (Config, error) {
	flags, err := r.Byte()
	if err != nil {
		return Config{}, err
	}
	level, err := r.Uint32()
	if err != nil {
		return Config{}, err
	}
	n, err := r.Uint32()
	if err != nil {
		return Config{}, err
	}
	names := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		nb, err := r.Bytes()
		if err != nil {
			return Config{}, err
		}
		names = append(names, string(nb))
	}
	return Config{
		StreamsEnabled:     flags&1 != 0,
		CompressionEnabled: flags&2 != 0,
		CompressionLevel:   int(level),
		IndexNames:         names,
	}, nil
}

func le32(b []byte) uint32 { return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24 }

// writeEntry frames payload as len(4) | payload | crc32c(4) and appends +
// fsyncs it. The manifest mutex serializes every journal append, per
// spec §5.
func (m *Manifest) writeEntry(payload []byte) error {
	frame := codec.PutUint32(nil, uint32(len(payload)))
	frame = append(frame, payload...)
	frame = codec.PutUint32(frame, codec.CRC32C(payload))
	if _, err := m.file.Write(frame); err != nil {
		return err
	}
	return m.file.Sync()
}

// Commit durably records a set of added and removed SSTs as one atomic
// journal entry, bumping the generation counter, per spec §4.5. The change
// is only visible to LiveSSTs/NextGeneration callers after this returns,
// matching "the engine only considers the change visible after that append
// is durable".
func (m *Manifest) Commit(added, removed []SSTRef) (generation uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.generation + 1
	payload := []byte{byte(kindCommit)}
	payload = codec.PutUint64(payload, gen)
	payload = codec.PutUint32(payload, uint32(len(added)))
	for _, ref := range added {
		payload = encodeRef(payload, ref)
	}
	payload = codec.PutUint32(payload, uint32(len(removed)))
	for _, ref := range removed {
		payload = encodeRef(payload, ref)
	}
	if err := m.writeEntry(payload); err != nil {
		return 0, err
	}
	m.generation = gen
	for _, ref := range removed {
		delete(m.live, ref.key())
	}
	for _, ref := range added {
		ref.Generation = gen
		m.live[ref.key()] = ref
	}
	m.rebuildByStripe()
	return gen, nil
}

// CommitConfig persists the database-wide config as a journal entry.
func (m *Manifest) CommitConfig(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload := []byte{byte(kindConfig)}
	payload = encodeConfig(payload, cfg)
	if err := m.writeEntry(payload); err != nil {
		return err
	}
	m.config = cfg
	return nil
}

// Config returns the currently durable config.
func (m *Manifest) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// LiveSSTs returns a snapshot of the live SST refs for one stripe in no
// particular order (it comes from iterating a map); the engine sorts the
// result by Generation when it wants newest-first.
func (m *Manifest) LiveSSTs(stripe uint16) []SSTRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := m.byStripe[stripe]
	out := make([]SSTRef, len(refs))
	copy(out, refs)
	return out
}

// AllLive returns every live SST ref across every stripe.
func (m *Manifest) AllLive() []SSTRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SSTRef, 0, len(m.live))
	for _, ref := range m.live {
		out = append(out, ref)
	}
	return out
}

// Generation returns the current monotonic generation counter.
func (m *Manifest) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// NextGeneration reserves and returns the next generation number for a
// stripe's SST filename (NNN-GGG.sst), per spec §6, without committing.
func (m *Manifest) NextGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	return m.generation
}

// Close closes the journal file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}
