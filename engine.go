// Package keystone implements KeystoneDB's LSM engine core: a 256-stripe
// sharded store with a write-ahead log, block-based SSTables, background
// compaction, secondary indexes, transactions, and a change stream.
//
// Engine is the orchestration root described by spec §4.7. It is grounded
// on the shape of the teacher's own K4 struct and Open/Close/Get/Put/Delete
// lifecycle in k4.go, generalized from K4's single skip-list-plus-SSTable
// pair per database to 256 independently-locked stripes, each with its own
// memtable and SST list, per spec §5's stripe-sharding model.
package keystone

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keystone-db/keystonedb-sub001/internal/codec"
	"github.com/keystone-db/keystonedb-sub001/internal/compaction"
	"github.com/keystone-db/keystonedb-sub001/internal/expr"
	"github.com/keystone-db/keystonedb-sub001/internal/index"
	"github.com/keystone-db/keystonedb-sub001/internal/iterator"
	"github.com/keystone-db/keystonedb-sub001/internal/layout"
	"github.com/keystone-db/keystonedb-sub001/internal/manifest"
	"github.com/keystone-db/keystonedb-sub001/internal/memtable"
	"github.com/keystone-db/keystonedb-sub001/internal/model"
	"github.com/keystone-db/keystonedb-sub001/internal/partiql"
	"github.com/keystone-db/keystonedb-sub001/internal/retry"
	"github.com/keystone-db/keystonedb-sub001/internal/sstable"
	"github.com/keystone-db/keystonedb-sub001/internal/stream"
	"github.com/keystone-db/keystonedb-sub001/internal/txn"
	"github.com/keystone-db/keystonedb-sub001/internal/wal"
)

// Context supplies :placeholder and #alias bindings for condition and
// update expressions.
type Context = expr.Context

// SKPredicate narrows a Query to a sort-key range within one partition.
type SKPredicate = iterator.SKPredicate
type SKPredicateKind = iterator.SKPredicateKind

const (
	SKNone         = iterator.SKNone
	SKEqual        = iterator.SKEqual
	SKLess         = iterator.SKLess
	SKLessEqual    = iterator.SKLessEqual
	SKGreater      = iterator.SKGreater
	SKGreaterEqual = iterator.SKGreaterEqual
	SKBetween      = iterator.SKBetween
	SKBeginsWith   = iterator.SKBeginsWith
)

// QueryParams describes one partition-scoped query, per spec §4.7/§4.8.
type QueryParams struct {
	PK                []byte
	IndexName         string // "" targets the base table
	Predicate         SKPredicate
	Forward           bool
	Limit             int
	ExclusiveStartKey *Key
}

// QueryResult is one page of a query plus pagination state.
type QueryResult = iterator.QueryResult

// ScanParams describes one cross-partition scan, optionally one segment of
// a parallel scan, per spec §4.7.
type ScanParams struct {
	Segment           int
	TotalSegments      int
	IndexName          string
	Limit              int
	ExclusiveStartKey  *Key
}

// ScanResult mirrors QueryResult for a whole-table scan.
type ScanResult = iterator.ScanResult

// IndexKind and IndexDefinition expose internal/index's secondary-index
// configuration at the root package, per spec §4.10.
type IndexKind = index.Kind
type ProjectionType = index.ProjectionType
type IndexDefinition = index.Definition

const (
	IndexLocal  = index.KindLocal
	IndexGlobal = index.KindGlobal

	ProjectKeysOnly = index.ProjectKeysOnly
	ProjectInclude  = index.ProjectInclude
	ProjectAll      = index.ProjectAll
)

// TxnOp is one operation in a TransactWrite call, per spec §4.11.
type TxnOp = txn.Op
type TxnOpKind = txn.OpKind

const (
	TxnOpPut            = txn.OpPut
	TxnOpUpdate         = txn.OpUpdate
	TxnOpDelete         = txn.OpDelete
	TxnOpConditionCheck = txn.OpConditionCheck
)

// BatchOpKind distinguishes the two BatchWrite operation variants.
type BatchOpKind int

const (
	BatchPut BatchOpKind = iota
	BatchDelete
)

// BatchOp is one unconditional operation within a BatchWrite call.
type BatchOp struct {
	Kind BatchOpKind
	Key  Key
	Item Item
}

// Config configures an Engine at Create/CreateInMemory time. A
// caller-supplied Config is used exactly as given, with no field-by-field
// merge against DefaultConfig, so callers start from DefaultConfig() and
// override what they need. A zero MemtableFlushThresholdBytes or
// MemtableFlushThresholdCount disables that flush trigger.
type Config struct {
	MemtableFlushThresholdBytes int64
	MemtableFlushThresholdCount int

	CompactionSSTThreshold int
	CompactionQueueDepth   int
	CompactionWorkers      int

	CompressionEnabled bool
	CompressionLevel   int

	StreamsEnabled  bool
	StreamCapacity  int
	StreamView      stream.ImageView

	Indexes []IndexDefinition

	MmapPoolCapacity uint32
	RetryPolicy      retry.Policy

	Log LogConfig
}

// DefaultConfig returns the engine defaults referenced throughout spec §4:
// a 4 MiB / 10,000-record memtable flush threshold, compaction once a
// stripe holds more than 4 live SSTs, zstd level 3 compression, and
// streams disabled.
func DefaultConfig() Config {
	return Config{
		MemtableFlushThresholdBytes: 4 << 20,
		MemtableFlushThresholdCount: 10000,
		CompactionSSTThreshold:      4,
		CompactionQueueDepth:        64,
		CompactionWorkers:           1,
		CompressionEnabled:          true,
		CompressionLevel:            3,
		StreamsEnabled:              false,
		StreamCapacity:              1000,
		StreamView:                  stream.ViewNewAndOldImages,
		MmapPoolCapacity:            256,
		RetryPolicy:                 retry.DefaultPolicy,
		Log:                        LogConfig{Level: "info"},
	}
}

func (c Config) compressionLevel() int {
	if !c.CompressionEnabled {
		return 0
	}
	if c.CompressionLevel <= 0 {
		return 3
	}
	return c.CompressionLevel
}

func manifestConfigFrom(c Config) manifest.Config {
	names := make([]string, len(c.Indexes))
	for i, d := range c.Indexes {
		names[i] = d.Name
	}
	return manifest.Config{
		StreamsEnabled:     c.StreamsEnabled,
		CompressionEnabled: c.CompressionEnabled,
		CompressionLevel:   c.CompressionLevel,
		IndexNames:         names,
	}
}

// Stats reports the engine's current size/shape, per spec §6's
// stats() → Stats.
type Stats struct {
	InMemory             bool
	StripeCount          int
	LiveSSTCount         int
	MaxLiveSSTsInStripe  int
	TotalKeysApprox      int
	Generation           uint64
	StreamBufferLen      int
}

// Health reports the engine's operating condition, per spec §6's
// health() → {status, warnings, errors}.
type Health struct {
	Status   string // "healthy", "degraded", "unhealthy"
	Warnings []string
	Errors   []string
}

// WriteOption customizes a Put/Delete call with an optional condition
// expression, per spec §4.7's "both with optional condition expression".
type WriteOption func(*writeOpts)

type writeOpts struct {
	condition string
	ctx       Context
}

// WithCondition attaches a condition expression (and its placeholder
// bindings) to a Put or Delete call.
func WithCondition(condition string, values map[string]Value, names map[string]string) WriteOption {
	return func(o *writeOpts) {
		o.condition = condition
		o.ctx = Context{Values: values, Names: names}
	}
}

func resolveWriteOpts(opts []WriteOption) writeOpts {
	var o writeOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// withSharedContext fills each op's ConditionCtx with shared's bindings,
// letting an op-specific binding of the same name win. Spec §6 gives
// transact_write a single (ops, context) signature; per-op ConditionCtx
// lets a batch still override one op's placeholders when needed.
func withSharedContext(ops []TxnOp, shared Context) []TxnOp {
	if shared.Values == nil && shared.Names == nil {
		return ops
	}
	out := make([]TxnOp, len(ops))
	for i, op := range ops {
		values := make(map[string]Value, len(shared.Values)+len(op.ConditionCtx.Values))
		for k, v := range shared.Values {
			values[k] = v
		}
		for k, v := range op.ConditionCtx.Values {
			values[k] = v
		}
		names := make(map[string]string, len(shared.Names)+len(op.ConditionCtx.Names))
		for k, v := range shared.Names {
			names[k] = v
		}
		for k, v := range op.ConditionCtx.Names {
			names[k] = v
		}
		op.ConditionCtx = Context{Values: values, Names: names}
		out[i] = op
	}
	return out
}

// walIface is the subset of *wal.WAL / *wal.RingWAL the engine depends on,
// abstracted so CreateInMemory can substitute a non-durable implementation
// without touching the write path.
type walIface interface {
	Append(payload []byte) (uint64, error)
	Flush() error
	NextLSN() uint64
	ReadAll() ([]wal.Entry, error)
	TruncateUpTo() error
	Close() error
}

// nullWAL backs CreateInMemory: it assigns LSNs (so recovery-shaped code
// paths stay uniform) but never touches disk and has nothing to replay.
type nullWAL struct {
	mu   sync.Mutex
	next uint64
}

func (n *nullWAL) Append(payload []byte) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	return n.next, nil
}
func (n *nullWAL) Flush() error                    { return nil }
func (n *nullWAL) NextLSN() uint64                 { n.mu.Lock(); defer n.mu.Unlock(); return n.next + 1 }
func (n *nullWAL) ReadAll() ([]wal.Entry, error)    { return nil, nil }
func (n *nullWAL) TruncateUpTo() error              { return nil }
func (n *nullWAL) Close() error                     { return nil }

// Engine is the embedded KeystoneDB handle: 256 stripes, a shared WAL, a
// manifest, an mmap pool, a stream buffer, the secondary-index catalog,
// and the background compaction worker, per spec §4.7.
type Engine struct {
	dir string
	cfg Config

	// writeMu serializes every mutating call (Put/Delete/Update/BatchWrite/
	// TransactWrite/TransactGet). Spec §5 asks for "writers serialized per
	// stripe but parallel across stripes"; this engine instead serializes
	// all writers engine-wide. The simplification is deliberate: secondary
	// index maintenance can touch a stripe in a completely different
	// keyspace than the base write's stripe (a GSI's partition key derives
	// from an item attribute, not from the base pk), so the set of stripes
	// one write touches isn't known until the item is read — making a
	// deadlock-free per-stripe ascending lock order impossible to compute
	// up front without two-phase locking. A single writeMu sidesteps that
	// entirely while still giving concurrent readers (Get/Query/Scan) full
	// parallelism against the one active writer via each stripe's own
	// RWMutex. See DESIGN.md.
	writeMu sync.Mutex
	seq     uint64 // atomic; highest assigned seq

	stripes      [stripeCount]*stripe
	indexes      []IndexDefinition
	indexStripes map[string][]*stripe // derived state, not durable; see DESIGN.md

	wal       walIface
	manifest  *manifest.Manifest
	mmapPool  *layout.MmapPool
	streams   *stream.Buffer
	compactor *compaction.Worker

	obs    *observability
	closed bool
}

func stripeOf(pk []byte) uint16 {
	return uint16(codec.CRC32C(pk) % stripeCount)
}

func newEngine(dir string, cfg Config) *Engine {
	e := &Engine{dir: dir, cfg: cfg, indexes: cfg.Indexes}
	for i := range e.stripes {
		e.stripes[i] = newStripe(uint16(i))
	}
	if len(cfg.Indexes) > 0 {
		e.indexStripes = make(map[string][]*stripe, len(cfg.Indexes))
		for _, def := range cfg.Indexes {
			e.indexStripes[def.Name] = newStripeSpace()
		}
	}
	return e
}

func newStripeSpace() []*stripe {
	arr := make([]*stripe, stripeCount)
	for i := range arr {
		arr[i] = newStripe(uint16(i))
	}
	return arr
}

func (e *Engine) setupStreamsAndCompaction() {
	e.streams = stream.NewBuffer(ifElseInt(e.cfg.StreamsEnabled, e.cfg.StreamCapacity, 0), e.cfg.StreamView)
	if e.dir == "" {
		return // in-memory engines never flush, so there is nothing to compact
	}
	workers := e.cfg.CompactionWorkers
	if workers <= 0 {
		workers = 1
	}
	e.compactor = compaction.NewWorker(e.compactStripe, e.cfg.CompactionQueueDepth)
	e.compactor.Start(workers)
}

func ifElseInt(cond bool, a, b int) int {
	if cond {
		return a
	}
	return b
}

// Create initializes a new directory-mode database at path, per spec §6's
// create(path, config?). A nil cfg uses DefaultConfig.
func Create(path string, cfg *Config) (*Engine, error) {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, wrapErr(CodeIO, "create database directory", err)
	}

	e := newEngine(path, c)
	e.obs = newObservability("keystonedb", c.Log)

	pool, err := layout.NewMmapPool(c.MmapPoolCapacity)
	if err != nil {
		return nil, wrapErr(CodeIO, "create mmap pool", err)
	}
	e.mmapPool = pool

	w, err := wal.Open(filepath.Join(path, "wal.log"))
	if err != nil {
		return nil, wrapErr(CodeIO, "open wal", err)
	}
	e.wal = w

	mf, err := manifest.Open(filepath.Join(path, "manifest.log"))
	if err != nil {
		return nil, wrapErr(CodeManifestCorruption, "open manifest", err)
	}
	e.manifest = mf
	if err := mf.CommitConfig(manifestConfigFrom(c)); err != nil {
		return nil, wrapErr(CodeManifestCorruption, "commit initial config", err)
	}

	e.setupStreamsAndCompaction()
	e.obs.log.Info().Str("path", path).Msg("database created")
	return e, nil
}

// Open reopens an existing directory-mode database, replaying its WAL and
// re-attaching mmap readers to every live SST, per spec §4.7's recovery
// procedure. Secondary indexes are not persisted durably (see DESIGN.md);
// a caller that configured indexes must reopen via OpenWithConfig to get
// them rebuilt.
func Open(path string) (*Engine, error) {
	return OpenWithConfig(path, Config{})
}

// OpenWithConfig reopens a database, applying cfg.Indexes as the set of
// secondary indexes to rebuild by scanning the recovered base table.
// Stream/compression settings are always taken from the durable manifest
// config, not from cfg, since those were fixed at Create time.
func OpenWithConfig(path string, cfg Config) (*Engine, error) {
	mf, err := manifest.Open(filepath.Join(path, "manifest.log"))
	if err != nil {
		return nil, wrapErr(CodeManifestCorruption, "open manifest", err)
	}
	mcfg := mf.Config()

	c := DefaultConfig()
	c.StreamsEnabled = mcfg.StreamsEnabled
	c.CompressionEnabled = mcfg.CompressionEnabled
	c.CompressionLevel = mcfg.CompressionLevel
	c.Indexes = cfg.Indexes
	if cfg.StreamCapacity > 0 {
		c.StreamCapacity = cfg.StreamCapacity
	}
	if cfg.Log.Level != "" {
		c.Log = cfg.Log
	}
	if cfg.MemtableFlushThresholdBytes > 0 {
		c.MemtableFlushThresholdBytes = cfg.MemtableFlushThresholdBytes
	}
	if cfg.MemtableFlushThresholdCount > 0 {
		c.MemtableFlushThresholdCount = cfg.MemtableFlushThresholdCount
	}
	if cfg.CompactionSSTThreshold > 0 {
		c.CompactionSSTThreshold = cfg.CompactionSSTThreshold
	}

	e := newEngine(path, c)
	e.obs = newObservability("keystonedb", c.Log)
	e.manifest = mf

	pool, err := layout.NewMmapPool(c.MmapPoolCapacity)
	if err != nil {
		return nil, wrapErr(CodeIO, "create mmap pool", err)
	}
	e.mmapPool = pool

	for id := uint16(0); id < stripeCount; id++ {
		refs := mf.LiveSSTs(id)
		sort.Slice(refs, func(i, j int) bool { return refs[i].Generation > refs[j].Generation })
		s := e.stripes[id]
		for _, ref := range refs {
			r, err := sstable.OpenAny(ref.Path, e.mmapPool)
			if err != nil {
				return nil, wrapErr(CodeCorruption, "open sst "+ref.Path, err)
			}
			s.ssts = append(s.ssts, r)
			s.refs = append(s.refs, ref)
		}
	}

	w, err := wal.Open(filepath.Join(path, "wal.log"))
	if err != nil {
		return nil, wrapErr(CodeIO, "open wal", err)
	}
	e.wal = w

	entries, err := w.ReadAll()
	if err != nil {
		return nil, wrapErr(CodeIO, "read wal", err)
	}
	var maxSeq uint64
	for _, ent := range entries {
		rec, err := model.DecodeRecord(ent.Payload)
		if err != nil {
			e.obs.log.Warn().Err(err).Uint64("lsn", ent.LSN).Msg("skipping undecodable wal record during recovery")
			continue
		}
		sid := stripeOf(rec.Key.PK)
		e.stripes[sid].memtable.Put(rec.Key.Encode(), ent.Payload)
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	atomic.StoreUint64(&e.seq, maxSeq)

	e.setupStreamsAndCompaction()
	if len(c.Indexes) > 0 {
		e.rebuildIndexes()
	}
	e.obs.log.Info().Str("path", path).Uint64("recovered_seq", maxSeq).Int("wal_records", len(entries)).Msg("database opened")
	return e, nil
}

// CreateInMemory builds a database with no backing directory: writes are
// durable only for the lifetime of the process (via the in-process WAL
// replacement), and memtables are never flushed to SSTs, per spec §6's
// create_in_memory().
func CreateInMemory(cfg *Config) (*Engine, error) {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	e := newEngine("", c)
	e.obs = newObservability("keystonedb", c.Log)

	pool, err := layout.NewMmapPool(c.MmapPoolCapacity)
	if err != nil {
		return nil, wrapErr(CodeIO, "create mmap pool", err)
	}
	e.mmapPool = pool
	e.wal = &nullWAL{}

	e.setupStreamsAndCompaction()
	return e, nil
}

// rebuildIndexes repopulates every configured index's in-memory tree by
// scanning the (already-recovered) base table once, since index entries
// are pure derived state, never persisted to their own SSTs. See
// DESIGN.md's "Indexes" section for the reasoning.
func (e *Engine) rebuildIndexes() {
	for id := uint16(0); id < stripeCount; id++ {
		s := e.stripes[id]
		s.mu.RLock()
		sources, err := s.sources(nil)
		s.mu.RUnlock()
		if err != nil {
			e.obs.log.Warn().Err(err).Uint16("stripe", id).Msg("index rebuild: could not read stripe")
			continue
		}
		m := iterator.NewMerge(sources, false)
		for m.Next() {
			rec := m.Record()
			e.maintainIndexes(rec.Key, nil, false, rec.Item, true, rec.Seq)
		}
	}
}

// Close flushes nothing further (writes are already durable via WAL/SST)
// but releases every open file handle and stops the background worker.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if e.compactor != nil {
		e.compactor.Stop()
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range e.stripes {
		for _, r := range s.ssts {
			record(r.Close())
		}
	}
	if e.mmapPool != nil {
		e.mmapPool.Close()
	}
	if e.manifest != nil {
		record(e.manifest.Close())
	}
	if e.wal != nil {
		record(e.wal.Close())
	}
	if e.obs != nil {
		e.obs.log.Info().Msg("database closed")
	}
	return firstErr
}

// Flush synchronously drains every stripe's memtable (base table and every
// configured index) to durable SSTs and truncates the WAL. Per-write
// threshold-triggered flushes (spec §4.7 step 9) deliberately do NOT
// truncate the WAL themselves: one WAL is shared across all 256 stripes,
// so truncating after a single stripe's flush would discard other
// stripes' still-only-in-WAL records. Truncation is therefore only safe
// once every stripe has been flushed, which is exactly what Flush does;
// this leans on the same "replay re-inserts, subsequent flush replaces"
// tolerance spec §4.15 already grants for the ManifestCommitted-but-not-
// yet-truncated crash window, just over a wider one.
func (e *Engine) Flush() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed {
		return wrapErr(CodeIO, "flush", errors.New("engine is closed"))
	}

	flushedAny := false
	flushSpace := func(space []*stripe) error {
		for id, s := range space {
			s.mu.Lock()
			count := s.memtable.Count()
			var err error
			if count > 0 {
				err = e.flushStripeLocked(uint16(id), s)
				flushedAny = true
			}
			s.mu.Unlock()
			if err != nil {
				return err
			}
		}
		return nil
	}

	if err := flushSpace(e.stripes[:]); err != nil {
		return err
	}
	for _, space := range e.indexStripes {
		if err := flushSpace(space); err != nil {
			return err
		}
	}

	if e.dir != "" && flushedAny {
		if err := e.wal.TruncateUpTo(); err != nil {
			return wrapErr(CodeIO, "truncate wal after flush", err)
		}
	}
	return nil
}

func (e *Engine) shouldFlush(s *stripe) bool {
	if e.cfg.MemtableFlushThresholdBytes > 0 && s.memtable.Bytes() >= e.cfg.MemtableFlushThresholdBytes {
		return true
	}
	if e.cfg.MemtableFlushThresholdCount > 0 && s.memtable.Count() >= e.cfg.MemtableFlushThresholdCount {
		return true
	}
	return false
}

// flushStripeLocked snapshots s's memtable to a new SST and commits a
// manifest entry, per spec §4.7's Flush(stripe). The caller must hold
// s.mu for writing. In-memory engines (e.dir == "") have nowhere to write
// an SST and simply keep accumulating in the memtable.
func (e *Engine) flushStripeLocked(id uint16, s *stripe) error {
	if e.dir == "" {
		return nil
	}
	entries := s.memtable.Snapshot()
	if len(entries) == 0 {
		return nil
	}

	gen := e.manifest.NextGeneration()
	path := filepath.Join(e.dir, fmt.Sprintf("%03d-%03d.sst", id, gen))

	w := sstable.NewWriter(sstable.Options{CompressionLevel: e.cfg.compressionLevel()})
	for _, ent := range entries {
		if err := w.Add(ent.Key, ent.Value); err != nil {
			return wrapErr(CodeIO, "write sst entry", err)
		}
	}
	reader, err := w.Finish(path)
	if err != nil {
		return wrapErr(CodeIO, "finish sst", err)
	}

	ref := manifest.SSTRef{Stripe: id, Generation: gen, Path: path}
	if _, err := e.manifest.Commit([]manifest.SSTRef{ref}, nil); err != nil {
		reader.Close()
		return wrapErr(CodeManifestCorruption, "commit flush", err)
	}

	s.ssts = append([]sstable.Reader{reader}, s.ssts...)
	s.refs = append([]manifest.SSTRef{ref}, s.refs...)
	s.memtable = memtable.New()

	e.obs.flushes.Inc()
	e.obs.log.Debug().Uint16("stripe", id).Uint64("generation", gen).Int("entries", len(entries)).Msg("stripe flushed")

	if e.compactor != nil && len(s.ssts) > e.cfg.CompactionSSTThreshold {
		e.compactor.Enqueue(id)
	}
	return nil
}

// compactStripe is the compaction.Worker Handler: merge every live SST in
// stripe id, drop superseded tombstones, and commit the result, per spec
// §4.13. Stripe locks are held only to snapshot inputs and to publish the
// result, never across the merge I/O itself.
func (e *Engine) compactStripe(id uint16) error {
	s := e.stripes[id]
	s.mu.RLock()
	if len(s.ssts) < 2 {
		s.mu.RUnlock()
		return nil
	}
	inputs := make([]compaction.MergeInput, len(s.ssts))
	for i, r := range s.ssts {
		inputs[i] = compaction.MergeInput{Reader: r}
	}
	snapshotCount := len(s.ssts)
	s.mu.RUnlock()

	jobID := uuid.NewString()
	e.obs.log.Info().Str("job", jobID).Uint16("stripe", id).Int("inputs", snapshotCount).Msg("compaction starting")

	gen := e.manifest.NextGeneration()
	path := filepath.Join(e.dir, fmt.Sprintf("%03d-%03d.sst", id, gen))
	w := sstable.NewWriter(sstable.Options{CompressionLevel: e.cfg.compressionLevel()})

	merged, dropped, err := compaction.Merge(inputs, w, true)
	if err != nil {
		return wrapErr(CodeCompactionError, "merge stripe "+fmt.Sprint(id), err)
	}
	reader, err := w.Finish(path)
	if err != nil {
		return wrapErr(CodeCompactionError, "finish compacted sst", err)
	}

	newRef := manifest.SSTRef{Stripe: id, Generation: gen, Path: path}

	s.mu.Lock()
	oldRefs := append([]manifest.SSTRef(nil), s.refs[len(s.refs)-snapshotCount:]...)
	oldReaders := append([]sstable.Reader(nil), s.ssts[len(s.ssts)-snapshotCount:]...)
	keepSSTs := append([]sstable.Reader(nil), s.ssts[:len(s.ssts)-snapshotCount]...)
	keepRefs := append([]manifest.SSTRef(nil), s.refs[:len(s.refs)-snapshotCount]...)
	s.ssts = append(keepSSTs, reader)
	s.refs = append(keepRefs, newRef)
	s.mu.Unlock()

	if _, err := e.manifest.Commit([]manifest.SSTRef{newRef}, oldRefs); err != nil {
		e.obs.log.Error().Str("job", jobID).Err(err).Msg("compaction manifest commit failed")
		return wrapErr(CodeManifestCorruption, "commit compaction", err)
	}

	for _, r := range oldReaders {
		r.Close()
	}
	for _, ref := range oldRefs {
		_ = os.Remove(ref.Path) // reclaimed only now that the manifest commit is durable, per spec §4.13
	}

	e.obs.compactions.Inc()
	e.obs.log.Info().Str("job", jobID).Uint16("stripe", id).Int("merged", merged).Int("dropped_tombstones", dropped).Msg("compaction finished")
	return nil
}

func (e *Engine) nextSeq() uint64 {
	return atomic.AddUint64(&e.seq, 1)
}

// applyMutation runs the common single-key write pipeline of spec §4.7
// steps 2-9: evaluate condition, let mutate compute the new item (or
// tombstone) from the current one, allocate seq, WAL append+flush,
// memtable insert, index maintenance, stream emission, and the
// threshold-triggered flush of the stripe. TransactWrite does not use this
// path; it runs its own flush check across every touched stripe.
func (e *Engine) applyMutation(key model.Key, mutate func(old model.Item, found bool) (model.Item, bool, error), condition string, ctx Context) (model.Item, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed {
		return nil, wrapErr(CodeIO, "engine is closed", nil)
	}

	id := stripeOf(key.PK)
	s := e.stripes[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.get(key)
	if err != nil {
		return nil, wrapErr(CodeIO, "read current record", err)
	}
	var oldItem model.Item
	if found {
		oldItem = rec.Item
	}

	if condition != "" {
		cond, perr := expr.ParseCondition(condition, ctx)
		if perr != nil {
			return nil, wrapErr(CodeInvalidExpression, "parse condition", perr)
		}
		if !cond.Eval(oldItem) {
			e.obs.conditionFails.Inc()
			return nil, newErr(CodeConditionalCheckFailed, "condition evaluated false")
		}
	}

	newItem, tombstone, err := mutate(oldItem, found)
	if err != nil {
		return nil, err
	}

	seq := e.nextSeq()
	newRecord := model.Record{Key: key, Item: newItem, Seq: seq, Tombstone: tombstone}
	payload := model.EncodeRecord(newRecord)

	if _, err := e.wal.Append(payload); err != nil {
		return nil, wrapErr(CodeIO, "wal append", err)
	}
	if err := e.wal.Flush(); err != nil {
		return nil, wrapErr(CodeIO, "wal flush", err)
	}
	e.obs.walFsyncs.Inc()

	s.memtable.Put(key.Encode(), payload)

	e.maintainIndexes(key, oldItem, found, newItem, !tombstone, seq)
	e.emitStream(key, oldItem, found, newItem, tombstone, seq)

	if e.shouldFlush(s) {
		if err := e.flushStripeLocked(id, s); err != nil {
			e.obs.log.Error().Err(err).Uint16("stripe", id).Msg("synchronous flush failed")
		}
	}

	return newItem, nil
}

// maintainIndexes keeps every configured LSI/GSI in sync with one base
// mutation, per spec §4.10: retract the old index entry if its key moved
// or the item is gone, then (if the mutation produced a live item)
// upsert the new one.
func (e *Engine) maintainIndexes(baseKey model.Key, oldItem model.Item, oldFound bool, newItem model.Item, newLive bool, seq uint64) {
	for _, def := range e.indexes {
		space := e.indexStripes[def.Name]

		var oldKey, newKey *model.Key
		if oldFound {
			if k, err := deriveIndexKey(def, baseKey, oldItem); err == nil {
				oldKey = &k
			}
		}
		if newLive {
			if k, err := deriveIndexKey(def, baseKey, newItem); err == nil {
				newKey = &k
			}
		}

		if oldKey != nil && (newKey == nil || oldKey.Compare(*newKey) != 0) {
			sid := stripeOf(oldKey.PK)
			is := space[sid]
			is.mu.Lock()
			tomb := model.Record{Key: *oldKey, Seq: seq, Tombstone: true}
			is.memtable.Put(oldKey.Encode(), model.EncodeRecord(tomb))
			is.mu.Unlock()
		}
		if newKey != nil {
			projected := index.Project(newItem, def)
			sid := stripeOf(newKey.PK)
			is := space[sid]
			is.mu.Lock()
			rec := model.Record{Key: *newKey, Item: projected, Seq: seq}
			is.memtable.Put(newKey.Encode(), model.EncodeRecord(rec))
			is.mu.Unlock()
		}
	}
}

func deriveIndexKey(def IndexDefinition, baseKey model.Key, item model.Item) (model.Key, error) {
	if def.Kind == IndexLocal {
		return index.LocalKey(def, baseKey.PK, item, baseKey.SK)
	}
	return index.GlobalKey(def, item, baseKey.PK, baseKey.SK)
}

func (e *Engine) emitStream(key model.Key, oldItem model.Item, oldFound bool, newItem model.Item, tombstone bool, seq uint64) {
	if e.streams == nil || !e.streams.Enabled() {
		return
	}
	var evt stream.EventType
	switch {
	case tombstone:
		evt = stream.EventRemove
	case oldFound:
		evt = stream.EventModify
	default:
		evt = stream.EventPut
	}
	rec := stream.StreamRecord{Seq: seq, EventType: evt, Key: key, TimestampMs: time.Now().UnixMilli()}
	if oldFound {
		rec.OldImage = oldItem
	}
	if !tombstone {
		rec.NewImage = newItem
	}
	e.streams.Emit(rec)
}

// Put writes item under key, per spec §6's put(key, item, condition?).
func (e *Engine) Put(key Key, item Item, opts ...WriteOption) error {
	o := resolveWriteOpts(opts)
	return e.putInternal(key, item, o.condition, o.ctx)
}

// PutWithSK is Put for callers building the key from separate pk/sk
// parts, per spec §6's put_with_sk(pk, sk, item, condition?).
func (e *Engine) PutWithSK(pk, sk []byte, item Item, opts ...WriteOption) error {
	return e.Put(Key{PK: pk, SK: sk}, item, opts...)
}

func (e *Engine) putInternal(key model.Key, item model.Item, condition string, ctx Context) error {
	_, err := e.applyMutation(key, func(old model.Item, found bool) (model.Item, bool, error) {
		return item.Clone(), false, nil
	}, condition, ctx)
	e.obs.puts.WithLabelValues(outcomeLabel(err)).Inc()
	return err
}

// Get returns the current item for key, per spec §6's get(key) →
// option<item>. A tombstone or absent key returns (nil, false, nil).
func (e *Engine) Get(key Key) (Item, bool, error) {
	id := stripeOf(key.PK)
	s := e.stripes[id]
	s.mu.RLock()
	rec, found, err := s.get(key)
	s.mu.RUnlock()
	e.obs.gets.WithLabelValues(outcomeLabel(err)).Inc()
	if err != nil || !found {
		return nil, found, err
	}
	return rec.Item, true, nil
}

// Delete removes key, per spec §6's delete(key, condition?).
func (e *Engine) Delete(key Key, opts ...WriteOption) error {
	o := resolveWriteOpts(opts)
	return e.deleteInternal(key, o.condition, o.ctx)
}

func (e *Engine) deleteInternal(key model.Key, condition string, ctx Context) error {
	_, err := e.applyMutation(key, func(old model.Item, found bool) (model.Item, bool, error) {
		return nil, true, nil
	}, condition, ctx)
	e.obs.deletes.WithLabelValues(outcomeLabel(err)).Inc()
	return err
}

// Update applies updateExpr to key's item (SET/REMOVE/ADD/DELETE actions,
// per spec §4.9), optionally gated by a condition expression, and returns
// the item as it exists after the update, per spec §6's update(key,
// update_expr, condition?, values, names) → item.
func (e *Engine) Update(key Key, updateExpr string, values map[string]Value, names map[string]string, opts ...WriteOption) (Item, error) {
	o := resolveWriteOpts(opts)
	ctx := Context{Values: values, Names: names}
	return e.updateInternal(key, updateExpr, o.condition, ctx)
}

func (e *Engine) updateInternal(key model.Key, updateExpr, condition string, ctx Context) (model.Item, error) {
	newItem, err := e.applyMutation(key, func(old model.Item, found bool) (model.Item, bool, error) {
		actions, perr := expr.ParseUpdate(updateExpr, ctx)
		if perr != nil {
			return nil, false, wrapErr(CodeInvalidExpression, "parse update expression", perr)
		}
		base := old
		if !found {
			base = model.Item{}
		}
		applied, aerr := expr.Apply(base, actions)
		if aerr != nil {
			return nil, false, wrapErr(CodeInvalidExpression, "apply update expression", aerr)
		}
		return applied, false, nil
	}, condition, ctx)
	e.obs.updates.WithLabelValues(outcomeLabel(err)).Inc()
	return newItem, err
}

// Query runs one partition-scoped query, per spec §4.8.
func (e *Engine) Query(params QueryParams) (QueryResult, error) {
	iparams := iterator.QueryParams{
		PK: params.PK, Predicate: params.Predicate, Forward: params.Forward,
		Limit: params.Limit, ExclusiveStartKey: params.ExclusiveStartKey,
	}
	res, err := e.queryAgainst(params.IndexName, iparams)
	e.obs.queries.WithLabelValues(outcomeLabel(err)).Inc()
	return res, err
}

func (e *Engine) queryInternal(params iterator.QueryParams) (iterator.QueryResult, error) {
	return e.queryAgainst("", params)
}

func (e *Engine) queryAgainst(indexName string, params iterator.QueryParams) (iterator.QueryResult, error) {
	space := e.stripes[:]
	if indexName != "" {
		idx, ok := e.indexStripes[indexName]
		if !ok {
			return iterator.QueryResult{}, newErr(CodeInvalidQuery, "unknown index "+indexName)
		}
		space = idx
	}
	sid := stripeOf(params.PK)
	s := space[sid]
	s.mu.RLock()
	defer s.mu.RUnlock()
	sources, err := s.sources(params.PK)
	if err != nil {
		return iterator.QueryResult{}, wrapErr(CodeIO, "build query sources", err)
	}
	return iterator.RunQuery(sources, params)
}

// Scan walks every stripe (or the subset selected by parallel
// segmentation), per spec §4.7/§4.8.
func (e *Engine) Scan(params ScanParams) (ScanResult, error) {
	space := e.stripes[:]
	if params.IndexName != "" {
		idx, ok := e.indexStripes[params.IndexName]
		if !ok {
			return ScanResult{}, newErr(CodeInvalidQuery, "unknown index "+params.IndexName)
		}
		space = idx
	}

	segments := iterator.StripesForSegment(params.Segment, params.TotalSegments)
	var sources []iterator.Source
	var unlock []func()
	defer func() {
		for _, u := range unlock {
			u()
		}
	}()

	for _, sid := range segments {
		s := space[sid]
		s.mu.RLock()
		unlock = append(unlock, s.mu.RUnlock)
		ss, err := s.sources(nil)
		if err != nil {
			return ScanResult{}, wrapErr(CodeIO, "build scan sources", err)
		}
		sources = append(sources, ss...)
	}

	res, err := iterator.RunScan(sources, iterator.ScanParams{
		Segment: params.Segment, TotalSegments: params.TotalSegments,
		Limit: params.Limit, ExclusiveStartKey: params.ExclusiveStartKey,
	})
	e.obs.scans.WithLabelValues(outcomeLabel(err)).Inc()
	return res, err
}

// BatchGet reads every key independently, per spec §6's batch_get(keys) →
// vec<option<item>>.
func (e *Engine) BatchGet(keys []Key) ([]Item, []bool, error) {
	items := make([]Item, len(keys))
	found := make([]bool, len(keys))
	for i, k := range keys {
		item, ok, err := e.Get(k)
		if err != nil {
			return nil, nil, err
		}
		items[i], found[i] = item, ok
	}
	return items, found, nil
}

// BatchWrite applies every op independently and unconditionally, per spec
// §6's batch_write(ops) → (). Unlike TransactWrite, a failure partway
// through leaves earlier ops committed.
func (e *Engine) BatchWrite(ops []BatchOp) error {
	for _, op := range ops {
		switch op.Kind {
		case BatchPut:
			if err := e.Put(op.Key, op.Item); err != nil {
				return err
			}
		case BatchDelete:
			if err := e.Delete(op.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// TransactGet returns a consistent multi-key snapshot, per spec §4.11.
// Holding writeMu for the read's duration is a stronger guarantee than the
// spec's "max seq before read" MVCC filter asks for — no writer can
// interleave at all, rather than merely being filtered out by seq — which
// this engine's single-writer design gets for free. See DESIGN.md.
func (e *Engine) TransactGet(keys []Key) ([]Item, []bool, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	lookup := func(k model.Key) (model.Item, bool, error) {
		sid := stripeOf(k.PK)
		s := e.stripes[sid]
		s.mu.RLock()
		defer s.mu.RUnlock()
		rec, found, err := s.get(k)
		if err != nil || !found {
			return nil, found, err
		}
		return rec.Item, true, nil
	}

	items, err := txn.Get(keys, lookup)
	if err != nil {
		return nil, nil, err
	}
	found := make([]bool, len(items))
	for i, it := range items {
		found[i] = it != nil
	}
	return items, found, nil
}

// TransactWrite evaluates every op's condition against one consistent
// snapshot and, if all pass, commits every resulting mutation as one WAL
// group and one set of memtable applications, per spec §4.11. If any
// condition fails, no mutation is applied and the error is a
// TransactionCanceled naming the first failing index.
func (e *Engine) TransactWrite(ops []TxnOp, ctx Context) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	if len(ops) > txn.DefaultMaxOps {
		return 0, newErr(CodeInvalidArgument, fmt.Sprintf("transact_write: %d ops exceeds max %d", len(ops), txn.DefaultMaxOps))
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed {
		return 0, wrapErr(CodeIO, "engine is closed", nil)
	}

	ops = withSharedContext(ops, ctx)
	order := txn.LockOrder(ops, stripeOf)
	for _, id := range order {
		e.stripes[id].mu.Lock()
	}
	defer func() {
		for i := len(order) - 1; i >= 0; i-- {
			e.stripes[order[i]].mu.Unlock()
		}
	}()

	lookup := func(k model.Key) (model.Item, bool, error) {
		sid := stripeOf(k.PK)
		rec, found, err := e.stripes[sid].get(k)
		if err != nil || !found {
			return nil, found, err
		}
		return rec.Item, true, nil
	}

	writes, err := txn.Plan(ops, lookup)
	if err != nil {
		var ce *txn.CanceledError
		if errors.As(err, &ce) {
			e.obs.txns.WithLabelValues("canceled").Inc()
			return 0, TransactionCanceledError(ce.Index, ce.Reason)
		}
		e.obs.txns.WithLabelValues("error").Inc()
		return 0, err
	}
	if len(writes) == 0 {
		e.obs.txns.WithLabelValues("ok").Inc()
		return 0, nil
	}

	newHigh := atomic.AddUint64(&e.seq, uint64(len(writes)))
	baseSeq := newHigh - uint64(len(writes)) + 1

	records := make([]model.Record, len(writes))
	payloads := make([][]byte, len(writes))
	for i, w := range writes {
		rec := model.Record{Key: w.Key, Item: w.NewItem, Seq: baseSeq + uint64(i), Tombstone: w.Tombstone}
		records[i] = rec
		payloads[i] = model.EncodeRecord(rec)
	}

	for _, p := range payloads {
		if _, err := e.wal.Append(p); err != nil {
			return 0, wrapErr(CodeIO, "wal append", err)
		}
	}
	if err := e.wal.Flush(); err != nil {
		return 0, wrapErr(CodeIO, "wal flush", err)
	}
	e.obs.walFsyncs.Inc()

	for i, rec := range records {
		sid := stripeOf(rec.Key.PK)
		s := e.stripes[sid]
		oldRec, oldFound, _ := s.get(rec.Key)
		s.memtable.Put(rec.Key.Encode(), payloads[i])
		e.maintainIndexes(rec.Key, oldRec.Item, oldFound, rec.Item, !rec.Tombstone, rec.Seq)
		e.emitStream(rec.Key, oldRec.Item, oldFound, rec.Item, rec.Tombstone, rec.Seq)
	}

	for _, id := range order {
		s := e.stripes[id]
		if e.shouldFlush(s) {
			if err := e.flushStripeLocked(id, s); err != nil {
				e.obs.log.Error().Err(err).Msg("post-transaction flush failed")
			}
		}
	}

	e.obs.txns.WithLabelValues("ok").Inc()
	return len(writes), nil
}

// partiqlExecutor adapts Engine to internal/partiql's Executor interface,
// per spec §4.14.
type partiqlExecutor struct{ e *Engine }

func (p partiqlExecutor) Put(key model.Key, item model.Item, condition string, ctx Context) error {
	return p.e.putInternal(key, item, condition, ctx)
}
func (p partiqlExecutor) Update(key model.Key, updateExpr, condition string, ctx Context) (model.Item, error) {
	return p.e.updateInternal(key, updateExpr, condition, ctx)
}
func (p partiqlExecutor) Delete(key model.Key, condition string, ctx Context) error {
	return p.e.deleteInternal(key, condition, ctx)
}
func (p partiqlExecutor) Query(pk []byte, predicate iterator.SKPredicate, forward bool, limit int, start *model.Key) (iterator.QueryResult, error) {
	return p.e.queryInternal(iterator.QueryParams{PK: pk, Predicate: predicate, Forward: forward, Limit: limit, ExclusiveStartKey: start})
}

// ExecuteStatement routes a pre-validated PartiQL AST to the matching
// engine operation, per spec §4.14 and §6's execute_statement(validated_ast).
func (e *Engine) ExecuteStatement(stmt partiql.Statement) (partiql.Result, error) {
	return partiql.Execute(stmt, partiqlExecutor{e: e})
}

// Stats reports the engine's current size and shape, per spec §6.
func (e *Engine) Stats() Stats {
	var st Stats
	st.InMemory = e.dir == ""
	st.StripeCount = stripeCount
	for _, s := range e.stripes {
		s.mu.RLock()
		n := len(s.ssts)
		st.LiveSSTCount += n
		if n > st.MaxLiveSSTsInStripe {
			st.MaxLiveSSTsInStripe = n
		}
		st.TotalKeysApprox += s.memtable.Count()
		s.mu.RUnlock()
	}
	if e.manifest != nil {
		st.Generation = e.manifest.Generation()
	}
	if e.streams != nil {
		st.StreamBufferLen = e.streams.Len()
	}
	e.obs.liveSSTsPerStripe.Set(float64(st.MaxLiveSSTsInStripe))
	e.obs.streamOccupancy.Set(float64(st.StreamBufferLen))
	if e.dir != "" {
		if info, err := os.Stat(filepath.Join(e.dir, "wal.log")); err == nil {
			e.obs.walSizeBytes.Set(float64(info.Size()))
		}
	}
	return st
}

// Health reports the engine's operating condition, per spec §6.
func (e *Engine) Health() Health {
	h := Health{Status: "healthy"}
	if e.closed {
		h.Status = "unhealthy"
		h.Errors = append(h.Errors, "engine is closed")
		return h
	}
	st := e.Stats()
	threshold := e.cfg.CompactionSSTThreshold
	if threshold <= 0 {
		threshold = 4
	}
	if st.MaxLiveSSTsInStripe > threshold*2 {
		h.Status = "degraded"
		h.Warnings = append(h.Warnings, fmt.Sprintf("stripe backlog: up to %d live SSTs (compaction threshold %d)", st.MaxLiveSSTsInStripe, threshold))
	}
	return h
}
