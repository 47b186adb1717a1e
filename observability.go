package keystone

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// observability bundles the engine's structured logger and metric
// instruments. Grounded on cuemby-warren's pkg/log (a package-level
// zerolog.Logger built from a Config) and pkg/metrics (package-level
// prometheus instruments registered at init time against the global
// registry) — adapted here into per-Engine state rather than package
// globals, since SPEC_FULL.md requires metrics live on a private registry
// so multiple in-process Engines never collide on collector names.
type observability struct {
	log     zerolog.Logger
	reg     *prometheus.Registry
	puts    *prometheus.CounterVec
	deletes *prometheus.CounterVec
	gets    *prometheus.CounterVec
	updates *prometheus.CounterVec
	queries *prometheus.CounterVec
	scans   *prometheus.CounterVec
	txns    *prometheus.CounterVec

	flushes       prometheus.Counter
	walFsyncs     prometheus.Counter
	compactions   prometheus.Counter
	bloomNegatives prometheus.Counter
	conditionFails prometheus.Counter

	liveSSTsPerStripe prometheus.Gauge // max across stripes, sampled at Stats() time
	streamOccupancy   prometheus.Gauge
	walSizeBytes      prometheus.Gauge
}

// LogConfig mirrors cuemby-warren's log.Config shape: a level and whether
// to render human-readable console output instead of JSON.
type LogConfig struct {
	Level      string // "debug", "info", "warn", "error"; defaults to "info"
	PrettyText bool
}

func newObservability(component string, lc LogConfig) *observability {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w zerolog.ConsoleWriter
	var logger zerolog.Logger
	if lc.PrettyText {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		logger = zerolog.New(w)
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.Level(level).With().Timestamp().Str("component", component).Logger()

	reg := prometheus.NewRegistry()
	o := &observability{log: logger, reg: reg}

	o.puts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "puts_total", Help: "Total Put/PutWithSK calls by outcome.",
	}, []string{"outcome"})
	o.deletes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "deletes_total", Help: "Total Delete calls by outcome.",
	}, []string{"outcome"})
	o.gets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "gets_total", Help: "Total Get calls by outcome.",
	}, []string{"outcome"})
	o.updates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "updates_total", Help: "Total Update calls by outcome.",
	}, []string{"outcome"})
	o.queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "queries_total", Help: "Total Query calls by outcome.",
	}, []string{"outcome"})
	o.scans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "scans_total", Help: "Total Scan calls by outcome.",
	}, []string{"outcome"})
	o.txns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "transactions_total", Help: "Total TransactWrite calls by outcome.",
	}, []string{"outcome"})

	o.flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "flushes_total", Help: "Total synchronous memtable-to-SST flushes.",
	})
	o.walFsyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "wal_fsyncs_total", Help: "Total WAL Flush (fsync) calls.",
	})
	o.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "compactions_total", Help: "Total completed background compactions.",
	})
	o.bloomNegatives = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "bloom_negatives_total", Help: "Total SST reads short-circuited by a bloom-filter miss.",
	})
	o.conditionFails = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keystonedb", Name: "condition_check_failures_total", Help: "Total ConditionalCheckFailed outcomes.",
	})
	o.liveSSTsPerStripe = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keystonedb", Name: "live_ssts_max_per_stripe", Help: "Largest live-SST count of any single stripe, sampled at Stats().",
	})
	o.streamOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keystonedb", Name: "stream_buffer_occupancy", Help: "Number of records currently buffered in the change stream.",
	})
	o.walSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keystonedb", Name: "wal_size_bytes", Help: "Current WAL file size in bytes (0 for in-memory engines).",
	})

	o.reg.MustRegister(
		o.puts, o.deletes, o.gets, o.updates, o.queries, o.scans, o.txns,
		o.flushes, o.walFsyncs, o.compactions, o.bloomNegatives, o.conditionFails,
		o.liveSSTsPerStripe, o.streamOccupancy, o.walSizeBytes,
	)
	return o
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// Registry exposes the engine's private prometheus registry so a caller
// can mount it behind its own /metrics handler; it is never the global
// default registry, so multiple in-process Engines never collide on
// collector names.
func (e *Engine) Registry() *prometheus.Registry { return e.obs.reg }
