// Package stats implements the RAM/segment/chunk gauges and merge/flush/
// optimize counters and duration histograms described in spec §5 ("One
// global counter of RAM used by RAM segments") and §9's global-mutable-flag
// redesign note (model as fields on an explicit, lifecycle-owned object
// rather than package-level mutable state). Grounded on the teacher pack's
// `dreamsxin-wal/metrics.go`, which wraps every counter/gauge in a struct
// built once via promauto against an injected Registerer instead of the
// global default registry.
package stats

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full set of gauges/counters/histograms the RT index
// publishes (spec §5 resource model, §9 global counters).
type Metrics struct {
	ramUsedBytes    prometheus.Gauge
	segmentCount    prometheus.Gauge
	chunkCount      prometheus.Gauge
	saveActive      prometheus.Gauge
	mergeTotal      prometheus.Counter
	flushTotal      prometheus.Counter
	optimizeStep    *prometheus.CounterVec
	mergeDuration   prometheus.Histogram
	flushDuration   prometheus.Histogram
	killTotal       prometheus.Counter

	queryLatency *queryLatencyRecorder
}

// New builds a Metrics instance registering every series on reg (grounded
// on the teacher's `newWALMetrics(reg prometheus.Registerer)` shape, which
// takes an injected registry rather than reaching for the package-level
// default so multiple indexes in one process don't collide).
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ramUsedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rtindex_ram_used_bytes",
			Help: "Total bytes owned by RAM segment buffers (spec §5 'one global counter of RAM used').",
		}),
		segmentCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rtindex_ram_segment_count",
			Help: "Number of RAM segments currently published in the snapshot.",
		}),
		chunkCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rtindex_disk_chunk_count",
			Help: "Number of disk chunks currently published in the snapshot.",
		}),
		saveActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rtindex_save_active",
			Help: "Save-active counter gating the merger's RAM limit while a flush is in flight (spec §5).",
		}),
		mergeTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rtindex_merges_total",
			Help: "Number of completed segment merges.",
		}),
		flushTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rtindex_flushes_total",
			Help: "Number of completed disk-chunk flushes.",
		}),
		optimizeStep: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rtindex_optimize_steps_total",
			Help: "Optimizer steps taken, by verb (drop/compress/merge/split).",
		}, []string{"verb"}),
		mergeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "rtindex_merge_duration_seconds",
			Help:    "Wall-clock duration of a segment merge procedure.",
			Buckets: prometheus.DefBuckets,
		}),
		flushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "rtindex_flush_duration_seconds",
			Help:    "Wall-clock duration of a disk-chunk flush.",
			Buckets: prometheus.DefBuckets,
		}),
		killTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rtindex_kills_total",
			Help: "Number of rows actually killed (non-idempotent kills only).",
		}),
		queryLatency: newQueryLatencyRecorder(),
	}
}

// SetRAMUsed records the current total RAM-segment buffer usage.
func (m *Metrics) SetRAMUsed(n uint64) { m.ramUsedBytes.Set(float64(n)) }

// SetSegmentCount records the current published RAM-segment count.
func (m *Metrics) SetSegmentCount(n int) { m.segmentCount.Set(float64(n)) }

// SetChunkCount records the current published disk-chunk count.
func (m *Metrics) SetChunkCount(n int) { m.chunkCount.Set(float64(n)) }

// SetSaveActive records whether a flush is currently in flight (spec §5
// "'Save-active' counter gates the merger's RAM limit").
func (m *Metrics) SetSaveActive(active bool) {
	if active {
		m.saveActive.Set(1)
		return
	}
	m.saveActive.Set(0)
}

// ObserveMerge records one completed merge's duration.
func (m *Metrics) ObserveMerge(d time.Duration) {
	m.mergeTotal.Inc()
	m.mergeDuration.Observe(d.Seconds())
}

// ObserveFlush records one completed flush's duration.
func (m *Metrics) ObserveFlush(d time.Duration) {
	m.flushTotal.Inc()
	m.flushDuration.Observe(d.Seconds())
}

// ObserveOptimizeStep increments the per-verb optimize-step counter.
func (m *Metrics) ObserveOptimizeStep(verb string) {
	m.optimizeStep.WithLabelValues(verb).Inc()
}

// AddKills increments the kill counter by n actual kills.
func (m *Metrics) AddKills(n int) {
	if n > 0 {
		m.killTotal.Add(float64(n))
	}
}

// RecordQueryLatency feeds one query's wall-clock duration into the
// latency histogram backing the deadline/partial-result path of spec §5
// ("query paths consult a wall-clock deadline").
func (m *Metrics) RecordQueryLatency(d time.Duration) error {
	return m.queryLatency.record(d)
}

// QueryLatencyValueAtQuantile reports the recorded query latency at the
// given quantile (0-100), in the same time unit passed to RecordQueryLatency.
func (m *Metrics) QueryLatencyValueAtQuantile(q float64) int64 {
	return m.queryLatency.valueAtQuantile(q)
}

// queryLatencyRecorder wraps an HdrHistogram recording query latencies in
// microseconds, grounded on the teacher pack's inclusion of
// github.com/HdrHistogram/hdrhistogram-go as a real dependency.
type queryLatencyRecorder struct {
	hist *hdrhistogram.Histogram
}

func newQueryLatencyRecorder() *queryLatencyRecorder {
	// 1us floor, 10s ceiling, 3 significant digits - wide enough to cover
	// both sub-millisecond point lookups and slow wildcard scans.
	return &queryLatencyRecorder{hist: hdrhistogram.New(1, 10_000_000, 3)}
}

func (r *queryLatencyRecorder) record(d time.Duration) error {
	return r.hist.RecordValue(d.Microseconds())
}

func (r *queryLatencyRecorder) valueAtQuantile(q float64) int64 {
	return r.hist.ValueAtQuantile(q)
}
