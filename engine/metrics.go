// Tracks engine-wide performance metrics: prometheus collectors for live scraping
// and an in-memory Stats aggregate for end-of-run reporting.

package engine

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem prefixes every engine metric name.
	MetricsSubsystem = "inference_engine"
)

// Metrics holds the collectors of one Engine. Each engine owns its own set so
// several engines can be registered on different registries in one process.
type Metrics struct {
	Sequences       *prometheus.CounterVec
	GeneratedTokens prometheus.Counter
	Preemptions     prometheus.Counter
	Catchups        prometheus.Counter
	Steps           prometheus.Counter
	BatchTokens     prometheus.Histogram
	StepDuration    prometheus.Histogram
	TimeToFirst     prometheus.Histogram
	KVBlocksUsed    prometheus.Gauge
	Waiting         prometheus.Gauge
	Running         prometheus.Gauge

	mu    sync.Mutex
	stats Stats
}

// Stats aggregates statistics about a run for final reporting.
type Stats struct {
	Completed         int // sequences finished normally
	Cancelled         int
	Errored           int
	Rejected          int
	TotalOutputTokens int
	Steps             int
	Preemptions       int
	Catchups          int
	PeakKVBlocksUsed  int
	KVBlocksUsedSum   int // integral of used blocks over steps

	TTFTs     []float64 // seconds, per sequence that produced a token
	Latencies []float64 // seconds from arrival to terminal state, completed sequences
}

// NewMetrics creates an unregistered collector set.
func NewMetrics() *Metrics {
	return &Metrics{
		Sequences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: MetricsSubsystem,
				Name:      "sequences_total",
				Help:      "Total number of sequences by terminal result.",
			},
			[]string{"result"},
		),
		GeneratedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: MetricsSubsystem,
			Name:      "generated_tokens_total",
			Help:      "Total number of tokens emitted to streams.",
		}),
		Preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: MetricsSubsystem,
			Name:      "preemptions_total",
			Help:      "Total number of sequence evictions.",
		}),
		Catchups: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: MetricsSubsystem,
			Name:      "catchups_total",
			Help:      "Total number of committed catch-up sub-batches.",
		}),
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: MetricsSubsystem,
			Name:      "steps_total",
			Help:      "Total number of executed main steps.",
		}),
		BatchTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: MetricsSubsystem,
			Name:      "batch_tokens",
			Help:      "Positions processed per main batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: MetricsSubsystem,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one main step including commit.",
			Buckets:   prometheus.DefBuckets,
		}),
		TimeToFirst: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: MetricsSubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from arrival to the first emitted token.",
			Buckets:   prometheus.DefBuckets,
		}),
		KVBlocksUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: MetricsSubsystem,
			Name:      "kv_blocks_used",
			Help:      "Cache blocks currently reserved.",
		}),
		Waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: MetricsSubsystem,
			Name:      "waiting_sequences",
			Help:      "Sequences queued for admission, including preempted ones.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: MetricsSubsystem,
			Name:      "running_sequences",
			Help:      "Sequences holding cache.",
		}),
	}
}

// Collectors returns all collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Sequences,
		m.GeneratedTokens,
		m.Preemptions,
		m.Catchups,
		m.Steps,
		m.BatchTokens,
		m.StepDuration,
		m.TimeToFirst,
		m.KVBlocksUsed,
		m.Waiting,
		m.Running,
	}
}

// Register registers every collector on reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeStep(batchTokens, usedBlocks int, d time.Duration) {
	m.Steps.Inc()
	m.BatchTokens.Observe(float64(batchTokens))
	m.StepDuration.Observe(d.Seconds())
	m.KVBlocksUsed.Set(float64(usedBlocks))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Steps++
	m.stats.KVBlocksUsedSum += usedBlocks
	m.stats.PeakKVBlocksUsed = max(m.stats.PeakKVBlocksUsed, usedBlocks)
}

func (m *Metrics) observeQueues(waiting, running, usedBlocks int) {
	m.Waiting.Set(float64(waiting))
	m.Running.Set(float64(running))
	m.KVBlocksUsed.Set(float64(usedBlocks))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.PeakKVBlocksUsed = max(m.stats.PeakKVBlocksUsed, usedBlocks)
}

func (m *Metrics) observeToken(first bool, ttft time.Duration) {
	m.GeneratedTokens.Inc()
	if first {
		m.TimeToFirst.Observe(ttft.Seconds())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalOutputTokens++
	if first {
		m.stats.TTFTs = append(m.stats.TTFTs, ttft.Seconds())
	}
}

func (m *Metrics) observePreemption() {
	m.Preemptions.Inc()
	m.mu.Lock()
	m.stats.Preemptions++
	m.mu.Unlock()
}

func (m *Metrics) observeCatchup() {
	m.Catchups.Inc()
	m.mu.Lock()
	m.stats.Catchups++
	m.mu.Unlock()
}

func (m *Metrics) observeTerminal(state SequenceState, latency time.Duration) {
	m.Sequences.WithLabelValues(string(state)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	switch state {
	case StateFinished:
		m.stats.Completed++
		m.stats.Latencies = append(m.stats.Latencies, latency.Seconds())
	case StateCancelled:
		m.stats.Cancelled++
	case StateErrored:
		m.stats.Errored++
	}
}

func (m *Metrics) observeRejected() {
	m.Sequences.WithLabelValues("rejected").Inc()
	m.mu.Lock()
	m.stats.Rejected++
	m.mu.Unlock()
}

// Stats returns a copy of the aggregated statistics.
func (m *Metrics) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.TTFTs = append([]float64(nil), m.stats.TTFTs...)
	s.Latencies = append([]float64(nil), m.stats.Latencies...)
	return s
}

// Print writes aggregated statistics at the end of a run.
func (s Stats) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Engine Metrics ===")
	fmt.Fprintf(w, "Completed Sequences  : %d\n", s.Completed)
	fmt.Fprintf(w, "Cancelled / Errored  : %d / %d\n", s.Cancelled, s.Errored)
	fmt.Fprintf(w, "Rejected             : %d\n", s.Rejected)
	fmt.Fprintf(w, "Output Tokens        : %d\n", s.TotalOutputTokens)
	fmt.Fprintf(w, "Steps                : %d\n", s.Steps)
	fmt.Fprintf(w, "Preemptions          : %d\n", s.Preemptions)
	fmt.Fprintf(w, "Catch-ups            : %d\n", s.Catchups)
	if s.Steps > 0 {
		fmt.Fprintf(w, "Average KV Blocks Usage : %.2f\n", float64(s.KVBlocksUsedSum)/float64(s.Steps))
	}
	fmt.Fprintf(w, "Peak KV Usage        : %d blocks\n", s.PeakKVBlocksUsed)
}
