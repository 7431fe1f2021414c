package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalSteps atomic.Int64

var (
	// ===== KV Cache =====

	KVCacheAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_appends_total",
		Help: "Total number of successful KV cache appends",
	}, []string{"strategy"})

	KVCacheRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_rejected_total",
		Help: "Total number of rejected KV cache appends",
	}, []string{"strategy", "reason"})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Bytes preallocated by the most recently created bounded KV cache",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Footprint of the most recently updated KV cache",
	})

	KVCacheSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_snapshots_total",
		Help: "Total number of KV cache snapshot views taken",
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of cache step counts seen by attention",
		Buckets: []float64{1, 10, 100, 500, 1000, 2000, 4000, 8000},
	})

	// ===== Attention =====

	AttentionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_duration_seconds",
		Help:    "Duration of single-query attention over the cache",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
	})

	AttentionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_errors_total",
		Help: "Total number of failed attention calls",
	}, []string{"error_type"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	// ===== Quantization =====

	QuantizedElements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quant_elements_total",
		Help: "Total number of elements encoded as int4",
	})

	QuantClamped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quant_clamped_total",
		Help: "Total number of elements clamped to [-7, 7]",
	})

	DequantMaxAbsError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dequant_max_abs_error",
		Help:    "Maximum absolute dequantization error",
		Buckets: []float64{0, 0.001, 0.01, 0.1, 1.0, 10.0},
	})

	DequantMaxRelError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dequant_max_rel_error",
		Help:    "Maximum error relative to the quantization scale",
		Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 1.0},
	})

	DequantPass = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dequant_pass_total",
		Help: "Count of passing dequantization accuracy checks",
	})

	DequantFail = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dequant_fail_total",
		Help: "Count of failing dequantization accuracy checks",
	})

	ChecksumMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quant_checksum_mismatches_total",
		Help: "Total number of quantized payloads rejected by checksum",
	})

	// ===== Generation =====

	GenerationStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "generation_steps_total",
		Help: "The total number of generation steps executed",
	})

	GenerationStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "generation_step_duration_seconds",
		Help: "Duration of a generation step (project, append, attend)",
	})

	// ===== Snapshot transport =====

	SnapshotTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_transfers_total",
		Help: "Total number of KV snapshots sent or received",
	}, []string{"direction"})

	SnapshotTransferErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_transfer_errors_total",
		Help: "Total number of failed KV snapshot transfers",
	}, []string{"direction"})
)

func RecordKVCacheAppend(strategy string, usedBytes int64) {
	KVCacheAppends.WithLabelValues(strategy).Inc()
	KVCacheUsedBytes.Set(float64(usedBytes))
}

func RecordKVCacheRejected(strategy, reason string) {
	KVCacheRejected.WithLabelValues(strategy, reason).Inc()
}

// RecordKVCacheStats records KV cache capacity and usage
func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

func RecordSnapshot() {
	KVCacheSnapshots.Inc()
}

func RecordContextLength(steps int) {
	ContextLengthHistogram.Observe(float64(steps))
}

func RecordAttention(steps int, duration time.Duration) {
	ContextLengthHistogram.Observe(float64(steps))
	AttentionDuration.Observe(duration.Seconds())
}

func RecordAttentionError(errorType string) {
	AttentionErrors.WithLabelValues(errorType).Inc()
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordQuantize(elements, clamped int) {
	QuantizedElements.Add(float64(elements))
	if clamped > 0 {
		QuantClamped.Add(float64(clamped))
	}
}

// RecordDequantizationAudit records dequantization accuracy audit results.
// relToScale is the worst unclamped error divided by the scale; 0.5 is the bound.
func RecordDequantizationAudit(maxAbs, relToScale float32, passed bool) {
	DequantMaxAbsError.Observe(float64(maxAbs))
	DequantMaxRelError.Observe(float64(relToScale))
	if passed {
		DequantPass.Inc()
	} else {
		DequantFail.Inc()
	}
}

func RecordChecksumMismatch() {
	ChecksumMismatches.Inc()
}

func RecordGenerationStep(duration time.Duration) {
	GenerationStepsTotal.Inc()
	totalSteps.Add(1)
	GenerationStepDuration.Observe(duration.Seconds())
}

// TotalSteps returns the number of generation steps recorded by this process.
func TotalSteps() int64 {
	return totalSteps.Load()
}

func RecordSnapshotTransfer(direction string, err error) {
	if err != nil {
		SnapshotTransferErrors.WithLabelValues(direction).Inc()
		return
	}
	SnapshotTransfers.WithLabelValues(direction).Inc()
}
