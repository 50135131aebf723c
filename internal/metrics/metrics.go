package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalCases atomic.Int64

var (
	CasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conformance_cases_total",
		Help: "Conformance cases run, by outcome (pass/fail/skip)",
	}, []string{"outcome"})

	EngineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conformance_engine_duration_seconds",
		Help:    "Per-engine attention computation time",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"})

	MismatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conformance_mismatch_total",
		Help: "Kernel outputs outside tolerance of the reference",
	}, []string{"precision", "kv_cache"})

	MaxDeviation = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conformance_max_deviation",
		Help:    "Maximum element-wise deviation observed per case",
		Buckets: []float64{1e-7, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1},
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conformance_numerical_instability_total",
		Help: "NaN/Inf values detected in engine outputs",
	}, []string{"engine", "type"})

	CacheBlocksUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conformance_cache_blocks_used",
		Help: "Physical blocks used by the last materialized cache",
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conformance_context_length_tokens",
		Help:    "Distribution of context lengths exercised",
		Buckets: []float64{16, 32, 64, 128, 256, 512, 1024, 2048},
	})
)

// RecordCase records the outcome of one conformance case.
func RecordCase(outcome string) {
	CasesTotal.WithLabelValues(outcome).Inc()
	totalCases.Add(1)
}

// RecordEngineDuration records the wall time one engine spent on a case.
func RecordEngineDuration(engine string, duration time.Duration) {
	EngineDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordMismatch records an out-of-tolerance comparison with its maximum
// deviation.
func RecordMismatch(precision, kvCache string, maxDeviation float64) {
	MismatchTotal.WithLabelValues(precision, kvCache).Inc()
	MaxDeviation.Observe(maxDeviation)
}

// RecordDeviation records the maximum deviation of a passing case.
func RecordDeviation(maxDeviation float64) {
	MaxDeviation.Observe(maxDeviation)
}

// RecordNumericalInstability counts NaN/Inf values found in an engine output.
func RecordNumericalInstability(engine string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(engine, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(engine, "inf").Add(float64(infCount))
	}
}

// RecordCacheStats records the geometry of a materialized paged cache.
func RecordCacheStats(blocksUsed, contextLen int) {
	CacheBlocksUsed.Set(float64(blocksUsed))
	ContextLengthHistogram.Observe(float64(contextLen))
}

// TotalCases returns the number of cases recorded since process start.
func TotalCases() int64 {
	return totalCases.Load()
}
