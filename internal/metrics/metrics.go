package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Analysis metrics
	AnalysesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_analyses_submitted_total",
			Help: "Total number of analysis requests accepted",
		},
		[]string{"analysis_type"},
	)

	AnalysesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_analyses_completed_total",
			Help: "Total number of analysis requests that reached a terminal status",
		},
		[]string{"status"},
	)

	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_analysis_duration_seconds",
			Help:    "Analysis pipeline duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	AnalysesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyst_analyses_in_flight",
			Help: "Number of analysis runs currently executing",
		},
	)

	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_admission_rejections_total",
			Help: "Total number of submissions rejected before a run started",
		},
		[]string{"reason"},
	)

	// Stage metrics
	StageAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_stage_attempts_total",
			Help: "Total number of tool invocations per stage",
		},
		[]string{"stage", "result"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_stage_duration_seconds",
			Help:    "Stage duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	ToolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_tool_errors_total",
			Help: "Total number of tool errors by classification",
		},
		[]string{"stage", "kind"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_cache_hits_total",
			Help: "Total number of result cache hits",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_cache_misses_total",
			Help: "Total number of result cache misses",
		},
		[]string{"tier"},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analyst_cache_evictions_total",
			Help: "Total number of entries evicted from the local cache",
		},
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyst_cache_size",
			Help: "Current number of entries in the local cache",
		},
	)

	// Store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_store_operations_total",
			Help: "Total number of request store operations",
		},
		[]string{"backend", "op", "status"},
	)

	// Outbound LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_llm_requests_total",
			Help: "Total number of LLM completions requested by live tools",
		},
		[]string{"provider", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_llm_latency_seconds",
			Help:    "LLM completion latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"provider"},
	)

	// Archive metrics
	ReportsArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_reports_archived_total",
			Help: "Total number of report archive uploads",
		},
		[]string{"status"},
	)
)

// RecordAnalysisMetrics records metrics for an analysis that reached a terminal status
func RecordAnalysisMetrics(status string, durationSeconds float64) {
	AnalysesCompleted.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		AnalysisDuration.WithLabelValues(status).Observe(durationSeconds)
	}
}

// RecordStageAttempt records a single tool invocation
func RecordStageAttempt(stage, result string) {
	StageAttempts.WithLabelValues(stage, result).Inc()
}

// RecordStageMetrics records the overall duration of a stage
func RecordStageMetrics(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordToolError records a classified tool error
func RecordToolError(stage, kind string) {
	ToolErrors.WithLabelValues(stage, kind).Inc()
}

// RecordCacheLookup records a cache hit or miss for a tier
func RecordCacheLookup(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
		return
	}
	CacheMisses.WithLabelValues(tier).Inc()
}

// RecordStoreOperation records a request store call
func RecordStoreOperation(backend, op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreOperations.WithLabelValues(backend, op, status).Inc()
}

// RecordLLMMetrics records an outbound completion
func RecordLLMMetrics(provider, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(provider, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(provider).Observe(durationSeconds)
	}
}
