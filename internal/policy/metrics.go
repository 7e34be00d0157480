package policy

import (
	"crypto/sha1"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission evaluation metrics
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_policy_evaluations_total",
			Help: "Total number of admission policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating admission policies",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		},
		[]string{"mode", "cache_hit"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_policy_errors_total",
			Help: "Total number of admission policy errors",
		},
		[]string{"error_type", "mode"},
	)

	// Requests dry-run let through that enforce would have rejected
	policyDryRunDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analyst_policy_dry_run_would_deny_total",
			Help: "Requests admitted in dry-run mode that the policy denied",
		},
	)

	policyLoadTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyst_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
	)

	policyCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyst_policy_modules_loaded",
			Help: "Number of rego modules currently loaded",
		},
	)

	policyVersionInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analyst_policy_version_info",
			Help: "Loaded policy version (value always 1)",
		},
		[]string{"source", "version_hash"},
	)

	policyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_policy_cache_lookups_total",
			Help: "Admission decision cache lookups",
		},
		[]string{"result"},
	)

	policyCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyst_policy_cache_entries",
			Help: "Current number of cached admission decisions",
		},
	)

	policyDenyReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_policy_deny_reasons_total",
			Help: "Admission denials by reason",
		},
		[]string{"reason_hash", "truncated_reason"},
	)
)

// RecordEvaluation records a policy evaluation result
func RecordEvaluation(allow bool, mode Mode) {
	decision := "allow"
	if !allow {
		decision = "deny"
	}
	policyEvaluations.WithLabelValues(decision, string(mode)).Inc()
}

// RecordEvaluationDuration records the time spent evaluating a policy
func RecordEvaluationDuration(mode Mode, cacheHit bool, seconds float64) {
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	policyEvaluationDuration.WithLabelValues(string(mode), label).Observe(seconds)
}

// RecordError records a policy evaluation error
func RecordError(errorType string, mode Mode) {
	policyErrors.WithLabelValues(errorType, string(mode)).Inc()
}

func RecordDryRunDivergence() {
	policyDryRunDivergence.Inc()
}

// RecordPolicyLoad records a successful (re)load
func RecordPolicyLoad(source, version string, modules int, timestamp float64) {
	policyLoadTime.Set(timestamp)
	policyCount.Set(float64(modules))
	policyVersionInfo.Reset()
	policyVersionInfo.WithLabelValues(source, version).Set(1)
}

func RecordCacheLookup(hit bool) {
	if hit {
		policyCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	policyCacheLookups.WithLabelValues("miss").Inc()
}

func RecordCacheSize(size int) {
	policyCacheSize.Set(float64(size))
}

// RecordDenyReason records a denial reason with bounded label size
func RecordDenyReason(reason string) {
	policyDenyReasons.WithLabelValues(hashString(reason), truncateString(reason, 50)).Inc()
}

// hashString creates a consistent hash for high-cardinality strings
func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
