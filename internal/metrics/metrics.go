// Package metrics defines the Prometheus collectors shared by the worker
// and API services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsReceivedTotal counts queue items dequeued by the worker.
	JobsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datapilot_jobs_received_total",
		Help: "Total number of queue items dequeued",
	})

	// JobsCompletedTotal counts jobs that reached a terminal state,
	// labelled by that state (completed, failed, cancelled).
	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapilot_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal state",
	}, []string{"status"})

	// JobDuration tracks end-to-end processing time per job.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "datapilot_job_duration_seconds",
		Help:    "Job processing duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// LLMCallsTotal counts attempts against the LLM API.
	LLMCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datapilot_llm_calls_total",
		Help: "Total number of LLM API call attempts",
	})

	// LLMFailuresTotal counts LLM paths that ended in failure.
	LLMFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datapilot_llm_failures_total",
		Help: "Total number of failed LLM generation paths",
	})

	// LLMFallbacksTotal counts fallback bundles, labelled by reason.
	LLMFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapilot_llm_fallbacks_total",
		Help: "Total number of deterministic fallback bundles produced",
	}, []string{"reason"})

	// LLMCallDuration tracks successful generation latency.
	LLMCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "datapilot_llm_call_duration_seconds",
		Help:    "Successful LLM generation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BreakerOpen reports whether the LLM circuit breaker is open.
	BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datapilot_llm_breaker_open",
		Help: "1 when the LLM circuit breaker is open, 0 otherwise",
	})
)
