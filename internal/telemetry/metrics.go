package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarize_submissions_total", Help: "Summarization jobs enqueued"})
	SubmitRejects    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "summarize_submit_rejects_total", Help: "Submissions rejected, by reason"}, []string{"reason"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarize_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	Compensations    = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarize_compensations_total", Help: "Claims rolled back after an enqueue failure"})
	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarize_jobs_started_total", Help: "Jobs picked up by a worker"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarize_jobs_succeeded_total", Help: "Jobs that stored a summary"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "summarize_jobs_failed_total", Help: "Jobs that failed, by kind"}, []string{"kind"})
	VanishedRecords  = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarize_vanished_records_total", Help: "Jobs whose record was gone or had moved on"})
	JobsReconciled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarize_jobs_reconciled_total", Help: "Records marked failed by the reconciler"})
	LateCompletions  = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarize_late_completions_total", Help: "Jobs that timed out after their record was already done"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "summarize_queue_depth", Help: "Jobs waiting in the ready queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "summarize_inflight", Help: "Jobs currently started"})
	SummarizeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "summarize_duration_seconds",
		Help:    "Time spent in the summarization backend",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			SubmitRejects,
			RateLimitRejects,
			Compensations,
			JobsStarted,
			JobsSucceeded,
			JobsFailed,
			VanishedRecords,
			JobsReconciled,
			LateCompletions,
			QueueDepthGauge,
			InFlightGauge,
			SummarizeSeconds,
		)
	})
	return promhttp.Handler()
}
