package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "solvere"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	intentsAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intents",
			Name:      "admitted_total",
			Help:      "Intents admitted, split by type and whether the request was new.",
		},
		[]string{"type", "new"},
	)

	intentLocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intents",
			Name:      "lock_attempts_total",
			Help:      "Intent lock attempts by outcome.",
		},
		[]string{"outcome"},
	)

	intentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intents",
			Name:      "outcomes_total",
			Help:      "Intent processing outcomes.",
		},
		[]string{"type", "outcome"},
	)

	ledgerPostings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Balanced ledger transactions posted.",
		},
		[]string{"ref_type"},
	)

	commissionsAccrued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commissions",
			Name:      "accrued_total",
			Help:      "Commissions accrued by type.",
		},
		[]string{"type"},
	)

	payoutOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payouts",
			Name:      "outcomes_total",
			Help:      "Payout execution outcomes.",
		},
		[]string{"outcome"},
	)

	reconciliationFindings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "findings_total",
			Help:      "Reconciliation findings by type.",
		},
		[]string{"type"},
	)

	reconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	queueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Queue job outcomes.",
		},
		[]string{"queue", "outcome"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		intentsAdmitted,
		intentLocks,
		intentOutcomes,
		ledgerPostings,
		commissionsAccrued,
		payoutOutcomes,
		reconciliationFindings,
		reconciliationDuration,
		queueJobs,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latency per route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func RecordIntentAdmitted(intentType string, isNew bool) {
	intentsAdmitted.WithLabelValues(intentType, strconv.FormatBool(isNew)).Inc()
}

func RecordLockAttempt(won bool) {
	outcome := "lost"
	if won {
		outcome = "won"
	}
	intentLocks.WithLabelValues(outcome).Inc()
}

func RecordIntentOutcome(intentType, outcome string) {
	intentOutcomes.WithLabelValues(intentType, outcome).Inc()
}

func RecordLedgerTransaction(refType string) {
	ledgerPostings.WithLabelValues(refType).Inc()
}

func RecordCommissionAccrued(commissionType string) {
	commissionsAccrued.WithLabelValues(commissionType).Inc()
}

func RecordPayoutOutcome(outcome string) {
	payoutOutcomes.WithLabelValues(outcome).Inc()
}

func RecordReconciliation(duration time.Duration, findingTypes []string) {
	reconciliationDuration.Observe(duration.Seconds())
	for _, t := range findingTypes {
		reconciliationFindings.WithLabelValues(t).Inc()
	}
}

func RecordJob(queue, outcome string) {
	queueJobs.WithLabelValues(queue, outcome).Inc()
}
