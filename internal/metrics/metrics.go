package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure reasons for a single send attempt.
const (
	ReasonTransient = "transient"
	ReasonPermanent = "permanent"
	ReasonTimeout   = "timeout"
)

// Reasons a job ends in the failed state.
const (
	FailedExhausted = "exhausted"
	FailedPermanent = "permanent"
)

var (
	// ----------------------------
	// Delivery
	// ----------------------------
	emailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	emailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Failed send attempts by reason",
		},
		[]string{"reason"},
	)

	jobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_jobs_failed_total",
			Help: "Jobs moved to the failed state",
		},
		[]string{"reason"},
	)

	emailRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Failed attempts rescheduled for another try",
		},
	)

	sendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_send_duration_seconds",
			Help:    "Time spent in a single Sender call",
			Buckets: prometheus.DefBuckets,
		},
	)

	urgentSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_urgent_sends_total",
			Help: "Urgent (non-persisted) sends by outcome",
		},
		[]string{"outcome"},
	)

	degradedEnqueues = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_degraded_enqueues_total",
			Help: "Jobs accepted in memory only because the store was unavailable",
		},
	)

	// ----------------------------
	// Queue depth
	// ----------------------------
	queueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_queue_jobs",
			Help: "Current count of stored jobs by status",
		},
		[]string{"status"},
	)

	fastPathSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "email_fast_path_size",
			Help: "Jobs waiting in the in-memory fast path",
		},
	)

	// ----------------------------
	// HTTP
	// ----------------------------
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			emailsSent,
			emailFailures,
			jobsFailed,
			emailRetries,
			sendDuration,
			urgentSends,
			degradedEnqueues,
			queueJobs,
			fastPathSize,
			httpRequests,
			httpDuration,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func IncSent()                            { emailsSent.Inc() }
func IncFailure(reason string)            { emailFailures.WithLabelValues(reason).Inc() }
func IncJobFailed(reason string)          { jobsFailed.WithLabelValues(reason).Inc() }
func IncRetry()                           { emailRetries.Inc() }
func ObserveSendDuration(d time.Duration) { sendDuration.Observe(d.Seconds()) }
func IncUrgent(outcome string)            { urgentSends.WithLabelValues(outcome).Inc() }
func IncDegradedEnqueue()                 { degradedEnqueues.Inc() }

func SetQueueJobs(status string, count int64) {
	if count < 0 {
		count = 0
	}
	queueJobs.WithLabelValues(status).Set(float64(count))
}

func SetFastPathSize(n int) {
	if n < 0 {
		n = 0
	}
	fastPathSize.Set(float64(n))
}

func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	c := strconv.Itoa(code)
	httpRequests.WithLabelValues(method, route, c).Inc()
	httpDuration.WithLabelValues(method, route, c).Observe(d.Seconds())
}
