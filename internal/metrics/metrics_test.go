package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"mailqueue/internal/models"
)

type statsFunc func(ctx context.Context) (models.Stats, error)

func (f statsFunc) Stats(ctx context.Context) (models.Stats, error) { return f(ctx) }

func TestUpdateQueueGauges(t *testing.T) {
	src := statsFunc(func(ctx context.Context) (models.Stats, error) {
		return models.Stats{
			StatusCounts: models.StatusCounts{Pending: 4, Sending: 1, Sent: 9, Failed: 2, Total: 16},
			FastPathSize: 3,
		}, nil
	})

	updateQueueGauges(context.Background(), src, zap.NewNop())

	assert.Equal(t, 4.0, testutil.ToFloat64(queueJobs.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queueJobs.WithLabelValues("sending")))
	assert.Equal(t, 9.0, testutil.ToFloat64(queueJobs.WithLabelValues("sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(queueJobs.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(fastPathSize))
}

func TestUpdateQueueGaugesStoreDown(t *testing.T) {
	SetQueueJobs("pending", 7)

	src := statsFunc(func(ctx context.Context) (models.Stats, error) {
		return models.Stats{FastPathSize: 5}, errors.New("connection refused")
	})
	updateQueueGauges(context.Background(), src, zap.NewNop())

	// store figures keep their last value
	assert.Equal(t, 7.0, testutil.ToFloat64(queueJobs.WithLabelValues("pending")))
	assert.Equal(t, 5.0, testutil.ToFloat64(fastPathSize))
}

func TestGaugesClampNegative(t *testing.T) {
	SetQueueJobs("sent", -1)
	SetFastPathSize(-3)

	assert.Zero(t, testutil.ToFloat64(queueJobs.WithLabelValues("sent")))
	assert.Zero(t, testutil.ToFloat64(fastPathSize))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(emailFailures.WithLabelValues(ReasonTimeout))
	IncFailure(ReasonTimeout)
	assert.Equal(t, before+1, testutil.ToFloat64(emailFailures.WithLabelValues(ReasonTimeout)))

	before = testutil.ToFloat64(jobsFailed.WithLabelValues(FailedExhausted))
	IncJobFailed(FailedExhausted)
	assert.Equal(t, before+1, testutil.ToFloat64(jobsFailed.WithLabelValues(FailedExhausted)))

	before = testutil.ToFloat64(degradedEnqueues)
	IncDegradedEnqueue()
	assert.Equal(t, before+1, testutil.ToFloat64(degradedEnqueues))
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/jobs/{id}", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/abc", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/jobs/{id}", "404")))

	// implicit 200 from Write
	before = testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ok", "200"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ok", "200")))
}

func TestInitIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}
