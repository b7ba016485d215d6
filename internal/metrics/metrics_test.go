package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserversUpdateCollectors(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.ObserveJob("capture", "completed")
	m.ObserveJob("capture", "completed")
	m.ObservePageWrite("written")
	m.ObserveReconcileCategory("missing", 3)
	m.ObserveReconcileCategory("new", 0)
	m.ObserveUpload("active", 2*time.Second)
	m.ObserveIndexTask("scheduled")
	m.ObserveFetch(200, 100*time.Millisecond)
	m.ObserveRobotsFallback()
	m.ObserveRateLimitDelay("acme.test", time.Second)

	require.InDelta(t, 2, testutil.ToFloat64(m.jobsTotal.WithLabelValues("capture", "completed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.pagesWrittenTotal.WithLabelValues("written")), 0)
	require.InDelta(t, 3, testutil.ToFloat64(m.reconcilePagesTotal.WithLabelValues("missing")), 0)
	require.InDelta(t, 0, testutil.ToFloat64(m.reconcilePagesTotal.WithLabelValues("new")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.indexUploadsTotal.WithLabelValues("active")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.indexTasksTotal.WithLabelValues("scheduled")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.fetchRequestsTotal.WithLabelValues("200")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.robotsFallbackTotal), 0)
	require.Equal(t, 1, testutil.CollectAndCount(m.operationWaitSeconds))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveJob("capture", "failed")
		m.ObserveUpload("failed", time.Second)
		m.ObserveHTTPRequest("GET", "/", 200, time.Millisecond)
	})
}

func TestMiddlewareAndHandler(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	for _, p := range []string{"/test", "/notfound"} {
		resp, err := http.Get(ts.URL + p)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}
	require.InDelta(t, 1, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "200")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "404")), 0)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "http_request_duration_seconds")
}
