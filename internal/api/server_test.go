package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/clock/fake"
	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/storage/memory"
)

type fakeStages struct {
	captureRes   corpus.CaptureResult
	captureErr   error
	reconcileErr error
	indexErr     error
	seeds        []string
	indexOpts    []corpus.IndexOptions
	panicOn      string
}

func (f *fakeStages) Capture(_ context.Context, seed, name string) (corpus.CaptureResult, error) {
	if f.panicOn == "capture" {
		panic("boom")
	}
	f.seeds = append(f.seeds, seed+"|"+name)
	return f.captureRes, f.captureErr
}

func (f *fakeStages) Reconcile(_ context.Context, websiteID string) (corpus.ReconcileResult, error) {
	if f.reconcileErr != nil {
		return corpus.ReconcileResult{}, f.reconcileErr
	}
	return corpus.ReconcileResult{WebsiteID: websiteID, JobID: "job-r", Updated: 2}, nil
}

func (f *fakeStages) Index(_ context.Context, websiteID string, opts corpus.IndexOptions) (corpus.IndexResult, error) {
	f.indexOpts = append(f.indexOpts, opts)
	if f.indexErr != nil {
		return corpus.IndexResult{}, f.indexErr
	}
	return corpus.IndexResult{WebsiteID: websiteID, JobID: "job-i", Indexed: 3}, nil
}

func newTestServer(t *testing.T, stages *fakeStages, opts Options) (*Server, *memory.Store) {
	t.Helper()
	store := memory.NewStore(fake.New(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()
	_, err := store.CreateWebsite(ctx, corpus.Website{ID: "w1", BaseDomain: "acme.test", SeedURL: "https://acme.test"})
	require.NoError(t, err)
	for i, status := range []corpus.PageStatus{corpus.PageStatusPending, corpus.PageStatusPending, corpus.PageStatusError} {
		_, err := store.UpsertPage(ctx, corpus.Page{
			ID:        fmt.Sprintf("p%d", i),
			WebsiteID: "w1",
			URL:       fmt.Sprintf("https://acme.test/%d", i),
			Path:      fmt.Sprintf("/%d", i),
			Status:    status,
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.CreateJob(ctx, corpus.Job{ID: "job-1", WebsiteID: "w1", Type: corpus.JobTypeCapture, Status: corpus.JobStatusCompleted}))
	return NewServer(store, stages, stages, stages, zap.NewNop(), opts), store
}

func serve(s *Server, method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_CaptureCreatesWebsite(t *testing.T) {
	t.Parallel()

	stages := &fakeStages{captureRes: corpus.CaptureResult{WebsiteID: "w2", JobID: "job-c", Captured: 4}}
	server, _ := newTestServer(t, stages, Options{})

	rec := serve(server, http.MethodPost, "/v1/websites", `{"seed_url":"https://new.test","name":"New"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var res corpus.CaptureResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "job-c", res.JobID)
	require.Equal(t, 4, res.Captured)
	require.Equal(t, []string{"https://new.test|New"}, stages.seeds)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_CaptureDelegatedReturnsOK(t *testing.T) {
	t.Parallel()

	stages := &fakeStages{captureRes: corpus.CaptureResult{WebsiteID: "w1", Delegated: true}}
	server, _ := newTestServer(t, stages, Options{})

	rec := serve(server, http.MethodPost, "/v1/websites", `{"seed_url":"https://acme.test"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"delegated":true`)
}

func TestServer_CaptureRejectsBadRequests(t *testing.T) {
	t.Parallel()

	stages := &fakeStages{captureErr: fmt.Errorf("resolve seed: %w", corpus.ErrInvalidInput)}
	server, _ := newTestServer(t, stages, Options{})

	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodPost, "/v1/websites", "{invalid").Code)
	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodPost, "/v1/websites", `{"name":"x"}`).Code)
	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodPost, "/v1/websites", `{"seed_url":"::"}`).Code)
}

func TestServer_GetWebsite(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeStages{}, Options{})

	rec := serve(server, http.MethodGet, "/v1/websites/w1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Website corpus.Website `json:"website"`
		Pages   int            `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "acme.test", body.Website.BaseDomain)
	require.Equal(t, 3, body.Pages)

	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/websites/missing", "").Code)
}

func TestServer_ReconcileMapsErrors(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeStages{}, Options{})
	rec := serve(server, http.MethodPost, "/v1/websites/w1/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "job-r")

	cases := map[error]int{
		corpus.ErrNotCaptured:         http.StatusConflict,
		corpus.ErrNotFound:            http.StatusNotFound,
		corpus.ErrInvalidInput:        http.StatusBadRequest,
		errors.New("database is gone"): http.StatusInternalServerError,
	}
	for sentinel, want := range cases {
		server, _ := newTestServer(t, &fakeStages{reconcileErr: fmt.Errorf("website w1: %w", sentinel)}, Options{})
		rec := serve(server, http.MethodPost, "/v1/websites/w1/reconcile", "")
		require.Equal(t, want, rec.Code, sentinel.Error())
	}
}

func TestServer_IndexPassesJobScope(t *testing.T) {
	t.Parallel()

	stages := &fakeStages{}
	server, _ := newTestServer(t, stages, Options{})

	require.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/v1/websites/w1/index", `{"job_id":"job-1"}`).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/v1/websites/w1/index", "").Code)
	require.Equal(t, []corpus.IndexOptions{{JobID: "job-1"}, {}}, stages.indexOpts)
}

func TestServer_ListPagesFiltersByStatus(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeStages{}, Options{})

	rec := serve(server, http.MethodGet, "/v1/websites/w1/pages?status=error", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pages []corpus.Page `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Pages, 1)
	require.Equal(t, "p2", body.Pages[0].ID)

	rec = serve(server, http.MethodGet, "/v1/websites/w1/pages?limit=2", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Pages, 2)

	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodGet, "/v1/websites/w1/pages?status=bogus", "").Code)
	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodGet, "/v1/websites/w1/pages?limit=-1", "").Code)
	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/websites/nope/pages", "").Code)
}

func TestServer_JobsEndpoints(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeStages{}, Options{})

	rec := serve(server, http.MethodGet, "/v1/websites/w1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "job-1")

	rec = serve(server, http.MethodGet, "/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)

	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/jobs/unknown", "").Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeStages{}, Options{APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, serve(server, http.MethodGet, "/v1/jobs/job-1", "").Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/v1/jobs/job-1?api_key=secret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "").Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeStages{panicOn: "capture"}, Options{})

	rec := serve(server, http.MethodPost, "/v1/websites", `{"seed_url":"https://acme.test"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_ReadinessAndMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	ready := errors.New("database unreachable")
	server, _ := newTestServer(t, &fakeStages{}, Options{
		Metrics: m,
		Ready:   func(context.Context) error { return ready },
	})

	rec := serve(server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "database unreachable")

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "").Code)
	rec = serve(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}
