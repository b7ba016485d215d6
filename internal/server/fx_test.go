package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/config"
	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Development = false
	return &cfg
}

func TestBuildWithInMemoryBackends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	require.NotNil(t, app.dispatch)
	require.Nil(t, app.pgStore)

	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/websites/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMigrateRequiresDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	require.Error(t, app.Migrate(ctx))
}

func TestStagesRejectUnknownWebsite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	_, err = app.Reconcile(ctx, "missing")
	require.ErrorIs(t, err, corpus.ErrNotFound)
	_, err = app.Index(ctx, "missing", corpus.IndexOptions{})
	require.ErrorIs(t, err, corpus.ErrNotFound)
	_, err = app.Capture(ctx, "not a url", "")
	require.ErrorIs(t, err, corpus.ErrInvalidInput)
}

func TestDrainStopsDispatcher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := Build(ctx, testConfig(t))
	require.NoError(t, err)

	app.StartDispatcher(ctx)
	require.NoError(t, app.scheduler.ScheduleIndexing(ctx, corpus.IndexTask{WebsiteID: "missing"}))

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, app.Drain(drainCtx))
	require.Zero(t, app.queue.Len())

	require.NoError(t, app.Close(ctx))
	require.NoError(t, app.Close(ctx))
}

func TestRunWorkerRequiresSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	require.Error(t, app.RunWorker(ctx))
}
