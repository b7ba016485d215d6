package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

type fakeApp struct {
	calls    []string
	indexOpt corpus.IndexOptions
	stageErr error
	closed   bool
	drained  bool
	started  bool
	config   string
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) Capture(_ context.Context, seed, name string) (corpus.CaptureResult, error) {
	f.calls = append(f.calls, "capture "+seed+" "+name)
	return corpus.CaptureResult{WebsiteID: "w1", JobID: "job-c", Captured: 2}, f.stageErr
}

func (f *fakeApp) Reconcile(_ context.Context, websiteID string) (corpus.ReconcileResult, error) {
	f.calls = append(f.calls, "reconcile "+websiteID)
	return corpus.ReconcileResult{WebsiteID: websiteID, JobID: "job-r"}, f.stageErr
}

func (f *fakeApp) Index(_ context.Context, websiteID string, opts corpus.IndexOptions) (corpus.IndexResult, error) {
	f.calls = append(f.calls, "index "+websiteID)
	f.indexOpt = opts
	return corpus.IndexResult{WebsiteID: websiteID, Indexed: 1}, f.stageErr
}

func (f *fakeApp) Migrate(context.Context) error {
	f.calls = append(f.calls, "migrate")
	return nil
}

func (f *fakeApp) StartDispatcher(context.Context) { f.started = true }

func (f *fakeApp) Drain(context.Context) error {
	f.drained = true
	return nil
}

func (f *fakeApp) Run(context.Context) error {
	f.calls = append(f.calls, "serve")
	return context.Canceled
}

func (f *fakeApp) RunWorker(context.Context) error {
	f.calls = append(f.calls, "worker")
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func execute(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, path string) (App, error) {
		app.config = path
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", "corpus.yaml"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCaptureCommandPrintsResult(t *testing.T) {
	app := &fakeApp{}
	out, err := execute(t, app, "capture", "https://acme.test", "--name", "Acme")
	require.NoError(t, err)

	var res corpus.CaptureResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "job-c", res.JobID)
	require.Equal(t, "corpus.yaml", app.config)
	require.Equal(t, []string{"capture https://acme.test Acme"}, app.calls)
	require.True(t, app.started)
	require.True(t, app.drained)
	require.True(t, app.closed)
}

func TestIndexCommandPassesJobScope(t *testing.T) {
	app := &fakeApp{}
	_, err := execute(t, app, "index", "w1", "--job", "job-7")
	require.NoError(t, err)
	require.Equal(t, corpus.IndexOptions{JobID: "job-7"}, app.indexOpt)
}

func TestReconcileCommandReturnsStageError(t *testing.T) {
	app := &fakeApp{stageErr: corpus.ErrNotCaptured}
	_, err := execute(t, app, "reconcile", "w1")
	require.ErrorIs(t, err, corpus.ErrNotCaptured)
	require.True(t, app.drained)
}

func TestCommandsValidateArguments(t *testing.T) {
	app := &fakeApp{}
	_, err := execute(t, app, "reconcile")
	require.Error(t, err)
	require.Empty(t, app.calls)
}

func TestServeTreatsCancellationAsShutdown(t *testing.T) {
	app := &fakeApp{}
	_, err := execute(t, app, "serve")
	require.NoError(t, err)
	require.Equal(t, []string{"serve"}, app.calls)
}

func TestMigrateAndWorkerCommands(t *testing.T) {
	app := &fakeApp{}
	_, err := execute(t, app, "migrate")
	require.NoError(t, err)
	_, err = execute(t, app, "worker")
	require.NoError(t, err)
	require.Equal(t, []string{"migrate", "worker"}, app.calls)
}

func TestAppFactoryFailure(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("bad config") }
	t.Cleanup(func() { newApp = orig })

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate"})
	require.ErrorContains(t, cmd.Execute(), "bad config")
}
