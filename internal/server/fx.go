// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/api"
	"github.com/JakeFAU/sitecorpus/internal/capture"
	"github.com/JakeFAU/sitecorpus/internal/clock/system"
	"github.com/JakeFAU/sitecorpus/internal/config"
	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/dispatcher"
	"github.com/JakeFAU/sitecorpus/internal/extract"
	collyfetcher "github.com/JakeFAU/sitecorpus/internal/fetcher/colly"
	"github.com/JakeFAU/sitecorpus/internal/hash/sha256"
	"github.com/JakeFAU/sitecorpus/internal/id/uuid"
	"github.com/JakeFAU/sitecorpus/internal/indexer/httpapi"
	memindexer "github.com/JakeFAU/sitecorpus/internal/indexer/memory"
	"github.com/JakeFAU/sitecorpus/internal/indexing"
	"github.com/JakeFAU/sitecorpus/internal/logging"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/pipeline"
	"github.com/JakeFAU/sitecorpus/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/sitecorpus/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/sitecorpus/internal/queue/memory"
	"github.com/JakeFAU/sitecorpus/internal/reconcile"
	"github.com/JakeFAU/sitecorpus/internal/retry"
	gcsstorage "github.com/JakeFAU/sitecorpus/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitecorpus/internal/storage/local"
	memoryStorage "github.com/JakeFAU/sitecorpus/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitecorpus/internal/storage/postgres"
	"github.com/JakeFAU/sitecorpus/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	store      corpus.Store
	pgStore    *pgstore.Store
	blobs      corpus.BlobStore
	indexer    corpus.Indexer
	capture    *capture.Orchestrator
	reconciler *reconcile.Reconciler
	decoupler  *indexing.Decoupler
	worker     *worker.Worker
	scheduler  corpus.IndexScheduler
	apiServer  *api.Server

	queue        *queueMemory.Queue
	dispatch     *dispatcher.Dispatcher
	dispatchOnce sync.Once
	dispatchDone chan struct{}
	closeOnce    sync.Once

	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("indexer_backend", cfg.Indexer.Backend),
		zap.String("scheduler_backend", cfg.Scheduler.Backend),
	)

	app := &App{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics.New(prometheus.NewRegistry()),
		dispatchDone: make(chan struct{}),
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	clock := system.New()
	ids := uuid.New()
	hasher := sha256.New()

	var err error
	if a.blobs, err = a.setupStorage(ctx); err != nil {
		return err
	}
	if a.store, err = a.setupDatabase(ctx, clock); err != nil {
		return err
	}
	if a.indexer, err = a.setupIndexer(); err != nil {
		return err
	}
	fetcher := a.setupFetcher(ids)

	writer := pipeline.New(a.cfg.Capture, a.store, fetcher, hasher, a.blobs, clock, ids, a.logger, a.metrics)
	ledger := pipeline.NewLedger(a.store, clock, ids, a.logger, a.metrics)

	a.decoupler = indexing.New(a.cfg.Indexing, a.store, a.indexer, ledger, clock, a.logger, a.metrics)
	a.worker = worker.New(
		nil,
		a.decoupler,
		retry.NewExponentialPolicy(a.cfg.Scheduler.Retry),
		a.logger.Named("worker"),
		a.metrics,
	)
	if a.scheduler, err = a.setupScheduler(ctx); err != nil {
		return err
	}

	a.reconciler = reconcile.New(a.cfg.Reconcile, reconcile.Deps{
		Store:     a.store,
		Fetcher:   fetcher,
		Hasher:    hasher,
		Writer:    writer,
		Ledger:    ledger,
		Scheduler: a.scheduler,
		Clock:     clock,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
	a.capture = capture.New(capture.Deps{
		Store:      a.store,
		Fetcher:    fetcher,
		Indexer:    a.indexer,
		Writer:     writer,
		Ledger:     ledger,
		Reconciler: a.reconciler,
		Scheduler:  a.scheduler,
		Clock:      clock,
		IDs:        ids,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})

	var apiKey string
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.store, a.capture, a.reconciler, a.decoupler, a.logger, api.Options{
		APIKey:         apiKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Ready:          a.ready,
		Metrics:        a.metrics,
	})
	return nil
}

func (a *App) setupStorage(ctx context.Context) (corpus.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobs, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context, clock corpus.Clock) (corpus.Store, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using the in-memory record store")
		return memoryStorage.NewStore(clock), nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	}, clock)
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	a.logger.Info("postgres record store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return store, nil
}

func (a *App) setupIndexer() (corpus.Indexer, error) {
	if a.cfg.Indexer.Backend == config.BackendHTTP {
		client, err := httpapi.New(a.cfg.Indexer.HTTP, nil, a.logger)
		if err != nil {
			return nil, fmt.Errorf("indexer client init failed: %w", err)
		}
		a.logger.Info("using HTTP indexing service", zap.String("base_url", a.cfg.Indexer.HTTP.BaseURL))
		return client, nil
	}
	a.logger.Info("using in-memory indexing service")
	return memindexer.New(memindexer.Config{AcceptAfterPolls: a.cfg.Indexer.AcceptAfterPolls}), nil
}

func (a *App) setupFetcher(ids corpus.IDGenerator) corpus.ContentFetcher {
	limiter := ratelimit.New(a.cfg.Fetcher.RateLimit, a.metrics.ObserveRateLimitDelay)
	extractor := extract.New(extract.NewDetector(a.cfg.Fetcher.Languages))
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Fetcher.UserAgent),
		zap.Bool("respect_robots", a.cfg.Fetcher.RespectRobots),
		zap.Float64("rps", a.cfg.Fetcher.RateLimit.RPS),
	)
	return collyfetcher.New(a.cfg.Fetcher.Config, a.logger, extractor, limiter, ids, collyfetcher.Hooks{
		OnFetch:          a.metrics.ObserveFetch,
		OnRobotsFallback: a.metrics.ObserveRobotsFallback,
	})
}

func (a *App) setupScheduler(ctx context.Context) (corpus.IndexScheduler, error) {
	if a.cfg.Scheduler.Backend == config.BackendPubSub {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = client.Publisher(a.cfg.PubSub.TopicName)
		a.logger.Info("Pub/Sub index scheduler initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
		return gcppublisher.New(a.pubsubPublisher), nil
	}

	a.queue = queueMemory.NewQueue(a.cfg.Scheduler.QueueDepth)
	policy := retry.NewExponentialPolicy(a.cfg.Scheduler.Retry)
	workers := make([]*worker.Worker, 0, a.cfg.Scheduler.Workers)
	for i := 0; i < a.cfg.Scheduler.Workers; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.decoupler,
			policy,
			a.logger.Named("worker").With(zap.Int("index", i)),
			a.metrics,
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	a.logger.Info("in-process index scheduler initialized", zap.Int("workers", len(workers)))
	return a.dispatch, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pgStore == nil {
		return nil
	}
	return a.pgStore.Ping(ctx)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Capture runs the capture stage.
func (a *App) Capture(ctx context.Context, seed, name string) (corpus.CaptureResult, error) {
	return a.capture.Capture(ctx, seed, name)
}

// Reconcile runs the reconciliation stage.
func (a *App) Reconcile(ctx context.Context, websiteID string) (corpus.ReconcileResult, error) {
	return a.reconciler.Reconcile(ctx, websiteID)
}

// Index runs the indexing stage directly, bypassing the scheduler.
func (a *App) Index(ctx context.Context, websiteID string, opts corpus.IndexOptions) (corpus.IndexResult, error) {
	return a.decoupler.Index(ctx, websiteID, opts)
}

// Migrate applies the Postgres schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgStore == nil {
		return errors.New("migrate requires db.dsn")
	}
	if err := a.pgStore.Migrate(ctx); err != nil {
		return err
	}
	a.logger.Info("schema applied")
	return nil
}

// StartDispatcher runs the in-process workers in the background. It is a
// no-op for the Pub/Sub scheduler.
func (a *App) StartDispatcher(ctx context.Context) {
	if a.dispatch == nil {
		return
	}
	a.dispatchOnce.Do(func() {
		go func() {
			defer close(a.dispatchDone)
			a.logger.Info("dispatcher started")
			a.dispatch.Run(ctx)
		}()
	})
}

// Drain closes the in-process queue and waits for scheduled indexing runs
// to finish or ctx to end.
func (a *App) Drain(ctx context.Context) error {
	if a.dispatch == nil {
		return nil
	}
	a.queue.Close()
	// A dispatcher that never started has nothing to wait for.
	a.dispatchOnce.Do(func() { close(a.dispatchDone) })
	select {
	case <-a.dispatchDone:
	case <-ctx.Done():
		return fmt.Errorf("drain dispatcher: %w", ctx.Err())
	}
	if n := a.queue.Len(); n > 0 {
		a.logger.Warn("indexing tasks left in queue", zap.Int("pending", n))
	}
	return nil
}

// Run starts the HTTP server and in-process workers and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.StartDispatcher(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Drain(shutdownCtx); err != nil {
		a.logger.Warn("dispatcher drain incomplete", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// RunWorker consumes indexing tasks from the Pub/Sub subscription until the
// context is canceled or a termination signal arrives.
func (a *App) RunWorker(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Subscription == "" {
		return errors.New("worker requires pubsub.project_id and pubsub.subscription")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.pubsubClient == nil {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
	}
	consumer := gcppublisher.NewConsumer(a.pubsubClient.Subscriber(a.cfg.PubSub.Subscription), a.worker.Handle, a.logger)
	a.logger.Info("indexing worker started", zap.String("subscription", a.cfg.PubSub.Subscription))
	runErr := consumer.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		return err
	}
	return runErr
}

// Close gracefully shuts down the application. Later calls are no-ops.
func (a *App) Close(_ context.Context) error {
	a.closeOnce.Do(a.close)
	return nil
}

func (a *App) close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	a.pgStore.Close()
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
