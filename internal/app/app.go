// Package app holds the long-lived services of a crawler process and builds
// the per-run component graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/api"
	"github.com/JakeFAU/marketplace-crawler/internal/budget"
	"github.com/JakeFAU/marketplace-crawler/internal/checkpoint"
	"github.com/JakeFAU/marketplace-crawler/internal/clock/system"
	"github.com/JakeFAU/marketplace-crawler/internal/config"
	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/marketplace-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/marketplace-crawler/internal/fetcher/retry"
	"github.com/JakeFAU/marketplace-crawler/internal/hash/sha256"
	"github.com/JakeFAU/marketplace-crawler/internal/id/uuid"
	"github.com/JakeFAU/marketplace-crawler/internal/logging"
	"github.com/JakeFAU/marketplace-crawler/internal/metrics"
	"github.com/JakeFAU/marketplace-crawler/internal/orchestrator"
	"github.com/JakeFAU/marketplace-crawler/internal/parser"
	"github.com/JakeFAU/marketplace-crawler/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/marketplace-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/marketplace-crawler/internal/sitemap"
	gcsstorage "github.com/JakeFAU/marketplace-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/marketplace-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/marketplace-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/marketplace-crawler/internal/storage/postgres"
	"github.com/JakeFAU/marketplace-crawler/internal/telemetry"
)

// App contains the process-wide dependencies shared by every run.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      crawler.Clock
	ids        crawler.IDGenerator
	registry   *prometheus.Registry
	collectors *metrics.Collectors

	blobStore crawler.BlobStore
	writer    crawler.StorageWriter
	sinks     []crawler.RunSink
	status    *api.Server

	pool         *pgxpool.Pool
	gcs          *storage.Client
	pubsubClient *pubsub.Client
	topic        *pubsub.Topic
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies from cfg. Callers must Close
// the returned App.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		ids:        uuid.New(),
		registry:   registry,
		collectors: metrics.NewCollectors(registry),
	}
	logger.Info("building application dependencies",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("blob_driver", cfg.Blob.Driver),
		zap.Bool("pubsub", cfg.PubSub.Topic != ""),
		zap.Bool("status_server", cfg.Metrics.ListenAddr != ""))

	if err := a.setup(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) setup(ctx context.Context) error {
	var err error
	if a.cfg.Tracing.Enabled {
		a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Options{ServiceName: a.cfg.Tracing.ServiceName})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
	}
	if a.blobStore, err = a.setupBlobStore(ctx); err != nil {
		return err
	}
	if err = a.setupDatabase(ctx); err != nil {
		return err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return err
	}
	a.setupStatusServer()
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Blob.Driver {
	case "gcs":
		var err error
		a.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(a.gcs, gcsstorage.Config{Bucket: a.cfg.Blob.Bucket, Prefix: a.cfg.Blob.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Blob.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob store", zap.String("path", a.cfg.Blob.BaseDir))
		return store, nil
	default:
		a.logger.Info("using in-memory blob store")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Storage.Driver != "postgres" {
		a.logger.Warn("using in-memory record writer, records are not persisted")
		a.writer = memoryStorage.NewRecordWriter()
		return nil
	}
	var err error
	a.pool, err = pgstore.Connect(ctx, pgstore.PoolConfig{
		DSN:      a.cfg.Storage.DSN,
		MaxConns: int32(a.cfg.Storage.MaxConns), //nolint:gosec // bounded by config validation
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if a.cfg.Storage.EnsureSchema {
		if err := pgstore.EnsureSchema(ctx, a.pool); err != nil {
			return err
		}
	}
	writer, err := pgstore.NewRecordStore(a.pool, pgstore.RecordStoreConfig{
		HistoryTable: a.cfg.Storage.HistoryTable,
		CurrentTable: a.cfg.Storage.CurrentTable,
		ChunkSize:    a.cfg.Storage.ChunkSize,
	}, a.logger.Named("record_store"))
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	runs, err := pgstore.NewRunStore(a.pool, a.cfg.Storage.RunsTable)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.writer = writer
	a.sinks = append(a.sinks, runs)
	a.logger.Info("postgres record store initialized",
		zap.String("history_table", a.cfg.Storage.HistoryTable),
		zap.String("current_table", a.cfg.Storage.CurrentTable))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.Topic == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, run summaries stay local")
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.topic = a.pubsubClient.Topic(a.cfg.PubSub.Topic)
	a.sinks = append(a.sinks, gcppublisher.New(a.topic))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic))
	return nil
}

func (a *App) setupStatusServer() {
	if a.cfg.Metrics.ListenAddr == "" {
		return
	}
	logPath := a.cfg.Metrics.LogPath
	a.status = api.NewServer(a.registry, api.Options{
		APIKey:     a.cfg.Metrics.APIKey,
		History:    func() ([]crawler.RunMetrics, error) { return metrics.ReadLog(logPath) },
		Middleware: []func(next http.Handler) http.Handler{a.collectors.Middleware},
	}, a.logger.Named("api"))
}

// Writer exposes the configured record writer.
func (a *App) Writer() crawler.StorageWriter {
	return a.writer
}

// Registry exposes the Prometheus registry backing /metrics.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Checkpoint opens the configured checkpoint store without loading it.
func (a *App) Checkpoint() *checkpoint.Store {
	return checkpoint.New(a.cfg.Checkpoint.Path, a.clock)
}

// Discover runs sitemap discovery alone, without crawling.
func (a *App) Discover(ctx context.Context) (crawler.SitemapSnapshot, error) {
	d, err := a.newDiscoverer(a.newSingleFetcher(), a.logger.Named("sitemap"))
	if err != nil {
		return crawler.SitemapSnapshot{}, err
	}
	return d.Discover(ctx)
}

// Crawl executes one run and returns its sealed metrics. The error wraps a
// crawler run-level sentinel when the run did not complete.
func (a *App) Crawl(ctx context.Context) (crawler.RunMetrics, error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return crawler.RunMetrics{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := logging.ForRun(a.logger, runID)

	orch, err := a.newOrchestrator(runID, logger)
	if err != nil {
		return crawler.RunMetrics{}, err
	}

	if a.status != nil {
		a.status.SetProgressProvider(orch)
		serveCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.status.Serve(serveCtx, a.cfg.Metrics.ListenAddr); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			stop()
			<-done
		}()
	}

	return orch.Run(ctx)
}

func (a *App) newOrchestrator(runID string, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	recorder := metrics.NewRecorder(runID, a.clock, a.collectors)
	gate, err := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.RateLimit,
		JitterMin:         time.Duration(a.cfg.JitterMinMs) * time.Millisecond,
		JitterMax:         time.Duration(a.cfg.JitterMaxMs) * time.Millisecond,
	}, a.clock, recorder)
	if err != nil {
		return nil, fmt.Errorf("rate gate init failed: %w", err)
	}

	single := a.newSingleFetcher()
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = a.cfg.MaxRetries
	policy.InitialWait = time.Duration(a.cfg.BackoffInitialSeconds) * time.Second
	policy.MaxWait = time.Duration(a.cfg.BackoffMaxSeconds) * time.Second
	fetcher := retry.New(retry.Config{
		Policy:        policy,
		Timeout:       a.cfg.RequestTimeout(),
		SlowThreshold: time.Duration(a.cfg.SlowRequestSeconds) * time.Second,
		UserAgents:    a.cfg.UserAgents,
	}, single, gate, a.clock, recorder, logger.Named("fetcher"))

	discoverer, err := a.newDiscoverer(single, logger.Named("sitemap"))
	if err != nil {
		return nil, err
	}

	hasher := sha256.New()
	sinks := append([]crawler.RunSink{metrics.NewLogSink(a.cfg.Metrics.LogPath)}, a.sinks...)
	orch, err := orchestrator.New(orchestrator.Config{
		RunID:           runID,
		Workers:         a.cfg.Workers,
		BatchSize:       a.cfg.Checkpoint.BatchSize,
		MaxRequeues:     a.cfg.MaxRequeues,
		GracePeriod:     a.cfg.RequestTimeout() + 5*time.Second,
		ArchivePayloads: a.cfg.Blob.ArchivePayloads,
	}, orchestrator.Dependencies{
		Discoverer: discoverer,
		Fetcher:    fetcher,
		Parser:     parser.New(hasher, a.clock),
		Writer:     a.writer,
		Checkpoint: a.Checkpoint(),
		Budget:     budget.New(a.cfg.Budget(), a.clock, logger.Named("budget")),
		Recorder:   recorder,
		Clock:      a.clock,
		BlobStore:  a.blobStore,
		Archiver:   hasher,
		Gauge:      a.collectors,
		Sinks:      sinks,
	}, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	return orch, nil
}

func (a *App) newSingleFetcher() *collyfetcher.Fetcher {
	var ua string
	if len(a.cfg.UserAgents) > 0 {
		ua = a.cfg.UserAgents[0]
	}
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:    ua,
		Timeout:      a.cfg.RequestTimeout(),
		MaxBodyBytes: a.cfg.Site.MaxBodyBytes,
	})
}

func (a *App) newDiscoverer(fetcher crawler.Fetcher, logger *zap.Logger) (*sitemap.Discoverer, error) {
	var cache *sitemap.Cache
	if a.cfg.SitemapCacheEnabled {
		cache = sitemap.NewCache(a.blobStore, a.cfg.Blob.CacheKey)
	}
	var ua string
	if len(a.cfg.UserAgents) > 0 {
		ua = a.cfg.UserAgents[0]
	}
	d, err := sitemap.New(sitemap.Config{
		SitemapURL:  a.cfg.Site.SitemapURL,
		BaseURL:     a.cfg.Site.BaseURL,
		MinURLs:     a.cfg.MinURLsThreshold,
		CacheMaxAge: time.Duration(a.cfg.SitemapCacheMaxAge) * time.Second,
		MaxWait:     a.cfg.SitemapMaxWait(),
		Timeout:     a.cfg.RequestTimeout(),
		UserAgent:   ua,
		Enabled:     a.cfg.EnabledCategories(),
		Patterns:    a.cfg.CategoryPatterns(),
	}, fetcher, cache, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("sitemap discoverer init failed: %w", err)
	}
	return d, nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.topic != nil {
		a.topic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	for _, err := range errs {
		a.logger.Warn("shutdown step failed", zap.Error(err))
	}
	a.logger.Debug("shutdown complete")
	return errors.Join(errs...)
}
