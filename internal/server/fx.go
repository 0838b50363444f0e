// Package server wires configuration into a runnable application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-archiver/internal/api"
	"github.com/JakeFAU/catalog-archiver/internal/archive"
	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/clock/system"
	"github.com/JakeFAU/catalog-archiver/internal/config"
	"github.com/JakeFAU/catalog-archiver/internal/dispatcher"
	"github.com/JakeFAU/catalog-archiver/internal/hash/sha256"
	"github.com/JakeFAU/catalog-archiver/internal/id/uuid"
	"github.com/JakeFAU/catalog-archiver/internal/logging"
	"github.com/JakeFAU/catalog-archiver/internal/processor"
	queueMemory "github.com/JakeFAU/catalog-archiver/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/catalog-archiver/internal/queue/pubsub"
	"github.com/JakeFAU/catalog-archiver/internal/queue/rabbitmq"
	"github.com/JakeFAU/catalog-archiver/internal/remote"
	"github.com/JakeFAU/catalog-archiver/internal/scheduler"
	gcsstorage "github.com/JakeFAU/catalog-archiver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-archiver/internal/storage/local"
	memoryStorage "github.com/JakeFAU/catalog-archiver/internal/storage/memory"
	miniostorage "github.com/JakeFAU/catalog-archiver/internal/storage/minio"
	pgstore "github.com/JakeFAU/catalog-archiver/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/catalog-archiver/internal/storage/sqlite"
	"github.com/JakeFAU/catalog-archiver/internal/synchronizer"
	"github.com/JakeFAU/catalog-archiver/internal/telemetry"
	"github.com/JakeFAU/catalog-archiver/internal/trigger"
)

// Version is reported as the tracing service version.
var Version = "dev"

// Trigger names.
const (
	TriggerSync   = "sync"
	TriggerFanout = "fanout"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store    catalog.Store
	blobs    catalog.BlobStore
	queue    catalog.QueueBackend
	remote   *remote.Client
	sync     *synchronizer.Synchronizer
	sched    *scheduler.Scheduler
	proc     *processor.Processor
	dispatch *dispatcher.Dispatcher
	triggers *trigger.Runner
	api      *api.Server

	pubsubClient   *pubsub.Client
	gcsClient      *storage.Client
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. Resources opened before a
// failure are released before returning.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.TracingConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("storage", cfg.Storage.Backend),
	)

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err = setupQueue(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPipeline(app); err != nil {
		return nil, err
	}
	if err = setupTriggers(app); err != nil {
		return nil, err
	}

	app.api = api.NewServer(api.Deps{
		Store:     app.store,
		Sync:      app.sync,
		Scheduler: app.sched,
	}, cfg, logger)
	return app, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	db := app.cfg.Database
	switch db.Backend {
	case "postgres":
		store, err := pgstore.NewCatalogStore(ctx, pgstore.Config{
			DSN:             db.DSN,
			CatalogTable:    db.CatalogTable,
			StagingTable:    db.StagingTable,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres catalog store init failed: %w", err)
		}
		app.store = store
	case "sqlite":
		store, err := sqlitestore.Open(sqlitestore.Config{
			Path:         db.SQLitePath,
			CatalogTable: db.CatalogTable,
			StagingTable: db.StagingTable,
		})
		if err != nil {
			return fmt.Errorf("sqlite catalog store init failed: %w", err)
		}
		app.store = store
	default:
		app.logger.Warn("using in-memory catalog store; state is lost on restart")
		app.store = memoryStorage.NewCatalogStore()
	}
	if err := app.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	app.logger.Info("catalog store ready",
		zap.String("backend", db.Backend),
		zap.String("table", db.CatalogTable),
	)
	return nil
}

func setupStorage(ctx context.Context, app *App) error {
	st := app.cfg.Storage
	switch st.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: st.GCS.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using GCS storage backend", zap.String("bucket", st.GCS.Bucket))
	case "minio":
		mcfg := miniostorage.Config{
			Endpoint:     st.Minio.Endpoint,
			AccessKey:    st.Minio.AccessKey,
			SecretKey:    st.Minio.SecretKey,
			Bucket:       st.Minio.Bucket,
			Region:       st.Minio.Region,
			UseSSL:       st.Minio.UseSSL,
			CreateBucket: true,
		}
		client, err := miniostorage.NewClient(mcfg)
		if err != nil {
			return fmt.Errorf("minio client init failed: %w", err)
		}
		blobs, err := miniostorage.New(ctx, client, mcfg)
		if err != nil {
			return fmt.Errorf("minio blob store init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using minio storage backend",
			zap.String("endpoint", st.Minio.Endpoint),
			zap.String("bucket", st.Minio.Bucket),
		)
	case "local":
		blobs, err := localstorage.New(st.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using local storage backend", zap.String("path", st.Local.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		app.blobs = memoryStorage.NewBlobStore()
	}
	return nil
}

func setupQueue(ctx context.Context, app *App) error {
	q := app.cfg.Queue
	switch q.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, q.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		queue, err := queuePubSub.New(client, queuePubSub.Config{
			TopicName:        q.PubSub.TopicName,
			SubscriptionName: q.PubSub.SubscriptionName,
			Concurrency:      app.cfg.Processor.Concurrency,
		}, app.logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		app.queue = queue
		app.logger.Info("Pub/Sub queue initialized",
			zap.String("project", q.PubSub.ProjectID),
			zap.String("topic", q.PubSub.TopicName),
			zap.String("subscription", q.PubSub.SubscriptionName),
		)
	case "rabbitmq":
		queue, err := rabbitmq.Dial(rabbitmq.Config{
			URL:                q.RabbitMQ.URL,
			QueueName:          q.RabbitMQ.QueueName,
			Prefetch:           q.RabbitMQ.Prefetch,
			MaxAttempts:        q.MaxAttempts,
			DeadLetterExchange: q.RabbitMQ.DeadLetterExchange,
		}, app.logger.Named("rabbitmq"))
		if err != nil {
			return fmt.Errorf("rabbitmq queue init failed: %w", err)
		}
		app.queue = queue
		app.logger.Info("RabbitMQ queue initialized", zap.String("queue", q.RabbitMQ.QueueName))
	default:
		app.logger.Warn("using in-memory queue; items are lost on restart")
		app.queue = queueMemory.NewQueue(queueMemory.Config{
			Capacity:    q.Depth,
			MaxAttempts: q.MaxAttempts,
			Workers:     app.cfg.Processor.Concurrency,
		}, app.logger.Named("queue"))
	}
	return nil
}

func setupPipeline(app *App) error {
	rc := app.cfg.Remote
	client, err := remote.New(remote.Config{
		CatalogURL:     rc.CatalogURL,
		DetailURL:      rc.DetailURL,
		UserAgent:      rc.UserAgent,
		MaxPages:       rc.MaxPages,
		RateLimitRPS:   rc.RateLimitRPS,
		RateLimitBurst: rc.RateLimitBurst,
	}, remote.NewHTTPClient(app.cfg.RemoteTimeout(), rc.MaxIdleConns), app.logger)
	if err != nil {
		return fmt.Errorf("remote client init failed: %w", err)
	}
	app.remote = client

	clock := system.New()
	writer := archive.New(app.blobs, archive.Config{
		Prefix:      app.cfg.Storage.Prefix,
		Extension:   app.cfg.Storage.Extension,
		ContentType: app.cfg.Storage.ContentType,
	}, sha256.New())

	app.sync = synchronizer.New(client, app.store, app.logger)
	app.sched = scheduler.New(app.store, app.queue, clock, uuid.New(), app.logger)
	app.proc = processor.New(client, writer, app.store, clock, processor.Config{
		Timeout: app.cfg.ProcessorTimeout(),
	}, app.logger)
	app.dispatch = dispatcher.New(app.queue, app.proc.Process, dispatcher.Config{
		MaxAttempts: app.cfg.Queue.MaxAttempts,
	}, app.logger)

	app.logger.Info("pipeline configured",
		zap.String("catalog_url", rc.CatalogURL),
		zap.Int("max_pages", rc.MaxPages),
		zap.Int("concurrency", app.cfg.Processor.Concurrency),
		zap.Duration("item_timeout", app.cfg.ProcessorTimeout()),
	)
	return nil
}

func setupTriggers(app *App) error {
	if !app.cfg.Schedule.Enabled {
		app.logger.Info("periodic triggers disabled")
		return nil
	}
	app.triggers = trigger.New(app.logger)
	if err := app.triggers.Register(TriggerSync, app.cfg.Schedule.Sync, func(ctx context.Context) error {
		_, err := app.sync.Run(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register sync trigger: %w", err)
	}
	if err := app.triggers.Register(TriggerFanout, app.cfg.Schedule.Fanout, func(ctx context.Context) error {
		_, err := app.sched.Run(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register fanout trigger: %w", err)
	}
	for _, name := range []string{TriggerSync, TriggerFanout} {
		if next, ok := app.triggers.Next(name); ok {
			app.logger.Info("trigger scheduled", zap.String("trigger", name), zap.Time("next", next))
		}
	}
	return nil
}

// Run serves HTTP, fires triggers and consumes the queue until the context is
// canceled or a signal arrives. The first component error stops the rest.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	if a.triggers != nil {
		g.Go(func() error { return a.triggers.Run(gctx) })
	}
	if a.cfg.Processor.Enabled {
		g.Go(func() error { return a.dispatch.Run(gctx) })
	}

	runErr := g.Wait()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// RunSync performs a single catalog sync cycle.
func (a *App) RunSync(ctx context.Context) (synchronizer.Result, error) {
	return a.sync.Run(ctx)
}

// RunSchedule performs a single fan-out cycle.
func (a *App) RunSchedule(ctx context.Context) (scheduler.Result, error) {
	return a.sched.Run(ctx)
}

// RunWorker consumes the queue without serving HTTP or firing triggers.
func (a *App) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.dispatch.Run(ctx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("catalog store close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
