// Package server builds the application's dependencies from config and runs
// them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/api"
	"github.com/JakeFAU/buybox-queue/internal/browser"
	chromectx "github.com/JakeFAU/buybox-queue/internal/browser/chromedp"
	"github.com/JakeFAU/buybox-queue/internal/browser/httpctx"
	"github.com/JakeFAU/buybox-queue/internal/clock/system"
	"github.com/JakeFAU/buybox-queue/internal/config"
	"github.com/JakeFAU/buybox-queue/internal/engine"
	"github.com/JakeFAU/buybox-queue/internal/extractor"
	"github.com/JakeFAU/buybox-queue/internal/hash/sha256"
	"github.com/JakeFAU/buybox-queue/internal/id/uuid"
	"github.com/JakeFAU/buybox-queue/internal/lock"
	"github.com/JakeFAU/buybox-queue/internal/logging"
	"github.com/JakeFAU/buybox-queue/internal/metrics"
	"github.com/JakeFAU/buybox-queue/internal/progress"
	progresssinks "github.com/JakeFAU/buybox-queue/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/buybox-queue/internal/publisher/pubsub"
	"github.com/JakeFAU/buybox-queue/internal/queue"
	"github.com/JakeFAU/buybox-queue/internal/schedule"
	badgerstore "github.com/JakeFAU/buybox-queue/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/buybox-queue/internal/storage/gcs"
	localstorage "github.com/JakeFAU/buybox-queue/internal/storage/local"
	memorystorage "github.com/JakeFAU/buybox-queue/internal/storage/memory"
	pgstore "github.com/JakeFAU/buybox-queue/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/buybox-queue/internal/storage/sqlite"
)

// Store is the combined state and result persistence the engine and
// extractor share.
type Store interface {
	queue.StateStore
	queue.ResultStore
}

// contextManager is a queue.ContextManager that owns external resources.
type contextManager interface {
	queue.ContextManager
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	lock      *lock.Lock
	store     Store
	contexts  contextManager
	runner    *extractor.Runner
	engine    *engine.Engine
	hub       *progress.Hub
	events    *progresssinks.WebSocketSink
	apiServer *api.Server
	scheduler *schedule.Scheduler

	// closers run in reverse order during Close.
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Options adjusts Build for callers that do not serve HTTP.
type Options struct {
	// Logger overrides the logger built from config.
	Logger *zap.Logger
	// Headless skips the API server, websocket observers, and schedule.
	Headless bool
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			app.closeResources(closeCtx)
		}
	}()

	app.logger.Info("building application dependencies",
		zap.String("contexts", cfg.Contexts.Kind),
		zap.String("state", cfg.State.Backend),
		zap.String("archive", cfg.Archive.Backend),
	)
	metrics.Init()

	if err = app.setupLock(); err != nil {
		return nil, err
	}
	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	if err = app.setupContexts(); err != nil {
		return nil, err
	}
	if err = app.setupProgress(ctx, opts.Headless); err != nil {
		return nil, err
	}

	app.engine, err = engine.New(cfg.Engine, engine.Options{
		States:   app.store,
		Results:  app.store,
		Contexts: app.contexts,
		Emitter:  app.hub,
		Clock:    system.New(),
		IDs:      uuid.NewUUIDGenerator(),
		Logger:   app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	app.runner.Attach(app.engine)

	if opts.Headless {
		return app, nil
	}
	if err = app.setupAPI(); err != nil {
		return nil, err
	}
	if err = app.setupSchedule(); err != nil {
		return nil, err
	}
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Engine exposes the orchestrator.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Handler returns the HTTP handler, or nil for headless builds.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run serves HTTP and drives the engine until ctx is canceled or a signal
// arrives.
func (a *App) Run(ctx context.Context) error {
	if a.apiServer == nil {
		return errors.New("app was built without an API server")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCtx, cancelEngine := context.WithCancel(context.Background())
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- a.engine.Run(engineCtx)
	}()

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
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-engineDone:
		if runErr != nil {
			a.logger.Error("engine exited", zap.Error(runErr))
		}
		engineDone = nil
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("schedule stop failed", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	cancelEngine()
	if engineDone != nil {
		select {
		case err := <-engineDone:
			if err != nil {
				runErr = err
			}
		case <-shutdownCtx.Done():
			a.logger.Warn("engine did not stop before shutdown deadline")
		}
	}

	if err := a.Close(shutdownCtx); err != nil {
		return err
	}
	return runErr
}

// RunOnce drives a single run over items without serving HTTP and returns the
// terminal status. Canceling ctx stops the run.
func (a *App) RunOnce(ctx context.Context, items []queue.WorkItem, concurrency int, poll time.Duration) (queue.Status, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- a.engine.Run(engineCtx)
	}()
	defer func() {
		cancelEngine()
		if engineDone == nil {
			return
		}
		select {
		case <-engineDone:
		case <-time.After(a.shutdownTimeout()):
			a.logger.Warn("engine did not stop before shutdown deadline")
		}
	}()

	res, err := a.engine.Start(ctx, items, concurrency)
	if err != nil {
		return queue.Status{}, fmt.Errorf("start run: %w", err)
	}
	a.logger.Info("run started", zap.String("run_id", res.RunID), zap.Int("total", res.Total))

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
			if _, err := a.engine.Stop(stopCtx); err != nil {
				a.logger.Warn("stop after cancel failed", zap.Error(err))
			}
			st, _ := a.engine.Status(stopCtx)
			cancel()
			return st, fmt.Errorf("run interrupted: %w", ctx.Err())
		case err := <-engineDone:
			engineDone = nil
			if err == nil {
				err = queue.ErrClosed
			}
			return queue.Status{}, fmt.Errorf("engine exited: %w", err)
		case <-ticker.C:
			st, err := a.engine.Status(ctx)
			if err != nil {
				return queue.Status{}, err
			}
			if st.Phase.Terminal() {
				return st, nil
			}
		}
	}
}

// Close releases every resource in reverse build order.
func (a *App) Close(ctx context.Context) error {
	a.closeResources(ctx)
	a.logger.Info("shutdown complete")
	// Sync fails on stderr for some platforms; there is nothing to report.
	_ = a.logger.Sync()
	return nil
}

func (a *App) closeResources(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) setupLock() error {
	switch a.cfg.State.Backend {
	case config.StateBadger, config.StateSQLite:
	default:
		if a.cfg.Lock.Path == "" {
			return nil
		}
	}
	l, err := lock.Acquire(a.cfg.LockPath())
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	a.lock = l
	a.onClose("lock", func(context.Context) error { return l.Release() })
	a.logger.Debug("instance lock acquired", zap.String("path", l.Path()))
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	cfg := a.cfg.State
	switch cfg.Backend {
	case config.StateMemory:
		a.logger.Warn("using in-memory state store; runs do not survive restarts")
		a.store = memorystorage.NewStateStore(cfg.MaxResults)
	case config.StateBadger:
		path := filepath.Join(cfg.DataDir, "badger")
		store, err := badgerstore.Open(badgerstore.Config{Path: path})
		if err != nil {
			return fmt.Errorf("badger state store init failed: %w", err)
		}
		a.store = store
		a.onClose("badger", func(context.Context) error { return store.Close() })
		a.logger.Info("using badger state store", zap.String("path", path))
	case config.StateSQLite:
		path := filepath.Join(cfg.DataDir, "buyboxq.db")
		store, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: path})
		if err != nil {
			return fmt.Errorf("sqlite state store init failed: %w", err)
		}
		a.store = store
		a.onClose("sqlite", func(context.Context) error { return store.Close() })
		a.logger.Info("using sqlite state store", zap.String("path", path))
	case config.StatePostgres:
		store, err := pgstore.NewStateStore(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres state store init failed: %w", err)
		}
		a.onClose("postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.store = store
		a.logger.Info("using postgres state store")
	default:
		return fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
	return nil
}

func (a *App) setupContexts() error {
	render := a.cfg.Extractor.Render
	a.runner = extractor.NewRunner(
		extractor.New(a.cfg.Extractor.Selectors),
		a.store,
		extractor.NewRenderCheck(render.MinBytes, render.Selectors, render.Keywords),
		system.New(),
		a.cfg.Extractor.Signal,
		a.logger,
	)

	var processor browser.Processor = a.runner
	switch a.cfg.Contexts.Kind {
	case config.ContextsHTTP:
		m, err := httpctx.New(a.cfg.Contexts.HTTP, processor, nil, a.logger)
		if err != nil {
			return fmt.Errorf("http context manager init failed: %w", err)
		}
		a.contexts = m
	case config.ContextsChromedp:
		m, err := chromectx.New(a.cfg.Contexts.Chromedp, processor, a.logger)
		if err != nil {
			return fmt.Errorf("chromedp context manager init failed: %w", err)
		}
		a.contexts = m
	default:
		return fmt.Errorf("unknown contexts kind %q", a.cfg.Contexts.Kind)
	}
	a.onClose("contexts", func(context.Context) error { return a.contexts.Close() })
	return nil
}

func (a *App) setupProgress(ctx context.Context, headless bool) error {
	pcfg := a.cfg.Progress
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}

	if pcfg.Prometheus {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if pcfg.WebSocket && !headless {
		a.events = progresssinks.NewWebSocketSink(a.logger.Named("progress_ws"))
		sinkList = append(sinkList, a.events)
	}
	if a.cfg.PubSub.Enabled {
		publisher, err := gcppublisher.Open(ctx, gcppublisher.Config{ProjectID: a.cfg.PubSub.ProjectID})
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.onClose("pubsub", func(context.Context) error { return publisher.Close() })
		sink, err := progresssinks.NewPubSubSink(publisher, a.cfg.PubSub.TopicName, a.cfg.PubSub.TerminalOnly, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	if blobs != nil {
		sink, err := progresssinks.NewArchiveSink(a.store, blobs, sha256.New(), a.cfg.Archive.Prefix, a.logger)
		if err != nil {
			return fmt.Errorf("archive sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}

	hubCfg := progress.Config{
		BufferSize:     pcfg.BufferSize,
		MaxBatchEvents: pcfg.MaxBatchEvents,
		MaxBatchWait:   pcfg.MaxBatchWait,
		SinkTimeout:    pcfg.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	// Registered after the contexts so it closes first and flushes terminal
	// events before the stores go away.
	a.onClose("progress", a.hub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupArchive(ctx context.Context) (queue.BlobStore, error) {
	cfg := a.cfg.Archive
	switch cfg.Backend {
	case config.ArchiveNone, "":
		return nil, nil
	case config.ArchiveMemory:
		return memorystorage.NewBlobStore(), nil
	case config.ArchiveLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local archive backend", zap.String("path", cfg.LocalDir))
		return store, nil
	case config.ArchiveGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return store.Close() })
		a.logger.Debug("GCS archive backend", zap.String("bucket", cfg.Bucket))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

func (a *App) setupAPI() error {
	opts := api.Options{
		Queue:   a.engine,
		Results: a.store,
		Ready:   a.ready,
		Logger:  a.logger,
	}
	if a.events != nil {
		opts.Events = a.events
	}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	srv, err := api.NewServer(opts)
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	a.apiServer = srv
	return nil
}

func (a *App) setupSchedule() error {
	if a.cfg.Schedule.Cron == "" {
		return nil
	}
	s, err := schedule.New(schedule.Config{
		Spec:        a.cfg.Schedule.Cron,
		Targets:     a.cfg.Schedule.Targets,
		Concurrency: a.cfg.Schedule.Concurrency,
	}, a.engine, a.logger)
	if err != nil {
		return fmt.Errorf("schedule init failed: %w", err)
	}
	a.scheduler = s
	return nil
}

// ready reports whether the state store answers.
func (a *App) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := a.store.Load(ctx); err != nil && !errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("state store: %w", err)
	}
	return nil
}
