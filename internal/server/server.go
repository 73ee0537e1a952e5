// Package server builds the engine's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jstrand/listcrawld/internal/api"
	"github.com/jstrand/listcrawld/internal/clock/system"
	"github.com/jstrand/listcrawld/internal/config"
	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/events"
	"github.com/jstrand/listcrawld/internal/events/sinks"
	"github.com/jstrand/listcrawld/internal/extract"
	collyfetch "github.com/jstrand/listcrawld/internal/fetch/colly"
	"github.com/jstrand/listcrawld/internal/id/uuid"
	"github.com/jstrand/listcrawld/internal/logging"
	"github.com/jstrand/listcrawld/internal/registry"
	"github.com/jstrand/listcrawld/internal/retry"
	"github.com/jstrand/listcrawld/internal/session"
	"github.com/jstrand/listcrawld/internal/stage"
	"github.com/jstrand/listcrawld/internal/status"
	memorystore "github.com/jstrand/listcrawld/internal/store/memory"
	pgstore "github.com/jstrand/listcrawld/internal/store/postgres"
)

// App contains the engine's wired dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	manager   *session.Manager
	apiServer *api.Server
	hub       *events.Hub
	pgStore   *pgstore.Store
}

// Build constructs the dependency graph. ctx is the engine lifetime: it is
// the root of every session supervisor, so cancelling it interrupts all
// running crawls.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	clock := system.New()
	reg := registry.New(cfg.RemovalGrace(), clock.Now)

	broadcast := sinks.NewBroadcast(cfg.Events.Buffer)
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	app.hub = events.NewHub(events.Config{
		BufferSize:     cfg.Events.Buffer,
		MaxBatchEvents: cfg.Events.BatchSize,
		MaxBatchWait:   time.Duration(cfg.Events.FlushIntervalMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         logger.Named("event_hub"),
	}, sinks.NewLogSink(logger.Named("events")), promSink, broadcast)

	fetcher := collyfetch.New(collyfetch.Config{
		BaseURL:           cfg.Site.BaseURL,
		ListQuery:         cfg.Site.ListQuery,
		UserAgent:         cfg.Site.UserAgent,
		Timeout:           cfg.SiteTimeout(),
		RequestsPerSecond: cfg.Site.RequestsPerSecond,
		Burst:             cfg.Site.Burst,
	})
	extractor := extract.New(extract.Config{})
	checker := status.New(fetcher, extractor, clock, logger.Named("status"))

	store, err := app.setupStore(ctx)
	if err != nil {
		return nil, err
	}

	retryPolicy := cfg.RetryPolicy()
	policies := make(map[stage.Type]retry.Policy)
	for _, st := range []stage.Type{
		stage.TypeStatusCheck,
		stage.TypeListPage,
		stage.TypeProductDetail,
		stage.TypeValidation,
		stage.TypeSaving,
	} {
		policies[st] = retryPolicy
	}

	sessionCfg := session.Config{
		SessionTimeout: cfg.SessionTimeout(),
		BatchTimeout:   cfg.BatchTimeout(),
		BatchOverlap:   cfg.Session.BatchOverlap,
		CommandBuffer:  cfg.Session.CommandBuffer,
		Failure:        cfg.FailurePolicy(),
		Stage: stage.Config{
			AttemptTimeout: cfg.AttemptTimeout(),
			Policies:       policies,
		},
		Planner: cfg.PlannerConfig(),
	}
	collab := session.Collaborators{
		Fetcher:   fetcher,
		Extractor: extractor,
		Store:     store,
		Checker:   checker,
		Clock:     clock,
	}
	app.manager = session.NewManager(ctx, sessionCfg, collab, reg, app.hub, uuid.New(), logger.Named("session"))
	app.apiServer = api.NewServer(app.manager, broadcast, logger.Named("api"))

	logger.Info("application dependencies built",
		zap.String("base_url", cfg.Site.BaseURL),
		zap.Int("port", cfg.Server.Port),
	)
	return app, nil
}

func (a *App) setupStore(ctx context.Context) (crawl.ProductStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory product store")
		return memorystore.New(), nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        int32(a.cfg.DB.MaxConns),
		MinConns:        int32(a.cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetime) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("product store init failed: %w", err)
	}
	a.pgStore = store
	a.logger.Info("product store initialized", zap.String("table", a.cfg.DB.Table))
	return store, nil
}

// Manager exposes the session manager for CLI use.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Logger exposes the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the HTTP control surface and blocks until the context is
// cancelled or a termination signal arrives. Running sessions are
// interrupted gracefully so their resume tokens survive.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go a.manager.RunEviction(ctx, a.cfg.RemovalGrace())

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("session shutdown incomplete", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close flushes the event hub, closes the store, and syncs the logger.
func (a *App) Close(ctx context.Context) error {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}
