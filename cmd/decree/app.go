package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/decreehq/decree/agent"
	"github.com/decreehq/decree/config"
	"github.com/decreehq/decree/engine"
	"github.com/decreehq/decree/plancache"
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/reconcile"
	"github.com/decreehq/decree/state"
	"github.com/decreehq/decree/worktree"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *state.Store
	cache      *plancache.Store
	worktrees  *worktree.Manager
	defs       *agent.Definitions
	adapter    *agent.Adapter
	executor   *engine.Executor
	loop       *engine.Loop
	reconciler *reconcile.Reconciler

	registry    *prometheus.Registry
	unsubGauges func()
}

// NewApp creates a new application instance. The work-provider reader and
// writer are injected; everything else is built from the configuration.
func NewApp(cfg *config.Config, reader provider.Reader, writer provider.Writer, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		store:    state.NewStore(),
		cache:    plancache.NewStore(cfg.Repo.Path, logger),
		registry: prometheus.NewRegistry(),
	}
	metrics := engine.NewMetrics(app.registry)
	// State-derived gauges follow every store write, whoever performs it.
	app.unsubGauges = app.store.Subscribe(metrics.ObserveState)

	app.worktrees = worktree.NewManager(cfg.Repo.Path, cfg.Repo.DefaultBranch,
		worktree.WithLogger(logger),
		worktree.WithSetupCommand(cfg.Agents.SetupCommand),
	)

	defs, err := agent.LoadDefinitions(cfg.Repo.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("load agent definitions: %w", err)
	}
	app.defs = defs

	sessions, err := agent.GetProvider(cfg.Agents.SessionProvider)
	if err != nil {
		return nil, fmt.Errorf("resolve session provider: %w", err)
	}

	prompts := agent.NewPromptBuilder(reader, app.worktrees, logger)
	app.adapter = agent.NewAdapter(sessions, prompts, defs, app.worktrees, cfg.Repo.Path,
		agent.WithAdapterLogger(logger),
		agent.WithSessionLogDir(cfg.Agents.LogDir),
		agent.WithMaxDuration(cfg.Agents.MaxDuration.Std()),
		agent.WithContextPaths(cfg.Agents.ContextPaths),
	)

	retry := provider.DefaultRetryConfig()

	// The executor feeds events back into the loop and the loop submits
	// commands to the executor. The enqueue closure breaks the cycle; the
	// loop exists before any command runs.
	app.executor = engine.NewExecutor(app.store, writer, app.adapter,
		func(e engine.Event) { app.loop.Enqueue(e) },
		engine.WithExecutorLogger(logger),
		engine.WithRetryConfig(retry),
		engine.WithExecutorMetrics(metrics),
	)

	app.reconciler = reconcile.New(reader, app.store, sinkFunc(func(e engine.Event) { app.loop.Enqueue(e) }),
		cfg.Repo.SpecsDir, retry,
		reconcile.WithLogger(logger),
		reconcile.WithIntervals(reconcile.Intervals{
			Fast: cfg.Reconcile.FastInterval.Std(),
			Slow: cfg.Reconcile.SlowInterval.Std(),
		}),
	)

	app.loop = engine.NewLoop(app.store, engine.Handlers(), app.executor,
		engine.WithLoopLogger(logger),
		engine.WithLoopMetrics(metrics),
		engine.WithHook(engine.PlannerCacheHook(app.cache, app.reconciler.Specs(), logger)),
	)

	return app, nil
}

// sinkFunc adapts a function to the reconciler's event sink.
type sinkFunc func(engine.Event)

func (f sinkFunc) Enqueue(e engine.Event) { f(e) }

// Run starts everything and blocks until the context is cancelled, then
// shuts down in reverse dependency order.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("decree starting",
		"version", Version,
		"repo", a.cfg.Repo.Path,
		"specsDir", a.cfg.Repo.SpecsDir,
	)

	if err := a.worktrees.CleanupOrphans(ctx); err != nil {
		a.logger.Warn("worktree orphan cleanup failed", "error", err)
	}

	if err := engine.Bootstrap(ctx, a.loop, a.store, a.cache, a.reconciler, a.logger); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	a.reconciler.Start(ctx)
	a.logger.Info("decree ready")

	g, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if a.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
		g.Go(func() error {
			a.logger.Info("metrics endpoint listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown(metricsSrv)
		return nil
	})

	err := g.Wait()
	a.logger.Info("decree shutdown complete")
	return err
}

func (a *App) shutdown(metricsSrv *http.Server) {
	a.logger.Info("shutting down")

	a.reconciler.Stop()
	a.loop.Stop()
	a.executor.Wait()
	a.defs.Close()
	a.unsubGauges()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics server shutdown", "error", err)
		}
	}
}
