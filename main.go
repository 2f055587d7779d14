package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/config"
	"github.com/navillasa/assistant-orchestrator/internal/conversation"
	"github.com/navillasa/assistant-orchestrator/internal/cost"
	"github.com/navillasa/assistant-orchestrator/internal/health"
	"github.com/navillasa/assistant-orchestrator/internal/monitor"
	"github.com/navillasa/assistant-orchestrator/internal/orchestrator"
	"github.com/navillasa/assistant-orchestrator/internal/providers"
	"github.com/navillasa/assistant-orchestrator/internal/server"
	"github.com/navillasa/assistant-orchestrator/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// App holds the main application state
type App struct {
	config   *config.Config
	logger   *logrus.Logger
	cache    conversation.Cache
	metrics  *store.MetricsDB
	checker  *health.Checker
	monitor  *monitor.Monitor
	exporter *monitor.Exporter
	orch     *orchestrator.Orchestrator
	server   *server.Server
}

// NewApp wires every component from the configuration
func NewApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	costs := cost.NewEngine()
	cfg.ApplyPricing(costs)

	// Register providers in fallback order
	registry := providers.NewRegistry()
	for _, pc := range cfg.Providers {
		if pc.Disabled {
			logger.WithField("provider", pc.Name).Info("Provider disabled in config")
			continue
		}
		p, err := providers.New(pc, costs)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		registry.Register(p, pc.Timeout)
		logger.WithFields(logrus.Fields{
			"provider": p.Name(),
			"type":     p.Type(),
			"model":    p.DefaultModel(),
		}).Info("Registered provider")
	}

	if registry.Len() == 0 {
		logger.Warn("No providers enabled, every prompt will fail")
	} else {
		logger.WithField("count", registry.Len()).Info("Fallback chain ready")
	}

	if addr := cfg.Conversation.RedisAddr; addr != "" {
		rc, err := conversation.DialRedis(ctx, addr, cfg.Conversation.RedisPassword, cfg.Conversation.RedisDB)
		if err != nil {
			return nil, err
		}
		logger.WithField("addr", addr).Info("Using Redis conversation cache")
		app.cache = rc
	} else {
		mc := conversation.NewMemoryCache(time.Now)
		go mc.Start(ctx, cfg.Conversation.SweepInterval)
		logger.Info("Using in-memory conversation cache")
		app.cache = mc
	}
	convs := conversation.NewStore(app.cache, cfg.ConversationStore(), conversation.WithLogger(logger))

	app.checker = health.NewChecker(cfg.Monitor.HealthCheckInterval, 0, logger)
	for _, p := range registry.Ordered() {
		app.checker.Add(p)
	}

	monOpts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.WithProbes(app.checker),
		monitor.WithDisabled(func() map[string]providers.ErrorKind {
			if app.orch == nil {
				return nil
			}
			return app.orch.Disabled()
		}),
	}
	if path := cfg.Monitor.SQLitePath; path != "" {
		db, err := store.OpenMetrics(path)
		if err != nil {
			return nil, err
		}
		app.metrics = db
		monOpts = append(monOpts, monitor.WithSink(db))
	}
	app.monitor = monitor.New(cfg.MonitorSettings(), monOpts...)

	if app.metrics != nil {
		since := time.Now().Add(-app.monitor.Config().HealthWindow)
		restored, err := app.metrics.LoadUsageSince(since)
		if err != nil {
			logger.WithError(err).Warn("Failed to restore usage metrics")
		} else {
			app.monitor.Restore(restored)
			logger.WithField("count", len(restored)).Info("Restored usage metrics")
		}
		samples, err := app.metrics.LoadResourcesSince(since)
		if err != nil {
			logger.WithError(err).Warn("Failed to restore resource samples")
		} else {
			app.monitor.RestoreResources(samples)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := monitor.NewExporter(app.monitor, reg)
	if err != nil {
		return nil, err
	}
	app.exporter = exporter

	app.orch = orchestrator.New(cfg.Orchestrator(), convs, registry, app.monitor,
		orchestrator.WithLogger(logger),
		orchestrator.WithInvoker(providers.NewInvoker(costs)),
	)

	app.server = server.New(server.Deps{
		Orchestrator: app.orch,
		Store:        convs,
		Monitor:      app.monitor,
		Gatherer:     reg,
		Logger:       logger,
	})
	return app, nil
}

// Start runs background services and the HTTP server until ctx is canceled
func (a *App) Start(ctx context.Context) error {
	// Start background services
	go a.monitor.Run(ctx)
	go a.monitor.StartSampler(ctx)
	go a.checker.Start(ctx)
	go a.exporter.Run(ctx, a.config.Monitor.MetricsUpdateInterval)
	if limiter := a.orch.Limiter(); limiter.Limit() > 0 {
		go limiter.Start(ctx, limiter.Window())
	}
	if a.metrics != nil {
		go a.pruneMetrics(ctx)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.server.Handler(),
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("Starting assistant orchestrator on port %d", a.config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases the cache and metrics database
func (a *App) Close() {
	if rc, ok := a.cache.(*conversation.RedisCache); ok {
		if err := rc.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close metrics database")
		}
	}
}

func (a *App) pruneMetrics(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.metrics.Prune(time.Now().Add(-a.config.Monitor.Retention))
			if err != nil {
				a.logger.WithError(err).Warn("Failed to prune metrics")
				continue
			}
			if n > 0 {
				a.logger.WithField("rows", n).Debug("Pruned expired metrics")
			}
		}
	}
}

func main() {
	var configFile = flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup logging
	logger := cfg.NewLogger()

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to start: %v", err)
	}
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		logger.Errorf("Orchestrator failed: %v", err)
		return
	}

	logger.Info("Orchestrator shutdown complete")
}
