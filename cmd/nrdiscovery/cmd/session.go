package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbsmedya/nrdiscovery/internal/config"
	"github.com/dbsmedya/nrdiscovery/internal/database"
	"github.com/dbsmedya/nrdiscovery/internal/discovery"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/metrics"
	"github.com/dbsmedya/nrdiscovery/internal/nerdgraph"
	"github.com/dbsmedya/nrdiscovery/internal/progress"
)

// loadConfig reads the config file, applies flag overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	o := GetCLIOverrides()
	cfg.ApplyOverrides(config.Overrides{
		LogLevel:             o.LogLevel,
		LogFormat:            o.LogFormat,
		AccountID:            o.AccountID,
		QueriesPerMinute:     o.QPM,
		MaxConcurrentQueries: o.MaxConcurrent,
		Budget:               o.Budget,
		EventTypes:           o.EventTypes,
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the configured checkpoint backend. The returned close
// function is never nil.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (progress.Store, func(), error) {
	switch cfg.Progress.Backend {
	case "mysql":
		db, err := database.Connect(ctx, &cfg.Progress.Database, log)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to connect to checkpoint database: %w", err)
		}
		store, err := progress.NewSQLStore(db, log)
		if err != nil {
			_ = db.Close()
			return nil, func() {}, err
		}
		if err := store.InitializeTables(ctx); err != nil {
			_ = db.Close()
			return nil, func() {}, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		store, err := progress.NewFileStore(cfg.Progress.Directory, log)
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() {}, nil
	}
}

// serveMetrics registers the collectors and, when a listen address is
// configured, serves them on /metrics until the returned stop is called.
func serveMetrics(cfg *config.Config, log *logger.Logger) (*metrics.Metrics, func()) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.ListenAddr == "" {
		return m, func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("Metrics endpoint stopped: %v", err)
		}
	}()
	log.Infow("Serving metrics", "addr", cfg.Metrics.ListenAddr)

	return m, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, log *logger.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Warn("Received shutdown signal - checkpointing and stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// runner holds what a discover or resume command needs.
type runner struct {
	cfg   *config.Config
	log   *logger.Logger
	store progress.Store
	orch  *discovery.Orchestrator
	close func()
}

func newRunner(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...discovery.Option) (*runner, error) {
	m, stopMetrics := serveMetrics(cfg, log)

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		stopMetrics()
		return nil, err
	}
	cleanup := func() {
		closeStore()
		stopMetrics()
	}

	client, err := nerdgraph.NewClient(cfg.Account,
		nerdgraph.WithLogger(log),
		nerdgraph.WithHTTPClient(&http.Client{Timeout: cfg.Router.LongRunningTimeout + time.Minute}),
	)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create NerdGraph client: %w", err)
	}

	engine, err := discovery.NewEngine(cfg, client, log, m)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create query engine: %w", err)
	}

	opts = append([]discovery.Option{discovery.WithLogger(log), discovery.WithMetrics(m)}, opts...)
	orch, err := discovery.NewOrchestrator(cfg, engine, store, opts...)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &runner{cfg: cfg, log: log, store: store, orch: orch, close: cleanup}, nil
}
