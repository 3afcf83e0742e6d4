package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/forgehealth/pkg/api"
	"github.com/platinummonkey/forgehealth/pkg/archive"
	"github.com/platinummonkey/forgehealth/pkg/augur"
	"github.com/platinummonkey/forgehealth/pkg/cache"
	"github.com/platinummonkey/forgehealth/pkg/config"
	"github.com/platinummonkey/forgehealth/pkg/dashboard"
	"github.com/platinummonkey/forgehealth/pkg/httputil"
	"github.com/platinummonkey/forgehealth/pkg/observability"
	"github.com/platinummonkey/forgehealth/pkg/tasks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "forgehealth: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init opentelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// A missing Augur URL still serves cached results; tasks fail fast
	db, err := augur.NewManager(augur.ConnectionConfig{
		PrimaryURL:   cfg.Augur.URL,
		ReplicaURLs:  augur.ParseReplicaURLs(cfg.Augur.ReplicaURLs),
		MaxConns:     cfg.Augur.MaxConns,
		MinConns:     cfg.Augur.MinConns,
		MaxLifetime:  cfg.Augur.ConnMaxLifetime,
		QueryTimeout: cfg.Augur.QueryTimeout,
		Logger:       logger,
	})
	switch {
	case errors.Is(err, augur.ErrIncompleteEnvironment):
		logger.Warn("FORGEHEALTH_AUGUR_URL is not set, queries will fail until it is")
		db = nil
	case err != nil:
		return fmt.Errorf("connect augur: %w", err)
	default:
		if metrics != nil {
			db.StartHealthCheckRoutine(ctx, 30*time.Second, metrics)
		}
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	resultCache := cache.New(redisClient, cache.Config{
		TTL:          cfg.Cache.TTL,
		PendingTTL:   cfg.Cache.PendingTTL,
		PollInterval: cfg.Cache.PollInterval,
		L1Enabled:    cfg.Cache.L1Enabled,
		L1Size:       cfg.Cache.L1Size,
		L1TTL:        cfg.Cache.L1TTL,
		Logger:       logger,
		Metrics:      metrics,
	})

	var snapshots *archive.Store
	if cfg.Archive.Enabled() {
		if snapshots, err = archive.New(ctx, cfg.Archive, logger); err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
	}

	retry := tasks.DefaultRetryConfig()
	retry.MaxRetries = cfg.Tasks.MaxRetries
	retry.BaseDelay = cfg.Tasks.BaseDelay
	retry.MaxDelay = cfg.Tasks.MaxDelay
	queue, err := tasks.NewQueue(ctx, tasks.Config{
		Workers:       cfg.Tasks.Workers,
		QueueSize:     cfg.Tasks.QueueSize,
		Timeout:       cfg.Tasks.Timeout,
		Retry:         retry,
		FinishedTasks: cfg.Tasks.FinishedTasks,
		Logger:        logger,
		Metrics:       metrics,
	}, db, resultCache, snapshots)
	if err != nil {
		return fmt.Errorf("start task queue: %w", err)
	}

	svc := dashboard.NewService(queue, resultCache, snapshots, dashboard.Config{
		RenderWait: cfg.Server.RenderWait,
		TaskPoll:   cfg.Cache.PollInterval,
		Logger:     logger,
		Metrics:    metrics,
	})

	apiCfg := api.Config{
		Dashboard:   svc,
		Logger:      logger,
		Metrics:     metrics,
		CORSOrigins: cfg.Server.CORSOrigins,
	}
	if cfg.Server.PrepareRateLimit > 0 {
		apiCfg.RateLimiter = httputil.NewRateLimiter(redisClient, cfg.Server.PrepareRateLimit, cfg.Server.PrepareRateWindow, "")
	}
	if db != nil {
		apiCfg.Repos = db
	} else {
		apiCfg.Repos = offlineRepos{}
	}
	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(apiCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var augurDB *sql.DB
	if db != nil {
		augurDB = db.Primary()
	}
	checker := observability.NewHealthChecker(augurDB, redisClient, cfg.Observability.OTelServiceVersion)
	if snapshots != nil {
		checker.AddCheck("archive", false, snapshots.HealthCheck)
	}
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	observability.RegisterMetricsEndpoint(healthMux, registry)
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("task queue", func(ctx context.Context) error {
		timeout := cfg.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return queue.Close(timeout)
	})
	shutdown.RegisterShutdownFunc("cache", func(context.Context) error {
		return resultCache.Close()
	})
	if db != nil {
		shutdown.RegisterShutdownFunc("augur", func(context.Context) error {
			return db.Close()
		})
	}
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otel, logger)
	})

	serveErr := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.WithField("addr", srv.Addr).Infof("Starting %s server", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("health", healthServer)
	go serve("api", apiServer)

	logger.WithFields(map[string]interface{}{
		"workers":     cfg.Tasks.Workers,
		"render_wait": cfg.Server.RenderWait.String(),
		"archive":     cfg.Archive.Enabled(),
	}).Info("forgehealth started")

	signalled := make(chan error, 1)
	go func() { signalled <- shutdown.WaitForShutdown() }()

	select {
	case err := <-signalled:
		return err
	case err := <-serveErr:
		logger.WithError(err).Error("Server failed, shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer done()
		return errors.Join(err, shutdown.Shutdown(shutdownCtx))
	}
}

// offlineRepos answers repo lookups while Augur is not configured
type offlineRepos struct{}

func (offlineRepos) SearchRepos(context.Context, string, int) ([]augur.Repo, error) {
	return nil, augur.ErrIncompleteEnvironment
}

func (offlineRepos) GetRepo(context.Context, int64) (*augur.Repo, error) {
	return nil, augur.ErrIncompleteEnvironment
}

func (offlineRepos) ListGroupRepos(context.Context, int64) ([]augur.Repo, error) {
	return nil, augur.ErrIncompleteEnvironment
}
