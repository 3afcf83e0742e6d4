package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/forgehealth/pkg/augur"
	"github.com/platinummonkey/forgehealth/pkg/cache"
	"github.com/platinummonkey/forgehealth/pkg/config"
	"github.com/platinummonkey/forgehealth/pkg/observability"
	"github.com/platinummonkey/forgehealth/pkg/tasks"
)

var (
	groupsFile = flag.String("groups", "groups.yaml", "YAML file listing the repo groups to keep warm")
	schedule   = flag.String("schedule", "0 */6 * * *", "Cron schedule for warm passes (default: every 6 hours, UTC)")
	runOnce    = flag.Bool("run-once", false, "Run one warm pass, wait for its tasks and exit")
	waitFor    = flag.Duration("wait", time.Hour, "How long -run-once waits for tasks to finish")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()
	log := setupLogger(*logLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	file, err := LoadFile(*groupsFile)
	if err != nil {
		log.Fatalf("Failed to load groups: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the shared packages log structured JSON; keep it on stderr beside logrus
	svcLogger := observability.NewLogger(observability.ParseLogLevel(*logLevel), os.Stderr)

	db, err := augur.NewManager(augur.ConnectionConfig{
		PrimaryURL:   cfg.Augur.URL,
		ReplicaURLs:  augur.ParseReplicaURLs(cfg.Augur.ReplicaURLs),
		MaxConns:     cfg.Augur.MaxConns,
		MinConns:     cfg.Augur.MinConns,
		MaxLifetime:  cfg.Augur.ConnMaxLifetime,
		QueryTimeout: cfg.Augur.QueryTimeout,
		Logger:       svcLogger,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Augur: %v", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedisClient(ctx, cfg.Cache)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	resultCache := cache.New(redisClient, cache.Config{
		TTL:          cfg.Cache.TTL,
		PendingTTL:   cfg.Cache.PendingTTL,
		PollInterval: cfg.Cache.PollInterval,
		Logger:       svcLogger,
	})
	defer resultCache.Close()

	retry := tasks.DefaultRetryConfig()
	retry.MaxRetries = cfg.Tasks.MaxRetries
	queue, err := tasks.NewQueue(ctx, tasks.Config{
		Workers:       cfg.Tasks.Workers,
		QueueSize:     cfg.Tasks.QueueSize,
		Timeout:       cfg.Tasks.Timeout,
		Retry:         retry,
		FinishedTasks: cfg.Tasks.FinishedTasks,
		Logger:        svcLogger,
	}, db, resultCache, nil)
	if err != nil {
		log.Fatalf("Failed to start task queue: %v", err)
	}
	defer queue.Close(cfg.Server.ShutdownTimeout)

	refresher := NewRefresher(db, resultCache, queue, file, log)

	if *runOnce {
		if err := warmAndWait(ctx, refresher, *waitFor, log); err != nil {
			log.Fatalf("Warm pass failed: %v", err)
		}
		log.Info("Warm pass completed")
		return
	}

	go func() {
		if err := refresher.Watch(ctx, *groupsFile); err != nil {
			log.WithError(err).Error("Groups file watcher stopped")
		}
	}()

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))),
	)
	_, err = c.AddFunc(*schedule, func() {
		log.Info("Starting scheduled warm pass")
		if err := warmAndWait(ctx, refresher, *waitFor, log); err != nil {
			log.WithError(err).Error("Scheduled warm pass failed")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule warm pass: %v", err)
	}

	c.Start()
	log.WithFields(logrus.Fields{
		"schedule": *schedule,
		"groups":   len(file.Groups),
		"file":     *groupsFile,
	}).Info("forgehealth refresher started")

	<-ctx.Done()
	log.Info("Shutting down refresher")
	<-c.Stop().Done()
}

// warmAndWait runs one pass and blocks until its tasks finish or wait elapses
func warmAndWait(ctx context.Context, r *Refresher, wait time.Duration, log *logrus.Logger) error {
	started, err := r.Warm(ctx)
	if err != nil {
		log.WithError(err).Warn("Some groups were not resubmitted")
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	failed, waitErr := r.Wait(waitCtx, started, 2*time.Second)
	if waitErr != nil {
		return errors.Join(err, waitErr)
	}
	log.WithFields(logrus.Fields{"tasks": len(started), "failed": failed}).Info("Warm pass tasks finished")
	if failed > 0 {
		return errors.Join(err, errors.New("some query tasks failed"))
	}
	return err
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}
