package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/repository/postgres"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		fatal("load config", err)
	}
	configureLogger(cfg.Logging)
	logger.Info("list sync worker starting")

	if cfg.Storage.Type != config.StoragePostgres {
		fatal("load config", fmt.Errorf("the sync worker needs postgres storage, got %q", cfg.Storage.Type))
	}
	if cfg.Redis.URL == "" {
		fatal("load config", fmt.Errorf("REDIS_URL is required"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
	})
	if err != nil {
		fatal("connect database", err)
	}
	defer db.Close()
	store, err := postgres.NewStore(db)
	if err != nil {
		fatal("load queries", err)
	}
	logger.Info("connected to database")

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		fatal("parse redis url", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		fatal("connect redis", err)
	}
	logger.Info("connected to redis")

	syncer := segmentation.NewSynchronizer(store,
		distlock.NewFactory(redisClient, db.DB, cfg.Sync.LockTTL()),
		segmentation.SyncConfig{Timeout: cfg.Sync.JobTimeout(), BatchSize: cfg.Sync.BatchSize})
	queue := worker.NewSyncQueue(redisClient, "", 0)

	pool := worker.NewListSyncWorker(queue, syncer, worker.WorkerConfig{
		Workers:    cfg.Sync.Workers,
		JobTimeout: cfg.Sync.JobTimeout(),
		MaxRetries: cfg.Sync.MaxRetries,
		RetryDelay: cfg.Sync.RetryDelay(),
	})
	if err := pool.Start(); err != nil {
		fatal("start workers", err)
	}

	var scheduler *worker.ListSyncScheduler
	if cfg.Sync.ScheduleInterval() > 0 {
		scheduler = worker.NewListSyncScheduler(store, queue, cfg.Sync.ScheduleInterval())
		if err := scheduler.Start(); err != nil {
			fatal("start scheduler", err)
		}
	}

	var cleanup *worker.SegmentCleanupWorker
	if cfg.Retention.DeletedSegmentAge() > 0 {
		cleanup = worker.NewSegmentCleanupWorker(store, cfg.Retention.DeletedSegmentAge(), cfg.Retention.PurgeInterval())
		if err := cleanup.Start(); err != nil {
			fatal("start segment cleanup", err)
		}
	}

	// Heartbeat with queue depth
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ready, delayed, err := queue.Depth(ctx)
				if err != nil {
					logger.Warn("read queue depth", "error", err)
					continue
				}
				stats := pool.Stats()
				logger.Info("worker heartbeat", "ready", ready, "delayed", delayed,
					"succeeded", stats.Succeeded, "failed", stats.Failed, "retried", stats.Retried)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}
	if cleanup != nil {
		cleanup.Stop()
	}
	pool.Stop()
	logger.Info("worker stopped")
}

func configureLogger(cfg config.LoggingConfig) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		logger.Warn("invalid log level, using info", "level", cfg.Level)
	}
	logger.SetLevel(level)
	logger.SetRedactPII(cfg.Redact())
}

func fatal(step string, err error) {
	logger.Error(step+" failed", "error", err)
	os.Exit(1)
}
