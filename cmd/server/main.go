package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/audience-engine/internal/api"
	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/repository/postgres"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/segmentation/memstore"
	"github.com/ignite/audience-engine/internal/worker"
	"github.com/redis/go-redis/v9"
)

// repositories is the storage backend selected by storage.type.
type repositories interface {
	segmentation.SegmentRepository
	segmentation.SubscriberRepository
	segmentation.ListRepository
}

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}
	return ln.Close()
}

func main() {
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		fatal("load config", err)
	}
	configureLogger(cfg.Logging)
	logger.Info("audience engine server starting", "storage", cfg.Storage.Type, "redis", cfg.Redis.Enabled)

	if err := checkPortAvailable(cfg.Server.Addr()); err != nil {
		fatal("pre-flight check", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	var (
		store repositories
		sqlDB *sql.DB
	)
	switch cfg.Storage.Type {
	case config.StorageMemory:
		store = memstore.New()
		logger.Warn("using in-memory storage; data is lost on exit")
	default:
		db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
		})
		if err != nil {
			fatal("connect database", err)
		}
		defer db.Close()
		pgStore, err := postgres.NewStore(db)
		if err != nil {
			fatal("load queries", err)
		}
		store, sqlDB = pgStore, db.DB
		logger.Info("connected to database")
	}

	// Initialize Redis (optional)
	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		redisClient, err = connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			fatal("connect redis", err)
		}
		defer redisClient.Close()
		logger.Info("connected to redis")
	}

	locks := distlock.NewFactory(redisClient, sqlDB, cfg.Sync.LockTTL())
	engine := segmentation.NewEngine(store, store, segmentation.EngineConfig{
		DefaultPreviewLimit: cfg.Preview.DefaultLimit,
		MaxPreviewLimit:     cfg.Preview.MaxLimit,
	})
	lists := segmentation.NewListService(store)
	syncer := segmentation.NewSynchronizer(store, locks, segmentation.SyncConfig{
		Timeout:   cfg.Sync.JobTimeout(),
		BatchSize: cfg.Sync.BatchSize,
	})

	// With Redis, syncs are queued for cmd/worker. Without it they run inline
	// and this process also owns the periodic schedule.
	var (
		queue     worker.Queue
		scheduler *worker.ListSyncScheduler
	)
	if redisClient != nil {
		queue = worker.NewSyncQueue(redisClient, "", 0)
	} else {
		inline := worker.NewInlineQueue(syncer, cfg.Sync.JobTimeout())
		queue = inline
		if cfg.Sync.ScheduleInterval() > 0 {
			scheduler = worker.NewListSyncScheduler(store, inline, cfg.Sync.ScheduleInterval())
			if err := scheduler.Start(); err != nil {
				fatal("start scheduler", err)
			}
		}
	}

	handlers := api.NewHandlers(engine, lists, queue, api.NewHealthChecker(sqlDB, redisClient))
	server := api.NewServer(cfg.Server, handlers)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-done:
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
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
