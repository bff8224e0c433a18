// Command imagegate runs the image-generation gateway: the HTTP intake API,
// the job executor pool, the delayed-retry mover, and the webhook deliverer,
// all in one process. Horizontal scale comes from running more processes;
// Redis and Postgres coordinate them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/imagegate/imagegate/pkg/api"
	"github.com/imagegate/imagegate/pkg/cache"
	"github.com/imagegate/imagegate/pkg/config"
	"github.com/imagegate/imagegate/pkg/executor"
	"github.com/imagegate/imagegate/pkg/keypool"
	"github.com/imagegate/imagegate/pkg/limiter"
	"github.com/imagegate/imagegate/pkg/metrics"
	"github.com/imagegate/imagegate/pkg/provider"
	"github.com/imagegate/imagegate/pkg/queue"
	"github.com/imagegate/imagegate/pkg/storage"
	"github.com/imagegate/imagegate/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "imagegate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	jobs := storage.NewPostgresJobs(db)
	tenants := storage.NewPostgresTenants(db)
	credentials := storage.NewPostgresCredentials(db)

	if cfg.SeedFile != "" {
		seeder := config.NewSeeder(tenants, credentials, cfg.APIKeySalt, logger)
		if err := seeder.Apply(ctx, cfg.SeedFile); err != nil {
			return err
		}
		go func() {
			if err := seeder.Watch(ctx, cfg.SeedFile); err != nil {
				logger.Error("seed watcher stopped", zap.Error(err))
			}
		}()
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New("imagegate")
	lim := limiter.New(rdb)
	health := keypool.NewHealthTracker(rdb, logger)
	registry := provider.DefaultRegistry()
	scheduler := keypool.NewScheduler(credentials, health, lim, registry, logger)
	resultCache := cache.New(rdb, logger)
	jobQueue := queue.New(rdb, logger)
	gemini := provider.NewGemini(registry, nil, logger)
	deliverer := webhook.NewDeliverer(nil, m, logger)

	execCfg := executor.DefaultConfig()
	execCfg.Provider = cfg.Provider
	execCfg.GlobalRPM = cfg.GlobalRPM
	execCfg.GlobalConcurrency = cfg.GlobalConcurrency
	execCfg.PoolSize = cfg.WorkerPoolSize
	execCfg.JobBudget = cfg.JobBudget
	exec := executor.New(execCfg, jobQueue, jobs, tenants, scheduler, health,
		lim, resultCache, gemini, blobs, deliverer, m, logger)

	server := api.NewServer(jobs, tenants, jobQueue, cfg.APIKeySalt, m, logger)
	server.Ready = func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		exec.Run(gctx)
		return nil
	})
	g.Go(func() error {
		jobQueue.RunMover(gctx)
		return nil
	})
	g.Go(func() error {
		deliverer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reportQueueDepth(gctx, jobQueue, m)
		return nil
	})

	logger.Info("imagegate started",
		zap.String("provider", cfg.Provider),
		zap.Int("workers", cfg.WorkerPoolSize),
		zap.String("blob_backend", cfg.BlobBackend))

	err = g.Wait()
	logger.Info("imagegate stopped")
	return err
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func newBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	switch cfg.BlobBackend {
	case "s3":
		return storage.NewS3BlobStore(ctx, storage.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PublicURL: cfg.S3PublicBase,
		})
	default:
		return storage.NewLocalBlobStore(cfg.BlobDir, cfg.BlobBaseURL)
	}
}

func reportQueueDepth(ctx context.Context, q *queue.Queue, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := q.Depth(ctx); err == nil {
				m.QueueDepth.Set(float64(depth))
			}
		}
	}
}
