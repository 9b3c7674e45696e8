package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/abduss/meshdrop/internal/config"
	"github.com/abduss/meshdrop/internal/logger"
	"github.com/abduss/meshdrop/internal/objectstore"
	"github.com/abduss/meshdrop/internal/server"
	"github.com/abduss/meshdrop/internal/storage"
	"github.com/abduss/meshdrop/internal/tracing"
	"github.com/abduss/meshdrop/internal/upload"
)

func main() {
	_ = godotenv.Load()

	zlog, err := logger.Init()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(zlog); err != nil {
		zlog.Fatal("meshdrop exited", zap.Error(err))
	}
}

func run(zlog *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, zlog)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	for _, bucket := range []string{cfg.Upload.StagingBucket, cfg.Upload.FinalBucket} {
		if err := store.EnsureBucket(ctx, bucket); err != nil {
			zlog.Warn("ensure bucket at startup failed", zap.String("bucket", bucket), zap.Error(err))
		}
	}

	sessions, closeSessions, err := newSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	uploads := upload.NewService(sessions, store, upload.Options{
		StagingBucket:    cfg.Upload.StagingBucket,
		FinalBucket:      cfg.Upload.FinalBucket,
		SessionTTL:       cfg.Upload.SessionTTL,
		SignedURLTTL:     cfg.Upload.SignedURLTTL,
		MaxChunkSize:     cfg.Upload.MaxChunkSize,
		MaxChunks:        cfg.Upload.MaxChunks,
		FetchConcurrency: cfg.Upload.FetchConcurrency,
		AssemblyTimeout:  cfg.Upload.AssemblyTimeout,
		AssemblyLockTTL:  cfg.Upload.AssemblyLockTTL,
		CleanupTimeout:   cfg.Upload.CleanupTimeout,
		ReaperBatchSize:  cfg.Upload.ReaperBatchSize,
	}, zlog)

	stopReaper := uploads.StartReaper(ctx, cfg.Upload.ReaperInterval)
	defer stopReaper()

	router := server.NewRouter(server.Dependencies{
		Config:  cfg,
		Logger:  zlog,
		Uploads: uploads,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      tracing.Middleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		zlog.Info("meshdrop API listening",
			zap.String("addr", cfg.Server.Address()),
			zap.String("storage_driver", cfg.Storage.Driver),
			zap.String("session_driver", cfg.Storage.SessionDriver),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	zlog.Info("shutting down gracefully")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Error("http shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zlog.Error("tracing shutdown", zap.Error(err))
	}
	return nil
}

func newObjectStore(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverS3:
		client, err := storage.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("connect s3: %w", err)
		}
		return objectstore.NewS3Store(client, cfg.S3.Region, cfg.S3.PublicBaseURL, cfg.S3.PartSize), nil
	default:
		client, err := storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		return objectstore.NewMinIOStore(client, cfg.MinIO.Region, cfg.MinIO.PublicBaseURL), nil
	}
}

func newSessionStore(ctx context.Context, cfg config.Config) (upload.SessionStore, func(), error) {
	switch cfg.Storage.SessionDriver {
	case config.SessionDriverRedis:
		rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return upload.NewRedisSessionStore(rdb, cfg.Redis.KeyPrefix), func() { _ = rdb.Close() }, nil
	default:
		pool, err := storage.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		sessions := upload.NewPostgresSessionStore(pool)
		if err := sessions.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return sessions, pool.Close, nil
	}
}
