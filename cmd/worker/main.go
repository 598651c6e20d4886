// cmd/worker is the render worker process. It claims thumbnail jobs from the
// shared store, dispatches them to the render service, and stores the
// produced previews. Scale horizontally by running more instances.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Papyszoo/Modelibr-sub007/internal/artifact"
	"github.com/Papyszoo/Modelibr-sub007/internal/config"
	"github.com/Papyszoo/Modelibr-sub007/internal/db"
	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
	"github.com/Papyszoo/Modelibr-sub007/internal/inflight"
	"github.com/Papyszoo/Modelibr-sub007/internal/migrate"
	"github.com/Papyszoo/Modelibr-sub007/internal/notify"
	"github.com/Papyszoo/Modelibr-sub007/internal/registry"
	"github.com/Papyszoo/Modelibr-sub007/internal/render"
	"github.com/Papyszoo/Modelibr-sub007/internal/store"
	"github.com/Papyszoo/Modelibr-sub007/internal/worker"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := worker.EnableParentDeathSignal(); err != nil {
		logger.Warn("failed to enable parent-death signal", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger.Info("connecting to database")
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect to database failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := migrate.Run(ctx, pool, logger); err != nil {
		logger.Error("run migrations failed", "err", err)
		os.Exit(1)
	}

	var tracker *inflight.Tracker
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("parse redis URL failed", "err", err)
			os.Exit(1)
		}
		rc := redis.NewClient(redisOpts)
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Error("redis ping failed", "err", err)
			os.Exit(1)
		}
		tracker = inflight.NewTracker(rc)
		logger.Info("redis connected")
	}

	var artifacts artifact.Store
	if cfg.MinioEndpoint != "" {
		artifacts, err = artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Error("connect to object storage failed", "err", err)
			os.Exit(1)
		}
		logger.Info("object storage connected", "bucket", cfg.MinioBucket)
	}

	reg := registry.New()
	render.RegisterAll(reg, render.NewClient(cfg.RenderServiceURL, cfg.RenderRequestTimeout))

	// An unregistered subject type is a deployment bug; refuse to start
	// rather than dead-letter every job of that type.
	if err := reg.Validate(domain.SubjectModel, domain.SubjectSound, domain.SubjectTextureSet); err != nil {
		logger.Error("processor registry incomplete", "err", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String())

	listener := notify.NewListener(pool, logger)
	go listener.Run(ctx)

	w := worker.New(workerID, store.NewPostgresStore(pool), reg, listener.Wake(),
		logger, cfg.MaxConcurrentJobs, cfg.PollInterval)
	w.Artifacts = artifacts
	w.Inflight = tracker

	logger.Info("worker ready",
		"worker_id", workerID,
		"max_concurrent", cfg.MaxConcurrentJobs,
		"processors", reg.Names())

	go w.Start(ctx)

	<-ctx.Done()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer drainCancel()
	if err := w.DrainAndWait(drainCtx); err != nil {
		logger.Warn("shutdown drain timeout; abandoned jobs will be re-claimed after lock expiry", "err", err)
	}

	logger.Info("shutdown complete")
}
