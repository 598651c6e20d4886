// cmd/server is the HTTP control plane for the render queue.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Papyszoo/Modelibr-sub007/internal/api"
	"github.com/Papyszoo/Modelibr-sub007/internal/config"
	"github.com/Papyszoo/Modelibr-sub007/internal/db"
	"github.com/Papyszoo/Modelibr-sub007/internal/inflight"
	"github.com/Papyszoo/Modelibr-sub007/internal/migrate"
	"github.com/Papyszoo/Modelibr-sub007/internal/notify"
	"github.com/Papyszoo/Modelibr-sub007/internal/store"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

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

	st := store.NewPostgresStore(pool)
	publisher := notify.NewPublisher(pool)
	handler := api.NewJobHandler(st, publisher, tracker, logger)
	app := api.NewApp(handler)

	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := app.Listen(cfg.ListenAddr); err != nil {
			logger.Error("http serve error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping http server")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
