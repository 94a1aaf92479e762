// Command server starts the job gateway HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/backend/comfyui"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/httpserver"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/observability"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/repo/redisrepo"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/storage/miniostore"
	"github.com/fairyhunter13/comfy-queue/internal/app"
	"github.com/fairyhunter13/comfy-queue/internal/config"
	"github.com/fairyhunter13/comfy-queue/internal/service/ratelimiter"
	"github.com/fairyhunter13/comfy-queue/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	kv, err := rediskv.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = kv.Close() }()
	if err := backoff.Retry(func() error { return kv.Ping(ctx) },
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := miniostore.New(miniostore.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		slog.Error("object store config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if err := backoff.Retry(func() error { return store.EnsureBucket(ctx) },
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		slog.Error("bucket bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	backend := comfyui.New(cfg.ComfyUIURL)

	jobs := redisrepo.NewJobRepo(kv, cfg.KeyPrefix)
	keys := redisrepo.NewAPIKeyRepo(kv, cfg.KeyPrefix)
	queue := rediskv.NewWorkQueue(kv, cfg.KeyPrefix, cfg.QueueName)
	broker := rediskv.NewBroker(kv, cfg.KeyPrefix)
	limiter := ratelimiter.New(kv, cfg.KeyPrefix, cfg.RateLimitWindow, cfg.RateLimitEnabled)

	srv := httpserver.NewServer(cfg,
		usecase.NewSubmitService(jobs, queue, broker, limiter),
		usecase.NewQueryService(jobs),
		usecase.NewCancelService(jobs, queue, broker),
		broker,
	)

	checker := &app.Checker{KV: kv, Store: store, Backend: backend}
	handler := app.BuildRouter(cfg, srv, limiter, keys, checker)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
