// Command worker runs the execution slots that drain the generation queue,
// plus the recovery sweep and a dedicated /metrics endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/backend/comfyui"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/observability"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/repo/redisrepo"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/storage/miniostore"
	"github.com/fairyhunter13/comfy-queue/internal/config"
	"github.com/fairyhunter13/comfy-queue/internal/worker"
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
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := rediskv.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = kv.Close() }()
	if err := backoff.Retry(func() error { return kv.Ping(ctx) },
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10)); err != nil {
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
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10)); err != nil {
		slog.Error("bucket bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	backend := comfyui.New(cfg.ComfyUIURL)
	if !backend.Health(ctx) {
		slog.Warn("backend not reachable at startup, jobs will wait", slog.String("url", cfg.ComfyUIURL))
	}

	jobs := redisrepo.NewJobRepo(kv, cfg.KeyPrefix)
	queue := rediskv.NewWorkQueue(kv, cfg.KeyPrefix, cfg.QueueName)
	broker := rediskv.NewBroker(kv, cfg.KeyPrefix)

	rec := &worker.Recovery{
		Jobs:       jobs,
		Broker:     broker,
		JobTimeout: cfg.JobTimeout,
		Interval:   cfg.RecoverySweepInterval,
	}
	// One synchronous pass before consuming, so jobs orphaned by the previous
	// process incarnation are failed before new work starts.
	if err := rec.RunOnce(ctx); err != nil {
		slog.Error("startup recovery pass failed", slog.Any("error", err))
	}
	go rec.Run(ctx)

	w := &worker.Worker{
		Jobs:        jobs,
		Queue:       queue,
		Store:       store,
		Backend:     backend,
		Broker:      broker,
		Slots:       cfg.WorkerConcurrency,
		PopTimeout:  cfg.QueuePopTimeout,
		JobTimeout:  cfg.JobTimeout,
		ArtifactTTL: cfg.ArtifactTTL,
		PollDelay:   comfyui.PollInterval,
	}

	slog.Info("worker starting",
		slog.Int("slots", cfg.WorkerConcurrency),
		slog.String("queue", cfg.QueueName),
		slog.Duration("job_timeout", cfg.JobTimeout))

	start := time.Now()
	w.Run(ctx)
	slog.Info("worker stopped", slog.Duration("uptime", time.Since(start)))
}
