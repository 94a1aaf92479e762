// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Key/value store (job records, queue, counters, pub/sub)
	RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"cq"`

	// Object store (artifacts)
	MinioEndpoint  string        `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	MinioAccessKey string        `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinioSecretKey string        `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinioBucket    string        `env:"MINIO_BUCKET" envDefault:"comfy-artifacts"`
	MinioUseSSL    bool          `env:"MINIO_USE_SSL" envDefault:"false"`
	ArtifactTTL    time.Duration `env:"ARTIFACT_TTL" envDefault:"1h"`

	// Generation backend
	ComfyUIURL     string        `env:"COMFYUI_URL" envDefault:"http://localhost:8188"`
	ComfyUITimeout time.Duration `env:"COMFYUI_TIMEOUT" envDefault:"30s"`

	// Queue and worker
	QueueName             string        `env:"QUEUE_NAME" envDefault:"generate"`
	WorkerConcurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	JobTimeout            time.Duration `env:"JOB_TIMEOUT" envDefault:"600s"`
	QueuePopTimeout       time.Duration `env:"QUEUE_POP_TIMEOUT" envDefault:"5s"`
	RecoverySweepInterval time.Duration `env:"RECOVERY_SWEEP_INTERVAL" envDefault:"60s"`

	// Rate limiting and auth
	RateLimitEnabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	AuthEnabled      bool          `env:"AUTH_ENABLED" envDefault:"false"`
	// IPRateLimitPerMin is the coarse per-IP guard in front of the
	// principal-scoped limiter.
	IPRateLimitPerMin int `env:"IP_RATE_LIMIT_PER_MIN" envDefault:"120"`

	// HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Observability
	OTLPEndpoint      string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName   string `env:"OTEL_SERVICE_NAME" envDefault:"comfy-queue"`
	WorkerMetricsPort int    `env:"WORKER_METRICS_PORT" envDefault:"9090"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
