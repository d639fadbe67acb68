package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Auth      AuthConfig
	Quota     QuotaConfig
	Generator GeneratorConfig
	Pipeline  PipelineConfig
	Metrics   MetricsConfig
	Tracing   TracingConfig
	Logging   LoggingConfig
	Webhook   WebhookConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration for persisted artifacts
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration for terminal job events
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// AuthConfig holds token authority configuration
type AuthConfig struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	StreamTicketTTL time.Duration
}

// TierQuota is the per-period generation budget and concurrency cap of a tier
type TierQuota struct {
	Generations int64
	Concurrency int
}

// QuotaConfig holds per-tier quotas
type QuotaConfig struct {
	Starter      TierQuota
	Professional TierQuota
	Agency       TierQuota
}

// Limits returns the quotas keyed by tier name.
func (q QuotaConfig) Limits() map[string]TierQuota {
	return map[string]TierQuota{
		"starter":      q.Starter,
		"professional": q.Professional,
		"agency":       q.Agency,
	}
}

// GeneratorConfig holds upstream generation provider configuration
type GeneratorConfig struct {
	Mode           string // upstream or scripted
	Endpoint       string
	APIKey         string
	MaxTokens      int
	RequestTimeout time.Duration
}

// PipelineConfig holds orchestrator and delivery configuration
type PipelineConfig struct {
	WorkerCount    int
	DispatchWait   time.Duration
	MaxJobDuration time.Duration
	ForcedStopWait time.Duration
	GraceTimeout   time.Duration
	StaleAfter     time.Duration
	LiveWindow     int
}

// MetricsConfig holds the metrics server configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// WebhookConfig holds the outbound notification endpoint for terminal job
// events. Disabled when the URL is empty.
type WebhookConfig struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "pipeline")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "artifacts")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Auth defaults
	viper.SetDefault("auth.jwtSecret", "")
	viper.SetDefault("auth.accessTokenTTL", "15m")
	viper.SetDefault("auth.refreshTokenTTL", "168h") // 7 days
	viper.SetDefault("auth.streamTicketTTL", "60s")

	// Quota defaults: monthly generation budgets per tier
	viper.SetDefault("quota.starter.generations", 50)
	viper.SetDefault("quota.starter.concurrency", 1)
	viper.SetDefault("quota.professional.generations", 200)
	viper.SetDefault("quota.professional.concurrency", 3)
	viper.SetDefault("quota.agency.generations", 999999)
	viper.SetDefault("quota.agency.concurrency", 10)

	// Generator defaults
	viper.SetDefault("generator.mode", "upstream")
	viper.SetDefault("generator.endpoint", "http://localhost:9800/v1/generate")
	viper.SetDefault("generator.apiKey", "")
	viper.SetDefault("generator.maxTokens", 3000)
	viper.SetDefault("generator.requestTimeout", "30s")

	// Pipeline defaults
	viper.SetDefault("pipeline.workerCount", 4)
	viper.SetDefault("pipeline.dispatchWait", "2s")
	viper.SetDefault("pipeline.maxJobDuration", "5m")
	viper.SetDefault("pipeline.forcedStopWait", "5s")
	viper.SetDefault("pipeline.graceTimeout", "30s")
	viper.SetDefault("pipeline.staleAfter", "10m")
	viper.SetDefault("pipeline.liveWindow", 256)

	// Webhook defaults
	viper.SetDefault("webhook.url", "")
	viper.SetDefault("webhook.timeout", "30s")
	viper.SetDefault("webhook.maxRetries", 5)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "pipeline-api")
	viper.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}
