package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/syncengine"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
	Version                       string   `env:"APP_VERSION" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"60"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:"postgres"`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern"`
	// Database SSL mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10m"`
	// Migration folder; the embedded migrations are used when it does not exist
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Target migration version, 0 for latest
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Force a version before migrating, 0 to skip
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Roll a dirty database back to its previous version
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`
	// Run migrations when serve starts
	DatabaseMigrateOnStart bool `env:"DB_MIGRATE_ON_START" env-default:"true"`

	// Auth Enabled - when false, X-Tenant-ID and X-User-ID headers are trusted
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`
	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Publish sync and transaction events
	KafkaEnabled bool `env:"KAFKA_ENABLED" env-default:"false"`
	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Topic for sync lifecycle events
	KafkaSyncTopic string `env:"KAFKA_SYNC_TOPIC" env-default:"fern.sync.events"`
	// Topic for persisted transactions
	KafkaTransactionTopic string `env:"KAFKA_TRANSACTION_TOPIC" env-default:"fern.transactions"`

	// Enable OTLP tracing export
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`

	// Enable/disable the scheduler
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"true"`
	// Scheduler poll interval
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"30s"`
	// Integrations enqueued per poll
	SchedulerBatchSize int `env:"SCHEDULER_BATCH_SIZE" env-default:"100"`
	// How long an enqueued integration stays claimed
	SchedulerLockTTL time.Duration `env:"SCHEDULER_LOCK_TTL" env-default:"60s"`

	// Job queue stream name
	QueueStream string `env:"QUEUE_STREAM" env-default:"fern:jobs"`
	// Consumer group name
	QueueConsumerGroup string `env:"QUEUE_CONSUMER_GROUP" env-default:"fern-workers"`
	// Consumer name (defaults to hostname if empty)
	QueueConsumerName string `env:"QUEUE_CONSUMER_NAME" env-default:""`
	// Concurrent sync workers per process
	QueueWorkers int `env:"QUEUE_WORKERS" env-default:"4"`
	// Deliveries before a job is dead-lettered
	QueueMaxRetries int `env:"QUEUE_MAX_RETRIES" env-default:"3"`
	// Pending entries idle this long are reclaimed
	QueueClaimMinIdle time.Duration `env:"QUEUE_CLAIM_MIN_IDLE" env-default:"20m"`
	// Dead letter stream name
	QueueDLQStream string `env:"QUEUE_DLQ_STREAM" env-default:"fern:sync:dlq"`

	// Timeout for a connector fetch
	SyncFetchTimeout time.Duration `env:"SYNC_FETCH_TIMEOUT" env-default:"5m"`
	// Records kept per sync, 0 for no cap
	SyncMaxRecords int `env:"SYNC_MAX_RECORDS" env-default:"0"`
	// How long a running sync holds its integration lock
	SyncLockTTL time.Duration `env:"SYNC_LOCK_TTL" env-default:"15m"`
	// Window fetched by an integration that never synced
	SyncLookback time.Duration `env:"SYNC_LOOKBACK" env-default:"720h"`

	// QuickBooks API calls allowed per minute per realm
	QuickBooksRateLimitPerMinute int64 `env:"QUICKBOOKS_RATE_LIMIT_PER_MINUTE" env-default:"500"`
	// Longest wait for a rate limit slot
	QuickBooksRateLimitMaxWait time.Duration `env:"QUICKBOOKS_RATE_LIMIT_MAX_WAIT" env-default:"30s"`
	// QuickBooks OAuth token endpoint
	QuickBooksTokenURL string `env:"QUICKBOOKS_TOKEN_URL" env-default:"https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"`
	// QuickBooks query page size
	QuickBooksPageSize int `env:"QUICKBOOKS_PAGE_SIZE" env-default:"1000"`

	// Outbound HTTP client, read from HTTP_CLIENT_*
	HTTPClient httpclient.Config
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Database() database.ConnectionConfig {
	return database.ConnectionConfig{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration(embedded fs.FS) *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Embedded:            embedded,
		Version:             uint(max(c.DatabaseMigrationVersion, 0)),
		Force:               c.DatabaseMigrationForce,
		AutoRollback:        c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

func (c *Config) Kafka() kafka.Config {
	return kafka.ParseConfig(c.KafkaBrokers, c.KafkaSyncTopic, c.KafkaTransactionTopic)
}

func (c *Config) Exporter() tracing.ExporterConfig {
	return tracing.ExporterConfig{
		Endpoint: c.OTLPEndpoint,
		Protocol: c.OTLPProtocol,
		Insecure: c.OTLPInsecure,
	}
}

func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		PollInterval: c.SchedulerPollInterval,
		LockTTL:      c.SchedulerLockTTL,
		BatchSize:    c.SchedulerBatchSize,
		JobQueue:     c.QueueStream,
	}
}

// Processor starts from the queue defaults and overrides what is configured.
func (c *Config) Processor() queue.ProcessorConfig {
	cfg := queue.DefaultProcessorConfig()
	cfg.Stream = c.QueueStream
	cfg.ConsumerGroup = c.QueueConsumerGroup
	if c.QueueConsumerName != "" {
		cfg.ConsumerName = c.QueueConsumerName
	}
	if c.QueueWorkers > 0 {
		cfg.WorkerCount = c.QueueWorkers
	}
	if c.QueueMaxRetries > 0 {
		cfg.MaxRetries = c.QueueMaxRetries
	}
	if c.QueueClaimMinIdle > 0 {
		cfg.ClaimMinIdle = c.QueueClaimMinIdle
	}
	return cfg
}

func (c *Config) Sync() syncengine.Config {
	return syncengine.Config{
		FetchTimeout: c.SyncFetchTimeout,
		MaxRecords:   c.SyncMaxRecords,
		LockTTL:      c.SyncLockTTL,
		Lookback:     c.SyncLookback,
	}
}
