// Package config 配置
package config

import (
	"errors"
	"strconv"
	"time"

	pkgconfig "github.com/sagaops/orchestrator/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string

	// 事件总线
	EventTopic string

	// 下游服务
	InventoryURL string
	PaymentURL   string
	ShipmentURL  string

	// 步骤执行默认策略
	StepMaxAttempts int
	StepBackoffBase time.Duration
	StepBackoffCap  time.Duration
	StepTimeout     time.Duration

	// 熔断
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	// 发件箱 relay
	RelayBatchSize    int
	RelayPollInterval time.Duration
	RelayFlagAfter    int
	OutboxRetention   time.Duration
	PurgeSchedule     string // cron 表达式

	// 幂等
	IdempotencyLockTTL   time.Duration
	IdempotencyRetention time.Duration

	// 追踪
	TracingEnabled  bool
	JaegerEndpoint  string
	TraceSampleRate float64

	// 恢复扫描
	SweepInterval time.Duration
	SagaLease     time.Duration
	Concurrency   int

	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "saga-orchestrator"),
		HTTPPort:    pkgconfig.GetEnvInt("HTTP_PORT", 8090),

		DBHost:            pkgconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:            pkgconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:            pkgconfig.GetEnv("DB_USER", "saga"),
		DBPassword:        pkgconfig.GetEnv("DB_PASSWORD", "saga123"),
		DBName:            pkgconfig.GetEnv("DB_NAME", "saga"),
		DBMaxOpenConns:    pkgconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    pkgconfig.GetEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: pkgconfig.GetEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: pkgconfig.GetEnv("REDIS_PASSWORD", ""),

		EventTopic: pkgconfig.GetEnv("EVENT_TOPIC", "saga:events"),

		InventoryURL: pkgconfig.GetEnv("INVENTORY_SERVICE_URL", "http://localhost:8101"),
		PaymentURL:   pkgconfig.GetEnv("PAYMENT_SERVICE_URL", "http://localhost:8102"),
		ShipmentURL:  pkgconfig.GetEnv("SHIPMENT_SERVICE_URL", "http://localhost:8103"),

		StepMaxAttempts: pkgconfig.GetEnvInt("STEP_MAX_ATTEMPTS", 3),
		StepBackoffBase: pkgconfig.GetEnvDuration("STEP_BACKOFF_BASE", 100*time.Millisecond),
		StepBackoffCap:  pkgconfig.GetEnvDuration("STEP_BACKOFF_CAP", 5*time.Second),
		StepTimeout:     pkgconfig.GetEnvDuration("STEP_TIMEOUT", 10*time.Second),

		BreakerThreshold: pkgconfig.GetEnvInt("BREAKER_THRESHOLD", 5),
		BreakerWindow:    pkgconfig.GetEnvDuration("BREAKER_WINDOW", 30*time.Second),
		BreakerCooldown:  pkgconfig.GetEnvDuration("BREAKER_COOLDOWN", 15*time.Second),

		RelayBatchSize:    pkgconfig.GetEnvInt("RELAY_BATCH_SIZE", 100),
		RelayPollInterval: pkgconfig.GetEnvDuration("RELAY_POLL_INTERVAL", time.Second),
		RelayFlagAfter:    pkgconfig.GetEnvInt("RELAY_FLAG_AFTER", 10),
		OutboxRetention:   pkgconfig.GetEnvDuration("OUTBOX_RETENTION", 24*time.Hour),
		PurgeSchedule:     pkgconfig.GetEnv("PURGE_SCHEDULE", "@hourly"),

		IdempotencyLockTTL:   pkgconfig.GetEnvDuration("IDEMPOTENCY_LOCK_TTL", 30*time.Second),
		IdempotencyRetention: pkgconfig.GetEnvDuration("IDEMPOTENCY_RETENTION", 24*time.Hour),

		TracingEnabled:  pkgconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:  pkgconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRate: pkgconfig.GetEnvFloat("TRACE_SAMPLE_RATE", 0.1),

		SweepInterval: pkgconfig.GetEnvDuration("SWEEP_INTERVAL", 5*time.Second),
		SagaLease:     pkgconfig.GetEnvDuration("SAGA_LEASE", 30*time.Second),
		Concurrency:   pkgconfig.GetEnvInt("CONCURRENCY", 16),

		WorkerID: pkgconfig.GetEnvInt64("WORKER_ID", 1),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return errors.New("invalid HTTP_PORT")
	}
	if c.StepMaxAttempts <= 0 {
		return errors.New("STEP_MAX_ATTEMPTS must be positive")
	}
	if c.BreakerThreshold <= 0 {
		return errors.New("BREAKER_THRESHOLD must be positive")
	}
	if c.Concurrency <= 0 {
		return errors.New("CONCURRENCY must be positive")
	}
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return errors.New("WORKER_ID must be between 0 and 1023")
	}
	return nil
}
