package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort  string
	JWTSecret []byte
	LogLevel  string
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Provider  ProviderConfig
	Breaker   BreakerConfig
	Limits    LimitsConfig
	Stream    StreamConfig
	AuditSink AuditSinkConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// CacheConfig holds in-process cache settings
type CacheConfig struct {
	SessionCacheSize int
	SessionCacheTTL  time.Duration
	LimitsCacheSize  int
	LimitsCacheTTL   time.Duration
}

// ProviderConfig holds LLM backend settings.
type ProviderConfig struct {
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	RequestTimeout   time.Duration // per-call timeout, counted as failure for the breaker
	Fallback         string        // provider tried once when the primary fails
}

// BreakerConfig holds circuit breaker settings shared by all providers.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// LimitsConfig holds default usage limits applied when a caller has none configured.
type LimitsConfig struct {
	DailyTokens           int64
	MonthlyTokens         int64
	DailyCostUSD          float64
	MonthlyCostUSD        float64
	MaxRequestsPerHour    int
	MaxConcurrentSessions int
}

// StreamConfig holds streaming pipeline settings.
type StreamConfig struct {
	EventBuffer    int           // bounded channel size between producer and transport
	HistoryTurns   int           // session turns injected into the provider prompt
	SessionSlotTTL time.Duration // concurrent-session slot expiry
}

// AuditSinkConfig holds configuration for the S3-based request audit sink
type AuditSinkConfig struct {
	Enabled       bool
	BufferKey     string
	BufferMax     int
	FlushSize     int
	FlushInterval time.Duration
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	PodName       string
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		HTTPPort:  getEnvString("HTTP_PORT", "8080"),
		JWTSecret: []byte(getEnvString("JWT_SECRET", "supersecretkey")),
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Cache: CacheConfig{
			SessionCacheSize: getEnvInt("CACHE_SESSION_SIZE", 1000),
			SessionCacheTTL:  getEnvDuration("CACHE_SESSION_TTL", 5*time.Minute),
			LimitsCacheSize:  getEnvInt("CACHE_LIMITS_SIZE", 1000),
			LimitsCacheTTL:   getEnvDuration("CACHE_LIMITS_TTL", 5*time.Minute),
		},
		Provider: ProviderConfig{
			OpenAIAPIKey:     getEnvString("OPENAI_API_KEY", ""),
			OpenAIBaseURL:    getEnvString("OPENAI_BASE_URL", ""),
			AnthropicAPIKey:  getEnvString("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: getEnvString("ANTHROPIC_BASE_URL", ""),
			RequestTimeout:   getEnvDuration("PROVIDER_REQUEST_TIMEOUT", 60*time.Second),
			Fallback:         getEnvString("PROVIDER_FALLBACK", ""),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		},
		Limits: LimitsConfig{
			DailyTokens:           getEnvInt64("LIMIT_DAILY_TOKENS", 100_000),
			MonthlyTokens:         getEnvInt64("LIMIT_MONTHLY_TOKENS", 2_000_000),
			DailyCostUSD:          getEnvFloat("LIMIT_DAILY_COST_USD", 10),
			MonthlyCostUSD:        getEnvFloat("LIMIT_MONTHLY_COST_USD", 200),
			MaxRequestsPerHour:    getEnvInt("LIMIT_MAX_REQUESTS_PER_HOUR", 120),
			MaxConcurrentSessions: getEnvInt("LIMIT_MAX_CONCURRENT_SESSIONS", 5),
		},
		Stream: StreamConfig{
			EventBuffer:    getEnvInt("STREAM_EVENT_BUFFER", 64),
			HistoryTurns:   getEnvInt("STREAM_HISTORY_TURNS", 20),
			SessionSlotTTL: getEnvDuration("STREAM_SESSION_SLOT_TTL", 10*time.Minute),
		},
		AuditSink: AuditSinkConfig{
			Enabled:       getEnvString("AUDIT_SINK_ENABLED", "false") == "true",
			BufferKey:     getEnvString("AUDIT_SINK_BUFFER_KEY", "gateway:audit"),
			BufferMax:     getEnvInt("AUDIT_SINK_BUFFER_MAX", 100_000),
			FlushSize:     getEnvInt("AUDIT_SINK_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("AUDIT_SINK_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("AUDIT_SINK_S3_BUCKET", ""),
			S3Region:      getEnvString("AUDIT_SINK_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("AUDIT_SINK_S3_PREFIX", "audit/"),
			PodName:       getEnvString("POD_NAME", "gateway-0"),
		},
	}

	if cfg.Breaker.FailureThreshold < 1 {
		return nil, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be >= 1")
	}
	if cfg.AuditSink.Enabled && cfg.AuditSink.S3Bucket == "" {
		return nil, fmt.Errorf("AUDIT_SINK_S3_BUCKET is required when the audit sink is enabled")
	}

	return cfg, nil
}
