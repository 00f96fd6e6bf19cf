package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration loaded from environment variables.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Geo        GeoConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Tracking   TrackingConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	User     string
	Password string
}

type GeoConfig struct {
	Enabled     bool
	MaxMindPath string
}

type AuthConfig struct {
	AdminToken string
}

type RateLimitConfig struct {
	Enabled          bool
	PostbackPerSec   float64
	PostbackBurst    int
	ManagementPerSec float64
	ManagementBurst  int
}

// TrackingConfig controls event normalization, aggregation and sessions.
type TrackingConfig struct {
	AggregationMode     string
	UserIDField         string
	ImpressionThreshold int64
	ClickThreshold      int64
	SessionDuration     time.Duration
	SweepInterval       time.Duration
	StoreTimeout        time.Duration
	StoreBackend        string
	EventLogLimit       int
}

type LogConfig struct {
	Level       string
	Development bool
}

type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("POSTBACK_PORT", "8080"),
			ReadTimeout:     getDurationEnv("POSTBACK_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("POSTBACK_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getDurationEnv("POSTBACK_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTBACK_DB_HOST", "localhost"),
			Port:     getEnv("POSTBACK_DB_PORT", "5432"),
			User:     getEnv("POSTBACK_DB_USER", "postback"),
			Password: getEnv("POSTBACK_DB_PASSWORD", ""),
			Name:     getEnv("POSTBACK_DB_NAME", "postback"),
			SSLMode:  getEnv("POSTBACK_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("POSTBACK_DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("POSTBACK_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("POSTBACK_REDIS_PASSWORD", ""),
			DB:       getIntEnv("POSTBACK_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("POSTBACK_CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("POSTBACK_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("POSTBACK_CLICKHOUSE_DB", "postback"),
			User:     getEnv("POSTBACK_CLICKHOUSE_USER", "default"),
			Password: getEnv("POSTBACK_CLICKHOUSE_PASSWORD", ""),
		},
		Geo: GeoConfig{
			Enabled:     getBoolEnv("POSTBACK_GEO_ENABLED", false),
			MaxMindPath: getEnv("POSTBACK_MAXMIND_PATH", "/data/GeoLite2-Country.mmdb"),
		},
		Auth: AuthConfig{
			AdminToken: getEnv("POSTBACK_ADMIN_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:          getBoolEnv("POSTBACK_RATE_LIMIT_ENABLED", true),
			PostbackPerSec:   getFloatEnv("POSTBACK_RATE_LIMIT_POSTBACK_RPS", 500),
			PostbackBurst:    getIntEnv("POSTBACK_RATE_LIMIT_POSTBACK_BURST", 1000),
			ManagementPerSec: getFloatEnv("POSTBACK_RATE_LIMIT_MGMT_RPS", 50),
			ManagementBurst:  getIntEnv("POSTBACK_RATE_LIMIT_MGMT_BURST", 100),
		},
		Tracking: TrackingConfig{
			AggregationMode:     getEnv("POSTBACK_AGGREGATION_MODE", "zone_and_user"),
			UserIDField:         getEnv("POSTBACK_USER_ID_FIELD", "ymid"),
			ImpressionThreshold: int64(getIntEnv("POSTBACK_IMPRESSION_THRESHOLD", 20)),
			ClickThreshold:      int64(getIntEnv("POSTBACK_CLICK_THRESHOLD", 8)),
			SessionDuration:     getDurationEnv("POSTBACK_SESSION_DURATION", 15*time.Minute),
			SweepInterval:       getDurationEnv("POSTBACK_SWEEP_INTERVAL", time.Minute),
			StoreTimeout:        getDurationEnv("POSTBACK_STORE_TIMEOUT", 3*time.Second),
			StoreBackend:        getEnv("POSTBACK_STORE_BACKEND", "auto"),
			EventLogLimit:       getIntEnv("POSTBACK_EVENT_LOG_LIMIT", 10000),
		},
		Log: LogConfig{
			Level:       getEnv("POSTBACK_LOG_LEVEL", "info"),
			Development: getBoolEnv("POSTBACK_LOG_DEV", false),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("POSTBACK_METRICS_ENABLED", true),
			Namespace: getEnv("POSTBACK_METRICS_NAMESPACE", "postback"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Tracking.AggregationMode {
	case "global", "zone", "user", "zone_user", "zone_and_user":
	default:
		return fmt.Errorf("invalid POSTBACK_AGGREGATION_MODE: %q", c.Tracking.AggregationMode)
	}

	switch c.Tracking.UserIDField {
	case "ymid", "sub_id", "telegram_id", "user_email":
	default:
		return fmt.Errorf("invalid POSTBACK_USER_ID_FIELD: %q", c.Tracking.UserIDField)
	}

	switch c.Tracking.StoreBackend {
	case "auto", "memory", "postgres", "redis":
	default:
		return fmt.Errorf("invalid POSTBACK_STORE_BACKEND: %q", c.Tracking.StoreBackend)
	}

	if c.Tracking.ImpressionThreshold <= 0 {
		return fmt.Errorf("POSTBACK_IMPRESSION_THRESHOLD must be positive, got %d", c.Tracking.ImpressionThreshold)
	}
	if c.Tracking.ClickThreshold <= 0 {
		return fmt.Errorf("POSTBACK_CLICK_THRESHOLD must be positive, got %d", c.Tracking.ClickThreshold)
	}
	if c.Tracking.SessionDuration <= 0 {
		return fmt.Errorf("POSTBACK_SESSION_DURATION must be positive, got %s", c.Tracking.SessionDuration)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
