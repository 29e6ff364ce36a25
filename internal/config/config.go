package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIPort  string
	LogLevel string

	ExportsDir   string
	SettingsPath string

	ArchiveTTL          time.Duration
	TaskRetention       time.Duration
	CleanupSchedule     string
	ZipCompression      int
	KeepUndecodable     bool
	QueryTimeout        time.Duration
	ShutdownTimeout     time.Duration
	APIRateLimitRPS     float64
	APIRateLimitBurst   int
	APIMaxInFlight      int
	APIBackpressureWait time.Duration

	NATSURL           string
	NATSSubject       string
	WorkerMetricsPort string

	// DB overrides are applied on top of the settings file when set.
	DBDriver   string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBDatabase string
}

func Load() Config {
	return Config{
		APIPort:  mustEnv("API_PORT", "5000"),
		LogLevel: mustEnv("LOG_LEVEL", "info"),

		ExportsDir:   mustEnv("EXPORTS_DIR", "./exports"),
		SettingsPath: mustEnv("SETTINGS_PATH", "./config.json"),

		ArchiveTTL:          time.Duration(mustEnvInt("ARCHIVE_TTL_SECONDS", 60)) * time.Second,
		TaskRetention:       time.Duration(mustEnvInt("TASK_RETENTION_HOURS", 24)) * time.Hour,
		CleanupSchedule:     mustEnv("CLEANUP_SCHEDULE", "@every 1h"),
		ZipCompression:      mustEnvInt("ZIP_COMPRESSION_LEVEL", 6),
		KeepUndecodable:     mustEnvBool("KEEP_UNDECODABLE_IMAGES", false),
		QueryTimeout:        time.Duration(mustEnvInt("QUERY_TIMEOUT_SECONDS", 120)) * time.Second,
		ShutdownTimeout:     time.Duration(mustEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
		APIRateLimitRPS:     mustEnvFloat("API_RATE_LIMIT_RPS", 0),
		APIRateLimitBurst:   mustEnvInt("API_RATE_LIMIT_BURST", 20),
		APIMaxInFlight:      mustEnvInt("API_MAX_IN_FLIGHT", 0),
		APIBackpressureWait: time.Duration(mustEnvInt("API_BACKPRESSURE_WAIT_MS", 250)) * time.Millisecond,

		NATSURL:           mustEnv("NATS_URL", ""),
		NATSSubject:       mustEnv("NATS_SUBJECT", "dde.tasks.compiled"),
		WorkerMetricsPort: mustEnv("WORKER_METRICS_PORT", "9091"),

		DBDriver:   mustEnv("DB_DRIVER", ""),
		DBHost:     mustEnv("DB_HOST", ""),
		DBPort:     mustEnvInt("DB_PORT", 0),
		DBUser:     mustEnv("DB_USER", ""),
		DBPassword: mustEnv("DB_PASSWORD", ""),
		DBDatabase: mustEnv("DB_DATABASE", ""),
	}
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
