package config

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // empty: lite mode (SQLite under DataDir)
	DataDir     string
	RedisAddr   string // empty: in-process rate limiter
	PolicyFile  string

	GuardianURL     string
	GuardianTimeout time.Duration

	ApproverJWTSecret string
	AuditSealSecret   string

	ArchiveBackend  string
	ArchiveBucket   string
	ArchivePrefix   string
	ArchiveRegion   string
	ArchiveEndpoint string

	OTelEnabled  bool
	OTelEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:              getenv("PORT", "8080"),
		LogLevel:          getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DataDir:           getenv("DATA_DIR", "data"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		PolicyFile:        os.Getenv("POLICY_FILE"),
		GuardianURL:       os.Getenv("GUARDIAN_URL"),
		GuardianTimeout:   durationEnv("GUARDIAN_TIMEOUT", 2*time.Second),
		ApproverJWTSecret: os.Getenv("APPROVER_JWT_SECRET"),
		AuditSealSecret:   os.Getenv("AUDIT_SEAL_SECRET"),
		ArchiveBackend:    getenv("ARCHIVE_BACKEND", "none"),
		ArchiveBucket:     os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:     os.Getenv("ARCHIVE_PREFIX"),
		ArchiveRegion:     os.Getenv("ARCHIVE_REGION"),
		ArchiveEndpoint:   os.Getenv("ARCHIVE_ENDPOINT"),
		OTelEnabled:       os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:      getenv("OTEL_ENDPOINT", "localhost:4317"),
	}
}

// LiteMode reports whether persistence falls back to local SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SlogLevel maps LOG_LEVEL onto slog levels; unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
