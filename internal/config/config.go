// Package config loads the exporter configuration from the environment and
// the credentials file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/Sternrassler/drawing-exporter/pkg/cursor"
	"github.com/Sternrassler/drawing-exporter/pkg/translation"
)

// Config holds all application configuration.
//
// Environment Variables (an optional .env file is loaded first):
//   - DRAWING_EXPORT_STACK: credential profile name (default: cad)
//   - DRAWING_EXPORT_CREDENTIALS: credentials file (default: ./credentials.json)
//   - DRAWING_EXPORT_DIR: export directory (default: ./pdfoutput/<stack>)
//   - DRAWING_EXPORT_STATE_BACKEND: file or redis (default: file)
//   - DRAWING_EXPORT_STATE_FILE: cursor file (default: <dir>/lastexport.json)
//   - DRAWING_EXPORT_REDIS_URL: redis URL for the redis backend and shared rate limits
//   - DRAWING_EXPORT_LOG_LEVEL, DRAWING_EXPORT_LOG_PRETTY, DRAWING_EXPORT_LOG_FILE
//   - DRAWING_EXPORT_METRICS_ADDR: serve /metrics on this address (optional)
//   - DRAWING_EXPORT_SCHEDULE: cron expression for repeated runs (optional)
//   - DRAWING_EXPORT_POLL_INTERVAL (default: 5s), DRAWING_EXPORT_TRANSLATION_TIMEOUT (default: 600s)
//   - DRAWING_EXPORT_REQUEST_TIMEOUT (default: 10m), DRAWING_EXPORT_MAX_RETRIES (default: 3)
//   - DRAWING_EXPORT_MAX_PAGES: stop after this many pages (default: 0 = all)
//   - DRAWING_EXPORT_S3_BUCKET, DRAWING_EXPORT_S3_PREFIX, DRAWING_EXPORT_S3_REGION, DRAWING_EXPORT_S3_ENDPOINT
//   - DRAWING_EXPORT_S3_ACCESS_KEY_ID, DRAWING_EXPORT_S3_SECRET_ACCESS_KEY: static S3 credentials (optional)
type Config struct {
	Stack           string
	CredentialsFile string
	ExportDir       string

	StateBackend string
	StateFile    string
	RedisURL     string

	Log LogConfig

	MetricsAddr string
	Schedule    string

	PollInterval       time.Duration
	TranslationTimeout time.Duration
	RequestTimeout     time.Duration
	MaxRetries         int
	MaxPages           int

	Mirror MirrorConfig
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Pretty bool
	File   string
}

// MirrorConfig holds the optional S3 mirror settings. Without static keys
// the default AWS credential chain is used.
type MirrorConfig struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string

	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether mirroring is configured.
func (m MirrorConfig) Enabled() bool {
	return m.Bucket != ""
}

// State backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Defaults.
const (
	DefaultStack           = "cad"
	DefaultCredentialsFile = "./credentials.json"
	DefaultExportRoot      = "./pdfoutput"
	DefaultRequestTimeout  = 10 * time.Minute
	DefaultMaxRetries      = 3

	envPrefix = "DRAWING_EXPORT_"
)

// Option is a function type for configuring Config.
type Option func(*Config)

// FromEnv creates a Config from the environment, applies opts, fills derived
// defaults and validates the result.
func FromEnv(opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	config := &Config{
		Stack:           getEnvString("STACK", DefaultStack),
		CredentialsFile: getEnvString("CREDENTIALS", DefaultCredentialsFile),
		ExportDir:       getEnvString("DIR", ""),
		StateBackend:    getEnvString("STATE_BACKEND", BackendFile),
		StateFile:       getEnvString("STATE_FILE", ""),
		RedisURL:        getEnvString("REDIS_URL", ""),
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
			File:   getEnvString("LOG_FILE", ""),
		},
		MetricsAddr:        getEnvString("METRICS_ADDR", ""),
		Schedule:           getEnvString("SCHEDULE", ""),
		PollInterval:       getEnvDuration("POLL_INTERVAL", translation.DefaultPollInterval),
		TranslationTimeout: getEnvDuration("TRANSLATION_TIMEOUT", translation.DefaultTimeout),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		MaxRetries:         getEnvInt("MAX_RETRIES", DefaultMaxRetries),
		MaxPages:           getEnvInt("MAX_PAGES", 0),
		Mirror: MirrorConfig{
			Bucket:   getEnvString("S3_BUCKET", ""),
			Prefix:   getEnvString("S3_PREFIX", ""),
			Region:   getEnvString("S3_REGION", ""),
			Endpoint: getEnvString("S3_ENDPOINT", ""),

			AccessKeyID:     getEnvString("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnvString("S3_SECRET_ACCESS_KEY", ""),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyDefaults fills values derived from other settings.
func (c *Config) applyDefaults() {
	if c.Stack == "" {
		c.Stack = DefaultStack
	}
	if c.ExportDir == "" {
		c.ExportDir = filepath.Join(DefaultExportRoot, c.Stack)
	}
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.ExportDir, cursor.DefaultFileName)
	}
	c.StateBackend = strings.ToLower(c.StateBackend)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.StateBackend {
	case BackendFile:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%sREDIS_URL is required for the redis state backend", envPrefix)
		}
	default:
		return fmt.Errorf("invalid state backend %q (want %s or %s)", c.StateBackend, BackendFile, BackendRedis)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive (got %s)", c.PollInterval)
	}
	if c.TranslationTimeout <= 0 {
		return fmt.Errorf("translation timeout must be positive (got %s)", c.TranslationTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive (got %s)", c.RequestTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages must be >= 0 (got %d)", c.MaxPages)
	}

	if (c.Mirror.AccessKeyID == "") != (c.Mirror.SecretAccessKey == "") {
		return fmt.Errorf("%sS3_ACCESS_KEY_ID and %sS3_SECRET_ACCESS_KEY must be set together", envPrefix, envPrefix)
	}

	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}

	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean value from environment variables with default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
