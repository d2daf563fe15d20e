// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Defaults for the rolling log file.
const (
	DefaultFileMaxSizeMB  = 1
	DefaultFileMaxBackups = 3
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level written to Output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File is an optional rolling log file. It receives every level,
	// independent of Level, so a run can be reconstructed afterwards.
	File string

	// FileMaxSizeMB is the size at which the log file is rotated.
	FileMaxSizeMB int

	// FileMaxBackups is the number of rotated files kept.
	FileMaxBackups int
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:          LevelInfo,
		Pretty:         false,
		Output:         os.Stderr,
		FileMaxSizeMB:  DefaultFileMaxSizeMB,
		FileMaxBackups: DefaultFileMaxBackups,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	// Configure console output
	var console io.Writer = cfg.Output
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	var output io.Writer = console
	if cfg.File != "" {
		// The global level has to admit debug events for the file sink,
		// the console writer filters on its own.
		level = zerolog.DebugLevel
		output = zerolog.MultiLevelWriter(
			&zerolog.FilteredLevelWriter{
				Writer: zerolog.LevelWriterAdapter{Writer: console},
				Level:  parseLevel(cfg.Level),
			},
			newFileWriter(cfg),
		)
	}

	zerolog.SetGlobalLevel(level)

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

func newFileWriter(cfg Config) io.Writer {
	maxSize := cfg.FileMaxSizeMB
	if maxSize <= 0 {
		maxSize = DefaultFileMaxSizeMB
	}
	backups := cfg.FileMaxBackups
	if backups <= 0 {
		backups = DefaultFileMaxBackups
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: backups,
	}
}

// ParseLevel converts a level name to LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Signed request flow (method, uri)
//   - Translation poll ticks (elapsed seconds)
//   - Skipped non-drawing revisions
//
// Info: Normal operation events
//   - Page fetched, cursor persisted
//   - Translation requested, artifact downloaded
//   - Already exported artifacts
//
// Warn: Warning conditions that don't prevent operation
//   - Revisions marked bad (with identifying fields)
//   - Previously bad revisions skipped
//   - Retry attempts, rate limit throttling
//   - Mirror upload failures
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Malformed translation results (run aborted)
//   - Configuration errors
//
// Context Fields:
//   - component: api, export, translation, cursor, ratelimit, mirror
//   - run_id: export run identifier
//   - method, uri, status_code, error_class: API requests
//   - revision_id, document_id, version_id, element_id, part_number, revision: revisions
//   - request_state, elapsed: translation jobs
//   - watermark, offset: cursor state
