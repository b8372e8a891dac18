// Package logging provides structured logging functionality using Go's slog package.
// It supports both text and JSON output formats, configurable log levels,
// and component-scoped loggers for the reachscan application.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

const (
	// File permissions for directories and log files.
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel represents the available log levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the available log formats.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Config holds logging configuration.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level"`
	Format    LogFormat `yaml:"format" json:"format"`
	Output    string    `yaml:"output" json:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:     LevelInfo,
		Format:    FormatText,
		Output:    "stdout",
		AddSource: false,
	}
}

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
	config Config
}

// New creates a new structured logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	// Determine output writer
	var writer io.Writer
	switch cfg.Output {
	case "", "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		// Assume it's a file path
		if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
		if err != nil {
			return nil, err
		}
		writer = file
	}

	return NewWithWriter(cfg, writer), nil
}

// NewWithWriter creates a logger that writes to w, ignoring cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(string(cfg.Level)),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// WithFields adds structured fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
		config: l.config,
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPassID adds a scan pass ID field to the logger.
func (l *Logger) WithPassID(passID string) *Logger {
	return l.WithFields("pass_id", passID)
}

// WithTarget adds a target field to the logger.
func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target", target)
}

// WithError adds an error field to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields("error", err)
}

// InfoScan logs scan-related information.
func (l *Logger) InfoScan(msg, target string, fields ...any) {
	l.Info(msg, prepend(fields, "target", target)...)
}

// ErrorScan logs scan-related errors.
func (l *Logger) ErrorScan(msg, target string, err error, fields ...any) {
	l.Error(msg, prepend(fields, "target", target, "error", err)...)
}

// WarnGeo logs geolocation provider failures.
func (l *Logger) WarnGeo(msg, provider, ip string, err error, fields ...any) {
	l.Warn(msg, prepend(fields, "component", "geo", "provider", provider, "ip", ip, "error", err)...)
}

// InfoPersistence logs storage-related information.
func (l *Logger) InfoPersistence(msg string, fields ...any) {
	l.Info(msg, prepend(fields, "component", "storage")...)
}

// ErrorPersistence logs storage-related errors.
func (l *Logger) ErrorPersistence(msg string, err error, fields ...any) {
	l.Error(msg, prepend(fields, "component", "storage", "error", err)...)
}

// InfoDaemon logs daemon-related information.
func (l *Logger) InfoDaemon(msg string, fields ...any) {
	l.Info(msg, prepend(fields, "component", "daemon")...)
}

// ErrorDaemon logs daemon-related errors.
func (l *Logger) ErrorDaemon(msg string, err error, fields ...any) {
	l.Error(msg, prepend(fields, "component", "daemon", "error", err)...)
}

// prepend returns head followed by fields in a fresh slice, so the
// caller's slice is never written through.
func prepend(fields []any, head ...any) []any {
	out := make([]any, 0, len(head)+len(fields))
	out = append(out, head...)
	return append(out, fields...)
}

// The process-wide logger. Workers read it concurrently while the CLI may
// replace it once configuration is loaded.
var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(NewDefault())
}

// SetDefault replaces the process-wide logger. A nil logger is ignored.
func SetDefault(logger *Logger) {
	if logger != nil {
		defaultLogger.Store(logger)
	}
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger.Load()
}

// Package-level helpers log through Default().

func Debug(msg string, fields ...any) { Default().Debug(msg, fields...) }

func Info(msg string, fields ...any) { Default().Info(msg, fields...) }

func Warn(msg string, fields ...any) { Default().Warn(msg, fields...) }

func Error(msg string, fields ...any) { Default().Error(msg, fields...) }

func InfoScan(msg, target string, fields ...any) {
	Default().InfoScan(msg, target, fields...)
}

func ErrorScan(msg, target string, err error, fields ...any) {
	Default().ErrorScan(msg, target, err, fields...)
}

func WarnGeo(msg, provider, ip string, err error, fields ...any) {
	Default().WarnGeo(msg, provider, ip, err, fields...)
}

func InfoPersistence(msg string, fields ...any) {
	Default().InfoPersistence(msg, fields...)
}

func ErrorPersistence(msg string, err error, fields ...any) {
	Default().ErrorPersistence(msg, err, fields...)
}

func InfoDaemon(msg string, fields ...any) {
	Default().InfoDaemon(msg, fields...)
}

func ErrorDaemon(msg string, err error, fields ...any) {
	Default().ErrorDaemon(msg, err, fields...)
}
