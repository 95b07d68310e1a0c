// Package logging provides structured logging using zerolog with configurable
// levels and output formats including JSON and console modes.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with additional context for airsync
type Logger struct {
	logger zerolog.Logger
}

// LogEvent represents a synchronization event type
type LogEvent string

const (
	EventSyncStarted     LogEvent = "sync_started"
	EventSyncCompleted   LogEvent = "sync_completed"
	EventSyncFailed      LogEvent = "sync_failed"
	EventSensorStarted   LogEvent = "sensor_started"
	EventSensorSkipped   LogEvent = "sensor_skipped"
	EventBatchFetched    LogEvent = "batch_fetched"
	EventKeyRotated      LogEvent = "key_rotated"
	EventDatasetResorted LogEvent = "dataset_resorted"
	EventConfigLoaded    LogEvent = "config_loaded"
	EventServerStart     LogEvent = "server_start"
	EventServerStop      LogEvent = "server_stop"
)

// LogComponent represents a component of the application
type LogComponent string

const (
	ComponentEngine      LogComponent = "engine"
	ComponentFetch       LogComponent = "fetch"
	ComponentDataset     LogComponent = "dataset"
	ComponentCredentials LogComponent = "credentials"
	ComponentConfig      LogComponent = "config"
	ComponentMetrics     LogComponent = "metrics"
	ComponentScheduler   LogComponent = "scheduler"
	ComponentAPI         LogComponent = "api"
)

// Config represents logging configuration
type Config struct {
	Level  string            `mapstructure:"level" yaml:"level"`
	Format string            `mapstructure:"format" yaml:"format"` // json or console
	Output string            `mapstructure:"output" yaml:"output"` // stdout, stderr, or file path
	Fields map[string]string `mapstructure:"fields" yaml:"fields"` // Additional fields for all logs
}

// InitLogger initializes the global logger
func InitLogger(config Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	switch strings.ToLower(config.Output) {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = file
	}

	logger := New(output, config.Format)
	for key, value := range config.Fields {
		logger.logger = logger.logger.With().Str(key, value).Logger()
	}

	log.Logger = logger.logger

	return logger, nil
}

// New builds a Logger writing to w without touching global state. Format is
// "json" (default) or "console".
func New(w io.Writer, format string) *Logger {
	var zl zerolog.Logger
	switch strings.ToLower(format) {
	case "text", "console":
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	default:
		zl = zerolog.New(w)
	}

	return &Logger{logger: zl.With().Timestamp().Str("service", "airsync").Logger()}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithComponent adds component context to the logger
func (l *Logger) WithComponent(component LogComponent) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", string(component)).Logger(),
	}
}

// WithSensor adds sensor context to the logger
func (l *Logger) WithSensor(location string, sensorID int) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("location", location).
			Int("sensor_id", sensorID).
			Logger(),
	}
}

// WithEvent adds event context to the logger
func (l *Logger) WithEvent(event LogEvent) *Logger {
	return &Logger{
		logger: l.logger.With().Str("event", string(event)).Logger(),
	}
}

// WithError adds error context to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		logger: l.logger.With().AnErr("error", err).Logger(),
	}
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.logger.With()
	for key, value := range fields {
		switch v := value.(type) {
		case string:
			ctx = ctx.Str(key, v)
		case int:
			ctx = ctx.Int(key, v)
		case int64:
			ctx = ctx.Int64(key, v)
		case float64:
			ctx = ctx.Float64(key, v)
		case bool:
			ctx = ctx.Bool(key, v)
		case time.Duration:
			ctx = ctx.Dur(key, v)
		case time.Time:
			ctx = ctx.Time(key, v)
		default:
			ctx = ctx.Interface(key, v)
		}
	}
	return &Logger{logger: ctx.Logger()}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) {
	l.logger.Fatal().Msg(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatal().Msgf(format, args...)
}

// BatchResult logs the outcome of merging one fetched sub-range
func (l *Logger) BatchResult(start, end time.Time, measurements, existing, saved int, took time.Duration) {
	l.logger.Info().
		Str("event", string(EventBatchFetched)).
		Time("start", start).
		Time("end", end).
		Int("measurements", measurements).
		Int("existing", existing).
		Int("saved", saved).
		Dur("duration_ms", took).
		Msgf("Measurements: %d, Existing: %d, Saved: %d", measurements, existing, saved)
}

// ConfigEvent logs configuration-related events
func (l *Logger) ConfigEvent(event LogEvent, msg string, fields map[string]interface{}) {
	logEvent := l.logger.Info().
		Str("event", string(event)).
		Str("component", string(ComponentConfig))

	for key, value := range fields {
		switch v := value.(type) {
		case string:
			logEvent = logEvent.Str(key, v)
		case int:
			logEvent = logEvent.Int(key, v)
		case bool:
			logEvent = logEvent.Bool(key, v)
		default:
			logEvent = logEvent.Interface(key, v)
		}
	}

	logEvent.Msg(msg)
}
