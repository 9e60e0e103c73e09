// Package logger provides structured logging for nrdiscovery using zap.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dbsmedya/nrdiscovery/internal/config"
)

// Logger wraps zap.SugaredLogger with context methods.
type Logger struct {
	*zap.SugaredLogger
	base *zap.Logger
}

// New creates a new Logger from configuration.
func New(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config is nil")
	}

	level := parseLevel(cfg.Level)
	encoder := buildEncoder(cfg.Format)
	writer, err := buildWriter(cfg.Output)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, writer, level)
	baseLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{
		SugaredLogger: baseLogger.Sugar(),
		base:          baseLogger,
	}, nil
}

// NewDefault creates a Logger with default settings (info level, text format, stderr).
// Stdout is left to command output.
func NewDefault() *Logger {
	cfg := &config.LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
	logger, _ := New(cfg)
	return logger
}

// NewNop returns a Logger that discards everything. Used by tests.
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{
		SugaredLogger: base.Sugar(),
		base:          base,
	}
}

// parseLevel converts string level to zapcore.Level.
func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// buildEncoder creates the appropriate encoder based on format.
func buildEncoder(format string) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if format == "json" {
		return zapcore.NewJSONEncoder(encoderConfig)
	}

	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// buildWriter creates the output writer based on configuration.
// File outputs are appended to and never mirrored to stdout, which carries
// discovery progress.
func buildWriter(output string) (zapcore.WriteSyncer, error) {
	switch output {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		return zapcore.AddSync(file), nil
	}
}

func (l *Logger) with(args ...interface{}) *Logger {
	return &Logger{
		SugaredLogger: l.SugaredLogger.With(args...),
		base:          l.base,
	}
}

// WithSession returns a Logger with discovery session context.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.with("session", sessionID)
}

// WithPhase returns a Logger with phase context.
func (l *Logger) WithPhase(phase string) *Logger {
	return l.with("phase", phase)
}

// WithEventType returns a Logger with event type context.
func (l *Logger) WithEventType(eventType string) *Logger {
	return l.with("event_type", eventType)
}

// WithAttribute returns a Logger scoped to one attribute of an event type.
func (l *Logger) WithAttribute(eventType, attribute string) *Logger {
	return l.with("event_type", eventType, "attribute", attribute)
}

// WithFields returns a Logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.with(args...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}
