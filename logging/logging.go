// Package logging builds the zap logger used across spanz binaries and adds
// trace correlation fields to log entries.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zoobzio/spanz"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels accepted by Config.Level.
const (
	Debug   = "debug"
	Info    = "info"
	Warning = "warning"
	Error   = "error"
)

// Config controls logger construction.
type Config struct {
	// ServiceName is attached to every entry as "service".
	ServiceName string
	// Level is one of debug, info, warning or error. Unknown values mean info.
	Level string
	// Development switches to the console encoder.
	Development bool
}

// ParseLevel maps a configured level name to a zap level.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case Debug:
		return zap.DebugLevel
	case Warning, "warn":
		return zap.WarnLevel
	case Error:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// New builds a JSON production logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderCfg.EncodeDuration = zapcore.MillisDurationEncoder

	encoding := "json"
	if cfg.Development {
		encoding = "console"
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(cfg.Level)),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]interface{}{
			"pid":     os.Getpid(),
			"service": cfg.ServiceName,
		},
	}

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// TraceFields returns trace_id and span_id fields for the span current in
// ctx, or nothing when ctx carries no trace.
func TraceFields(ctx context.Context) []zap.Field {
	tc := spanz.FromContext(ctx)
	if !tc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.Stringer("trace_id", tc.TraceID()),
		zap.Stringer("span_id", tc.SpanID()),
	}
}

// WithTrace returns logger annotated with the trace of ctx.
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := TraceFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
