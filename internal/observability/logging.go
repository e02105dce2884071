package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/garage/internal/config"
	"github.com/pitabwire/garage/model"
)

type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (journal down, unhandled panics), 5xx responses
//   - warn:  Client errors (4xx), step failures, circuit breaker open
//   - info:  Request start/end, run lifecycle (started, confirmed, completed, aborted)
//   - debug: Stale backend callbacks, idempotency hits, webhook payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("partition_id", rctx.PartitionID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if spanID := SpanIDFromContext(ctx); spanID != "" {
		fields = append(fields, zap.String("span_id", spanID))
	}

	return logger.With(fields...)
}

// sensitiveFields are redacted from payloads logged at debug level. Contact
// details and signed document links identify the vehicle owner.
var sensitiveFields = map[string]bool{
	"token":               true,
	"secret":              true,
	"authorization":       true,
	"contact_address":     true,
	"customer_label":      true,
	"signed_document_url": true,
}

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". Nested objects are redacted recursively.
func RedactBody(body map[string]any, extra ...string) map[string]any {
	if body == nil {
		return nil
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		switch {
		case sensitiveFields[k] || contains(extra, k):
			result[k] = "[REDACTED]"
		case isMap(v):
			result[k] = RedactBody(v.(map[string]any), extra...)
		default:
			result[k] = v
		}
	}
	return result
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
