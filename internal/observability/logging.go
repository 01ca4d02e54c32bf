package observability

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/model"
)

// NewLogger builds the service logger: JSON on stdout at the configured
// level, info when the level does not parse.
//
// Levels used across the service:
//   - error: platform or database unreachable, 5xx responses, panics
//   - warn:  4xx responses, breaker open, output store failures
//   - info:  request start/end, command outcomes, configuration reload
//   - debug: page fetches, view events, retries
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if parsed, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		level.SetLevel(parsed)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	return zap.Config{
		Level:            level,
		Encoding:         "json",
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
}

type loggerKey struct{}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, then fallback, then a no-op
// logger.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, _ := ctx.Value(loggerKey{}).(*zap.Logger); l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}

// RequestLogger adds the caller's tenant, subject and correlation id to the
// context logger. Unauthenticated requests get the logger unchanged.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rc := model.RequestContextFrom(ctx)
	if rc == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("tenant_id", rc.TenantID),
		zap.String("subject_id", rc.SubjectID),
		zap.String("correlation_id", rc.CorrelationID),
	)
	if rc.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rc.TraceID))
	}
	return logger.With(fields...)
}

func ViewLogger(ctx context.Context, fallback *zap.Logger, viewID, entity string) *zap.Logger {
	return RequestLogger(ctx, fallback).With(zap.String("view_id", viewID), zap.String("entity", entity))
}

const redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "credit_card",
}

// RedactParameters copies command parameters for logging, masking values
// whose key is sensitive. Keys match case-insensitively; extra extends the
// built-in list. Nested objects and arrays are walked.
func RedactParameters(params map[string]any, extra []string) map[string]any {
	if params == nil {
		return nil
	}
	mask := make(map[string]struct{}, len(sensitiveKeys)+len(extra))
	for _, k := range slices.Concat(sensitiveKeys, extra) {
		mask[strings.ToLower(k)] = struct{}{}
	}
	return redactObject(params, mask)
}

func redactObject(obj map[string]any, mask map[string]struct{}) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if _, hit := mask[strings.ToLower(k)]; hit {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, mask)
	}
	return out
}

func redactValue(v any, mask map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactObject(t, mask)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = redactValue(item, mask)
		}
		return items
	default:
		return v
	}
}
