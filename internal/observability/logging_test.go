package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/model"
)

// newTestLogger creates a logger that writes JSON to a buffer for assertion.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core)
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	return entry
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
	}{
		{"debug", true},
		{"info", false},
		{"warn", false},
		{"bogus", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", tt.level, err)
			}
			defer logger.Sync()

			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if !logger.Core().Enabled(zapcore.WarnLevel) {
				t.Error("warn should always be enabled")
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	if got := LoggerFrom(WithLogger(context.Background(), logger), nil); got != logger {
		t.Error("LoggerFrom should return the stored logger")
	}

	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom should return fallback when no logger in context")
	}

	if got := LoggerFrom(context.Background(), nil); got == nil {
		t.Error("LoggerFrom should never return nil")
	}
}

func TestRequestLogger_enrichesWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		TenantID:      "tenant-1",
		SubjectID:     "user-42",
		CorrelationID: "corr-abc",
		TraceID:       "trace-xyz",
	})
	RequestLogger(ctx, logger).Info("test message")

	entry := decodeEntry(t, &buf)
	checks := map[string]string{
		"tenant_id":      "tenant-1",
		"subject_id":     "user-42",
		"correlation_id": "corr-abc",
		"trace_id":       "trace-xyz",
		"msg":            "test message",
	}
	for key, want := range checks {
		if got, _ := entry[key].(string); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestRequestLogger_noTraceID(t *testing.T) {
	var buf bytes.Buffer
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "user-42"})

	RequestLogger(ctx, newTestLogger(&buf)).Info("no trace")

	if _, exists := decodeEntry(t, &buf)["trace_id"]; exists {
		t.Error("trace_id should not be present when empty")
	}
}

func TestRequestLogger_noRequestContext(t *testing.T) {
	var buf bytes.Buffer
	RequestLogger(context.Background(), newTestLogger(&buf)).Info("no context")

	entry := decodeEntry(t, &buf)
	if entry["msg"] != "no context" {
		t.Errorf("msg = %q, want no context", entry["msg"])
	}
	if _, exists := entry["tenant_id"]; exists {
		t.Error("tenant_id should not be present without RequestContext")
	}
}

func TestViewLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "user-42"})

	ViewLogger(ctx, newTestLogger(&buf), "v-1", "account").Info("rendered")

	entry := decodeEntry(t, &buf)
	if entry["view_id"] != "v-1" || entry["entity"] != "account" {
		t.Errorf("view fields = %v/%v, want v-1/account", entry["view_id"], entry["entity"])
	}
	if entry["subject_id"] != "user-42" {
		t.Errorf("subject_id = %v, want user-42", entry["subject_id"])
	}
}

func TestRedactParameters(t *testing.T) {
	params := map[string]any{
		"Mode":     "full",
		"api_key":  "k",
		"Customer": "acme",
		"nested": map[string]any{
			"token": "abc",
			"Count": 3,
		},
	}

	got := RedactParameters(params, []string{"Customer"})
	if got["Mode"] != "full" {
		t.Errorf("Mode = %v, want full", got["Mode"])
	}
	if got["api_key"] != "[REDACTED]" || got["Customer"] != "[REDACTED]" {
		t.Errorf("redacted = %v/%v", got["api_key"], got["Customer"])
	}
	nested := got["nested"].(map[string]any)
	if nested["token"] != "[REDACTED]" || nested["Count"] != 3 {
		t.Errorf("nested = %v", nested)
	}
	if params["api_key"] != "k" {
		t.Error("the input must not be modified")
	}
	if RedactParameters(nil, nil) != nil {
		t.Error("RedactParameters(nil) should be nil")
	}
}

func TestRedactParameters_caseAndArrays(t *testing.T) {
	got := RedactParameters(map[string]any{
		"Password": "p",
		"rows":     []any{map[string]any{"secret": "s", "id": "acc-01"}},
	}, nil)

	if got["Password"] != "[REDACTED]" {
		t.Errorf("Password = %v, keys must match regardless of case", got["Password"])
	}
	row := got["rows"].([]any)[0].(map[string]any)
	if row["secret"] != "[REDACTED]" || row["id"] != "acc-01" {
		t.Errorf("row = %v", row)
	}
}
