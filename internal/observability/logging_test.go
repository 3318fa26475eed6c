package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trialgrid/crfengine/internal/config"
	"github.com/trialgrid/crfengine/model"
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

func TestNewLogger_defaultLevel(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "info"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should NOT be enabled at info level")
	}
}

func TestNewLogger_invalidLevel_defaultsToInfo(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "chatty"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) || logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("invalid level should fall back to info")
	}
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom without stored logger should return fallback")
	}

	stored := zap.NewNop()
	ctx := WithLogger(context.Background(), stored)
	if got := LoggerFrom(ctx, fallback); got != stored {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestRequestLogger_enrichesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = model.WithRequestContext(ctx, &model.RequestContext{
		ActorID:       "user-42",
		StudyID:       "study-9",
		CorrelationID: "corr-1",
		TraceID:       "abc123",
	})

	RequestLogger(ctx, zap.NewNop()).Info("validated form")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output not JSON: %v", err)
	}
	if entry["actor_id"] != "user-42" {
		t.Errorf("actor_id = %v", entry["actor_id"])
	}
	if entry["study_id"] != "study-9" {
		t.Errorf("study_id = %v", entry["study_id"])
	}
	if entry["trace_id"] != "abc123" {
		t.Errorf("trace_id = %v", entry["trace_id"])
	}
}

func TestRequestLogger_noContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	RequestLogger(WithLogger(context.Background(), logger), zap.NewNop()).Info("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output not JSON: %v", err)
	}
	if _, ok := entry["actor_id"]; ok {
		t.Error("actor_id should not be set without a RequestContext")
	}
}

func TestRedactBody(t *testing.T) {
	body := map[string]any{
		"age":   34,
		"token": "secret-token",
		"demographics": map[string]any{
			"dob":    "1990-01-01",
			"weight": 72.5,
		},
	}

	redacted := RedactBody(body, []string{"weight"})

	if redacted["age"] != 34 {
		t.Errorf("age = %v, should be untouched", redacted["age"])
	}
	if redacted["token"] != "[REDACTED]" {
		t.Errorf("token = %v, want redacted", redacted["token"])
	}
	nested := redacted["demographics"].(map[string]any)
	if nested["dob"] != "[REDACTED]" || nested["weight"] != "[REDACTED]" {
		t.Errorf("nested = %v, want dob and weight redacted", nested)
	}

	// Original untouched.
	if body["token"] != "secret-token" {
		t.Error("RedactBody mutated its input")
	}

	if RedactBody(nil, nil) != nil {
		t.Error("RedactBody(nil) should be nil")
	}
}
