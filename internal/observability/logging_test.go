package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "connecting",
		"detail", "api_key=abcdefghij0123456789",
	)

	out := buf.String()
	if strings.Contains(out, "abcdefghij0123456789") {
		t.Errorf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info(context.Background(), "config loaded",
		"settings", map[string]any{"token": "supersecretvalue", "host": "localhost"},
	)

	out := buf.String()
	if strings.Contains(out, "supersecretvalue") {
		t.Errorf("sensitive map value leaked: %s", out)
	}
	if !strings.Contains(out, "localhost") {
		t.Errorf("non-sensitive value should survive: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := AddSessionID(AddRequestID(context.Background(), "req-1"), "s1")
	logger.Info(ctx, "processing")

	out := buf.String()
	if !strings.Contains(out, "req-1") || !strings.Contains(out, "s1") {
		t.Errorf("context ids missing from record: %s", out)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info(context.Background(), "hidden")
	logger.Warn(context.Background(), "visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record missing")
	}
}
