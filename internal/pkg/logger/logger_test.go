package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug text", "debug", "text"},
		{"info json", "info", "json"},
		{"warn text", "warn", "text"},
		{"error json", "error", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.Logger == nil {
				t.Fatal("New() returned logger with nil slog.Logger")
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text")

	l := logger.WithContext(context.Background())
	if l != logger {
		t.Error("WithContext() without run id should return the same logger")
	}

	ctx := ContextWithRunID(context.Background(), "run-42")
	logger.WithContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), "run_id=run-42") {
		t.Errorf("output should contain run_id, got: %s", buf.String())
	}
}

func TestLogger_WithShardAndModel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	logger.WithModel("wn18rr", "200").WithShard(3).Info("shard done")

	out := buf.String()
	for _, want := range []string{`"model":"wn18rr"`, `"model_index":"200"`, `"shard":3`} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %s, got: %s", want, out)
		}
	}
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text")

	logger.WithError(errors.New("boom")).Warn("failed")
	if !strings.Contains(buf.String(), "error=boom") {
		t.Errorf("output should contain error, got: %s", buf.String())
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
	if Discard() == nil {
		t.Fatal("Discard() returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered at warn level, got: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message should be written, got: %s", out)
	}
}
