package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestWithRunID_And_RunIDFromContext(t *testing.T) {
	ctx := context.Background()
	runID := "run-12345"

	// Initially empty
	if got := RunIDFromContext(ctx); got != "" {
		t.Errorf("RunIDFromContext() on empty ctx = %v, want empty", got)
	}

	ctx = WithRunID(ctx, runID)
	if got := RunIDFromContext(ctx); got != runID {
		t.Errorf("RunIDFromContext() = %v, want %v", got, runID)
	}
}

func TestFromContext_WithRunID(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, "info")

	ctx := WithRunID(context.Background(), "run-67890")
	FromContext(ctx, base).Info("hello")

	if !strings.Contains(buf.String(), `"run_id":"run-67890"`) {
		t.Errorf("expected run_id in output, got %s", buf.String())
	}
}

func TestFromContext_NilBase(t *testing.T) {
	if FromContext(context.Background(), nil) == nil {
		t.Error("FromContext() returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_DropsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")
	l.Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("expected info to be dropped at warn level, got %s", buf.String())
	}
}
