package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("slide changed", "slide", 4)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "slide changed" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["slide"] != float64(4) {
		t.Errorf("slide = %v", record["slide"])
	}
}

func TestNewLogger_AutoFormatForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(LogConfig{Output: &buf})
	logger.Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("auto format on a buffer should be JSON, got %q", buf.String())
	}
}

func TestNewLogger_LevelVarHotReload(t *testing.T) {
	var buf bytes.Buffer
	logger, level := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info should be suppressed at warn, got %q", buf.String())
	}

	level.Set(slog.LevelDebug)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug should be visible after level change, got %q", buf.String())
	}
}
