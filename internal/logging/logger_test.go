package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantLvl zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},        // default
		{"unknown", zapcore.InfoLevel}, // default
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.wantLvl {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.wantLvl)
			}
		})
	}
}

func TestNewLevelEnabled(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New(Config{Level: "warn", Format: format})
		if err != nil {
			t.Fatalf("New(%s) returned error: %v", format, err)
		}
		if l.Core().Enabled(zapcore.InfoLevel) {
			t.Errorf("%s: info should be disabled at warn level", format)
		}
		if !l.Core().Enabled(zapcore.ErrorLevel) {
			t.Errorf("%s: error should be enabled at warn level", format)
		}
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.log")
	l, err := New(Config{Level: "debug", Output: path, Rotation: Rotation{MaxSize: 1}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	l.Debug("request submitted", zap.String("conn", "a"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"request submitted"`) || !strings.Contains(out, `"conn":"a"`) {
		t.Errorf("unexpected log output: %s", out)
	}
	if !strings.Contains(out, `"timestamp"`) {
		t.Errorf("expected timestamp key in output: %s", out)
	}
}

func TestGlobalSetGlobal(t *testing.T) {
	original := Global()
	if original == nil {
		t.Fatal("Global() returned nil before SetGlobal")
	}

	core, obs := observer.New(zapcore.DebugLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Debug("d")
	Info("test message", zap.String("key", "value"))
	Warn("w")
	Error("e")

	entries := obs.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 log entries, got %d", len(entries))
	}
	if entries[1].Message != "test message" {
		t.Errorf("expected message %q, got %q", "test message", entries[1].Message)
	}
	if entries[1].ContextMap()["key"] != "value" {
		t.Errorf("expected key=value field, got %v", entries[1].ContextMap())
	}
}
