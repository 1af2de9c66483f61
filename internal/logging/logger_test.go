package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := levelFromString(in).Level(); got != want {
			t.Errorf("levelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "warn").Info("hidden")
	New(&buf, "warn").Warn("shown", "ride_id", "r1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn: %s", out)
	}
	if !strings.Contains(out, `"ride_id":"r1"`) {
		t.Fatalf("expected structured attribute, got %s", out)
	}
}
