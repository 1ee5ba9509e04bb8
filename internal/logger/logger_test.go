package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, line []byte) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("invalid JSON log output: %v\nraw output: %s", err, line)
	}
	return entry
}

func TestSetup_WritesJSONWithStandardFields(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf).Warn("outbox delivery failed",
		slog.String("entry_id", "e-456"),
		slog.Int("attempts", 2),
	)

	entry := decodeLine(t, buf.Bytes())
	if entry["msg"] != "outbox delivery failed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("time field is missing")
	}
	if entry["entry_id"] != "e-456" || entry["attempts"] != float64(2) {
		t.Errorf("attributes = %v", entry)
	}
}

func TestSetup_DropsDebug(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf).Debug("noisy")

	if buf.Len() != 0 {
		t.Errorf("debug log was written: %s", buf.String())
	}
}

func TestSetupLevel_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := SetupLevel(&buf, slog.LevelError)
	l.Warn("dropped")
	l.Error("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %s", len(lines), buf.String())
	}
	if entry := decodeLine(t, []byte(lines[0])); entry["msg"] != "kept" {
		t.Errorf("msg = %v, want kept", entry["msg"])
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupDefault(&buf, slog.LevelDebug)
	slog.Debug("global debug", slog.String("user_id", "u-123"))

	entry := decodeLine(t, buf.Bytes())
	if entry["msg"] != "global debug" || entry["user_id"] != "u-123" {
		t.Errorf("entry = %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" DEBUG ", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
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

func TestWithFile_EmptyPath_ReturnsOriginalWriter(t *testing.T) {
	var buf bytes.Buffer
	w, closer := WithFile(&buf, FileOptions{})
	defer closer.Close()

	if w != &buf {
		t.Error("expected the original writer when no path is configured")
	}
}

func TestWithFile_WritesToBothSinks(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "daybook.log")

	w, closer := WithFile(&buf, FileOptions{Path: path})
	Setup(w).Info("file sink test")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !strings.Contains(buf.String(), "file sink test") {
		t.Errorf("stdout sink missing message: %s", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "file sink test") {
		t.Errorf("file sink missing message: %s", string(data))
	}
}
