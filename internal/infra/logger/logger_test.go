package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gemini-bridge/internal/infra/config"
)

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, config.LoggerConfig{Level: "info", Format: "json"}))

	log.Info("test message", "key", "value")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %q, want %q", entry["msg"], "test message")
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %q, want INFO", entry["level"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected a timestamp field")
	}
}

func TestNewHandlerText(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, config.LoggerConfig{Level: "debug", Format: "text"}))

	log.Debug("probe", "command", "gemini")

	out := buf.String()
	if !strings.Contains(out, "msg=probe") || !strings.Contains(out, "command=gemini") {
		t.Errorf("unexpected text output: %s", out)
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
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestModuleScoping(t *testing.T) {
	var buf bytes.Buffer
	root := slog.New(NewHandler(&buf, config.LoggerConfig{Level: "info", Format: "json"}))

	Module(root, "resolver").Info("resolved", "command", "gemini")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry[ModuleKey] != "resolver" {
		t.Errorf("module = %v, want resolver", entry[ModuleKey])
	}
}

func TestModuleNilParent(t *testing.T) {
	log := Module(nil, "engine")
	if log == nil {
		t.Fatal("expected a logger")
	}
	log.Error("dropped") // must not panic
}

func TestLazyOnlyEvaluatedWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, config.LoggerConfig{Level: "info", Format: "text"}))

	calls := 0
	expensive := Lazy(func() any {
		calls++
		return "computed"
	})

	log.Debug("filtered", "env", expensive)
	if calls != 0 {
		t.Fatalf("lazy value evaluated %d times for a filtered record", calls)
	}

	log.Info("kept", "env", expensive)
	if calls != 1 {
		t.Fatalf("lazy value evaluated %d times, want 1", calls)
	}
	if !strings.Contains(buf.String(), "env=computed") {
		t.Errorf("output missing lazy value: %s", buf.String())
	}
}

func TestOpenOutputStdout(t *testing.T) {
	w, closer, err := openOutput("stdout")
	if err != nil {
		t.Fatalf("openOutput(stdout): %v", err)
	}
	defer closer()
	if w != os.Stdout {
		t.Error("expected os.Stdout")
	}
}

func TestOpenOutputEmpty(t *testing.T) {
	w, closer, err := openOutput("")
	if err != nil {
		t.Fatalf("openOutput(''): %v", err)
	}
	defer closer()
	if w != os.Stderr {
		t.Error("expected os.Stderr for empty output")
	}
}

func TestOpenOutputInvalidPath(t *testing.T) {
	_, _, err := openOutput("/nonexistent/dir/log.txt")
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.log")

	cfg := config.LoggerConfig{Level: "info", Format: "text", Output: path}
	log, closer, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info("file output test", "key", "value")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "file output test") {
		t.Error("log file should contain the logged message")
	}
}
