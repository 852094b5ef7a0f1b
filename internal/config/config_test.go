package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(map[string]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.DBPath != "convertmodel.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "convertmodel.db")
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level = %v, want %v", cfg.Level(), slog.LevelInfo)
	}
	if cfg.LogFormat != FormatJSON {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, FormatJSON)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.Workers)
	}
	if cfg.QueueSize != 64 {
		t.Errorf("QueueSize = %d, want 64", cfg.QueueSize)
	}
	if cfg.MaxModelBytes() != 512<<20 {
		t.Errorf("MaxModelBytes = %d, want %d", cfg.MaxModelBytes(), 512<<20)
	}
	if cfg.LogFile != "" || cfg.EngineConfig != "" {
		t.Errorf("LogFile = %q, EngineConfig = %q, want empty", cfg.LogFile, cfg.EngineConfig)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"LISTEN_ADDR", ":9090")
	t.Setenv(EnvPrefix+"DB_PATH", "/tmp/test.db")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")
	t.Setenv(EnvPrefix+"LOG_FORMAT", "text")
	t.Setenv(EnvPrefix+"WORKERS", "4")
	t.Setenv(EnvPrefix+"QUEUE_SIZE", "8")
	t.Setenv(EnvPrefix+"MAX_MODEL_MB", "2")
	t.Setenv(EnvPrefix+"ENGINE_CONFIG", "/etc/convertmodel/engine.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want %v", cfg.Level(), slog.LevelDebug)
	}
	if cfg.LogFormat != FormatText {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, FormatText)
	}
	if cfg.Workers != 4 || cfg.QueueSize != 8 {
		t.Errorf("Workers, QueueSize = %d, %d, want 4, 8", cfg.Workers, cfg.QueueSize)
	}
	if cfg.MaxModelBytes() != 2<<20 {
		t.Errorf("MaxModelBytes = %d, want %d", cfg.MaxModelBytes(), 2<<20)
	}
	if cfg.EngineConfig != "/etc/convertmodel/engine.yaml" {
		t.Errorf("EngineConfig = %q", cfg.EngineConfig)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"workers not a number", map[string]string{EnvPrefix + "WORKERS": "many"}, "parse env"},
		{"zero workers", map[string]string{EnvPrefix + "WORKERS": "0"}, "WORKERS"},
		{"negative queue", map[string]string{EnvPrefix + "QUEUE_SIZE": "-1"}, "QUEUE_SIZE"},
		{"zero body limit", map[string]string{EnvPrefix + "MAX_MODEL_MB": "0"}, "MAX_MODEL_MB"},
		{"unknown log format", map[string]string{EnvPrefix + "LOG_FORMAT": "xml"}, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(tt.env)
			if err == nil {
				t.Fatal("load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, FormatJSON)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn, FormatText)

	logger.Info("dropped")
	logger.Warn("kept", "key", "value")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "value") {
		t.Errorf("text output = %q, want message and attribute", out)
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("text format produced JSON: %q", out)
	}
}

func TestLogOutput(t *testing.T) {
	var buf bytes.Buffer

	w, closeFn := LogOutput(&buf, "")
	if w != &buf {
		t.Error("empty path should return the writer unchanged")
	}
	if err := closeFn(); err != nil {
		t.Errorf("close: %v", err)
	}

	path := filepath.Join(t.TempDir(), "logs", "convertmodel.log")
	w, closeFn = LogOutput(&buf, path)
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("file = %q, want %q", data, "hello\n")
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("tee target = %q, want it to contain the line", buf.String())
	}
}
