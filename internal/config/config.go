package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONVERTMODEL_"

// Log formats accepted by NewLogger.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8080"`
	DBPath       string `env:"DB_PATH" envDefault:"convertmodel.db"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile      string `env:"LOG_FILE"`
	Workers      int    `env:"WORKERS" envDefault:"1"`
	QueueSize    int    `env:"QUEUE_SIZE" envDefault:"64"`
	MaxModelMB   int    `env:"MAX_MODEL_MB" envDefault:"512"`
	EngineConfig string `env:"ENGINE_CONFIG"`
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return load(nil)
}

// load parses environ, or the process environment when environ is nil.
func load(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that env parsing cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("%sWORKERS must be at least 1, got %d", EnvPrefix, c.Workers))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("%sQUEUE_SIZE must be at least 1, got %d", EnvPrefix, c.QueueSize))
	}
	if c.MaxModelMB < 1 {
		errs = append(errs, fmt.Errorf("%sMAX_MODEL_MB must be at least 1, got %d", EnvPrefix, c.MaxModelMB))
	}
	switch strings.ToLower(c.LogFormat) {
	case FormatJSON, FormatText:
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT must be %q or %q, got %q", EnvPrefix, FormatJSON, FormatText, c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

// MaxModelBytes returns the request body limit in bytes.
func (c Config) MaxModelBytes() int64 {
	return int64(c.MaxModelMB) << 20
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the given level. The
// text format is a colorized console handler; anything else is JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	if strings.ToLower(format) == FormatText {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// LogOutput returns w teed with a size-rotated log file at path. With an empty
// path it returns w unchanged. The returned func closes the file.
func LogOutput(w io.Writer, path string) (io.Writer, func() error) {
	if path == "" {
		return w, func() error { return nil }
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	return io.MultiWriter(w, file), file.Close
}
