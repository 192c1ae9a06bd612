package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/quotaflow/config"
)

// LoggerOptions selects the log format and threshold.
type LoggerOptions struct {
	// Dev switches to human readable text output at debug level.
	Dev bool
	// Level overrides the mode default when it names a known level.
	Level string
	// Output defaults to stdout.
	Output io.Writer
}

// InitLogger builds the process logger and installs it as the slog default. Production logs
// are JSON at info level.
func InitLogger(opts LoggerOptions) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	level := slog.LevelInfo
	if opts.Dev {
		level = slog.LevelDebug
	}
	if lvl, ok := parseLevel(opts.Level); ok {
		level = lvl
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(out, handlerOpts)
	if opts.Dev {
		h = slog.NewTextHandler(out, handlerOpts)
	}
	logger := slog.New(h).With("service", "quotaflow")
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) (slog.Level, bool) {
	var lvl slog.Level
	if strings.TrimSpace(s) == "" {
		return lvl, false
	}
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return lvl, false
	}
	return lvl, true
}

// LoadConfig reads an optional .env file, then parses and sanitizes the environment.
func LoadConfig() (config.AppConfig, error) {
	var cfg config.AppConfig
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env file: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// EnabledServiceNames returns the configured service modes in startup order. An invalid or
// empty SERVICES value is an error.
func EnabledServiceNames(cfg *config.AppConfig) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("service config is required")
	}
	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return nil, fmt.Errorf("invalid service configuration: %w", err)
	}
	names := make([]string, 0, len(enabled))
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			names = append(names, string(mode))
		}
	}
	return names, nil
}
