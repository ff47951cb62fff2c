package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/relaychat/chatsync"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// getClient creates an API client from the config, exiting when no token is set.
func getClient(logger *zap.Logger) (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.API.Token == "" {
		fmt.Fprintln(os.Stderr, "No API token. Run 'chatsync login <token>' first.")
		os.Exit(1)
	}
	return newClient(cfg, logger), cfg
}

func newClient(cfg *Config, logger *zap.Logger) *chatsync.Client {
	opts := []chatsync.ClientOption{chatsync.WithClientLogger(logger)}
	if cfg.API.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.API.BaseURL))
	}
	return chatsync.NewClient(cfg.API.Token, opts...)
}

// newLogger builds a console logger on stderr at the configured level.
func newLogger(cfg *Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if level == "" {
		level = "warn"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	zc.Encoding = "console"
	zc.DisableStacktrace = true
	return zc.Build()
}

// mustLogger loads the config only to build the logger.
func mustLogger() *zap.Logger {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return logger
}

// printOutput writes v as JSON or YAML according to --output.
func printOutput(w io.Writer, v any) error {
	switch outputFormat {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 10:
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
