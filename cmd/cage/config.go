package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// =============================================================================
// Settings
// =============================================================================

// Settings is the operator-level configuration: how to reach the daemon and
// how chatty to be. Project content never lives here.
type Settings struct {
	DockerHost string `mapstructure:"docker_host"`
	Jobs       int    `mapstructure:"jobs"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
}

// loadSettings reads cage.yml from the project root when present, then
// applies CAGE_* environment overrides.
func loadSettings(rootDir string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("cage")
	v.SetConfigType("yml")
	if rootDir != "" {
		v.AddConfigPath(rootDir)
	}

	v.SetEnvPrefix("CAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("docker_host", "")
	v.SetDefault("jobs", 4)
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "text")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &settings, nil
}

// newLogger builds the process logger from settings. Logs go to stderr so
// command output stays pipeable.
func newLogger(settings *Settings) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(settings.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(settings.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
