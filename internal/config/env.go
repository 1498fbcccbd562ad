package config

import (
	"log/slog"
	"os"
	"strconv"
)

// Environment variable names for overrides.
const (
	EnvConfig         = "FLEETSYNC_CONFIG"
	EnvMaxThreads     = "FLEETSYNC_MAX_THREADS"
	EnvRateLimitBytes = "FLEETSYNC_RATE_LIMIT_BYTES"
	EnvCacheRoot      = "FLEETSYNC_CACHE_ROOT"
)

// EnvOverrides holds values derived from environment variables. These are
// read by ReadEnvOverrides and applied to a loaded Config by
// ApplyEnvOverrides; reading and applying are kept separate so callers
// can inspect what was actually set before it takes effect.
type EnvOverrides struct {
	ConfigPath     string
	MaxThreads     string
	RateLimitBytes string
	CacheRoot      string
}

// ReadEnvOverrides reads the environment variables and returns any
// overrides found. It does not modify a Config.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:     os.Getenv(EnvConfig),
		MaxThreads:     os.Getenv(EnvMaxThreads),
		RateLimitBytes: os.Getenv(EnvRateLimitBytes),
		CacheRoot:      os.Getenv(EnvCacheRoot),
	}
}

// ApplyEnvOverrides mutates cfg in place with any non-empty fields of
// env, logging each override applied. Malformed numeric overrides are
// logged and skipped rather than failing the whole resolution.
func ApplyEnvOverrides(cfg *Config, env EnvOverrides, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if env.MaxThreads != "" {
		if n, err := strconv.Atoi(env.MaxThreads); err == nil {
			cfg.MaxThreads = n
			logger.Debug("env override applied", slog.String("key", EnvMaxThreads), slog.Int("value", n))
		} else {
			logger.Warn("ignoring malformed env override", slog.String("key", EnvMaxThreads), slog.String("value", env.MaxThreads))
		}
	}

	if env.RateLimitBytes != "" {
		if n, err := strconv.ParseInt(env.RateLimitBytes, 10, 64); err == nil {
			cfg.RateLimitBytes = n
			logger.Debug("env override applied", slog.String("key", EnvRateLimitBytes), slog.Int64("value", n))
		} else {
			logger.Warn("ignoring malformed env override", slog.String("key", EnvRateLimitBytes), slog.String("value", env.RateLimitBytes))
		}
	}

	if env.CacheRoot != "" {
		cfg.CacheRoot = env.CacheRoot
		logger.Debug("env override applied", slog.String("key", EnvCacheRoot), slog.String("value", env.CacheRoot))
	}
}

// ResolveConfigPath determines the config file path using the two-layer
// priority: environment variable > platform default.
func ResolveConfigPath(env EnvOverrides, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	path := DefaultConfigPath()
	source := "default"

	if env.ConfigPath != "" {
		path = env.ConfigPath
		source = "env"
	}

	logger.Debug("config path resolved", slog.String("path", path), slog.String("source", source))

	return path
}
