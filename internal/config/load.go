package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, starting from DefaultConfig
// so unset fields retain their defaults, then validates the result.
// Unknown keys are a fatal error with a "did you mean?" suggestion.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("loading config file", slog.String("path", path))

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	logger.Debug("config file parsed successfully", slog.String("path", path))

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// DefaultConfig. Supports a zero-config first run: callers can start
// without ever creating a config file.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", slog.String("path", path))

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolve implements the four-layer override chain: defaults (via
// LoadOrDefault) -> config file -> environment variables -> caller-
// supplied request options. Caller-supplied options are applied by the
// caller itself after Resolve returns, since they are per-request rather
// than per-process; Resolve only folds in the file and environment
// layers.
func Resolve(env EnvOverrides, logger *slog.Logger) (*Config, error) {
	path := ResolveConfigPath(env, logger)

	cfg, err := LoadOrDefault(path, logger)
	if err != nil {
		return nil, fmt.Errorf("config: resolving: %w", err)
	}

	ApplyEnvOverrides(cfg, env, logger)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed after env overrides: %w", err)
	}

	return cfg, nil
}
