package config

import (
	"errors"
	"fmt"
)

// minMaxThreads is the lowest accepted concurrent-download width; 0 or
// negative would mean the executor could never make progress.
const minMaxThreads = 1

// Validate checks all configuration values and returns every error found,
// rather than stopping at the first, so a user sees a complete report.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.MaxThreads < minMaxThreads {
		errs = append(errs, fmt.Errorf("max_threads: must be >= %d, got %d", minMaxThreads, cfg.MaxThreads))
	}

	if cfg.RateLimitBytes < 0 {
		errs = append(errs, fmt.Errorf("rate_limit_bytes: must be >= 0, got %d", cfg.RateLimitBytes))
	}

	return errors.Join(errs...)
}
