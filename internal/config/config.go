// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the sync engine's ambient options.
package config

import "github.com/tyen901/fleet-sync/internal/engine"

// Config holds the engine options a caller would otherwise have to wire by
// hand: how many downloads run concurrently, how fast they may run in
// aggregate, and where the baseline database lives relative to a sync
// root. It is read-only input to request construction — the engine never
// mutates it.
type Config struct {
	MaxThreads     int    `toml:"max_threads"`
	RateLimitBytes int64  `toml:"rate_limit_bytes"`
	CacheRoot      string `toml:"cache_root"`
}

// EngineOptions converts the resolved config into the engine façade's
// per-request Options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		MaxThreads:     c.MaxThreads,
		RateLimitBytes: c.RateLimitBytes,
		CacheRoot:      c.CacheRoot,
	}
}
