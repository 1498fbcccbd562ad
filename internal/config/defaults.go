package config

// Default values for configuration options — "layer 0" of the four-layer
// override chain (defaults -> file -> env -> caller-supplied request
// options), chosen to be safe starting points that work without any
// config file at all.
const (
	defaultMaxThreads     = 4
	defaultRateLimitBytes = 0
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		MaxThreads:     defaultMaxThreads,
		RateLimitBytes: defaultRateLimitBytes,
		CacheRoot:      "",
	}
}
