package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyen901/fleet-sync/internal/engine"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 4, cfg.MaxThreads)
	assert.Equal(t, int64(0), cfg.RateLimitBytes)
	assert.Empty(t, cfg.CacheRoot)
	assert.NoError(t, Validate(cfg))
}

func TestConfig_EngineOptions(t *testing.T) {
	cfg := &Config{MaxThreads: 8, RateLimitBytes: 1024, CacheRoot: "/tmp/cache"}
	assert.Equal(t, engine.Options{MaxThreads: 8, RateLimitBytes: 1024, CacheRoot: "/tmp/cache"}, cfg.EngineOptions())
}

func TestLoad_ParsesValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_threads = 16\nrate_limit_bytes = 2048\ncache_root = \"/srv/cache\"\n"), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MaxThreads)
	assert.Equal(t, int64(2048), cfg.RateLimitBytes)
	assert.Equal(t, "/srv/cache", cfg.CacheRoot)
}

func TestLoad_UnknownKeySuggestsClosestMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_thread = 16\n"), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"max_thread"`)
	assert.Contains(t, err.Error(), `"max_threads"`)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_threads = 0\n"), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_threads")
}

func TestLoadOrDefault_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_EnvOverridesApplyAfterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_threads = 8\n"), 0o644))

	env := EnvOverrides{ConfigPath: path, MaxThreads: "32"}
	cfg, err := Resolve(env, nil)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.MaxThreads)
}
