// Package localstate implements the local state provider (§4.5): it
// reconstructs a model.LocalState from a mod tree on disk, using the scan
// cache to avoid rehashing unchanged files wherever the selected mode
// permits it.
package localstate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tyen901/fleet-sync/internal/hashing"
	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/syncerr"
)

// CacheStore is the scan-cache read/write surface the provider needs;
// *store.Store satisfies it.
type CacheStore interface {
	LoadScanCacheMod(ctx context.Context, modName string) (map[string]model.ScanCacheEntry, error)
	ApplyScanCacheBatch(ctx context.Context, modName string, upserts map[string]model.ScanCacheEntry, deletes []string) error
}

// BaselineLoader is the baseline-read surface the provider needs;
// *store.Store satisfies it.
type BaselineLoader interface {
	LoadBaseline(ctx context.Context) (model.Manifest, model.Summary, bool, error)
}

// Provider produces a model.LocalState from a root directory per one of the
// five scan modes.
type Provider struct {
	cache    CacheStore
	baseline BaselineLoader
	logger   *slog.Logger
}

// NewProvider constructs a Provider. A nil logger uses slog.Default.
func NewProvider(cache CacheStore, baseline BaselineLoader, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{cache: cache, baseline: baseline, logger: logger}
}

// Scan reconstructs local state under root using mode.
func (p *Provider) Scan(ctx context.Context, root string, mode model.ScanMode) (model.LocalState, error) {
	switch mode {
	case model.ModeCacheOnly:
		return p.scanCacheOnly(ctx)
	case model.ModeMetadataOnly:
		return p.scanMetadataOnly(ctx, root)
	case model.ModeSmartVerify:
		return p.scanVerify(ctx, root, false)
	case model.ModeFullRehash:
		return p.scanVerify(ctx, root, true)
	case model.ModeFastCheck:
		return p.scanFastCheck(ctx, root)
	default:
		return model.LocalState{}, syncerr.Local("unknown scan mode %d", mode)
	}
}

// scanCacheOnly performs no filesystem I/O: it is purely a baseline read.
func (p *Provider) scanCacheOnly(ctx context.Context) (model.LocalState, error) {
	manifest, summary, ok, err := p.baseline.LoadBaseline(ctx)
	if err != nil {
		return model.LocalState{}, syncerr.Local("cache-only scan: %v", err)
	}

	if !ok {
		return model.LocalState{}, fmt.Errorf("localstate: cache-only scan: %w: %w", syncerr.ErrLocal, syncerr.ErrMissing)
	}

	return model.LocalState{Manifest: manifest, Summary: summary, Trust: model.TrustCacheOnly}, nil
}

// loadCache loads the per-mod scan cache, degrading to an empty map (not an
// error) when the cache is unavailable — a locked or missing cache costs
// accuracy, never correctness (§4.5 Cache resilience).
func (p *Provider) loadCache(ctx context.Context, modName string) map[string]model.ScanCacheEntry {
	cache, err := p.cache.LoadScanCacheMod(ctx, modName)
	if err != nil {
		p.logger.Warn("localstate: scan cache unavailable, continuing without it",
			slog.String("mod", modName), slog.Any("error", err))

		return map[string]model.ScanCacheEntry{}
	}

	return cache
}

// saveCache applies a scan-cache batch, logging and swallowing any error for
// the same reason loadCache degrades instead of failing.
func (p *Provider) saveCache(ctx context.Context, modName string, upserts map[string]model.ScanCacheEntry, deletes []string) {
	if len(upserts) == 0 && len(deletes) == 0 {
		return
	}

	if err := p.cache.ApplyScanCacheBatch(ctx, modName, upserts, deletes); err != nil {
		p.logger.Warn("localstate: failed to persist scan cache",
			slog.String("mod", modName), slog.Any("error", err))
	}
}

// hashFile computes a file's checksum, tagging its Type by extension.
func hashFile(absPath, relPath string) (model.FileRecord, error) {
	result, err := hashing.HashFile(absPath, relPath)
	if err != nil {
		return model.FileRecord{}, err
	}

	ft := model.FileTypeOpaque
	if hashing.IsPBO(relPath) {
		ft = model.FileTypePBO
	}

	parts := make([]model.PartRecord, len(result.Parts))
	for i, part := range result.Parts {
		parts[i] = model.PartRecord{Path: part.Path, Start: part.Start, Length: part.Length, Checksum: part.Checksum}
	}

	return model.FileRecord{Checksum: result.Checksum, Type: ft, Parts: parts}, nil
}
