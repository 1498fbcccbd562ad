package localstate

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tyen901/fleet-sync/internal/hashing"
	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/syncerr"
)

// scanMetadataOnly never hashes: it reports a cached checksum when (mtime,
// size) match the scan cache, and an empty checksum otherwise (§4.5).
func (p *Provider) scanMetadataOnly(ctx context.Context, root string) (model.LocalState, error) {
	mods, err := listModDirs(root)
	if err != nil {
		return model.LocalState{}, syncerr.Local("metadata-only scan: %v", err)
	}

	var (
		mu       sync.Mutex
		manifest model.Manifest
		summary  model.Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))

	for _, modName := range mods {
		modName := modName

		g.Go(func() error {
			cache := p.loadCache(gctx, modName)

			entries, err := listModFiles(filepath.Join(root, modName))
			if err != nil {
				return err
			}

			sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })

			files := make([]model.FileRecord, len(entries))
			sumFiles := make([]model.LocalFileSummary, len(entries))

			for i, e := range entries {
				var checksum string
				if ce, ok := cache[e.RelPath]; ok && ce.Mtime == e.Mtime && ce.Size == e.Size {
					checksum = ce.Checksum
				}

				ft := model.FileTypeOpaque
				if hashing.IsPBO(e.RelPath) {
					ft = model.FileTypePBO
				}

				files[i] = model.FileRecord{Path: e.RelPath, Length: e.Size, Checksum: checksum, Type: ft}
				sumFiles[i] = model.LocalFileSummary{RelPath: e.RelPath, Mtime: e.Mtime, Size: e.Size, Checksum: checksum}
			}

			mu.Lock()
			manifest.Mods = append(manifest.Mods, model.ModManifest{Name: modName, Files: files})
			summary = append(summary, model.LocalModSummary{ModName: modName, Files: sumFiles})
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return model.LocalState{}, syncerr.Local("metadata-only scan: %v", err)
	}

	manifest.Version = 1
	sortModManifests(manifest.Mods)
	sortModSummaries(summary)

	return model.LocalState{Manifest: manifest, Summary: summary, Trust: model.TrustMetadataOnly}, nil
}

// scanVerify implements both SmartVerify (forceRehash=false) and FullRehash
// (forceRehash=true): every file ends up with an authoritative checksum,
// and the scan cache is updated to reflect what was found on disk,
// including pruning entries for files that no longer exist (§4.5).
func (p *Provider) scanVerify(ctx context.Context, root string, forceRehash bool) (model.LocalState, error) {
	mods, err := listModDirs(root)
	if err != nil {
		return model.LocalState{}, syncerr.Local("verify scan: %v", err)
	}

	var (
		mu       sync.Mutex
		manifest model.Manifest
		summary  model.Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))

	for _, modName := range mods {
		modName := modName

		g.Go(func() error {
			cache := p.loadCache(gctx, modName)

			entries, err := listModFiles(filepath.Join(root, modName))
			if err != nil {
				return err
			}

			sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })

			present := make(map[string]bool, len(entries))
			files := make([]model.FileRecord, 0, len(entries))
			sumFiles := make([]model.LocalFileSummary, 0, len(entries))
			upserts := make(map[string]model.ScanCacheEntry)

			for _, e := range entries {
				present[e.RelPath] = true

				var checksum string
				var rec model.FileRecord

				if !forceRehash {
					if ce, ok := cache[e.RelPath]; ok && ce.Mtime == e.Mtime && ce.Size == e.Size {
						checksum = ce.Checksum
					}
				}

				if checksum != "" {
					ft := model.FileTypeOpaque
					if hashing.IsPBO(e.RelPath) {
						ft = model.FileTypePBO
					}

					rec = model.FileRecord{Path: e.RelPath, Length: e.Size, Checksum: checksum, Type: ft}
				} else {
					hashed, err := hashFile(e.AbsPath, e.RelPath)
					if err != nil {
						return fmt.Errorf("localstate: hashing %s/%s: %w", modName, e.RelPath, err)
					}

					hashed.Path = e.RelPath
					hashed.Length = e.Size
					rec = hashed
					checksum = hashed.Checksum
					upserts[e.RelPath] = model.ScanCacheEntry{Mtime: e.Mtime, Size: e.Size, Checksum: checksum}
				}

				files = append(files, rec)
				sumFiles = append(sumFiles, model.LocalFileSummary{RelPath: e.RelPath, Mtime: e.Mtime, Size: e.Size, Checksum: checksum})
			}

			var deletes []string
			for relPath := range cache {
				if !present[relPath] {
					deletes = append(deletes, relPath)
				}
			}

			p.saveCache(gctx, modName, upserts, deletes)

			mu.Lock()
			manifest.Mods = append(manifest.Mods, model.ModManifest{Name: modName, Files: files})
			summary = append(summary, model.LocalModSummary{ModName: modName, Files: sumFiles})
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return model.LocalState{}, syncerr.Local("verify scan: %v", err)
	}

	manifest.Version = 1
	sortModManifests(manifest.Mods)
	sortModSummaries(summary)

	trust := model.TrustVerifiedSmart
	if forceRehash {
		trust = model.TrustVerifiedFull
	}

	return model.LocalState{Manifest: manifest, Summary: summary, Trust: trust}, nil
}

// scanFastCheck is the fast-path integrity check: it only ever looks at
// files the baseline already knows about, never discovers new ones, and
// never hashes (§4.5).
func (p *Provider) scanFastCheck(ctx context.Context, root string) (model.LocalState, error) {
	baseline, _, ok, err := p.baseline.LoadBaseline(ctx)
	if err != nil {
		return model.LocalState{}, syncerr.Local("fast check: %v", err)
	}

	if !ok {
		return model.LocalState{}, fmt.Errorf("localstate: fast check: %w: %w", syncerr.ErrLocal, syncerr.ErrMissing)
	}

	var (
		mu       sync.Mutex
		manifest model.Manifest
		summary  model.Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))

	for i := range baseline.Mods {
		mod := baseline.Mods[i]

		g.Go(func() error {
			cache := p.loadCache(gctx, mod.Name)

			files := make([]model.FileRecord, 0, len(mod.Files))
			sumFiles := make([]model.LocalFileSummary, 0, len(mod.Files))

			for _, f := range mod.Files {
				entry, found, err := statOne(root, mod.Name, f.Path)
				if err != nil {
					return err
				}

				if !found {
					continue
				}

				var knownChecksum string
				if ce, ok := cache[f.Path]; ok && ce.Mtime == entry.Mtime && ce.Size == entry.Size {
					knownChecksum = ce.Checksum
				}

				if knownChecksum != "" && knownChecksum == f.Checksum {
					files = append(files, f)
					sumFiles = append(sumFiles, model.LocalFileSummary{
						RelPath: f.Path, Mtime: entry.Mtime, Size: entry.Size, Checksum: f.Checksum,
					})

					continue
				}

				dirty := f
				dirty.Checksum = ""
				dirty.Parts = nil
				files = append(files, dirty)
				sumFiles = append(sumFiles, model.LocalFileSummary{
					RelPath: f.Path, Mtime: entry.Mtime, Size: entry.Size, Checksum: knownChecksum,
				})
			}

			mu.Lock()
			manifest.Mods = append(manifest.Mods, model.ModManifest{Name: mod.Name, Checksum: mod.Checksum, Files: files})
			summary = append(summary, model.LocalModSummary{ModName: mod.Name, Files: sumFiles})
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return model.LocalState{}, syncerr.Local("fast check: %v", err)
	}

	manifest.Version = baseline.Version
	sortModManifests(manifest.Mods)
	sortModSummaries(summary)

	return model.LocalState{Manifest: manifest, Summary: summary, Trust: model.TrustMetadataLite}, nil
}

func sortModManifests(mods []model.ModManifest) {
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
}

func sortModSummaries(summary model.Summary) {
	sort.Slice(summary, func(i, j int) bool { return summary[i].ModName < summary[j].ModName })
}
