package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/store"
)

// PersistRemoteSnapshot stats every file named by manifest once under
// root, derives the resulting summary, and commits a repair snapshot
// (baseline only, no cache mutations) — §4.9 persist_remote_snapshot.
func (e *Engine) PersistRemoteSnapshot(ctx context.Context, root string, manifest model.Manifest) error {
	s, err := store.Open(root, e.logger)
	if err != nil {
		return err
	}
	defer s.Close()

	summary := deriveSummary(root, manifest)

	return s.CommitRepairSnapshot(ctx, manifest, summary)
}

// deriveSummary stats every file manifest names, once, under root. A
// missing file still gets a summary row: mtime 0, size taken from the
// manifest's declared length (§4.9, invariant §8-2).
func deriveSummary(root string, manifest model.Manifest) model.Summary {
	summary := make(model.Summary, 0, len(manifest.Mods))

	for _, mod := range manifest.Mods {
		modSummary := model.LocalModSummary{ModName: mod.Name, Files: make([]model.LocalFileSummary, 0, len(mod.Files))}

		for _, f := range mod.Files {
			fsPath := filepath.Join(root, mod.Name, filepath.FromSlash(f.Path))

			info, statErr := os.Stat(fsPath)
			if statErr != nil {
				modSummary.Files = append(modSummary.Files, model.LocalFileSummary{
					RelPath: f.Path, Mtime: 0, Size: f.Length, Checksum: f.Checksum,
				})

				continue
			}

			modSummary.Files = append(modSummary.Files, model.LocalFileSummary{
				RelPath: f.Path, Mtime: info.ModTime().Unix(), Size: info.Size(), Checksum: f.Checksum,
			})
		}

		summary = append(summary, modSummary)
	}

	return summary
}

// commit persists the post-execution baseline: the manifest that was
// synced against (falling back to a fresh fetch if the caller didn't
// have one on hand), the recomputed summary, and the three cache
// batches derived from what the executor actually did (§4.9 Commit on
// success).
func (e *Engine) commit(ctx context.Context, req Request, plan model.Plan, remoteManifest model.Manifest, artifacts []model.SyncArtifact) error {
	s, err := e.openStore(req)
	if err != nil {
		return err
	}
	defer s.Close()

	manifestToPersist := remoteManifest
	if manifestToPersist.Version == 0 && len(manifestToPersist.Mods) == 0 {
		fetched, _, fetchErr := e.FetchRemoteState(ctx, req)
		if fetchErr != nil {
			return fetchErr
		}

		manifestToPersist = fetched
	}

	summary := deriveSummary(req.LocalRoot, manifestToPersist)

	upserts := cacheUpdatesFromArtifacts(artifacts)
	deletes := cacheDeletesFromPlanDeletes(plan.Deletes)
	renames := cacheRenamesFromPlanRenames(plan.Renames)

	return s.CommitSyncSnapshot(ctx, manifestToPersist, summary, upserts, deletes, renames)
}

// cacheUpdatesFromArtifacts derives one cache upsert per successfully
// downloaded file.
func cacheUpdatesFromArtifacts(artifacts []model.SyncArtifact) []store.CacheUpsert {
	out := make([]store.CacheUpsert, 0, len(artifacts))

	for _, a := range artifacts {
		out = append(out, store.CacheUpsert{
			ModName: a.ModName,
			RelPath: a.RelPath,
			Entry:   model.ScanCacheEntry{Mtime: a.FinalMtime, Size: a.FinalSize, Checksum: a.Checksum},
		})
	}

	return out
}

// cacheDeletesFromPlanDeletes splits each delete path at its first "/":
// no slash deletes a whole mod's cache entries, a slash deletes one file.
func cacheDeletesFromPlanDeletes(deletes []model.DeleteAction) []store.CacheDelete {
	out := make([]store.CacheDelete, 0, len(deletes))

	for _, d := range deletes {
		modName, relPath, hasFile := splitModAndFile(d.Path)
		if !hasFile {
			out = append(out, store.CacheDelete{ModName: modName})

			continue
		}

		out = append(out, store.CacheDelete{ModName: modName, RelPath: relPath})
	}

	return out
}

// cacheRenamesFromPlanRenames emits a single-file cache rename only when
// both sides of the rename are a mod/file path sharing the same mod;
// whole-mod renames and cross-mod renames carry no cache entries forward
// (the cache is a performance tool — the next scan just rehashes once).
func cacheRenamesFromPlanRenames(renames []model.RenameAction) []store.CacheRename {
	var out []store.CacheRename

	for _, r := range renames {
		oldMod, oldRel, oldHasFile := splitModAndFile(r.OldPath)
		newMod, newRel, newHasFile := splitModAndFile(r.NewPath)

		if !oldHasFile || !newHasFile || oldMod != newMod {
			continue
		}

		out = append(out, store.CacheRename{ModName: oldMod, OldRelPath: oldRel, NewRelPath: newRel})
	}

	return out
}

// splitModAndFile splits a plan action path at its first "/", reporting
// whether a file component was present at all.
func splitModAndFile(path string) (modName, relPath string, hasFile bool) {
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, "", false
	}

	return path[:idx], path[idx+1:], true
}
