// Package diff implements the differ (§4.6): given a remote manifest and a
// local manifest, it produces the minimal model.Plan of renames, checks,
// downloads and deletes that would bring the local tree in line with the
// remote one.
package diff

import (
	"sort"
	"strings"

	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/pathutil"
)

// Compute builds the sync plan that reconciles local against remote.
func Compute(remote, local model.Manifest) model.Plan {
	byLower := make(map[string][]int, len(local.Mods))
	for i, m := range local.Mods {
		key := strings.ToLower(m.Name)
		byLower[key] = append(byLower[key], i)
	}

	claimed := make([]bool, len(local.Mods))

	var plan model.Plan

	for _, rm := range remote.Mods {
		bucket := byLower[strings.ToLower(rm.Name)]
		if len(bucket) == 0 {
			for _, f := range rm.Files {
				plan.Downloads = append(plan.Downloads, model.DownloadAction{
					ModName: rm.Name, RelPath: f.Path, ExpectedSize: f.Length, ExpectedChecksum: f.Checksum,
				})
			}

			continue
		}

		survivorIdx := bucket[0]
		for _, idx := range bucket {
			if local.Mods[idx].Name == rm.Name {
				survivorIdx = idx

				break
			}
		}

		for _, idx := range bucket {
			claimed[idx] = true

			if idx != survivorIdx {
				plan.Deletes = append(plan.Deletes, model.DeleteAction{Path: local.Mods[idx].Name})
			}
		}

		survivor := local.Mods[survivorIdx]

		if survivor.Name != rm.Name {
			plan.Renames = append(plan.Renames, model.RenameAction{OldPath: survivor.Name, NewPath: rm.Name})
		}

		diffFiles(rm, survivor, &plan)
	}

	for i, m := range local.Mods {
		if !claimed[i] {
			plan.Deletes = append(plan.Deletes, model.DeleteAction{Path: m.Name})
		}
	}

	SortPlan(&plan)

	return plan
}

// diffFiles reconciles one matched mod's files, appending checks, downloads
// and per-file deletes to plan. survivor.Name (the current on-disk name) is
// used for both check paths and orphan file deletes: checks name the files
// as the local scan found them, and the executor runs deletes before
// renames.
func diffFiles(remoteMod, survivor model.ModManifest, plan *model.Plan) {
	localByKey := make(map[string]model.FileRecord, len(survivor.Files))
	for _, f := range survivor.Files {
		localByKey[pathutil.Canonicalize(f.Path)] = f
	}

	matched := make(map[string]bool, len(remoteMod.Files))

	for _, rf := range remoteMod.Files {
		key := pathutil.Canonicalize(rf.Path)

		lf, ok := localByKey[key]
		if !ok {
			plan.Downloads = append(plan.Downloads, model.DownloadAction{
				ModName: remoteMod.Name, RelPath: rf.Path, ExpectedSize: rf.Length, ExpectedChecksum: rf.Checksum,
			})

			continue
		}

		matched[key] = true

		if lf.Checksum != "" && lf.Checksum == rf.Checksum {
			plan.Checks = append(plan.Checks, model.CheckAction{
				Path: survivor.Name + "/" + lf.Path, ExpectedChecksum: rf.Checksum,
			})

			continue
		}

		plan.Downloads = append(plan.Downloads, model.DownloadAction{
			ModName: remoteMod.Name, RelPath: rf.Path, ExpectedSize: rf.Length, ExpectedChecksum: rf.Checksum,
		})
	}

	for key, lf := range localByKey {
		if !matched[key] {
			plan.Deletes = append(plan.Deletes, model.DeleteAction{Path: survivor.Name + "/" + lf.Path})
		}
	}
}

// SortPlan orders every list deterministically so repeated runs over
// identical inputs produce byte-identical plans. Exported so other
// algorithms that build a model.Plan outside Compute (e.g. the fast
// integrity plan in internal/engine) can reuse the same ordering.
func SortPlan(p *model.Plan) {
	sort.Slice(p.Renames, func(i, j int) bool { return p.Renames[i].OldPath < p.Renames[j].OldPath })
	sort.Slice(p.Checks, func(i, j int) bool { return p.Checks[i].Path < p.Checks[j].Path })
	sort.Slice(p.Downloads, func(i, j int) bool {
		if p.Downloads[i].ModName != p.Downloads[j].ModName {
			return p.Downloads[i].ModName < p.Downloads[j].ModName
		}

		return p.Downloads[i].RelPath < p.Downloads[j].RelPath
	})
	sort.Slice(p.Deletes, func(i, j int) bool { return p.Deletes[i].Path < p.Deletes[j].Path })
}
