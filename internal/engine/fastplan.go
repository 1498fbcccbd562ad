package engine

import (
	"github.com/tyen901/fleet-sync/internal/diff"
	"github.com/tyen901/fleet-sync/internal/model"
)

// FastPlanFromSummaries builds the plan that reconciles current against
// expected using only lightweight (mtime, size) comparisons — no remote
// fetch, no content hashing (§4.9 Fast plan from summaries).
func FastPlanFromSummaries(expected, current model.Summary) model.Plan {
	expByMod := make(map[string]model.LocalModSummary, len(expected))
	for _, m := range expected {
		expByMod[m.ModName] = m
	}

	curByMod := make(map[string]model.LocalModSummary, len(current))
	for _, m := range current {
		curByMod[m.ModName] = m
	}

	var plan model.Plan

	for modName, exp := range expByMod {
		cur, ok := curByMod[modName]
		if !ok {
			for _, f := range exp.Files {
				plan.Downloads = append(plan.Downloads, model.DownloadAction{
					ModName: modName, RelPath: f.RelPath, ExpectedSize: f.Size, ExpectedChecksum: f.Checksum,
				})
			}

			continue
		}

		diffModSummary(modName, exp, cur, &plan)
	}

	for modName := range curByMod {
		if _, ok := expByMod[modName]; !ok {
			plan.Deletes = append(plan.Deletes, model.DeleteAction{Path: modName})
		}
	}

	diff.SortPlan(&plan)

	return plan
}

// diffModSummary reconciles one matched mod's expected and current file
// summaries: a changed or missing expected file downloads; an extra
// current file deletes.
func diffModSummary(modName string, exp, cur model.LocalModSummary, plan *model.Plan) {
	curFiles := make(map[string]model.LocalFileSummary, len(cur.Files))
	for _, f := range cur.Files {
		curFiles[f.RelPath] = f
	}

	expFiles := make(map[string]model.LocalFileSummary, len(exp.Files))
	for _, f := range exp.Files {
		expFiles[f.RelPath] = f
	}

	for relPath, ef := range expFiles {
		cf, ok := curFiles[relPath]
		if !ok || cf.Mtime != ef.Mtime || cf.Size != ef.Size {
			plan.Downloads = append(plan.Downloads, model.DownloadAction{
				ModName: modName, RelPath: relPath, ExpectedSize: ef.Size, ExpectedChecksum: ef.Checksum,
			})
		}
	}

	for relPath := range curFiles {
		if _, ok := expFiles[relPath]; !ok {
			plan.Deletes = append(plan.Deletes, model.DeleteAction{Path: modName + "/" + relPath})
		}
	}
}
