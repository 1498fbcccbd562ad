package orchestrator

import (
	"context"
	"time"

	"github.com/tyen901/fleet-sync/internal/engine"
	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/progress"
)

// pollInterval is how often a running execute phase samples the progress
// tracker into a TransferProgress event.
const pollInterval = 500 * time.Millisecond

// runRemoteUpdate fetches the remote manifest, reports it via
// ScanStats-shaped fetch stats, persists it as a repair snapshot and
// completes, without scanning, diffing or executing (§4.10, remote-update
// run).
func (o *Orchestrator) runRemoteUpdate(ctx context.Context, runID string, req engine.Request) {
	o.setStep(ctx, runID, model.StepFetch, model.StatusRunning, "")

	manifest, stats, err := o.eng.FetchRemoteState(ctx, req)
	if o.checkCancelled(ctx, runID) {
		return
	}

	if err != nil {
		o.fail(ctx, runID, model.StepFetch, err)
		return
	}

	o.setStep(ctx, runID, model.StepFetch, model.StatusSucceeded, "")
	o.emit(ctx, Event{RunID: runID, Type: EventScanStats, FetchStats: &stats})

	if err := o.eng.PersistRemoteSnapshot(ctx, req.StoreRoot(), manifest); err != nil {
		o.fail(ctx, runID, model.StepFetch, err)
		return
	}

	o.emit(ctx, Event{RunID: runID, Type: EventCompleted})
}

// runLocalIntegrity scans local state and computes the fast plan against
// the baseline, never executing it (§4.10, local-integrity "check" run:
// succeeds when Diff reaches Succeeded).
func (o *Orchestrator) runLocalIntegrity(ctx context.Context, runID string, req engine.Request) {
	o.setStep(ctx, runID, model.StepScan, model.StatusRunning, "")

	local, err := o.eng.ScanLocalState(ctx, req)
	if o.checkCancelled(ctx, runID) {
		return
	}

	if err != nil {
		o.fail(ctx, runID, model.StepScan, err)
		return
	}

	o.setStep(ctx, runID, model.StepScan, model.StatusSucceeded, "")
	o.emit(ctx, Event{RunID: runID, Type: EventScanStats, ScanStats: &ScanStats{
		Trust:     local.Trust,
		ModCount:  len(local.Summary),
		FileCount: countFiles(local.Summary),
	}})

	o.setStep(ctx, runID, model.StepDiff, model.StatusRunning, "")

	plan, err := o.eng.ComputeLocalIntegrityPlan(ctx, req, local.Summary)
	if o.checkCancelled(ctx, runID) {
		return
	}

	if err != nil {
		o.fail(ctx, runID, model.StepDiff, err)
		return
	}

	o.setStep(ctx, runID, model.StepDiff, model.StatusSucceeded, "")
	o.emitPlanReady(ctx, runID, plan, local.Manifest)
	o.emit(ctx, Event{RunID: runID, Type: EventCompleted})
}

// runSync runs the full fetch -> scan -> diff -> execute pipeline,
// committing a new baseline snapshot on success (§4.10, sync run:
// succeeds when Execute reaches Succeeded).
func (o *Orchestrator) runSync(ctx context.Context, runID string, req engine.Request) {
	o.setStep(ctx, runID, model.StepFetch, model.StatusRunning, "")

	remoteManifest, stats, err := o.eng.FetchRemoteState(ctx, req)
	if o.checkCancelled(ctx, runID) {
		return
	}

	if err != nil {
		o.fail(ctx, runID, model.StepFetch, err)
		return
	}

	o.setStep(ctx, runID, model.StepFetch, model.StatusSucceeded, "")
	o.emit(ctx, Event{RunID: runID, Type: EventScanStats, FetchStats: &stats})

	o.setStep(ctx, runID, model.StepScan, model.StatusRunning, "")

	local, err := o.eng.ScanLocalState(ctx, req)
	if o.checkCancelled(ctx, runID) {
		return
	}

	if err != nil {
		o.fail(ctx, runID, model.StepScan, err)
		return
	}

	o.setStep(ctx, runID, model.StepScan, model.StatusSucceeded, "")
	o.emit(ctx, Event{RunID: runID, Type: EventScanStats, ScanStats: &ScanStats{
		Trust:     local.Trust,
		ModCount:  len(local.Summary),
		FileCount: countFiles(local.Summary),
	}})

	o.setStep(ctx, runID, model.StepDiff, model.StatusRunning, "")

	plan := o.eng.ComputePlan(remoteManifest, local.Manifest)
	o.setStep(ctx, runID, model.StepDiff, model.StatusSucceeded, "")
	o.emitPlanReady(ctx, runID, plan, remoteManifest)

	o.setStep(ctx, runID, model.StepExecute, model.StatusRunning, "")

	if plan.Empty() {
		o.setStep(ctx, runID, model.StepExecute, model.StatusSkipped, "no changes")
		o.emit(ctx, Event{RunID: runID, Type: EventCompleted})

		return
	}

	tracker := progress.NewTracker(len(plan.Downloads), totalPlanBytes(plan))

	stopPoll := o.pollProgress(ctx, runID, tracker)
	_, err = o.eng.ExecuteWithPlan(ctx, req, plan, remoteManifest, tracker)
	stopPoll()

	if o.checkCancelled(ctx, runID) {
		return
	}

	if err != nil {
		o.fail(ctx, runID, model.StepExecute, err)
		return
	}

	o.setStep(ctx, runID, model.StepExecute, model.StatusSucceeded, "")
	o.emit(ctx, Event{RunID: runID, Type: EventTransferProgress, Progress: snapshotPtr(tracker.Snapshot())})
	o.emit(ctx, Event{RunID: runID, Type: EventCompleted, Message: "synced"})
}

// fail emits Failed and marks the current step Failed, unless the
// failure is actually a cancellation (§7 Propagation).
func (o *Orchestrator) fail(ctx context.Context, runID string, step model.Step, err error) {
	if isCancellation(ctx, err) {
		o.emit(ctx, Event{RunID: runID, Type: EventCancelled})
		return
	}

	o.setStep(ctx, runID, step, model.StatusFailed, err.Error())
	o.emit(ctx, Event{RunID: runID, Type: EventFailed, Message: err.Error()})
}

// emitPlanReady reports the computed plan's action counts and the mods
// the plan leaves untouched (§6 PlanReady.existing_mods).
func (o *Orchestrator) emitPlanReady(ctx context.Context, runID string, plan model.Plan, manifest model.Manifest) {
	stats := &DiffStats{
		Renames:   len(plan.Renames),
		Checks:    len(plan.Checks),
		Downloads: len(plan.Downloads),
		Deletes:   len(plan.Deletes),
	}

	o.emit(ctx, Event{
		RunID:        runID,
		Type:         EventPlanReady,
		Plan:         &plan,
		DiffStats:    stats,
		ExistingMods: existingMods(plan, manifest),
	})
}

// pollProgress samples tracker into TransferProgress events on
// pollInterval until the returned stop func is called.
func (o *Orchestrator) pollProgress(ctx context.Context, runID string, tracker *progress.Tracker) (stop func()) {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				snap := tracker.Snapshot()
				o.emit(ctx, Event{RunID: runID, Type: EventTransferProgress, Progress: &snap})
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { close(done) }
}

func snapshotPtr(s progress.Snapshot) *progress.Snapshot { return &s }

func countFiles(summary model.Summary) int {
	n := 0
	for _, m := range summary {
		n += len(m.Files)
	}

	return n
}

func totalPlanBytes(plan model.Plan) int64 {
	var total int64
	for _, d := range plan.Downloads {
		total += d.ExpectedSize
	}

	return total
}

// existingMods lists mods the plan leaves untouched: present in manifest
// but named by none of its renames or deletes.
func existingMods(plan model.Plan, manifest model.Manifest) []string {
	touched := make(map[string]bool)

	for _, d := range plan.Deletes {
		touched[topLevel(d.Path)] = true
	}

	for _, r := range plan.Renames {
		touched[topLevel(r.OldPath)] = true
		touched[topLevel(r.NewPath)] = true
	}

	var existing []string

	for _, m := range manifest.Mods {
		if !touched[m.Name] {
			existing = append(existing, m.Name)
		}
	}

	return existing
}

func topLevel(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i]
		}
	}

	return path
}
