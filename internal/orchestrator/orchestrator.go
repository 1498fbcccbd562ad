// Package orchestrator implements the single-run orchestrator and event
// bus (§4.10): it exposes start operations for a remote-update run, a
// local-integrity run, and a full sync run, cancelling any in-flight run
// before starting the next, and emits a phase-tagged stream of events a
// consumer drains at its own cadence.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tyen901/fleet-sync/internal/engine"
	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/progress"
	"github.com/tyen901/fleet-sync/internal/remote"
	"github.com/tyen901/fleet-sync/internal/store"
)

// Kind selects which pipeline a run executes.
type Kind int

const (
	// KindRemoteUpdate fetches the remote manifest and persists it as a
	// repair snapshot, without scanning, diffing or executing.
	KindRemoteUpdate Kind = iota
	// KindLocalIntegrity scans local state and computes a fast plan
	// against the baseline, without ever executing it (a "check" run).
	KindLocalIntegrity
	// KindSync runs the full fetch -> scan -> diff -> execute pipeline.
	KindSync
)

// EventType discriminates Event's payload (§6 Pipeline events).
type EventType int

const (
	EventStarted EventType = iota
	EventStepChanged
	EventScanStats
	EventTransferProgress
	EventPlanReady
	EventCompleted
	EventFailed
	EventCancelled
)

// ScanStats summarizes a completed local scan (emitted with EventScanStats).
type ScanStats struct {
	Trust     model.Trust
	ModCount  int
	FileCount int
}

// DiffStats summarizes a computed plan's action counts.
type DiffStats struct {
	Renames   int
	Checks    int
	Downloads int
	Deletes   int
}

// Event is one message on the orchestrator's event bus. Only the fields
// relevant to Type are populated; a consumer must discard any Event whose
// RunID does not match the run it is currently following (§4.10 Consumer
// side).
type Event struct {
	RunID     string
	Type      EventType
	ProfileID string

	Step   model.Step
	Status model.StepStatus
	Detail string

	ScanStats  *ScanStats
	FetchStats *remote.FetchStats
	Progress   *progress.Snapshot

	Plan         *model.Plan
	DiffStats    *DiffStats
	ExistingMods []string

	Message string
}

// Orchestrator runs at most one active, cancellable run at a time.
type Orchestrator struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	runID  string

	eng    *engine.Engine
	events chan Event
	logger *slog.Logger
}

// New constructs an Orchestrator wrapping eng. A nil logger uses
// slog.Default. The returned event channel is buffered; Events must be
// drained by the caller for the lifetime of the Orchestrator.
func New(eng *engine.Engine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{eng: eng, events: make(chan Event, 256), logger: logger}
}

// Events returns the orchestrator's event stream.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Cancel flips the current run's cancellation signal, if any. It does
// not block for the run to observe it.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
}

// StartRemoteUpdate cancels any in-flight run and starts a new
// remote-manifest-only run, returning its run ID.
func (o *Orchestrator) StartRemoteUpdate(req engine.Request) string {
	return o.start(req, KindRemoteUpdate)
}

// StartLocalIntegrity cancels any in-flight run and starts a new
// scan-and-diff-only run ("check" run), returning its run ID.
func (o *Orchestrator) StartLocalIntegrity(req engine.Request) string {
	return o.start(req, KindLocalIntegrity)
}

// StartSync cancels any in-flight run and starts a new full sync run,
// returning its run ID.
func (o *Orchestrator) StartSync(req engine.Request) string {
	return o.start(req, KindSync)
}

// start cancels the previous run, generates a fresh run ID, and spawns
// the worker goroutine (§4.10 steps 1-3).
func (o *Orchestrator) start(req engine.Request, kind Kind) string {
	o.mu.Lock()

	if o.cancel != nil {
		o.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	runID := uuid.NewString()
	o.cancel = cancel
	o.runID = runID

	o.mu.Unlock()

	go o.run(ctx, runID, kind, req)

	return runID
}

// run dispatches to the chosen pipeline, applying cold/warm mode
// selection first (§4.10).
func (o *Orchestrator) run(ctx context.Context, runID string, kind Kind, req engine.Request) {
	defer func() {
		if r := recover(); r != nil {
			o.emit(ctx, Event{RunID: runID, Type: EventFailed, Message: "panic during run"})
			o.logger.Error("orchestrator: recovered panic", slog.String("run_id", runID), slog.Any("panic", r))
		}
	}()

	o.emit(ctx, Event{RunID: runID, Type: EventStarted, ProfileID: req.ProfileID})

	if kind != KindLocalIntegrity {
		if mode, err := o.resolveColdWarm(ctx, req); err == nil {
			req.Mode = mode
		}
	}

	switch kind {
	case KindRemoteUpdate:
		o.runRemoteUpdate(ctx, runID, req)
	case KindLocalIntegrity:
		o.runLocalIntegrity(ctx, runID, req)
	case KindSync:
		o.runSync(ctx, runID, req)
	}
}

// resolveColdWarm picks SmartVerify when the baseline or its summary is
// missing (cold start), FastCheck otherwise (warm start) — §4.10
// Cold/warm mode selection.
func (o *Orchestrator) resolveColdWarm(ctx context.Context, req engine.Request) (model.ScanMode, error) {
	s, err := store.Open(req.StoreRoot(), o.logger)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	_, summary, ok, err := s.LoadBaseline(ctx)
	if err != nil {
		return 0, err
	}

	if !ok || len(summary) == 0 {
		return model.ModeSmartVerify, nil
	}

	return model.ModeFastCheck, nil
}

// emit sends ev, delivering it whenever the buffer has room; otherwise it
// waits for a consumer, giving up (without blocking forever) if ctx is
// done — a cancelled run whose buffer is full may drop its own tail events.
func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	select {
	case o.events <- ev:
		return
	default:
	}

	select {
	case o.events <- ev:
	case <-ctx.Done():
	}
}

// setStep emits a StepChanged event.
func (o *Orchestrator) setStep(ctx context.Context, runID string, step model.Step, status model.StepStatus, detail string) {
	o.emit(ctx, Event{RunID: runID, Type: EventStepChanged, Step: step, Status: status, Detail: detail})
}

// checkCancelled reports whether ctx is done, emitting Cancelled exactly
// once if so (§4.10 Cancellation contract: emitted at the next
// suspension point inside fetch, scan, or execute).
func (o *Orchestrator) checkCancelled(ctx context.Context, runID string) bool {
	if ctx.Err() == nil {
		return false
	}

	o.emit(ctx, Event{RunID: runID, Type: EventCancelled})

	return true
}

// isCancellation reports whether err represents context cancellation
// rather than a genuine failure (§7 Propagation: cancellation is not an
// error).
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, ctx.Err()))
}
