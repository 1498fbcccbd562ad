// Package engine implements the sync engine façade (§4.9): it wires the
// remote state provider, the local state provider, the differ, and the
// plan executor into the handful of operations an external caller needs
// (plan, plan_and_execute, execute_with_plan, persist_remote_snapshot,
// validate_repo_url, compute_local_integrity_plan), committing an atomic
// baseline snapshot whenever a mutating run succeeds.
package engine

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/tyen901/fleet-sync/internal/diff"
	"github.com/tyen901/fleet-sync/internal/execute"
	"github.com/tyen901/fleet-sync/internal/localstate"
	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/progress"
	"github.com/tyen901/fleet-sync/internal/remote"
	"github.com/tyen901/fleet-sync/internal/store"
)

// Options carries the per-request engine tunables (§6 SyncRequest.options).
type Options struct {
	// MaxThreads bounds concurrent downloads. <= 0 defaults to 1.
	MaxThreads int
	// RateLimitBytes caps aggregate download bytes/sec. <= 0 means unlimited.
	RateLimitBytes int64
	// CacheRoot overrides where fleet.redb lives. Empty defaults to LocalRoot.
	CacheRoot string
}

// Request is the façade's single entry-point argument (§6 SyncRequest).
type Request struct {
	RepoURL   string
	LocalRoot string
	Mode      model.ScanMode
	Options   Options
	ProfileID string
}

// StoreRoot resolves where fleet.redb lives for this request: a caller
// (e.g. the orchestrator, choosing cold/warm scan mode before a run
// starts) can probe baseline presence at the same path the engine itself
// will open.
func (r Request) StoreRoot() string {
	if r.Options.CacheRoot != "" {
		return r.Options.CacheRoot
	}

	return r.LocalRoot
}

// Result is returned by PlanAndExecute and ExecuteWithPlan.
type Result struct {
	Plan       model.Plan
	Artifacts  []model.SyncArtifact
	FetchStats remote.FetchStats
}

// Engine is the sync engine façade. One Engine is reused across requests;
// each request opens (and closes) its own baseline store handle, since
// different requests may target different sync roots.
type Engine struct {
	remote       *remote.Client
	profileCache remote.ProfileCacheStore
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewEngine constructs an Engine. profileCache may be nil (root-document
// conditional reuse is then disabled). httpClient may be nil
// (http.DefaultClient is used for downloads). logger may be nil
// (slog.Default is used).
func NewEngine(remoteClient *remote.Client, profileCache remote.ProfileCacheStore, httpClient *http.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Engine{remote: remoteClient, profileCache: profileCache, httpClient: httpClient, logger: logger}
}

// openStore opens the baseline store backing req.
func (e *Engine) openStore(req Request) (*store.Store, error) {
	return store.Open(req.StoreRoot(), e.logger)
}

// FetchRemoteState fetches the authoritative remote manifest for req,
// reusing baseline mods by checksum where req.Mode permits it (§4.4).
func (e *Engine) FetchRemoteState(ctx context.Context, req Request) (model.Manifest, remote.FetchStats, error) {
	s, err := e.openStore(req)
	if err != nil {
		return model.Manifest{}, remote.FetchStats{}, err
	}
	defer s.Close()

	var baselinePtr *model.Manifest

	if baseline, _, ok, loadErr := s.LoadBaseline(ctx); loadErr == nil && ok {
		baselinePtr = &baseline
	}

	return e.remote.FetchRemoteState(ctx, req.RepoURL, req.Mode, req.ProfileID, e.profileCache, baselinePtr)
}

// ScanLocalState reconstructs local state under req.LocalRoot per req.Mode (§4.5).
func (e *Engine) ScanLocalState(ctx context.Context, req Request) (model.LocalState, error) {
	s, err := e.openStore(req)
	if err != nil {
		return model.LocalState{}, err
	}
	defer s.Close()

	provider := localstate.NewProvider(s, s, e.logger)

	return provider.Scan(ctx, req.LocalRoot, req.Mode)
}

// ComputePlan is the pure differ call (§4.6), exposed directly so a
// caller holding both sides already can recompute a plan without
// repeating the fetch/scan I/O.
func (e *Engine) ComputePlan(remoteManifest, localManifest model.Manifest) model.Plan {
	return diff.Compute(remoteManifest, localManifest)
}

// ComputeLocalIntegrityPlan builds the fast summary-vs-summary plan
// (§4.9 Fast plan from summaries) against the baseline's expected
// summary, without any remote fetch.
func (e *Engine) ComputeLocalIntegrityPlan(ctx context.Context, req Request, current model.Summary) (model.Plan, error) {
	s, err := e.openStore(req)
	if err != nil {
		return model.Plan{}, err
	}
	defer s.Close()

	_, expected, ok, err := s.LoadBaseline(ctx)
	if err != nil {
		return model.Plan{}, err
	}

	if !ok {
		expected = nil
	}

	return FastPlanFromSummaries(expected, current), nil
}

// Plan runs fetch -> scan -> compute_plan (§4.9 orchestration sugar).
func (e *Engine) Plan(ctx context.Context, req Request) (model.Plan, model.Manifest, model.LocalState, remote.FetchStats, error) {
	remoteManifest, stats, err := e.FetchRemoteState(ctx, req)
	if err != nil {
		return model.Plan{}, model.Manifest{}, model.LocalState{}, remote.FetchStats{}, err
	}

	local, err := e.ScanLocalState(ctx, req)
	if err != nil {
		return model.Plan{}, model.Manifest{}, model.LocalState{}, remote.FetchStats{}, err
	}

	plan := e.ComputePlan(remoteManifest, local.Manifest)

	return plan, remoteManifest, local, stats, nil
}

// PlanAndExecute computes a plan and, if it names any mutation, executes
// it and commits the resulting baseline snapshot (§4.9).
func (e *Engine) PlanAndExecute(ctx context.Context, req Request, tracker *progress.Tracker) (Result, error) {
	plan, remoteManifest, _, stats, err := e.Plan(ctx, req)
	if err != nil {
		return Result{}, err
	}

	artifacts, err := e.executeAndCommit(ctx, req, plan, remoteManifest, tracker)

	return Result{Plan: plan, Artifacts: artifacts, FetchStats: stats}, err
}

// ExecuteWithPlan executes an already-computed plan (e.g. one a caller
// reviewed before approving) and commits on success (§4.9), without
// repeating the fetch/scan that produced it.
func (e *Engine) ExecuteWithPlan(ctx context.Context, req Request, plan model.Plan, remoteManifest model.Manifest, tracker *progress.Tracker) (Result, error) {
	artifacts, err := e.executeAndCommit(ctx, req, plan, remoteManifest, tracker)

	return Result{Plan: plan, Artifacts: artifacts}, err
}

// executeAndCommit applies the no-op guard, runs the executor, and
// commits the baseline snapshot on success.
func (e *Engine) executeAndCommit(ctx context.Context, req Request, plan model.Plan, remoteManifest model.Manifest, tracker *progress.Tracker) ([]model.SyncArtifact, error) {
	if plan.Empty() {
		return nil, nil
	}

	base, _, err := remote.SplitBaseAndManifest(req.RepoURL)
	if err != nil {
		return nil, err
	}

	exec := execute.NewExecutor(execute.Config{
		Root:        req.LocalRoot,
		BaseURL:     base,
		MaxThreads:  req.Options.MaxThreads,
		RateLimiter: rateLimiterFor(req.Options.RateLimitBytes),
		HTTPClient:  e.httpClient,
	}, tracker, e.logger)

	artifacts, execErr := exec.Execute(ctx, plan)
	if execErr != nil {
		return artifacts, execErr
	}

	if err := e.commit(ctx, req, plan, remoteManifest, artifacts); err != nil {
		return artifacts, err
	}

	return artifacts, nil
}

// ValidateRepoURL attempts to fetch the root document, surfacing whatever
// Remote error results as the validation verdict.
func (e *Engine) ValidateRepoURL(ctx context.Context, repoURL string) error {
	_, err := e.remote.FetchRoot(ctx, repoURL)

	return err
}

// rateLimiterFor builds a token-bucket limiter sized to bytesPerSec, or
// nil (unlimited) when bytesPerSec is non-positive.
func rateLimiterFor(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec)
	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
