// Package execute implements the plan executor (§4.7): it mutates the
// local filesystem so that a model.Plan is realized, emitting progress
// events as it streams downloads and returning the sync artifacts of
// every file it successfully wrote.
package execute

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/pathutil"
	"github.com/tyen901/fleet-sync/internal/progress"
	"github.com/tyen901/fleet-sync/internal/syncerr"
)

// downloadAttempts and downloadRetryDelay govern the whole-file download
// retry policy, distinct from the HTTP client's own request-level backoff
// (§4.4) and from the rename retry policy below.
const (
	downloadAttempts   = 3
	downloadRetryDelay = 500 * time.Millisecond
)

// renameAttempts, renameInitialBackoff and renameMaxBackoff govern the
// rename-phase retry policy (§4.7).
const (
	renameAttempts       = 8
	renameInitialBackoff = 50 * time.Millisecond
	renameMaxBackoff     = 2 * time.Second
)

// Config is the executor's fixed configuration for one Execute call.
type Config struct {
	// Root is the local sync tree's absolute root directory.
	Root string
	// BaseURL is the remote directory URL downloads are composed against
	// (the same base FetchMod joins mod names and mod.srf against).
	BaseURL string
	// MaxThreads bounds concurrent in-flight downloads.
	MaxThreads int
	// RateLimiter throttles aggregate download bytes/sec. Nil means
	// unlimited.
	RateLimiter *rate.Limiter
	// HTTPClient issues the download GET requests. A nil value uses
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Executor realizes a model.Plan against Config.Root.
type Executor struct {
	cfg     Config
	tracker *progress.Tracker
	logger  *slog.Logger
}

// NewExecutor constructs an Executor. tracker may be nil (progress events
// are then dropped); logger may be nil (slog.Default is used).
func NewExecutor(cfg Config, tracker *progress.Tracker, logger *slog.Logger) *Executor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{cfg: cfg, tracker: tracker, logger: logger}
}

// Execute realizes plan's deletes, then renames, then downloads, in that
// order (§4.7). Every path is validated before anything is mutated; a
// validation failure aborts the whole call without touching the
// filesystem. Download failures are aggregated: partial artifacts from
// files that did succeed are still returned, but the caller must not
// commit a baseline snapshot when err is non-nil (§4.7 Failure
// aggregation).
func (e *Executor) Execute(ctx context.Context, plan model.Plan) ([]model.SyncArtifact, error) {
	if err := e.validatePlan(plan); err != nil {
		return nil, err
	}

	for _, d := range plan.Deletes {
		if err := e.executeDelete(d); err != nil {
			return nil, err
		}
	}

	for _, r := range plan.Renames {
		if err := e.executeRename(ctx, r); err != nil {
			return nil, err
		}
	}

	return e.executeDownloads(ctx, plan.Downloads)
}

// validatePlan re-validates every path named anywhere in plan, failing
// fast before any mutation is attempted.
func (e *Executor) validatePlan(plan model.Plan) error {
	for _, d := range plan.Deletes {
		if _, err := e.resolvePath(d.Path); err != nil {
			return err
		}
	}

	for _, r := range plan.Renames {
		if _, err := e.resolvePath(r.OldPath); err != nil {
			return err
		}

		if _, err := e.resolvePath(r.NewPath); err != nil {
			return err
		}
	}

	for _, c := range plan.Checks {
		if _, err := e.resolvePath(c.Path); err != nil {
			return err
		}
	}

	for _, dl := range plan.Downloads {
		if _, err := e.resolvePath(dl.ModName + "/" + dl.RelPath); err != nil {
			return err
		}
	}

	return nil
}

// resolvePath normalizes and validates relPath (§4.1), joins it against
// the sync root, and confirms the resulting absolute path still falls
// under the root — defense in depth against traversal and symlink-based
// escapes. A failure is an Execution error tagged "Security".
func (e *Executor) resolvePath(relPath string) (string, error) {
	norm, err := pathutil.NormalizeAndValidate(relPath)
	if err != nil {
		return "", syncerr.WrapSecurity(relPath)
	}

	rootClean := filepath.Clean(e.cfg.Root)
	abs := filepath.Clean(filepath.Join(rootClean, filepath.FromSlash(norm)))

	if abs != rootClean && !strings.HasPrefix(abs, rootClean+string(os.PathSeparator)) {
		return "", syncerr.WrapSecurity(relPath)
	}

	return abs, nil
}

// executeDelete removes a whole mod directory (Path has no slash) or a
// single file (Path contains a slash). Non-existence is not an error.
func (e *Executor) executeDelete(d model.DeleteAction) error {
	abs, err := e.resolvePath(d.Path)
	if err != nil {
		return err
	}

	if strings.Contains(d.Path, "/") {
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return syncerr.Execution("delete %s: %v", d.Path, err)
		}

		return nil
	}

	if err := os.RemoveAll(abs); err != nil {
		return syncerr.Execution("delete mod %s: %v", d.Path, err)
	}

	return nil
}

// executeRename performs an atomic rename with bounded exponential-backoff
// retry. Non-existence of the source is not an error — it is treated as
// already renamed, since a prior partial run (or a concurrent operator)
// may have already applied it.
func (e *Executor) executeRename(ctx context.Context, r model.RenameAction) error {
	oldAbs, err := e.resolvePath(r.OldPath)
	if err != nil {
		return err
	}

	newAbs, err := e.resolvePath(r.NewPath)
	if err != nil {
		return err
	}

	backoff := renameInitialBackoff

	for attempt := 1; attempt <= renameAttempts; attempt++ {
		err := os.Rename(oldAbs, newAbs)
		if err == nil {
			return nil
		}

		if os.IsNotExist(err) {
			if _, statErr := os.Stat(oldAbs); os.IsNotExist(statErr) {
				return nil
			}
		}

		if attempt == renameAttempts {
			return syncerr.Execution("rename %s -> %s: %v", r.OldPath, r.NewPath, err)
		}

		if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
			return syncerr.Execution("rename %s -> %s: %v", r.OldPath, r.NewPath, sleepErr)
		}

		backoff *= 2
		if backoff > renameMaxBackoff {
			backoff = renameMaxBackoff
		}
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeDownloads runs every download with at most cfg.MaxThreads
// in flight, via errgroup's unordered bounded fan-out.
func (e *Executor) executeDownloads(ctx context.Context, downloads []model.DownloadAction) ([]model.SyncArtifact, error) {
	if len(downloads) == 0 {
		return nil, nil
	}

	var (
		artifactsMu sync.Mutex
		artifacts   []model.SyncArtifact
		failed      int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxThreads)

	for _, dl := range downloads {
		dl := dl

		g.Go(func() error {
			artifact, err := e.downloadWithRetry(gctx, dl)
			if err != nil {
				e.logger.Warn("execute: download failed", slog.String("mod", dl.ModName), slog.String("path", dl.RelPath), slog.Any("error", err))

				artifactsMu.Lock()
				failed++
				artifactsMu.Unlock()

				return nil
			}

			artifactsMu.Lock()
			artifacts = append(artifacts, artifact)
			artifactsMu.Unlock()

			return nil
		})
	}

	_ = g.Wait() // download goroutines never themselves return an error; failures are aggregated via failed

	if ctx.Err() != nil {
		return artifacts, fmt.Errorf("execute: downloads canceled: %w", ctx.Err())
	}

	if failed > 0 {
		return artifacts, syncerr.Execution("%d of %d downloads failed", failed, len(downloads))
	}

	return artifacts, nil
}
