package execute

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tyen901/fleet-sync/internal/hashing"
	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/progress"
	"github.com/tyen901/fleet-sync/internal/syncerr"
)

// progressByteThreshold and progressTimeThreshold bound how often a
// Progress event is emitted while streaming a download (§4.7).
const (
	progressByteThreshold = 1_000_000
	progressTimeThreshold = 100 * time.Millisecond
)

// downloadWithRetry attempts dl up to downloadAttempts times, sleeping
// downloadRetryDelay between attempts. A fresh Started event is emitted
// per attempt so the tracker's record resets its byte count on retry; a
// single Completed event is emitted once the download either succeeds or
// exhausts its attempts.
func (e *Executor) downloadWithRetry(ctx context.Context, dl model.DownloadAction) (model.SyncArtifact, error) {
	id := dl.ModName + "/" + dl.RelPath

	var lastErr error

	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		e.emit(progress.Event{Kind: progress.EventStarted, ID: id, FileName: dl.RelPath, ModName: dl.ModName, RelPath: dl.RelPath, TotalBytes: dl.ExpectedSize})

		artifact, err := e.downloadOnce(ctx, dl, id)
		if err == nil {
			e.emit(progress.Event{Kind: progress.EventCompleted, ID: id, Success: true})

			return artifact, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			break
		}

		if attempt < downloadAttempts {
			if sleepErr := sleepCtx(ctx, downloadRetryDelay); sleepErr != nil {
				lastErr = sleepErr

				break
			}
		}
	}

	e.emit(progress.Event{Kind: progress.EventCompleted, ID: id, Success: false})

	return model.SyncArtifact{}, syncerr.Execution("download %s: %v", id, lastErr)
}

// downloadOnce performs one whole-file download attempt: stream into a
// ".part" temp file, re-hash it, and atomically rename it into place only
// if the computed checksum matches (§4.7).
func (e *Executor) downloadOnce(ctx context.Context, dl model.DownloadAction, id string) (model.SyncArtifact, error) {
	targetAbs, err := e.resolvePath(dl.ModName + "/" + dl.RelPath)
	if err != nil {
		return model.SyncArtifact{}, err
	}

	if err := os.MkdirAll(filepath.Dir(targetAbs), 0o755); err != nil {
		return model.SyncArtifact{}, fmt.Errorf("execute: mkdir for %s: %w", id, err)
	}

	partPath := targetAbs + ".part"

	downloadURL, err := joinDownloadURL(e.cfg.BaseURL, dl.ModName, dl.RelPath)
	if err != nil {
		return model.SyncArtifact{}, fmt.Errorf("execute: building download url for %s: %w", id, err)
	}

	if err := e.streamToFile(ctx, downloadURL, partPath, id); err != nil {
		_ = os.Remove(partPath)

		return model.SyncArtifact{}, err
	}

	result, err := hashing.HashFile(partPath, dl.RelPath)
	if err != nil {
		_ = os.Remove(partPath)

		return model.SyncArtifact{}, fmt.Errorf("execute: hashing %s: %w", id, err)
	}

	if !strings.EqualFold(result.Checksum, dl.ExpectedChecksum) {
		_ = os.Remove(partPath)

		return model.SyncArtifact{}, fmt.Errorf("execute: checksum mismatch for %s: got %s want %s", id, result.Checksum, dl.ExpectedChecksum)
	}

	if err := os.Rename(partPath, targetAbs); err != nil {
		_ = os.Remove(partPath)

		return model.SyncArtifact{}, fmt.Errorf("execute: rename %s into place: %w", id, err)
	}

	info, err := os.Stat(targetAbs)
	if err != nil {
		return model.SyncArtifact{}, fmt.Errorf("execute: stat %s after download: %w", id, err)
	}

	return model.SyncArtifact{
		ModName:    dl.ModName,
		RelPath:    dl.RelPath,
		FinalMtime: info.ModTime().Unix(),
		FinalSize:  info.Size(),
		Checksum:   result.Checksum,
	}, nil
}

// streamToFile GETs url and writes its body to partPath, honoring the
// configured rate limiter and emitting Progress events as it goes.
func (e *Executor) streamToFile(ctx context.Context, downloadURL, partPath, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("execute: building request for %s: %w", id, err)
	}

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute: GET %s: %w", downloadURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("execute: GET %s: unexpected status %d", downloadURL, resp.StatusCode)
	}

	f, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("execute: creating %s: %w", partPath, err)
	}
	defer f.Close()

	var body io.Reader = resp.Body
	if e.cfg.RateLimiter != nil {
		body = &rateLimitedReader{r: body, limiter: e.cfg.RateLimiter, ctx: ctx}
	}

	if err := e.copyWithProgress(body, f, id); err != nil {
		return fmt.Errorf("execute: streaming %s: %w", id, err)
	}

	return nil
}

// copyWithProgress copies src into dst, emitting a Progress event whenever
// either 1,000,000 bytes have accumulated or 100ms have elapsed since the
// last emission, always flushing a final non-zero remainder at EOF.
func (e *Executor) copyWithProgress(src io.Reader, dst io.Writer, id string) error {
	buf := make([]byte, 32*1024)

	var sinceBytes int64

	lastEmit := time.Now()

	for {
		n, readErr := src.Read(buf)

		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}

			sinceBytes += int64(n)

			if sinceBytes >= progressByteThreshold || time.Since(lastEmit) >= progressTimeThreshold {
				e.emit(progress.Event{Kind: progress.EventProgress, ID: id, BytesDelta: sinceBytes})
				sinceBytes = 0
				lastEmit = time.Now()
			}
		}

		if readErr == io.EOF {
			if sinceBytes > 0 {
				e.emit(progress.Event{Kind: progress.EventProgress, ID: id, BytesDelta: sinceBytes})
			}

			return nil
		}

		if readErr != nil {
			return readErr
		}
	}
}

// emit is a nil-safe send to the configured tracker.
func (e *Executor) emit(ev progress.Event) {
	if e.tracker != nil {
		e.tracker.Handle(ev)
	}
}

// joinDownloadURL appends modName and every "/"-delimited segment of
// relPath onto base as individually percent-encoded path segments.
func joinDownloadURL(base, modName, relPath string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", base, err)
	}

	p := strings.TrimSuffix(u.Path, "/")
	p += "/" + modName

	for _, seg := range strings.Split(relPath, "/") {
		p += "/" + seg
	}

	u.Path = p
	u.RawPath = ""

	return u.String(), nil
}
