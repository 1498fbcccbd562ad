// Package remote implements the remote state provider (§4.4): HTTP
// fetch of the root manifest ("repo.json") and per-mod sub-manifests
// ("mod.srf"), with conditional reuse by Last-Modified and differential
// fetch against a baseline manifest.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/pathutil"
	"github.com/tyen901/fleet-sync/internal/syncerr"
)

// rootDocFilename and modManifestFilename are the fixed remote document
// names (grounded on original_source's repo.json / mod.srf naming).
const (
	rootDocFilename     = "repo.json"
	modManifestFilename = "mod.srf"
)

// maxConcurrentFetches bounds in-flight mod manifest GETs (§4.4).
const maxConcurrentFetches = 20

// HTTP client retry policy. Distinct from, and not to be confused with,
// the plan executor's literal per-file retry counts (§4.7).
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Client fetches repo.json and mod.srf documents over HTTP, with
// exponential-backoff retry on transient network errors and 5xx
// responses.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	sleepFunc  func(ctx context.Context, d time.Duration) error
}

// NewClient creates a remote Client. A nil httpClient uses http.DefaultClient.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{httpClient: httpClient, logger: logger, sleepFunc: timeSleep}
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HeadMtime issues HEAD against the root document and returns the
// Last-Modified header, or "none" if the request fails or the header is
// absent — head_mtime must tolerate errors by degrading, never failing
// the caller (§4.4).
func (c *Client) HeadMtime(ctx context.Context, repoURL string) string {
	_, manifestURL, err := splitBaseAndManifest(repoURL)
	if err != nil {
		return "none"
	}

	resp, err := c.doRetry(ctx, http.MethodHead, manifestURL, nil)
	if err != nil {
		return "none"
	}
	defer resp.Body.Close()

	lm := resp.Header.Get("Last-Modified")
	if lm == "" {
		return "none"
	}

	return lm
}

// FetchRoot fetches and parses the root document.
func (c *Client) FetchRoot(ctx context.Context, repoURL string) (RepoDescriptor, error) {
	_, manifestURL, err := splitBaseAndManifest(repoURL)
	if err != nil {
		return RepoDescriptor{}, syncerr.Remote("fetch_root: %v", err)
	}

	resp, err := c.doRetry(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return RepoDescriptor{}, syncerr.Remote("fetch_root: GET %s: %v", manifestURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RepoDescriptor{}, syncerr.Remote("fetch_root: reading body: %v", err)
	}

	body = trimBOMAndSpace(body)

	var doc wireRootDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return RepoDescriptor{}, syncerr.Remote("fetch_root: parsing %s: %v", rootDocFilename, err)
	}

	return doc.toModel(), nil
}

// FetchMod fetches and parses one mod's manifest from base (the directory
// URL returned alongside FetchRoot's companion split). Every path in the
// result is normalized (§4.1) before being returned.
func (c *Client) FetchMod(ctx context.Context, base, modName string) (model.ModManifest, error) {
	modURL, err := joinURL(base, modName, modManifestFilename)
	if err != nil {
		return model.ModManifest{}, syncerr.Remote("fetch_mod %s: building url: %v", modName, err)
	}

	resp, err := c.doRetry(ctx, http.MethodGet, modURL, nil)
	if err != nil {
		return model.ModManifest{}, syncerr.Remote("fetch_mod %s: GET %s: %v", modName, modURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.ModManifest{}, syncerr.Remote("fetch_mod %s: reading body: %v", modName, err)
	}

	body = trimBOMAndSpace(body)

	var wire wireModManifest
	if err := json.Unmarshal(body, &wire); err != nil {
		return model.ModManifest{}, syncerr.Remote("fetch_mod %s: parsing %s: %v", modName, modManifestFilename, err)
	}

	mod := wire.toModel()
	for i := range mod.Files {
		mod.Files[i].Path = pathutil.Normalize(mod.Files[i].Path)
		for j := range mod.Files[i].Parts {
			mod.Files[i].Parts[j].Path = pathutil.Normalize(mod.Files[i].Parts[j].Path)
		}
	}

	return mod, nil
}

// trimBOMAndSpace strips a leading UTF-8 BOM and leading ASCII whitespace
// before JSON parsing (§4.4).
func trimBOMAndSpace(b []byte) []byte {
	b = bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})

	return bytes.TrimLeft(b, " \t\r\n")
}

// SplitBaseAndManifest resolves repoURL into (base directory URL ending
// in "/", manifest document URL). Input may already end in the root
// document filename. Exported so callers that need the same base the
// mod fetches are joined against (e.g. the executor's download URLs in
// internal/engine) don't re-derive it differently.
func SplitBaseAndManifest(repoURL string) (base, manifestURL string, err error) {
	return splitBaseAndManifest(repoURL)
}

func splitBaseAndManifest(repoURL string) (base, manifestURL string, err error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing repo url %q: %w", repoURL, err)
	}

	if strings.HasSuffix(u.Path, "/"+rootDocFilename) || u.Path == rootDocFilename {
		manifestURL = u.String()

		dirPath := strings.TrimSuffix(u.Path, rootDocFilename)
		baseURL := *u
		baseURL.Path = dirPath

		return baseURL.String(), manifestURL, nil
	}

	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	base = u.String()
	manifestURL = base + rootDocFilename

	return base, manifestURL, nil
}

// joinURL appends segs as literal (unescaped) path segments onto base,
// letting url.URL's own escaping rules percent-encode them on render.
func joinURL(base string, segs ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", base, err)
	}

	p := strings.TrimSuffix(u.Path, "/")
	for _, seg := range segs {
		p += "/" + seg
	}

	u.Path = p
	u.RawPath = ""

	return u.String(), nil
}

// doRetry performs method against targetURL with exponential-backoff
// retry on transient network errors and 5xx responses.
func (c *Client) doRetry(ctx context.Context, method, targetURL string, body io.Reader) (*http.Response, error) {
	var attempt int

	for {
		req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil && resp.StatusCode < 500 {
			if resp.StatusCode >= 400 {
				resp.Body.Close()

				return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, targetURL)
			}

			return resp, nil
		}

		if err == nil {
			resp.Body.Close()
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("request canceled: %w", ctx.Err())
		}

		if attempt >= maxRetries {
			if err != nil {
				return nil, err
			}

			return nil, fmt.Errorf("exhausted retries against %s", targetURL)
		}

		backoff := calcBackoff(attempt)

		c.logger.Warn("remote: retrying after transient error",
			slog.String("method", method),
			slog.String("url", targetURL),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("request canceled: %w", sleepErr)
		}

		attempt++
	}
}

func calcBackoff(attempt int) time.Duration {
	d := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}

	jitter := d * jitterFraction * (rand.Float64()*2 - 1)

	return time.Duration(d + jitter)
}
