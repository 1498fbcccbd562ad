package remote

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tyen901/fleet-sync/internal/model"
)

// FetchStats reports how many required mods were reused from the
// baseline versus fetched over the network (§4.9).
type FetchStats struct {
	ModsTotal   int
	ModsFetched int
	ModsCached  int
}

// FetchRemoteState fetches the root document (with conditional reuse by
// Last-Modified when cache is non-nil) and every required mod manifest,
// reusing a mod from baseline when its checksum already matches — unless
// mode is ModeCacheOnly, which always assembles a fresh manifest
// (§4.4 Differential fetch).
func (c *Client) FetchRemoteState(
	ctx context.Context,
	repoURL string,
	mode model.ScanMode,
	profileID string,
	cache ProfileCacheStore,
	baseline *model.Manifest,
) (model.Manifest, FetchStats, error) {
	desc, err := c.rootDescriptor(ctx, repoURL, profileID, cache)
	if err != nil {
		return model.Manifest{}, FetchStats{}, err
	}

	base, _, err := splitBaseAndManifest(repoURL)
	if err != nil {
		return model.Manifest{}, FetchStats{}, err
	}

	total := len(desc.RequiredMods)
	mods := make([]model.ModManifest, total)
	toFetch := make([]int, 0, total)

	for i, ref := range desc.RequiredMods {
		if baseline != nil && mode != model.ModeCacheOnly {
			if local := baseline.ModByName(ref.Name); local != nil && local.Checksum == ref.Checksum {
				mods[i] = *local

				continue
			}
		}

		toFetch = append(toFetch, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	for _, idx := range toFetch {
		idx := idx
		name := desc.RequiredMods[idx].Name

		g.Go(func() error {
			mod, err := c.FetchMod(gctx, base, name)
			if err != nil {
				return err
			}

			mods[idx] = mod

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return model.Manifest{}, FetchStats{}, err
	}

	stats := FetchStats{
		ModsTotal:   total,
		ModsFetched: len(toFetch),
		ModsCached:  total - len(toFetch),
	}

	return model.Manifest{Version: 1, Mods: mods}, stats, nil
}

// rootDescriptor fetches the root document, or reuses the per-profile
// cached one when a HEAD request's Last-Modified matches its cached token.
func (c *Client) rootDescriptor(
	ctx context.Context,
	repoURL, profileID string,
	cache ProfileCacheStore,
) (RepoDescriptor, error) {
	mtime := c.HeadMtime(ctx, repoURL)

	if profileID != "" && cache != nil && mtime != "none" {
		if cached, ok, _ := cache.Load(profileID); ok && cached.LastModified == mtime {
			return cached.Descriptor, nil
		}
	}

	desc, err := c.FetchRoot(ctx, repoURL)
	if err != nil {
		return RepoDescriptor{}, err
	}

	if profileID != "" && cache != nil {
		_ = cache.Save(profileID, ProfileCache{LastModified: mtime, Descriptor: desc})
	}

	return desc, nil
}
