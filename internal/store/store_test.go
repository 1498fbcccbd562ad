package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyen901/fleet-sync/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestValidate_Missing(t *testing.T) {
	dir := t.TempDir()

	status, _, err := Validate(dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, StatusMissing, status)
}

func TestOpen_CreatesFreshStore(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.getMeta(context.Background(), "format")
	require.True(t, ok)

	status, _, err := Validate(dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, StatusValid, status)
}

func TestOpen_SameProcessReturnsSameHandle(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer s1.Close()

	s2, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	assert.Same(t, s1, s2)
}

func TestCommitAndLoadBaseline_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer s.Close()

	manifest := model.Manifest{
		Version: 1,
		Mods: []model.ModManifest{
			{Name: "@tiny", Checksum: "X", Files: []model.FileRecord{
				{Path: "file.txt", Length: 5, Checksum: "Y"},
			}},
		},
	}
	summary := model.Summary{
		{ModName: "@tiny", Files: []model.LocalFileSummary{
			{RelPath: "file.txt", Mtime: 100, Size: 5, Checksum: "Y"},
		}},
	}

	upserts := []CacheUpsert{
		{ModName: "@tiny", RelPath: "file.txt", Entry: model.ScanCacheEntry{Mtime: 100, Size: 5, Checksum: "Y"}},
	}

	ctx := context.Background()
	require.NoError(t, s.CommitSyncSnapshot(ctx, manifest, summary, upserts, nil, nil))

	gotManifest, gotSummary, ok, err := s.LoadBaseline(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifest, gotManifest)
	assert.Equal(t, summary, gotSummary)

	cached, err := s.LoadScanCacheMod(ctx, "@tiny")
	require.NoError(t, err)
	require.Contains(t, cached, "file.txt")
	assert.Equal(t, model.ScanCacheEntry{Mtime: 100, Size: 5, Checksum: "Y"}, cached["file.txt"])
}

func TestLoadScanCacheMod_BoundedRangeDoesNotLeak(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	upserts := []CacheUpsert{
		{ModName: "@a", RelPath: "f1", Entry: model.ScanCacheEntry{Size: 1}},
		{ModName: "@ab", RelPath: "f2", Entry: model.ScanCacheEntry{Size: 2}},
		{ModName: "@a0", RelPath: "f3", Entry: model.ScanCacheEntry{Size: 3}},
	}
	require.NoError(t, s.CommitSyncSnapshot(ctx, model.Manifest{}, nil, upserts, nil, nil))

	cached, err := s.LoadScanCacheMod(ctx, "@a")
	require.NoError(t, err)
	assert.Len(t, cached, 1)
	assert.Contains(t, cached, "f1")
}

func TestCommitSyncSnapshot_DeleteWholeMod(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	require.NoError(t, s.CommitSyncSnapshot(ctx, model.Manifest{}, nil, []CacheUpsert{
		{ModName: "@old", RelPath: "a", Entry: model.ScanCacheEntry{Size: 1}},
		{ModName: "@old", RelPath: "b", Entry: model.ScanCacheEntry{Size: 2}},
	}, nil, nil))

	require.NoError(t, s.CommitSyncSnapshot(ctx, model.Manifest{}, nil, nil,
		[]CacheDelete{{ModName: "@old"}}, nil))

	cached, err := s.LoadScanCacheMod(ctx, "@old")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestCommitSyncSnapshot_Rename(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	require.NoError(t, s.CommitSyncSnapshot(ctx, model.Manifest{}, nil, []CacheUpsert{
		{ModName: "@ace", RelPath: "addons/main.pbo", Entry: model.ScanCacheEntry{Size: 9}},
	}, nil, nil))

	require.NoError(t, s.CommitSyncSnapshot(ctx, model.Manifest{}, nil, nil, nil, []CacheRename{
		{ModName: "@ace", OldRelPath: "addons/main.pbo", NewRelPath: "addons/new.pbo"},
	}))

	cached, err := s.LoadScanCacheMod(ctx, "@ace")
	require.NoError(t, err)
	assert.NotContains(t, cached, "addons/main.pbo")
	assert.Contains(t, cached, "addons/new.pbo")
}

func TestOpen_CorruptFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)

	require.NoError(t, os.WriteFile(path, []byte("not a sqlite database"), 0o644))

	_, err := Open(dir, testLogger())
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var quarantined bool
	for _, e := range entries {
		if e.Name() != Filename {
			quarantined = true
		}
	}
	assert.True(t, quarantined, "expected a quarantined file alongside the original")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "original corrupt file should have been renamed away")
}

func TestValidate_NewerSchema(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, testLogger())
	require.NoError(t, err)

	_, execErr := s.db.Exec(`UPDATE meta SET value = '999' WHERE key = 'schema_version'`)
	require.NoError(t, execErr)
	require.NoError(t, s.Close())

	status, info, err := Validate(dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, StatusNewerSchema, status)
	require.NotNil(t, info)
	assert.Equal(t, 999, info.Found)
	assert.Equal(t, schemaVersion, info.Supported)
}
