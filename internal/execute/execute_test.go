package execute

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyen901/fleet-sync/internal/hashing"
	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/progress"
)

func newExecutor(t *testing.T, root, baseURL string) *Executor {
	t.Helper()

	return NewExecutor(Config{
		Root:       root,
		BaseURL:    baseURL,
		MaxThreads: 4,
	}, progress.NewTracker(0, 0), nil)
}

func TestExecuteDelete_RemovesSingleFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "@mod"), 0o755))
	fp := filepath.Join(root, "@mod", "a.pbo")
	require.NoError(t, os.WriteFile(fp, []byte("x"), 0o644))

	e := newExecutor(t, root, "http://example.invalid")
	_, err := e.Execute(t.Context(), model.Plan{Deletes: []model.DeleteAction{{Path: "@mod/a.pbo"}}})
	require.NoError(t, err)

	_, statErr := os.Stat(fp)
	assert.True(t, os.IsNotExist(statErr))
	_, dirErr := os.Stat(filepath.Join(root, "@mod"))
	assert.NoError(t, dirErr)
}

func TestExecuteDelete_RemovesWholeModDirectory(t *testing.T) {
	root := t.TempDir()
	modDir := filepath.Join(root, "@mod")
	require.NoError(t, os.MkdirAll(modDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "a.pbo"), []byte("x"), 0o644))

	e := newExecutor(t, root, "http://example.invalid")
	_, err := e.Execute(t.Context(), model.Plan{Deletes: []model.DeleteAction{{Path: "@mod"}}})
	require.NoError(t, err)

	_, statErr := os.Stat(modDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteDelete_MissingTargetIsNotAnError(t *testing.T) {
	root := t.TempDir()
	e := newExecutor(t, root, "http://example.invalid")

	_, err := e.Execute(t.Context(), model.Plan{Deletes: []model.DeleteAction{{Path: "@mod/missing.pbo"}}})
	assert.NoError(t, err)

	_, err = e.Execute(t.Context(), model.Plan{Deletes: []model.DeleteAction{{Path: "@missingmod"}}})
	assert.NoError(t, err)
}

func TestExecuteRename_MovesModDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "@oldname"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "@oldname", "a.pbo"), []byte("x"), 0o644))

	e := newExecutor(t, root, "http://example.invalid")
	_, err := e.Execute(t.Context(), model.Plan{Renames: []model.RenameAction{{OldPath: "@oldname", NewPath: "@newname"}}})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "@newname", "a.pbo"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "@oldname"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteRename_MissingSourceIsTreatedAsAlreadyDone(t *testing.T) {
	root := t.TempDir()
	e := newExecutor(t, root, "http://example.invalid")

	_, err := e.Execute(t.Context(), model.Plan{Renames: []model.RenameAction{{OldPath: "@gone", NewPath: "@target"}}})
	assert.NoError(t, err)
}

func TestExecute_RejectsPathTraversalBeforeAnyMutation(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "@mod"), 0o755))
	victim := filepath.Join(root, "@mod", "keep.pbo")
	require.NoError(t, os.WriteFile(victim, []byte("x"), 0o644))

	e := newExecutor(t, root, "http://example.invalid")
	_, err := e.Execute(t.Context(), model.Plan{
		Deletes: []model.DeleteAction{{Path: "@mod/keep.pbo"}, {Path: "../../etc/passwd"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Security")

	// First (valid) delete must not have executed, since validation runs
	// over the whole plan before any mutation.
	_, statErr := os.Stat(victim)
	assert.NoError(t, statErr)
}

func TestExecute_RejectsAbsolutePathInDownload(t *testing.T) {
	root := t.TempDir()
	e := newExecutor(t, root, "http://example.invalid")

	_, err := e.Execute(t.Context(), model.Plan{
		Downloads: []model.DownloadAction{{ModName: "/etc", RelPath: "passwd", ExpectedSize: 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Security")
}

func newDownloadServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
}

func TestExecuteDownload_SuccessWritesFileAndArtifact(t *testing.T) {
	root := t.TempDir()
	body := []byte("hello world content")

	result, err := hashing.HashFile(writeTempSourceFile(t, body), "a.bin")
	require.NoError(t, err)

	srv := newDownloadServer(t, body)
	defer srv.Close()

	e := newExecutor(t, root, srv.URL)

	artifacts, err := e.Execute(t.Context(), model.Plan{
		Downloads: []model.DownloadAction{{
			ModName:          "@mod",
			RelPath:          "a.bin",
			ExpectedSize:     int64(len(body)),
			ExpectedChecksum: result.Checksum,
		}},
	})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	a := artifacts[0]
	assert.Equal(t, "@mod", a.ModName)
	assert.Equal(t, "a.bin", a.RelPath)
	assert.Equal(t, int64(len(body)), a.FinalSize)
	assert.Equal(t, result.Checksum, a.Checksum)

	targetPath := filepath.Join(root, "@mod", "a.bin")
	on, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	assert.Equal(t, body, on)

	_, statErr := os.Stat(targetPath + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteDownload_ChecksumMismatchFailsAfterRetries(t *testing.T) {
	root := t.TempDir()
	body := []byte("actual body content")

	srv := newDownloadServer(t, body)
	defer srv.Close()

	e := newExecutor(t, root, srv.URL)

	artifacts, err := e.Execute(t.Context(), model.Plan{
		Downloads: []model.DownloadAction{{
			ModName:          "@mod",
			RelPath:          "a.bin",
			ExpectedSize:     int64(len(body)),
			ExpectedChecksum: "DEADBEEF",
		}},
	})
	require.Error(t, err)
	assert.Empty(t, artifacts)
	assert.True(t, strings.Contains(err.Error(), "failed"))

	targetPath := filepath.Join(root, "@mod", "a.bin")
	_, statErr := os.Stat(targetPath)
	assert.True(t, os.IsNotExist(statErr))
	_, partErr := os.Stat(targetPath + ".part")
	assert.True(t, os.IsNotExist(partErr))
}

func TestExecuteDownload_PartialSuccessAggregatesFailure(t *testing.T) {
	root := t.TempDir()
	goodBody := []byte("good file content")

	result, err := hashing.HashFile(writeTempSourceFile(t, goodBody), "good.bin")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/@mod/good.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(goodBody)
	})
	mux.HandleFunc("/@mod/bad.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong content"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newExecutor(t, root, srv.URL)

	artifacts, err := e.Execute(t.Context(), model.Plan{
		Downloads: []model.DownloadAction{
			{ModName: "@mod", RelPath: "good.bin", ExpectedSize: int64(len(goodBody)), ExpectedChecksum: result.Checksum},
			{ModName: "@mod", RelPath: "bad.bin", ExpectedSize: 1, ExpectedChecksum: "DEADBEEF"},
		},
	})
	require.Error(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "good.bin", artifacts[0].RelPath)
}

func writeTempSourceFile(t *testing.T, body []byte) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(p, body, 0o644))

	return p
}
