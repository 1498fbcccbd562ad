package remote

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyen901/fleet-sync/internal/model"
)

const rootDocBody = `{
  "repoName": "test-repo",
  "checksum": "ROOT1",
  "requiredMods": [{"modName": "@tiny", "checksum": "A1"}],
  "optionalMods": []
}`

const modDocBody = `{
  "Name": "@tiny",
  "Checksum": "A1",
  "Files": [
    {"Path": "file.txt", "Length": 5, "Checksum": "Y", "Type": "SwiftyFile"}
  ]
}`

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(srv.Client(), nil), srv
}

func TestFetchRoot_ParsesAndAcceptsChecksumAlias(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repo.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"repoName":"r","checkSum":"LEGACY","requiredMods":[],"optionalMods":[]}`))
	})

	c, srv := newTestClient(t, mux)

	desc, err := c.FetchRoot(t.Context(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "r", desc.RepoName)
	assert.Equal(t, "LEGACY", desc.Checksum)
}

func TestFetchRoot_AppendsFilenameWhenAbsent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repo.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rootDocBody))
	})

	c, srv := newTestClient(t, mux)

	desc, err := c.FetchRoot(t.Context(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "test-repo", desc.RepoName)
	require.Len(t, desc.RequiredMods, 1)
	assert.Equal(t, "@tiny", desc.RequiredMods[0].Name)
}

func TestFetchRoot_TrimsBOMAndWhitespace(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repo.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(append([]byte{0xEF, 0xBB, 0xBF}, []byte("   \n"+rootDocBody)...))
	})

	c, srv := newTestClient(t, mux)

	desc, err := c.FetchRoot(t.Context(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "test-repo", desc.RepoName)
}

func TestFetchMod_NormalizesPaths(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/@tiny/mod.srf", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Name":"@tiny","Checksum":"A1","Files":[{"Path":"addons\\data.bin","Length":1,"Checksum":"Z","Type":"SwiftyFile"}]}`))
	})

	c, srv := newTestClient(t, mux)

	mod, err := c.FetchMod(t.Context(), srv.URL+"/", "@tiny")
	require.NoError(t, err)
	require.Len(t, mod.Files, 1)
	assert.Equal(t, "addons/data.bin", mod.Files[0].Path)
}

func TestHeadMtime_ToleratesErrors(t *testing.T) {
	c := NewClient(http.DefaultClient, nil)
	assert.Equal(t, "none", c.HeadMtime(t.Context(), "http://127.0.0.1:0/repo.json"))
}

func TestFetchRemoteState_DifferentialFetch(t *testing.T) {
	var modFetches int

	mux := http.NewServeMux()
	mux.HandleFunc("/repo.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"repoName":"r","checksum":"R1",
			"requiredMods":[
				{"modName":"@mod_unchanged","checksum":"A"},
				{"modName":"@mod_changed","checksum":"B_NEW"},
				{"modName":"@mod_new","checksum":"C"}
			],
			"optionalMods":[]
		}`))
	})
	mux.HandleFunc("/@mod_changed/mod.srf", func(w http.ResponseWriter, r *http.Request) {
		modFetches++
		_, _ = w.Write([]byte(`{"Name":"@mod_changed","Checksum":"B_NEW","Files":[]}`))
	})
	mux.HandleFunc("/@mod_new/mod.srf", func(w http.ResponseWriter, r *http.Request) {
		modFetches++
		_, _ = w.Write([]byte(`{"Name":"@mod_new","Checksum":"C","Files":[]}`))
	})
	mux.HandleFunc("/@mod_unchanged/mod.srf", func(w http.ResponseWriter, r *http.Request) {
		modFetches++
		_, _ = w.Write([]byte(`{"Name":"@mod_unchanged","Checksum":"SHOULD_NOT_FETCH","Files":[]}`))
	})

	c, srv := newTestClient(t, mux)

	baseline := &model.Manifest{Mods: []model.ModManifest{
		{Name: "@mod_unchanged", Checksum: "A"},
		{Name: "@mod_changed", Checksum: "B_OLD"},
	}}

	manifest, stats, err := c.FetchRemoteState(t.Context(), srv.URL, model.ModeSmartVerify, "", nil, baseline)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ModsTotal)
	assert.Equal(t, 2, stats.ModsFetched)
	assert.Equal(t, 1, stats.ModsCached)
	assert.Equal(t, 2, modFetches)
	assert.Equal(t, "A", manifest.ModByName("@mod_unchanged").Checksum)
	assert.Equal(t, "B_NEW", manifest.ModByName("@mod_changed").Checksum)
}

func TestFetchRemoteState_CacheOnlyModeAlwaysFetches(t *testing.T) {
	var modFetches int

	mux := http.NewServeMux()
	mux.HandleFunc("/repo.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"repoName":"r","checksum":"R1","requiredMods":[{"modName":"@a","checksum":"A"}],"optionalMods":[]}`))
	})
	mux.HandleFunc("/@a/mod.srf", func(w http.ResponseWriter, r *http.Request) {
		modFetches++
		_, _ = w.Write([]byte(`{"Name":"@a","Checksum":"A","Files":[]}`))
	})

	c, srv := newTestClient(t, mux)

	baseline := &model.Manifest{Mods: []model.ModManifest{{Name: "@a", Checksum: "A"}}}

	_, stats, err := c.FetchRemoteState(t.Context(), srv.URL, model.ModeCacheOnly, "", nil, baseline)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ModsFetched)
	assert.Equal(t, 1, modFetches)
}
