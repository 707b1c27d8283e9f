package wbcatalog_test

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence/memory"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/storage"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/wbcatalog"
)

func newService(t *testing.T, handler http.Handler) (*wbcatalog.Service, *memory.Persistence, *storage.MemoryStore) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	db := memory.NewPersistence()
	store := storage.NewMemoryStore()
	svc := wbcatalog.NewService(srv.URL, db.Catalog(), db.Files(), store, slog.Default())

	return svc, db, store
}

func TestResourcesFetchesAndCaches(t *testing.T) {
	var listingCalls atomic.Int32

	svc, _, _ := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		listingCalls.Add(1)
		assert.Equal(t, "origins", r.URL.Query().Get("source"))
		fmt.Fprint(w, `[
			{"id": "pop-2020", "name": "Population 2020", "url": "http://files.example.com/pop.geojson"},
			{"id": "pop-2010", "name": "Population 2010", "url": "http://files.example.com/pop-old.geojson"}
		]`)
	}))

	resources, err := svc.Resources(t.Context(), "origins")
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "pop-2020", resources[0].ResourceID)

	// The second call is served from cache.
	_, err = svc.Resources(t.Context(), "origins")
	require.NoError(t, err)
	assert.Equal(t, int32(1), listingCalls.Load())
}

func TestDownloadProjectFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"id": "prof-1", "name": "Mobility profile", "url": "http://%s/files/profile.lua"}]`,
			r.Host)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/files/profile.lua", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "profile body")
	})

	db := memory.NewPersistence()
	store := storage.NewMemoryStore()
	svc := wbcatalog.NewService(srv.URL+"/listing", db.Catalog(), db.Files(), store, slog.Default())

	_, err := svc.Resources(t.Context(), "profile")
	require.NoError(t, err)

	// A stale previous file that the download must replace.
	db.SeedFile(&models.File{ProjectID: 1200, Type: "profile", Path: "project-1200/profile_old"})

	source := &models.SourceData{
		ProjectID: 1200,
		Name:      models.ResourceProfile,
		Kind:      models.SourceKindWBCatalog,
		Data: map[string]any{
			"resources": []any{map[string]any{"key": "prof-1", "label": "Mobility profile"}},
		},
	}

	file, err := svc.DownloadProjectFile(t.Context(), 1200, source)
	require.NoError(t, err)
	assert.Equal(t, "profile", file.Type)
	assert.Contains(t, file.Path, "project-1200/profile_")
	assert.Contains(t, file.Path, ".lua")

	size, err := store.Size(t.Context(), file.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len("profile body")), size)

	current, err := db.Files().GetProjectFile(t.Context(), 1200, "profile")
	require.NoError(t, err)
	assert.Equal(t, file.ID, current.ID)
}

func TestDownloadPoiFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"id": "poi-health", "name": "Health facilities", "url": "http://%[1]s/files/health.geojson"},
			{"id": "poi-edu", "name": "Schools", "url": "http://%[1]s/files/edu.geojson"}
		]`, r.Host)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[]}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	db := memory.NewPersistence()
	store := storage.NewMemoryStore()
	svc := wbcatalog.NewService(srv.URL+"/listing", db.Catalog(), db.Files(), store, slog.Default())

	_, err := svc.Resources(t.Context(), "poi")
	require.NoError(t, err)

	source := &models.SourceData{
		ProjectID:  1200,
		ScenarioID: 1201,
		Name:       models.ResourcePOI,
		Kind:       models.SourceKindWBCatalog,
		Data: map[string]any{
			"resources": []any{
				map[string]any{"key": "poi-health", "label": "health"},
				map[string]any{"key": "poi-edu", "label": "education"},
			},
		},
	}

	files, err := svc.DownloadPoiFiles(t.Context(), 1200, 1201, source)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "health", files[0].Subtype)
	assert.Equal(t, "education", files[1].Subtype)

	stored, err := db.Files().GetScenarioFiles(t.Context(), 1201, "poi")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestDownloadMissingResources(t *testing.T) {
	svc, _, _ := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))

	source := &models.SourceData{
		Name: models.ResourceRoadNetwork,
		Kind: models.SourceKindWBCatalog,
		Data: map[string]any{},
	}

	_, err := svc.DownloadScenarioFile(t.Context(), 1200, 1201, source)
	assert.ErrorContains(t, err, "no catalog resources")
}
