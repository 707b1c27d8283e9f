// Package wbcatalog integrates the World Bank data catalog as a geodata
// source. Catalog listings are cached in the database for a few days;
// picked resources are downloaded into the blob store and registered as
// project or scenario files.
package wbcatalog

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/storage"
)

// CacheDays is how long a cached catalog listing stays valid.
const CacheDays = 7

// Service talks to the catalog and manages downloaded files.
type Service struct {
	endpoint string
	catalog  persistence.CatalogRepository
	files    persistence.FileRepository
	store    storage.Store
	http     *http.Client
	logger   *slog.Logger
}

// NewService creates a catalog service. endpoint is the listing API base
// URL.
func NewService(endpoint string, catalog persistence.CatalogRepository, files persistence.FileRepository, store storage.Store, logger *slog.Logger) *Service {
	return &Service{
		endpoint: endpoint,
		catalog:  catalog,
		files:    files,
		store:    store,
		// Some catalog hosts serve downloads with broken certificate
		// chains; skip verification like the original deployment did.
		http: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		logger: logger,
	}
}

// Resources returns the catalog listing for a source name, refreshing the
// cache when it is empty or older than CacheDays.
func (s *Service) Resources(ctx context.Context, sourceName string) ([]models.CatalogResource, error) {
	cached, err := s.catalog.Resources(ctx, sourceName)
	if err != nil {
		return nil, err
	}

	if len(cached) > 0 && s.fresh(cached) {
		return cached, nil
	}

	listing, err := s.fetchListing(ctx, sourceName)
	if err != nil {
		// A stale cache beats no data when the catalog is down.
		if len(cached) > 0 {
			s.logger.WarnContext(ctx, "catalog refresh failed, serving stale cache",
				"source", sourceName, "error", err)

			return cached, nil
		}

		return nil, err
	}

	if err := s.catalog.Replace(ctx, sourceName, listing); err != nil {
		return nil, err
	}

	return s.catalog.Resources(ctx, sourceName)
}

func (s *Service) fresh(resources []models.CatalogResource) bool {
	cutoff := time.Now().AddDate(0, 0, -CacheDays)

	// All rows of a source are replaced together, so one is enough.
	return resources[0].CreatedAt.After(cutoff)
}

type listingEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Service) fetchListing(ctx context.Context, sourceName string) ([]models.CatalogResource, error) {
	url := fmt.Sprintf("%s?source=%s", s.endpoint, sourceName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog listing returned status %d", resp.StatusCode)
	}

	var entries []listingEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding catalog listing: %w", err)
	}

	resources := make([]models.CatalogResource, len(entries))
	for i, e := range entries {
		resources[i] = models.CatalogResource{
			SourceName: sourceName,
			ResourceID: e.ID,
			Name:       e.Name,
			URL:        e.URL,
		}
	}

	return resources, nil
}

// resourceRefs pulls the picked {key, label} pairs out of a source's data.
func resourceRefs(source *models.SourceData) []struct{ Key, Label string } {
	raw, ok := source.Data["resources"].([]any)
	if !ok {
		return nil
	}

	refs := make([]struct{ Key, Label string }, 0, len(raw))

	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}

		key, _ := m["key"].(string)
		label, _ := m["label"].(string)
		refs = append(refs, struct{ Key, Label string }{key, label})
	}

	return refs
}

// DownloadProjectFile downloads the first picked resource as a project
// file, replacing files of the same type.
func (s *Service) DownloadProjectFile(ctx context.Context, projectID int64, source *models.SourceData) (*models.File, error) {
	refs := resourceRefs(source)
	if len(refs) == 0 {
		return nil, fmt.Errorf("source %s has no catalog resources", source.Name)
	}

	if err := s.files.DeleteProjectFiles(ctx, projectID, string(source.Name)); err != nil {
		return nil, err
	}

	res, err := s.catalog.GetByResourceID(ctx, refs[0].Key)
	if err != nil {
		return nil, err
	}

	fileName := fmt.Sprintf("%s_%d", source.Name, time.Now().UnixMilli())
	filePath := fmt.Sprintf("project-%d/%s%s", projectID, fileName, path.Ext(res.URL))

	if err := s.download(ctx, res.URL, filePath); err != nil {
		return nil, err
	}

	return s.files.Insert(ctx, &models.File{
		ProjectID: projectID,
		Name:      fileName,
		Type:      string(source.Name),
		Path:      filePath,
	})
}

// DownloadScenarioFile downloads the first picked resource as a scenario
// file, replacing files of the same type.
func (s *Service) DownloadScenarioFile(ctx context.Context, projectID, scenarioID int64, source *models.SourceData) (*models.File, error) {
	refs := resourceRefs(source)
	if len(refs) == 0 {
		return nil, fmt.Errorf("source %s has no catalog resources", source.Name)
	}

	if err := s.files.DeleteScenarioFiles(ctx, scenarioID, string(source.Name)); err != nil {
		return nil, err
	}

	res, err := s.catalog.GetByResourceID(ctx, refs[0].Key)
	if err != nil {
		return nil, err
	}

	fileName := fmt.Sprintf("%s_%d", source.Name, time.Now().UnixMilli())
	filePath := fmt.Sprintf("scenario-%d/%s%s", scenarioID, fileName, path.Ext(res.URL))

	if err := s.download(ctx, res.URL, filePath); err != nil {
		return nil, err
	}

	return s.files.Insert(ctx, &models.File{
		ProjectID:  projectID,
		ScenarioID: scenarioID,
		Name:       fileName,
		Type:       string(source.Name),
		Path:       filePath,
	})
}

// DownloadPoiFiles downloads every picked resource as a scenario POI file,
// one per POI type, keyed by the resource label.
func (s *Service) DownloadPoiFiles(ctx context.Context, projectID, scenarioID int64, source *models.SourceData) ([]*models.File, error) {
	refs := resourceRefs(source)
	if len(refs) == 0 {
		return nil, fmt.Errorf("source %s has no catalog resources", source.Name)
	}

	if err := s.files.DeleteScenarioFiles(ctx, scenarioID, string(source.Name)); err != nil {
		return nil, err
	}

	files := make([]*models.File, 0, len(refs))

	for i, ref := range refs {
		s.logger.DebugContext(ctx, "downloading catalog poi file",
			"label", ref.Label, "index", i+1, "total", len(refs))

		res, err := s.catalog.GetByResourceID(ctx, ref.Key)
		if err != nil {
			return nil, err
		}

		fileName := fmt.Sprintf("%s_%s_%d", source.Name, ref.Label, time.Now().UnixMilli())
		filePath := fmt.Sprintf("scenario-%d/%s%s", scenarioID, fileName, path.Ext(res.URL))

		if err := s.download(ctx, res.URL, filePath); err != nil {
			return nil, err
		}

		file, err := s.files.Insert(ctx, &models.File{
			ProjectID:  projectID,
			ScenarioID: scenarioID,
			Name:       fileName,
			Type:       string(source.Name),
			Subtype:    ref.Label,
			Path:       filePath,
		})
		if err != nil {
			return nil, err
		}

		files = append(files, file)
	}

	return files, nil
}

func (s *Service) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
	}

	if err := s.store.Put(ctx, dest, resp.Body, resp.ContentLength); err != nil {
		return err
	}

	return nil
}
