package models

import "time"

// ResourceName identifies one of the geodata inputs a pipeline run must
// acquire and process.
type ResourceName string

const (
	ResourceAdminBounds ResourceName = "admin-bounds"
	ResourceOrigins     ResourceName = "origins"
	ResourceProfile     ResourceName = "profile"
	ResourceRoadNetwork ResourceName = "road-network"
	ResourcePOI         ResourceName = "poi"
)

// ProjectResources are the resources scoped to the project; the rest are
// scoped to a scenario.
var ProjectResources = map[ResourceName]bool{
	ResourceAdminBounds: true,
	ResourceOrigins:     true,
	ResourceProfile:     true,
}

// SourceKind describes how a resource's data is obtained.
type SourceKind string

const (
	SourceKindFile      SourceKind = "file"
	SourceKindOSM       SourceKind = "osm"
	SourceKindWBCatalog SourceKind = "wbcatalog"
	SourceKindDefault   SourceKind = "default"
	SourceKindClone     SourceKind = "clone"
	SourceKindNew       SourceKind = "new"
)

// SourceData records the chosen source for one resource of a project or
// scenario. Data carries kind-specific settings, like the POI types to
// import from OSM or the catalog resources to download.
type SourceData struct {
	ID         int64          `json:"id"`
	ProjectID  int64          `json:"project_id"`
	ScenarioID int64          `json:"scenario_id,omitempty"`
	Name       ResourceName   `json:"name"`
	Kind       SourceKind     `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
}

// OSMPoiTypes returns the POI types configured for an OSM import.
func (s *SourceData) OSMPoiTypes() []string {
	raw, ok := s.Data["osmPoiTypes"]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		types := make([]string, 0, len(v))

		for _, t := range v {
			if s, ok := t.(string); ok {
				types = append(types, s)
			}
		}

		return types
	default:
		return nil
	}
}

// File is a stored geodata object belonging to a project or scenario. The
// path points into the blob store. Subtype is only used for POI files,
// keyed by POI type.
type File struct {
	ID         int64     `json:"id"`
	ProjectID  int64     `json:"project_id"`
	ScenarioID int64     `json:"scenario_id,omitempty"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Subtype    string    `json:"subtype,omitempty"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CatalogResource is one cached entry of the World Bank catalog listing for
// a source name. Entries older than the freshness window are refetched.
type CatalogResource struct {
	ID         int64     `json:"id"`
	SourceName string    `json:"source_name"`
	ResourceID string    `json:"resource_id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}
