package models

import "time"

// ProjectStatus represents the setup state of a project.
type ProjectStatus string

const (
	ProjectStatusPending ProjectStatus = "pending"
	ProjectStatusActive  ProjectStatus = "active"
)

// Project is an accessibility analysis project. The bounding box is derived
// from the administrative boundaries during setup.
type Project struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name" validate:"required"`
	Description string        `json:"description"`
	Status      ProjectStatus `json:"status"`
	BBox        []float64     `json:"bbox,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AdminArea is one named administrative boundary of a project. Selection
// happens per scenario before result generation.
type AdminArea struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

// Origin is one population origin point of a project.
type Origin struct {
	ID          int64             `json:"id"`
	ProjectID   int64             `json:"project_id"`
	Name        string            `json:"name"`
	Coordinates []float64         `json:"coordinates"`
	Indicators  []OriginIndicator `json:"indicators,omitempty"`
}

// OriginIndicator is one population indicator value attached to an origin.
type OriginIndicator struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value int    `json:"value"`
}
