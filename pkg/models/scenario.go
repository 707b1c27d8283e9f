package models

import "time"

// ScenarioStatus represents the setup state of a scenario.
type ScenarioStatus string

const (
	ScenarioStatusPending ScenarioStatus = "pending"
	ScenarioStatusActive  ScenarioStatus = "active"
)

// Scenario is one road-network variant of a project. Every project has a
// master scenario created during setup; further scenarios clone or re-import
// the road network.
type Scenario struct {
	ID          int64          `json:"id"`
	ProjectID   int64          `json:"project_id"`
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description"`
	Status      ScenarioStatus `json:"status"`
	Master      bool           `json:"master"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Scenario setting keys.
const (
	SettingAdminAreas      = "admin_areas"
	SettingRNActiveEditing = "rn_active_editing"
)
