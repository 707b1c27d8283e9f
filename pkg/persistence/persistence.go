// Package persistence provides the data storage abstraction for the
// operation ledger and the project/scenario rows the pipeline touches.
package persistence

import (
	"context"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
)

type Persistence interface {
	Operations() OperationRepository
	Projects() ProjectRepository
	Scenarios() ScenarioRepository
	Files() FileRepository
	SourceData() SourceDataRepository
	Catalog() CatalogRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// OperationRepository is the durable ledger behind operations. AppendLog
// pairs the child log insert with the parent updated_at bump in one
// transaction so observers never see a log without a touched parent.
type OperationRepository interface {
	// Create inserts a new running operation row. It fails with
	// ErrOperationAlreadyRunning when a non-complete row with the same
	// (name, project, scenario) key exists.
	Create(ctx context.Context, op *models.Operation) (*models.Operation, error)
	GetByID(ctx context.Context, id int64) (*models.Operation, error)
	// GetByData returns the most recently created row matching the key.
	GetByData(ctx context.Context, name string, projectID, scenarioID int64) (*models.Operation, error)
	AppendLog(ctx context.Context, operationID int64, code string, data map[string]any) (*models.OperationLog, error)
	SetComplete(ctx context.Context, operationID int64) error
	Logs(ctx context.Context, operationID int64) ([]*models.OperationLog, error)
	LastLog(ctx context.Context, operationID int64) (*models.OperationLog, error)
}

type ProjectRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Project, error)
	SetStatus(ctx context.Context, id int64, status models.ProjectStatus) error
	// FinishAdminAreas replaces the project's admin areas and bounding box
	// in one transaction, resetting the scenario's selection setting.
	FinishAdminAreas(ctx context.Context, projectID, scenarioID int64, bbox []float64, areas []models.AdminArea) error
	ReplaceOrigins(ctx context.Context, projectID int64, origins []models.Origin) error
	AdminAreas(ctx context.Context, projectID int64) ([]models.AdminArea, error)
}

type ScenarioRepository interface {
	// Create inserts a scenario row. It fails with ErrScenarioNameTaken
	// when the project already has a scenario with the same name.
	Create(ctx context.Context, scenario *models.Scenario) (*models.Scenario, error)
	GetByID(ctx context.Context, id int64) (*models.Scenario, error)
	GetMaster(ctx context.Context, projectID int64) (*models.Scenario, error)
	Rename(ctx context.Context, id int64, name, description string) error
	SetStatus(ctx context.Context, id int64, status models.ScenarioStatus) error
	SetSetting(ctx context.Context, scenarioID int64, key, value string) error
	GetSetting(ctx context.Context, scenarioID int64, key string) (string, error)
}

type FileRepository interface {
	GetProjectFile(ctx context.Context, projectID int64, fileType string) (*models.File, error)
	GetScenarioFiles(ctx context.Context, scenarioID int64, fileType string) ([]*models.File, error)
	Insert(ctx context.Context, file *models.File) (*models.File, error)
	Update(ctx context.Context, file *models.File) error
	DeleteProjectFiles(ctx context.Context, projectID int64, fileType string) error
	DeleteScenarioFiles(ctx context.Context, scenarioID int64, fileType string) error
}

type SourceDataRepository interface {
	GetProjectSource(ctx context.Context, projectID int64, name models.ResourceName) (*models.SourceData, error)
	GetScenarioSource(ctx context.Context, scenarioID int64, name models.ResourceName) (*models.SourceData, error)
	// Upsert replaces the source configuration of a resource, keyed by
	// project or scenario plus resource name.
	Upsert(ctx context.Context, source *models.SourceData) (*models.SourceData, error)
	UpdateData(ctx context.Context, id int64, data map[string]any) error
}

// CatalogRepository caches World Bank catalog listings per source name.
type CatalogRepository interface {
	Resources(ctx context.Context, sourceName string) ([]models.CatalogResource, error)
	GetByResourceID(ctx context.Context, resourceID string) (*models.CatalogResource, error)
	// Replace swaps the cached listing for a source name in one transaction.
	Replace(ctx context.Context, sourceName string, resources []models.CatalogResource) error
	// PurgeOlderThan removes cache entries past the freshness window and
	// returns how many were removed.
	PurgeOlderThan(ctx context.Context, ageDays int) (int64, error)
}
