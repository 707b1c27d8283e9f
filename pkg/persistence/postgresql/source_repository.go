package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
)

// SourceDataRepository handles the per-resource source configuration rows.
type SourceDataRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSourceDataRepository creates a new source data repository.
func NewSourceDataRepository(db *sql.DB, logger *slog.Logger) *SourceDataRepository {
	return &SourceDataRepository{db: db, logger: logger}
}

// GetProjectSource returns the source configuration of a project resource.
func (r *SourceDataRepository) GetProjectSource(ctx context.Context, projectID int64, name models.ResourceName) (*models.SourceData, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, scenario_id, name, type, data
		FROM source_data
		WHERE project_id = $1 AND scenario_id IS NULL AND name = $2
	`, projectID, name)

	return scanSource(row)
}

// GetScenarioSource returns the source configuration of a scenario resource.
func (r *SourceDataRepository) GetScenarioSource(ctx context.Context, scenarioID int64, name models.ResourceName) (*models.SourceData, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, scenario_id, name, type, data
		FROM source_data
		WHERE scenario_id = $1 AND name = $2
	`, scenarioID, name)

	return scanSource(row)
}

// Upsert replaces the source configuration of a resource. Scenario
// resources key on (scenario_id, name), project resources on
// (project_id, name).
func (r *SourceDataRepository) Upsert(ctx context.Context, source *models.SourceData) (*models.SourceData, error) {
	raw, err := json.Marshal(source.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source data: %w", err)
	}

	created := *source
	scenarioID := sql.NullInt64{Int64: source.ScenarioID, Valid: source.ScenarioID != 0}

	var query string
	if scenarioID.Valid {
		query = `
			INSERT INTO source_data (project_id, scenario_id, name, type, data)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (scenario_id, name) WHERE scenario_id IS NOT NULL DO UPDATE SET
				type = EXCLUDED.type,
				data = EXCLUDED.data
			RETURNING id
		`
	} else {
		query = `
			INSERT INTO source_data (project_id, scenario_id, name, type, data)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, name) WHERE scenario_id IS NULL DO UPDATE SET
				type = EXCLUDED.type,
				data = EXCLUDED.data
			RETURNING id
		`
	}

	err = r.db.QueryRowContext(ctx, query,
		source.ProjectID, scenarioID, source.Name, source.Kind, raw).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert source data: %w", err)
	}

	return &created, nil
}

// UpdateData rewrites the kind-specific settings of a source row.
func (r *SourceDataRepository) UpdateData(ctx context.Context, id int64, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal source data: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE source_data SET data = $1 WHERE id = $2
	`, raw, id)
	if err != nil {
		return fmt.Errorf("failed to update source data %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update source data %d: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrSourceNotFound
	}

	return nil
}

func scanSource(row rowScanner) (*models.SourceData, error) {
	var (
		source     models.SourceData
		scenarioID sql.NullInt64
		raw        []byte
	)

	err := row.Scan(&source.ID, &source.ProjectID, &scenarioID, &source.Name, &source.Kind, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrSourceNotFound
		}

		return nil, fmt.Errorf("failed to scan source data: %w", err)
	}

	source.ScenarioID = scenarioID.Int64

	if len(raw) > 0 {
		err = json.Unmarshal(raw, &source.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal source data: %w", err)
		}
	}

	return &source, nil
}
