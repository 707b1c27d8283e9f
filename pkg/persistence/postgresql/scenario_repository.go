package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
)

// ScenarioRepository handles scenario-related database operations.
type ScenarioRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScenarioRepository creates a new scenario repository.
func NewScenarioRepository(db *sql.DB, logger *slog.Logger) *ScenarioRepository {
	return &ScenarioRepository{db: db, logger: logger}
}

// Create inserts a scenario row, enforcing unique names per project.
func (r *ScenarioRepository) Create(ctx context.Context, scenario *models.Scenario) (*models.Scenario, error) {
	created := *scenario
	if created.Status == "" {
		created.Status = models.ScenarioStatusPending
	}

	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO scenarios (project_id, name, description, status, master, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`, created.ProjectID, created.Name, created.Description, created.Status, created.Master, now).Scan(&created.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, persistence.ErrScenarioNameTaken
		}

		return nil, fmt.Errorf("failed to create scenario: %w", err)
	}

	return &created, nil
}

// GetByID returns a scenario by its id.
func (r *ScenarioRepository) GetByID(ctx context.Context, id int64) (*models.Scenario, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, status, master, created_at, updated_at
		FROM scenarios
		WHERE id = $1
	`, id)

	return scanScenario(row)
}

// GetMaster returns the master scenario of a project.
func (r *ScenarioRepository) GetMaster(ctx context.Context, projectID int64) (*models.Scenario, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, status, master, created_at, updated_at
		FROM scenarios
		WHERE project_id = $1 AND master
	`, projectID)

	return scanScenario(row)
}

// Rename updates a scenario's name and description.
func (r *ScenarioRepository) Rename(ctx context.Context, id int64, name, description string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scenarios SET name = $1, description = $2, updated_at = $3 WHERE id = $4
	`, name, description, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.ErrScenarioNameTaken
		}

		return fmt.Errorf("failed to rename scenario %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to rename scenario %d: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrScenarioNotFound
	}

	return nil
}

// SetStatus updates a scenario's status.
func (r *ScenarioRepository) SetStatus(ctx context.Context, id int64, status models.ScenarioStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scenarios SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update scenario %d status: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update scenario %d status: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrScenarioNotFound
	}

	return nil
}

// SetSetting upserts one scenario setting.
func (r *ScenarioRepository) SetSetting(ctx context.Context, scenarioID int64, key, value string) error {
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scenarios_settings (scenario_id, key, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (scenario_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, scenarioID, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set scenario setting %q: %w", key, err)
	}

	return nil
}

// GetSetting returns one scenario setting value.
func (r *ScenarioRepository) GetSetting(ctx context.Context, scenarioID int64, key string) (string, error) {
	var value string

	err := r.db.QueryRowContext(ctx, `
		SELECT value FROM scenarios_settings WHERE scenario_id = $1 AND key = $2
	`, scenarioID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persistence.ErrSettingNotFound
		}

		return "", fmt.Errorf("failed to get scenario setting %q: %w", key, err)
	}

	return value, nil
}

func scanScenario(row rowScanner) (*models.Scenario, error) {
	var scenario models.Scenario

	err := row.Scan(
		&scenario.ID,
		&scenario.ProjectID,
		&scenario.Name,
		&scenario.Description,
		&scenario.Status,
		&scenario.Master,
		&scenario.CreatedAt,
		&scenario.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrScenarioNotFound
		}

		return nil, fmt.Errorf("failed to scan scenario: %w", err)
	}

	return &scenario, nil
}
