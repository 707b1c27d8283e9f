package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
)

// ProjectRepository handles project-related database operations.
type ProjectRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewProjectRepository creates a new project repository.
func NewProjectRepository(db *sql.DB, logger *slog.Logger) *ProjectRepository {
	return &ProjectRepository{db: db, logger: logger}
}

// GetByID returns a project by its id.
func (r *ProjectRepository) GetByID(ctx context.Context, id int64) (*models.Project, error) {
	var (
		project models.Project
		rawBBox []byte
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, bbox, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id).Scan(&project.ID, &project.Name, &project.Description, &project.Status, &rawBBox, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrProjectNotFound
		}

		return nil, fmt.Errorf("failed to get project %d: %w", id, err)
	}

	if len(rawBBox) > 0 {
		err = json.Unmarshal(rawBBox, &project.BBox)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal project bbox: %w", err)
		}
	}

	return &project, nil
}

// SetStatus updates a project's status.
func (r *ProjectRepository) SetStatus(ctx context.Context, id int64, status models.ProjectStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE projects SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update project %d status: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update project %d status: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrProjectNotFound
	}

	return nil
}

// FinishAdminAreas replaces the project's admin areas, sets the bounding
// box and resets the scenario's selection setting, all in one transaction.
// Previous rows are deleted first so a re-run never collides with remnants
// of an earlier attempt.
func (r *ProjectRepository) FinishAdminAreas(ctx context.Context, projectID, scenarioID int64, bbox []float64, areas []models.AdminArea) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `DELETE FROM projects_aa WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to clear admin areas: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM scenarios_settings WHERE scenario_id = $1 AND key = $2
	`, scenarioID, models.SettingAdminAreas)
	if err != nil {
		return fmt.Errorf("failed to clear admin area selection: %w", err)
	}

	for _, area := range areas {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projects_aa (project_id, name, type) VALUES ($1, $2, $3)
		`, projectID, area.Name, area.Type)
		if err != nil {
			return fmt.Errorf("failed to insert admin area %q: %w", area.Name, err)
		}
	}

	rawBBox, err := json.Marshal(bbox)
	if err != nil {
		return fmt.Errorf("failed to marshal bbox: %w", err)
	}

	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE projects SET bbox = $1, updated_at = $2 WHERE id = $3
	`, rawBBox, now, projectID)
	if err != nil {
		return fmt.Errorf("failed to update project bbox: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scenarios_settings (scenario_id, key, value, created_at, updated_at)
		VALUES ($1, $2, '[]', $3, $3)
	`, scenarioID, models.SettingAdminAreas, now)
	if err != nil {
		return fmt.Errorf("failed to reset admin area selection: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit admin areas: %w", err)
	}

	return nil
}

// ReplaceOrigins swaps a project's origins and their indicator values in
// one transaction.
func (r *ProjectRepository) ReplaceOrigins(ctx context.Context, projectID int64, origins []models.Origin) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `DELETE FROM projects_origins WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to clear origins: %w", err)
	}

	for _, origin := range origins {
		rawCoords, err := json.Marshal(origin.Coordinates)
		if err != nil {
			return fmt.Errorf("failed to marshal origin coordinates: %w", err)
		}

		var originID int64

		err = tx.QueryRowContext(ctx, `
			INSERT INTO projects_origins (project_id, name, coordinates)
			VALUES ($1, $2, $3)
			RETURNING id
		`, projectID, origin.Name, rawCoords).Scan(&originID)
		if err != nil {
			return fmt.Errorf("failed to insert origin %q: %w", origin.Name, err)
		}

		for _, indicator := range origin.Indicators {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO projects_origins_indicators (origin_id, key, label, value)
				VALUES ($1, $2, $3, $4)
			`, originID, indicator.Key, indicator.Label, indicator.Value)
			if err != nil {
				return fmt.Errorf("failed to insert origin indicator %q: %w", indicator.Key, err)
			}
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit origins: %w", err)
	}

	return nil
}

// AdminAreas returns the admin areas of a project.
func (r *ProjectRepository) AdminAreas(ctx context.Context, projectID int64) ([]models.AdminArea, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, name, type
		FROM projects_aa
		WHERE project_id = $1
		ORDER BY name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query admin areas: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var areas []models.AdminArea

	for rows.Next() {
		var area models.AdminArea

		err = rows.Scan(&area.ID, &area.ProjectID, &area.Name, &area.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to scan admin area: %w", err)
		}

		areas = append(areas, area)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read admin areas: %w", err)
	}

	return areas, nil
}
