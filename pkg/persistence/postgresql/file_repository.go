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

// FileRepository handles geodata file rows. Project-scoped files carry a
// NULL scenario id.
type FileRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFileRepository creates a new file repository.
func NewFileRepository(db *sql.DB, logger *slog.Logger) *FileRepository {
	return &FileRepository{db: db, logger: logger}
}

// GetProjectFile returns the project-scoped file of a type.
func (r *FileRepository) GetProjectFile(ctx context.Context, projectID int64, fileType string) (*models.File, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, scenario_id, name, type, subtype, path, created_at, updated_at
		FROM files
		WHERE project_id = $1 AND scenario_id IS NULL AND type = $2
		ORDER BY id DESC
		LIMIT 1
	`, projectID, fileType)

	file, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrFileNotFound
		}

		return nil, err
	}

	return file, nil
}

// GetScenarioFiles returns all scenario-scoped files of a type.
func (r *FileRepository) GetScenarioFiles(ctx context.Context, scenarioID int64, fileType string) ([]*models.File, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, scenario_id, name, type, subtype, path, created_at, updated_at
		FROM files
		WHERE scenario_id = $1 AND type = $2
		ORDER BY id ASC
	`, scenarioID, fileType)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenario files: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var files []*models.File

	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}

		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scenario files: %w", err)
	}

	return files, nil
}

// Insert stores a new file row.
func (r *FileRepository) Insert(ctx context.Context, file *models.File) (*models.File, error) {
	now := time.Now().UTC()

	created := *file
	created.CreatedAt = now
	created.UpdatedAt = now

	var scenarioID any
	if created.ScenarioID != 0 {
		scenarioID = created.ScenarioID
	}

	var subtype any
	if created.Subtype != "" {
		subtype = created.Subtype
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO files (project_id, scenario_id, name, type, subtype, path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id
	`, created.ProjectID, scenarioID, created.Name, created.Type, subtype, created.Path, now).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert file %q: %w", created.Name, err)
	}

	return &created, nil
}

// Update rewrites a file row's name and path.
func (r *FileRepository) Update(ctx context.Context, file *models.File) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE files SET name = $1, path = $2, updated_at = $3 WHERE id = $4
	`, file.Name, file.Path, time.Now().UTC(), file.ID)
	if err != nil {
		return fmt.Errorf("failed to update file %d: %w", file.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update file %d: %w", file.ID, err)
	}

	if affected == 0 {
		return persistence.ErrFileNotFound
	}

	return nil
}

// DeleteProjectFiles removes project-scoped file rows of a type.
func (r *FileRepository) DeleteProjectFiles(ctx context.Context, projectID int64, fileType string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM files WHERE project_id = $1 AND scenario_id IS NULL AND type = $2
	`, projectID, fileType)
	if err != nil {
		return fmt.Errorf("failed to delete project files: %w", err)
	}

	return nil
}

// DeleteScenarioFiles removes scenario-scoped file rows of a type.
func (r *FileRepository) DeleteScenarioFiles(ctx context.Context, scenarioID int64, fileType string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM files WHERE scenario_id = $1 AND type = $2
	`, scenarioID, fileType)
	if err != nil {
		return fmt.Errorf("failed to delete scenario files: %w", err)
	}

	return nil
}

func scanFile(row rowScanner) (*models.File, error) {
	var (
		file       models.File
		scenarioID sql.NullInt64
		subtype    sql.NullString
	)

	err := row.Scan(
		&file.ID,
		&file.ProjectID,
		&scenarioID,
		&file.Name,
		&file.Type,
		&subtype,
		&file.Path,
		&file.CreatedAt,
		&file.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	file.ScenarioID = scenarioID.Int64
	file.Subtype = subtype.String

	return &file, nil
}
