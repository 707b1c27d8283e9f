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

// CatalogRepository caches World Bank catalog listings.
type CatalogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCatalogRepository creates a new catalog repository.
func NewCatalogRepository(db *sql.DB, logger *slog.Logger) *CatalogRepository {
	return &CatalogRepository{db: db, logger: logger}
}

// Resources returns the cached listing for a source name.
func (r *CatalogRepository) Resources(ctx context.Context, sourceName string) ([]models.CatalogResource, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_name, resource_id, name, resource_url, created_at
		FROM wbcatalog_resources
		WHERE source_name = $1
		ORDER BY id ASC
	`, sourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog resources: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var resources []models.CatalogResource

	for rows.Next() {
		var res models.CatalogResource

		err = rows.Scan(&res.ID, &res.SourceName, &res.ResourceID, &res.Name, &res.URL, &res.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan catalog resource: %w", err)
		}

		resources = append(resources, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read catalog resources: %w", err)
	}

	return resources, nil
}

// GetByResourceID returns one cached catalog entry.
func (r *CatalogRepository) GetByResourceID(ctx context.Context, resourceID string) (*models.CatalogResource, error) {
	var res models.CatalogResource

	err := r.db.QueryRowContext(ctx, `
		SELECT id, source_name, resource_id, name, resource_url, created_at
		FROM wbcatalog_resources
		WHERE resource_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, resourceID).Scan(&res.ID, &res.SourceName, &res.ResourceID, &res.Name, &res.URL, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrCatalogResourceNotFound
		}

		return nil, fmt.Errorf("failed to get catalog resource %q: %w", resourceID, err)
	}

	return &res, nil
}

// Replace swaps the cached listing for a source name in one transaction.
func (r *CatalogRepository) Replace(ctx context.Context, sourceName string, resources []models.CatalogResource) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `DELETE FROM wbcatalog_resources WHERE source_name = $1`, sourceName)
	if err != nil {
		return fmt.Errorf("failed to clear catalog cache: %w", err)
	}

	now := time.Now().UTC()

	for _, res := range resources {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wbcatalog_resources (source_name, resource_id, name, resource_url, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, sourceName, res.ResourceID, res.Name, res.URL, now)
		if err != nil {
			return fmt.Errorf("failed to insert catalog resource %q: %w", res.ResourceID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit catalog cache: %w", err)
	}

	return nil
}

// PurgeOlderThan removes cache entries older than the given number of days.
func (r *CatalogRepository) PurgeOlderThan(ctx context.Context, ageDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -ageDays)

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM wbcatalog_resources WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge catalog cache: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge catalog cache: %w", err)
	}

	return removed, nil
}
