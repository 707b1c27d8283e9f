package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
)

// OperationRepository handles operation ledger database operations.
type OperationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewOperationRepository creates a new operation repository.
func NewOperationRepository(db *sql.DB, logger *slog.Logger) *OperationRepository {
	return &OperationRepository{db: db, logger: logger}
}

// Create inserts a new running operation row, enforcing the at-most-one
// running-per-key invariant. The check-then-insert runs in a transaction
// and the partial unique index backs it under concurrent access.
func (r *OperationRepository) Create(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var existing int64

	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations
		WHERE name = $1 AND project_id = $2 AND scenario_id = $3 AND status <> $4
	`, op.Name, op.ProjectID, op.ScenarioID, models.OperationStatusComplete).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("failed to check for running operations: %w", err)
	}

	if existing > 0 {
		return nil, persistence.ErrOperationAlreadyRunning
	}

	now := time.Now().UTC()

	created := *op
	created.Status = models.OperationStatusRunning
	created.CreatedAt = now
	created.UpdatedAt = now

	err = tx.QueryRowContext(ctx, `
		INSERT INTO operations (name, project_id, scenario_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, created.Name, created.ProjectID, created.ScenarioID, created.Status, created.CreatedAt, created.UpdatedAt).Scan(&created.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, persistence.ErrOperationAlreadyRunning
		}

		return nil, fmt.Errorf("failed to insert operation: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to commit operation insert: %w", err)
	}

	return &created, nil
}

// GetByID returns an operation by its id.
func (r *OperationRepository) GetByID(ctx context.Context, id int64) (*models.Operation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, project_id, scenario_id, status, created_at, updated_at
		FROM operations
		WHERE id = $1
	`, id)

	return r.scanOperation(row)
}

// GetByData returns the most recently created operation matching the key.
func (r *OperationRepository) GetByData(ctx context.Context, name string, projectID, scenarioID int64) (*models.Operation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, project_id, scenario_id, status, created_at, updated_at
		FROM operations
		WHERE name = $1 AND project_id = $2 AND scenario_id = $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, name, projectID, scenarioID)

	return r.scanOperation(row)
}

// AppendLog inserts a log row and bumps the parent's updated_at in one
// transaction.
func (r *OperationRepository) AppendLog(ctx context.Context, operationID int64, code string, data map[string]any) (*models.OperationLog, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence.NewOperationError("AppendLog", operationID, err)
	}

	defer func() { _ = tx.Rollback() }()

	var payload any

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, persistence.NewOperationError("AppendLog", operationID, err)
		}

		payload = raw
	}

	now := time.Now().UTC()
	entry := &models.OperationLog{
		OperationID: operationID,
		Code:        code,
		Data:        data,
		CreatedAt:   now,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO operations_logs (operation_id, code, data, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, operationID, code, payload, now).Scan(&entry.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, persistence.NewOperationError("AppendLog", operationID, persistence.ErrOperationNotFound)
		}

		return nil, persistence.NewOperationError("AppendLog", operationID, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE operations SET updated_at = $1 WHERE id = $2
	`, now, operationID)
	if err != nil {
		return nil, persistence.NewOperationError("AppendLog", operationID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, persistence.NewOperationError("AppendLog", operationID, err)
	}

	if affected == 0 {
		return nil, persistence.NewOperationError("AppendLog", operationID, persistence.ErrOperationNotFound)
	}

	err = tx.Commit()
	if err != nil {
		return nil, persistence.NewOperationError("AppendLog", operationID, err)
	}

	return entry, nil
}

// SetComplete transitions an operation to the complete status.
func (r *OperationRepository) SetComplete(ctx context.Context, operationID int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE operations SET status = $1, updated_at = $2 WHERE id = $3
	`, models.OperationStatusComplete, time.Now().UTC(), operationID)
	if err != nil {
		return persistence.NewOperationError("SetComplete", operationID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOperationError("SetComplete", operationID, err)
	}

	if affected == 0 {
		return persistence.NewOperationError("SetComplete", operationID, persistence.ErrOperationNotFound)
	}

	return nil
}

// Logs returns all log entries of an operation in creation order.
func (r *OperationRepository) Logs(ctx context.Context, operationID int64) ([]*models.OperationLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, operation_id, code, data, created_at
		FROM operations_logs
		WHERE operation_id = $1
		ORDER BY id ASC
	`, operationID)
	if err != nil {
		return nil, persistence.NewOperationError("Logs", operationID, err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var logs []*models.OperationLog

	for rows.Next() {
		entry, err := r.scanLog(rows)
		if err != nil {
			return nil, persistence.NewOperationError("Logs", operationID, err)
		}

		logs = append(logs, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewOperationError("Logs", operationID, err)
	}

	return logs, nil
}

// LastLog returns the most recent log entry of an operation, or nil when
// the operation has no logs yet.
func (r *OperationRepository) LastLog(ctx context.Context, operationID int64) (*models.OperationLog, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, operation_id, code, data, created_at
		FROM operations_logs
		WHERE operation_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, operationID)

	entry, err := r.scanLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewOperationError("LastLog", operationID, err)
	}

	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *OperationRepository) scanOperation(row rowScanner) (*models.Operation, error) {
	var op models.Operation

	err := row.Scan(&op.ID, &op.Name, &op.ProjectID, &op.ScenarioID, &op.Status, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrOperationNotFound
		}

		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	return &op, nil
}

func (r *OperationRepository) scanLog(row rowScanner) (*models.OperationLog, error) {
	var (
		entry models.OperationLog
		raw   []byte
	)

	err := row.Scan(&entry.ID, &entry.OperationID, &entry.Code, &raw, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(raw) > 0 {
		err = json.Unmarshal(raw, &entry.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal log data: %w", err)
		}
	}

	return &entry, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}

	return false
}
