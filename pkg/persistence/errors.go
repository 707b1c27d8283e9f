// Package persistence provides standardized error types for ledger access.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrOperationNotFound indicates no operation row matched the lookup.
	ErrOperationNotFound = errors.New("operation does not exist")

	// ErrOperationAlreadyRunning indicates a non-complete operation with
	// the same (name, project, scenario) key already exists.
	ErrOperationAlreadyRunning = errors.New("operation with the same name, project and scenario is already running")

	// ErrProjectNotFound indicates a project was not found by id.
	ErrProjectNotFound = errors.New("project not found")

	// ErrScenarioNotFound indicates a scenario was not found.
	ErrScenarioNotFound = errors.New("scenario not found")

	// ErrScenarioNameTaken indicates the project already has a scenario
	// with that name.
	ErrScenarioNameTaken = errors.New("scenario name already in use for this project")

	// ErrFileNotFound indicates a file row was not found.
	ErrFileNotFound = errors.New("file not found")

	// ErrSourceNotFound indicates no source data row exists for a resource.
	ErrSourceNotFound = errors.New("source data not found")

	// ErrSettingNotFound indicates a scenario setting key is absent.
	ErrSettingNotFound = errors.New("scenario setting not found")

	// ErrCatalogResourceNotFound indicates a catalog cache miss.
	ErrCatalogResourceNotFound = errors.New("catalog resource not found")
)

// OperationError wraps operation ledger errors with additional context.
type OperationError struct {
	Op          string // Ledger operation being performed (e.g. "Create", "AppendLog")
	OperationID int64
	Err         error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed for operation %d: %v", e.Op, e.OperationID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func (e *OperationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewOperationError creates a new operation error with context.
func NewOperationError(op string, operationID int64, err error) *OperationError {
	return &OperationError{Op: op, OperationID: operationID, Err: err}
}

// IsOperationNotFound checks if an error indicates an operation was not found.
func IsOperationNotFound(err error) bool {
	return errors.Is(err, ErrOperationNotFound)
}

// IsOperationAlreadyRunning checks if an error indicates a mutual-exclusion
// conflict on the operation key.
func IsOperationAlreadyRunning(err error) bool {
	return errors.Is(err, ErrOperationAlreadyRunning)
}
