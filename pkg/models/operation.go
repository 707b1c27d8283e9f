// Package models defines the core domain models for accessibility analysis
// projects and the operations that track their long-running tasks.
package models

import "time"

// OperationStatus represents the lifecycle state of an operation.
type OperationStatus string

const (
	OperationStatusRunning  OperationStatus = "running"
	OperationStatusComplete OperationStatus = "complete"
)

// Well-known operation names. An operation name together with a
// project/scenario pair identifies one orchestrated task.
const (
	OpProjectSetupFinish = "project-setup-finish"
	OpGenerateAnalysis   = "generate-analysis"
	OpScenarioCreate     = "scenario-create"
)

// Operation is the durable record of one long-running task scoped to a
// project/scenario pair. Its status is two-valued on purpose: a failed run
// still ends as "complete", with the failure recorded as a trailing log
// entry whose code is "error".
type Operation struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"       validate:"required"`
	ProjectID  int64           `json:"project_id" validate:"required"`
	ScenarioID int64           `json:"scenario_id" validate:"required"`
	Status     OperationStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// OperationLog is one append-only progress entry of an operation. Rows are
// never mutated; they go away only when the owning operation is deleted.
type OperationLog struct {
	ID          int64          `json:"id"`
	OperationID int64          `json:"operation_id"`
	Code        string         `json:"code"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Log codes used across the pipeline.
const (
	LogCodeStart   = "start"
	LogCodeSuccess = "success"
	LogCodeError   = "error"
)

// NormalizeLogData coerces a log payload into the persisted shape: maps are
// stored unchanged, nil stays nil and any other value is wrapped as
// {"message": value}.
func NormalizeLogData(data any) map[string]any {
	switch v := data.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	default:
		return map[string]any{"message": v}
	}
}

// Failed reports whether a finished operation represents a failed run,
// which is signalled by the last log entry carrying the "error" code.
func (o *Operation) Failed(lastLog *OperationLog) bool {
	return o.Status == OperationStatusComplete && lastLog != nil && lastLog.Code == LogCodeError
}
