package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/log"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/operation"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/otelhelper"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/storage"
)

// FileTypeResults is the file type under which analysis output is stored.
const FileTypeResults = "results"

// StartGenerateResults clears any previous analysis output and hands the
// scenario to the analysis runner. The runner writes result files and
// progress straight to the ledger; here we only track its lifecycle.
func (o *Orchestrator) StartGenerateResults(ctx context.Context, projectID, scenarioID int64) (*models.Operation, error) {
	op := o.newOperation(projectID, scenarioID)
	if err := op.Start(ctx, models.OpGenerateAnalysis, projectID, scenarioID); err != nil {
		return nil, err
	}

	err := op.Log(ctx, "generate-analysis", map[string]any{"message": "Analysis generation started"})
	if err != nil {
		o.fail(ctx, op, err)

		return nil, err
	}

	if err := o.clearResults(ctx, scenarioID); err != nil {
		// The row must not stay running, or the mutual-exclusion check
		// would block every retry for this scenario.
		o.fail(ctx, op, err)

		return nil, err
	}

	go func() {
		runCtx := context.WithoutCancel(ctx)

		if err := o.runGenerateResults(runCtx, op, projectID, scenarioID); err != nil {
			o.fail(runCtx, op, err)
		}
	}()

	return o.db.Operations().GetByID(ctx, op.ID())
}

func (o *Orchestrator) runGenerateResults(ctx context.Context, op *operation.Operation, projectID, scenarioID int64) (err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.generate_results",
		trace.WithAttributes(otelhelper.Target(projectID, scenarioID)...))

	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	logger := log.WithTarget("pipeline", projectID, scenarioID)
	logger.Info("analysis started", "operation_id", op.ID())

	// Edits made in the browser live only in the editable store; the
	// analysis reads the stored file, so it must be refreshed first.
	if err = o.exportRoadNetwork(ctx, op, projectID, scenarioID); err != nil {
		return err
	}

	err = o.runService(ctx, op, runner.Job{
		Service:     runner.ServiceGenerateResults,
		ProjectID:   projectID,
		ScenarioID:  scenarioID,
		OperationID: op.ID(),
	})
	if err != nil {
		return err
	}

	err = op.Finish(ctx, models.LogCodeSuccess, map[string]any{"message": "Analysis complete"})
	if err != nil {
		return err
	}

	logger.Info("analysis complete", "operation_id", op.ID())

	return nil
}

// exportRoadNetwork writes the edited road network back to storage,
// replacing the scenario's road network file. Scenarios without active
// editing keep the file they were imported with. The export runs through
// the step runner, so an abort arriving at this stage kills it.
func (o *Orchestrator) exportRoadNetwork(ctx context.Context, op *operation.Operation, projectID, scenarioID int64) error {
	editing, err := o.db.Scenarios().GetSetting(ctx, scenarioID, models.SettingRNActiveEditing)
	if err != nil {
		if errors.Is(err, persistence.ErrSettingNotFound) {
			return nil
		}

		return fmt.Errorf("reading editing setting: %w", err)
	}

	if editing != "true" {
		return nil
	}

	err = op.Log(ctx, "road-network", map[string]any{"message": "Exporting road network"})
	if err != nil {
		return err
	}

	fileName := timestampName(string(models.ResourceRoadNetwork))
	filePath := fmt.Sprintf("scenario-%d/%s", scenarioID, fileName)

	err = o.runService(ctx, op, runner.Job{
		Service:     runner.ServiceExportRoadNetwork,
		ProjectID:   projectID,
		ScenarioID:  scenarioID,
		OperationID: op.ID(),
		Data:        map[string]any{"path": filePath},
	})
	if err != nil {
		return fmt.Errorf("exporting road network: %w", err)
	}

	// The fresh export replaces the previous road network file.
	old, err := o.db.Files().GetScenarioFiles(ctx, scenarioID, string(models.ResourceRoadNetwork))
	if err != nil {
		return fmt.Errorf("listing road network files: %w", err)
	}

	for _, f := range old {
		if err := o.store.Delete(ctx, f.Path); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("removing %s: %w", f.Path, err)
		}
	}

	if err := o.db.Files().DeleteScenarioFiles(ctx, scenarioID, string(models.ResourceRoadNetwork)); err != nil {
		return fmt.Errorf("deleting road network rows: %w", err)
	}

	_, err = o.db.Files().Insert(ctx, &models.File{
		ProjectID:  projectID,
		ScenarioID: scenarioID,
		Name:       fileName,
		Type:       string(models.ResourceRoadNetwork),
		Path:       filePath,
	})

	return err
}

// clearResults removes a scenario's previous analysis output, blobs first
// so a failed run never leaves rows pointing at nothing.
func (o *Orchestrator) clearResults(ctx context.Context, scenarioID int64) error {
	files, err := o.db.Files().GetScenarioFiles(ctx, scenarioID, FileTypeResults)
	if err != nil {
		return fmt.Errorf("listing result files: %w", err)
	}

	for _, f := range files {
		if err := o.store.Delete(ctx, f.Path); err != nil {
			return fmt.Errorf("removing result file %s: %w", f.Path, err)
		}
	}

	if err := o.db.Files().DeleteScenarioFiles(ctx, scenarioID, FileTypeResults); err != nil {
		return fmt.Errorf("deleting result rows: %w", err)
	}

	return nil
}

// AbortAnalysis records the abort on the scenario's running analysis
// operation and then kills the runner. The ledger write comes first so a
// killed runner's own failure path always finds the operation settled. A
// race with normal completion resolves in favor of whoever finished the
// operation first.
func (o *Orchestrator) AbortAnalysis(ctx context.Context, projectID, scenarioID int64) error {
	op := operation.New(o.db.Operations(), o.logger)
	if err := op.LoadByData(ctx, models.OpGenerateAnalysis, projectID, scenarioID); err != nil {
		return err
	}

	if op.IsCompleted() {
		return operation.ErrComplete
	}

	err := op.Finish(ctx, models.LogCodeError, map[string]any{"error": "Operation aborted"})
	if err != nil && !errors.Is(err, operation.ErrComplete) {
		return err
	}

	o.registry.Kill(runner.Key{ProjectID: projectID, ScenarioID: scenarioID})

	return nil
}
