package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/coordination"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/log"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/operation"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/otelhelper"
)

// StartProjectSetup creates the project-setup-finish operation and runs the
// pipeline in the background. A second call while one is running fails with
// persistence.ErrOperationAlreadyRunning.
func (o *Orchestrator) StartProjectSetup(ctx context.Context, projectID, scenarioID int64) (*models.Operation, error) {
	op := o.newOperation(projectID, scenarioID)
	if err := op.Start(ctx, models.OpProjectSetupFinish, projectID, scenarioID); err != nil {
		return nil, err
	}

	if err := op.Log(ctx, models.LogCodeStart, map[string]any{"message": "Operation started"}); err != nil {
		// The row must not stay running, or the mutual-exclusion check
		// would block every retry for this project.
		o.fail(ctx, op, err)

		return nil, err
	}

	go func() {
		// The run outlives the HTTP request that triggered it.
		runCtx := context.WithoutCancel(ctx)

		if err := o.runProjectSetup(runCtx, op, projectID, scenarioID); err != nil {
			o.fail(runCtx, op, err)
		}
	}()

	return o.db.Operations().GetByID(ctx, op.ID())
}

// setupRun carries the state shared by the steps of one project-setup run.
type setupRun struct {
	op         *operation.Operation
	barrier    *coordination.Barrier
	projectID  int64
	scenarioID int64
}

// runProjectSetup processes the five geodata resources and activates the
// project. Steps that feed each other run concurrently and meet at the
// barrier: admin bounds and origins first, then the routing profile, then
// the road network and POIs together.
func (o *Orchestrator) runProjectSetup(ctx context.Context, op *operation.Operation, projectID, scenarioID int64) (err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.project_setup",
		trace.WithAttributes(otelhelper.Target(projectID, scenarioID)...))

	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	logger := log.WithTarget("pipeline", projectID, scenarioID)
	logger.Info("project setup started", "operation_id", op.ID())

	run := &setupRun{
		op:         op,
		barrier:    coordination.NewBarrier(),
		projectID:  projectID,
		scenarioID: scenarioID,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return o.stepAdminBounds(groupCtx, run) })
	group.Go(func() error { return o.stepOrigins(groupCtx, run) })

	if err := group.Wait(); err != nil {
		return err
	}

	if err := o.stepProfile(ctx, run); err != nil {
		return err
	}

	// The POI step waits on the road network's editing decision, and both
	// may wait on the admin bounds event fired above.
	group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return o.stepRoadNetwork(groupCtx, run) })
	group.Go(func() error { return o.stepPOI(groupCtx, run) })

	if err := group.Wait(); err != nil {
		return err
	}

	if err := o.activate(ctx, projectID, scenarioID); err != nil {
		return err
	}

	err = op.Finish(ctx, models.LogCodeSuccess, map[string]any{"message": "Operation complete"})
	if err != nil {
		return err
	}

	logger.Info("project setup complete", "operation_id", op.ID())

	return nil
}

func (o *Orchestrator) activate(ctx context.Context, projectID, scenarioID int64) error {
	if err := o.db.Projects().SetStatus(ctx, projectID, models.ProjectStatusActive); err != nil {
		return fmt.Errorf("activating project: %w", err)
	}

	if err := o.db.Scenarios().SetStatus(ctx, scenarioID, models.ScenarioStatusActive); err != nil {
		return fmt.Errorf("activating scenario: %w", err)
	}

	return nil
}
