package pipeline

import (
	"context"
	"fmt"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/operation"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
)

// tileJob describes one tileset to build from a stored geodata file.
type tileJob struct {
	kind       string
	projectID  int64
	scenarioID int64
	sourcePath string
}

// generateVectorTiles hands a tileset build to an external runner. The
// heavy lifting (tippecanoe, osm conversion) lives in the worker image;
// here we only stream its progress into the operation log. Disabled
// installs skip the step entirely.
func (o *Orchestrator) generateVectorTiles(ctx context.Context, op *operation.Operation, job tileJob) error {
	if !o.cfg.VectorTiles {
		return nil
	}

	code := "process:" + job.kind
	err := op.Log(ctx, code, map[string]any{
		"message": fmt.Sprintf("Creating %s vector tiles", job.kind),
	})
	if err != nil {
		return err
	}

	return o.runService(ctx, op, runner.Job{
		Service:     runner.ServiceVectorTiles,
		ProjectID:   job.projectID,
		ScenarioID:  job.scenarioID,
		OperationID: op.ID(),
		Data: map[string]any{
			"kind":   job.kind,
			"source": job.sourcePath,
			"image":  o.cfg.TileImage,
		},
	})
}

// runService executes a job through the configured runner strategy,
// forwarding its progress messages to the operation log. The runner is
// registered so an abort can reach it; it is cleared once Done closes.
func (o *Orchestrator) runService(ctx context.Context, op *operation.Operation, job runner.Job) error {
	r, err := o.runners(job)
	if err != nil {
		return fmt.Errorf("building runner for %s: %w", job.Service, err)
	}

	key := runner.Key{ProjectID: job.ProjectID, ScenarioID: job.ScenarioID}
	o.registry.Register(key, r)
	defer o.registry.Clear(key)

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting %s: %w", job.Service, err)
	}

	// A cancelled run must not wait out the external process.
	stop := context.AfterFunc(ctx, r.Kill)
	defer stop()

	for msg := range r.Messages() {
		if err := op.Log(ctx, msg.Type, msg.Data); err != nil {
			o.logger.Warn("recording runner message",
				"service", job.Service, "code", msg.Type, "error", err)
		}
	}

	<-r.Done()

	return r.Err()
}
