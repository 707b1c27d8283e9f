package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/log"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/operation"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/otelhelper"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
)

// ErrNoSourceScenario flags a clone request whose road-network source row
// does not name the scenario to clone from.
var ErrNoSourceScenario = errors.New("clone source scenario not set")

// StartScenarioCreate creates the scenario-create operation and builds the
// scenario's geodata in the background. The scenario row must already
// exist with status pending and a road-network source of kind clone or
// new.
func (o *Orchestrator) StartScenarioCreate(ctx context.Context, projectID, scenarioID int64) (*models.Operation, error) {
	op := o.newOperation(projectID, scenarioID)
	if err := op.Start(ctx, models.OpScenarioCreate, projectID, scenarioID); err != nil {
		return nil, err
	}

	if err := op.Log(ctx, models.LogCodeStart, map[string]any{"message": "Operation started"}); err != nil {
		// The row must not stay running, or the mutual-exclusion check
		// would block every retry for this scenario.
		o.fail(ctx, op, err)

		return nil, err
	}

	go func() {
		runCtx := context.WithoutCancel(ctx)

		if err := o.runScenarioCreate(runCtx, op, projectID, scenarioID); err != nil {
			o.fail(runCtx, op, err)
		}
	}()

	return o.db.Operations().GetByID(ctx, op.ID())
}

// runScenarioCreate populates a new scenario: every scenario starts with
// the project's admin areas deselected, then gets its road network and
// POIs either cloned from a sibling scenario or imported from a freshly
// uploaded file.
func (o *Orchestrator) runScenarioCreate(ctx context.Context, op *operation.Operation, projectID, scenarioID int64) (err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.scenario_create",
		trace.WithAttributes(otelhelper.Target(projectID, scenarioID)...))

	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	logger := log.WithTarget("pipeline", projectID, scenarioID)
	logger.Info("scenario create started", "operation_id", op.ID())

	if err := op.Log(ctx, "admin-areas", map[string]any{"message": "Cloning admin areas"}); err != nil {
		return err
	}

	err = o.db.Scenarios().SetSetting(ctx, scenarioID, models.SettingAdminAreas, "[]")
	if err != nil {
		return fmt.Errorf("resetting admin area selection: %w", err)
	}

	source, err := o.db.SourceData().GetScenarioSource(ctx, scenarioID, models.ResourceRoadNetwork)
	if err != nil {
		return fmt.Errorf("loading road-network source: %w", err)
	}

	switch source.Kind {
	case models.SourceKindClone:
		err = o.cloneScenarioData(ctx, op, projectID, scenarioID, source)
	case models.SourceKindNew:
		err = o.buildScenarioFromUpload(ctx, op, projectID, scenarioID, source)
	default:
		err = fmt.Errorf("road-network source kind %q cannot seed a new scenario", source.Kind)
	}

	if err != nil {
		return err
	}

	if err := o.db.Scenarios().SetStatus(ctx, scenarioID, models.ScenarioStatusActive); err != nil {
		return fmt.Errorf("activating scenario: %w", err)
	}

	err = op.Finish(ctx, models.LogCodeSuccess, map[string]any{"message": "Operation complete"})
	if err != nil {
		return err
	}

	logger.Info("scenario create complete", "operation_id", op.ID())

	return nil
}

// cloneScenarioData copies the POI and road-network files, the editable
// store and the editing setting from the source scenario.
func (o *Orchestrator) cloneScenarioData(ctx context.Context, op *operation.Operation, projectID, scenarioID int64, source *models.SourceData) error {
	srcID, ok := intProp(source.Data["scenarioID"])
	if !ok || srcID == 0 {
		return ErrNoSourceScenario
	}

	sourceScenarioID := int64(srcID)

	if err := op.Log(ctx, "files", map[string]any{"message": "Cloning files"}); err != nil {
		return err
	}

	for _, fileType := range []models.ResourceName{models.ResourcePOI, models.ResourceRoadNetwork} {
		if err := o.cloneScenarioFiles(ctx, sourceScenarioID, projectID, scenarioID, fileType); err != nil {
			return err
		}
	}

	if err := op.Log(ctx, "files", map[string]any{"message": "Cloning road network database"}); err != nil {
		return err
	}

	if err := o.roads.Clone(ctx, projectID, sourceScenarioID, scenarioID); err != nil {
		return fmt.Errorf("cloning editable road network: %w", err)
	}

	editing, err := o.db.Scenarios().GetSetting(ctx, sourceScenarioID, models.SettingRNActiveEditing)
	if err != nil {
		if errors.Is(err, persistence.ErrSettingNotFound) {
			return nil
		}

		return fmt.Errorf("reading editing setting: %w", err)
	}

	err = o.db.Scenarios().SetSetting(ctx, scenarioID, models.SettingRNActiveEditing, editing)
	if err != nil {
		return fmt.Errorf("storing editing setting: %w", err)
	}

	return nil
}

// buildScenarioFromUpload registers the pre-uploaded road network file and
// imports it. The POI files are identical across a project's scenarios, so
// they are cloned from the master.
func (o *Orchestrator) buildScenarioFromUpload(ctx context.Context, op *operation.Operation, projectID, scenarioID int64, source *models.SourceData) error {
	fileName, _ := source.Data["roadNetworkFile"].(string)
	if fileName == "" {
		return ErrNoRoadNetworkFile
	}

	if err := op.Log(ctx, "files", map[string]any{"message": "Cloning files"}); err != nil {
		return err
	}

	master, err := o.db.Scenarios().GetMaster(ctx, projectID)
	if err != nil {
		return fmt.Errorf("loading master scenario: %w", err)
	}

	if err := o.cloneScenarioFiles(ctx, master.ID, projectID, scenarioID, models.ResourcePOI); err != nil {
		return err
	}

	file, err := o.db.Files().Insert(ctx, &models.File{
		ProjectID:  projectID,
		ScenarioID: scenarioID,
		Name:       fileName,
		Type:       string(models.ResourceRoadNetwork),
		Path:       fmt.Sprintf("scenario-%d/%s", scenarioID, fileName),
	})
	if err != nil {
		return fmt.Errorf("registering road network file: %w", err)
	}

	size, err := o.store.Size(ctx, file.Path)
	if err != nil {
		return fmt.Errorf("checking road network size: %w", err)
	}

	allowEditing := size < o.cfg.RoadNetEditMax

	err = o.db.Scenarios().SetSetting(ctx, scenarioID,
		models.SettingRNActiveEditing, strconv.FormatBool(allowEditing))
	if err != nil {
		return fmt.Errorf("storing editing setting: %w", err)
	}

	if !allowEditing {
		return nil
	}

	return o.importEditableRoadNetwork(ctx, op, projectID, scenarioID, file)
}

// cloneScenarioFiles copies one file type from a scenario to another, both
// the rows and the stored blobs. Subtypes (the POI type) carry over.
func (o *Orchestrator) cloneScenarioFiles(ctx context.Context, fromScenarioID, projectID, toScenarioID int64, fileType models.ResourceName) error {
	files, err := o.db.Files().GetScenarioFiles(ctx, fromScenarioID, string(fileType))
	if err != nil {
		return fmt.Errorf("listing %s files: %w", fileType, err)
	}

	for _, old := range files {
		newName := timestampName(old.Type)
		newPath := fmt.Sprintf("scenario-%d/%s", toScenarioID, newName)

		if err := o.store.Copy(ctx, old.Path, newPath); err != nil {
			return fmt.Errorf("copying %s: %w", old.Path, err)
		}

		_, err = o.db.Files().Insert(ctx, &models.File{
			ProjectID:  projectID,
			ScenarioID: toScenarioID,
			Name:       newName,
			Type:       old.Type,
			Subtype:    old.Subtype,
			Path:       newPath,
		})
		if err != nil {
			return fmt.Errorf("inserting cloned %s row: %w", old.Type, err)
		}
	}

	return nil
}
