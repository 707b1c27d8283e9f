package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/paulmach/orb/geojson"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/operation"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/overpass"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
)

// ErrNoRoadNetworkFile flags a scenario whose road network file is
// missing.
var ErrNoRoadNetworkFile = errors.New("scenario has no road network file")

// stepRoadNetwork acquires the road network, decides whether it is small
// enough for in-browser editing and, if so, imports it into the editable
// store. It fires road-network:active-editing once the decision is final.
func (o *Orchestrator) stepRoadNetwork(ctx context.Context, run *setupRun) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.step.road_network")
	defer span.End()

	if err := run.op.Log(ctx, "process:road-network", map[string]any{"message": "Processing road network"}); err != nil {
		return err
	}

	source, err := o.db.SourceData().GetScenarioSource(ctx, run.scenarioID, models.ResourceRoadNetwork)
	if err != nil {
		return fmt.Errorf("loading road-network source: %w", err)
	}

	var file *models.File

	switch source.Kind {
	case models.SourceKindWBCatalog:
		file, err = o.catalog.DownloadScenarioFile(ctx, run.projectID, run.scenarioID, source)
		if err != nil {
			return fmt.Errorf("downloading road network from catalog: %w", err)
		}
	case models.SourceKindOSM:
		file, err = o.importOSMRoadNetwork(ctx, run)
		if err != nil {
			return err
		}
	default:
		file, err = o.scenarioFile(ctx, run.scenarioID, models.ResourceRoadNetwork)
		if err != nil {
			return err
		}
	}

	size, err := o.store.Size(ctx, file.Path)
	if err != nil {
		return fmt.Errorf("checking road network size: %w", err)
	}

	// Drop leftovers of previous runs before deciding on a fresh import.
	if err := o.roads.Remove(ctx, run.projectID, run.scenarioID); err != nil {
		return fmt.Errorf("clearing editable road network: %w", err)
	}

	allowEditing := size < o.cfg.RoadNetEditMax

	err = o.db.Scenarios().SetSetting(ctx, run.scenarioID,
		models.SettingRNActiveEditing, strconv.FormatBool(allowEditing))
	if err != nil {
		return fmt.Errorf("storing editing setting: %w", err)
	}

	if allowEditing {
		if err := o.importEditableRoadNetwork(ctx, run.op, run.projectID, run.scenarioID, file); err != nil {
			return err
		}
	}

	// Emit after the import so the POI step never races the editable
	// store.
	run.barrier.Emit(EventRoadNetworkActiveEdit, allowEditing)

	return o.generateVectorTiles(ctx, run.op, tileJob{
		kind:       string(models.ResourceRoadNetwork),
		projectID:  run.projectID,
		scenarioID: run.scenarioID,
		sourcePath: file.Path,
	})
}

func (o *Orchestrator) importOSMRoadNetwork(ctx context.Context, run *setupRun) (*models.File, error) {
	// The bounding box comes from the admin bounds step.
	adminData, err := run.barrier.AwaitOne(ctx, EventAdminBoundsData)
	if err != nil {
		return nil, err
	}

	fc, ok := adminData.(*geojson.FeatureCollection)
	if !ok {
		return nil, errors.New("admin bounds event carried no feature collection")
	}

	err = run.op.Log(ctx, "process:road-network", map[string]any{"message": "Importing road network from OSM"})
	if err != nil {
		return nil, err
	}

	if err := o.db.Files().DeleteScenarioFiles(ctx, run.scenarioID, string(models.ResourceRoadNetwork)); err != nil {
		return nil, err
	}

	osmXML, err := o.importer.RoadNetwork(ctx, overpass.FeatureCollectionBBox(fc))
	if err != nil {
		return nil, fmt.Errorf("importing road network from overpass: %w", err)
	}

	fileName := timestampName(string(models.ResourceRoadNetwork))
	filePath := fmt.Sprintf("scenario-%d/%s", run.scenarioID, fileName)

	if err := o.store.Put(ctx, filePath, bytes.NewReader(osmXML), int64(len(osmXML))); err != nil {
		return nil, fmt.Errorf("storing road network file: %w", err)
	}

	return o.db.Files().Insert(ctx, &models.File{
		ProjectID:  run.projectID,
		ScenarioID: run.scenarioID,
		Name:       fileName,
		Type:       string(models.ResourceRoadNetwork),
		Path:       filePath,
	})
}

// importEditableRoadNetwork hands the OSM parse to an external runner. The
// import chews through the whole file, so it must not run on the
// orchestrator's goroutines, and going through the runner keeps it
// reachable for a kill.
func (o *Orchestrator) importEditableRoadNetwork(ctx context.Context, op *operation.Operation, projectID, scenarioID int64, file *models.File) error {
	err := op.Log(ctx, "process:road-network", map[string]any{"message": "Importing road network into editable store"})
	if err != nil {
		return err
	}

	return o.runService(ctx, op, runner.Job{
		Service:     runner.ServiceImportRoadNetwork,
		ProjectID:   projectID,
		ScenarioID:  scenarioID,
		OperationID: op.ID(),
		Data:        map[string]any{"source": file.Path},
	})
}

// scenarioFile returns the single scenario file of a type.
func (o *Orchestrator) scenarioFile(ctx context.Context, scenarioID int64, name models.ResourceName) (*models.File, error) {
	files, err := o.db.Files().GetScenarioFiles(ctx, scenarioID, string(name))
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		if name == models.ResourceRoadNetwork {
			return nil, ErrNoRoadNetworkFile
		}

		return nil, persistence.ErrFileNotFound
	}

	return files[0], nil
}
