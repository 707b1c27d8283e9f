package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/operation"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/overpass"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
)

// stepPOI acquires the points of interest per type and, when the road
// network allows editing, imports them into the editable store alongside
// it.
func (o *Orchestrator) stepPOI(ctx context.Context, run *setupRun) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.step.poi")
	defer span.End()

	if err := run.op.Log(ctx, "process:poi", map[string]any{"message": "Processing points of interest"}); err != nil {
		return err
	}

	source, err := o.db.SourceData().GetScenarioSource(ctx, run.scenarioID, models.ResourcePOI)
	if err != nil {
		return fmt.Errorf("loading poi source: %w", err)
	}

	var files []*models.File

	switch source.Kind {
	case models.SourceKindWBCatalog:
		files, err = o.catalog.DownloadPoiFiles(ctx, run.projectID, run.scenarioID, source)
		if err != nil {
			return fmt.Errorf("downloading pois from catalog: %w", err)
		}
	case models.SourceKindOSM:
		files, err = o.importOSMPOIs(ctx, run, source)
		if err != nil {
			return err
		}
	default:
		files, err = o.db.Files().GetScenarioFiles(ctx, run.scenarioID, string(models.ResourcePOI))
		if err != nil {
			return err
		}
	}

	// The editable import only happens when the road network step decided
	// editing is on.
	decision, err := run.barrier.AwaitOne(ctx, EventRoadNetworkActiveEdit)
	if err != nil {
		return err
	}

	allowEditing, _ := decision.(bool)
	if !allowEditing {
		return nil
	}

	return o.importEditablePOIs(ctx, run.op, run.projectID, run.scenarioID, files)
}

// importEditablePOIs loads the stored POI files into the editable store,
// keyed by their type. Like the road network import it runs through the
// step runner, out of process and killable.
func (o *Orchestrator) importEditablePOIs(ctx context.Context, op *operation.Operation, projectID, scenarioID int64, files []*models.File) error {
	err := op.Log(ctx, "process:poi", map[string]any{"message": "Importing points of interest into editable store"})
	if err != nil {
		return err
	}

	paths := make(map[string]any, len(files))
	for _, file := range files {
		paths[file.Subtype] = file.Path
	}

	return o.runService(ctx, op, runner.Job{
		Service:     runner.ServiceImportPOI,
		ProjectID:   projectID,
		ScenarioID:  scenarioID,
		OperationID: op.ID(),
		Data:        map[string]any{"files": paths},
	})
}

func (o *Orchestrator) importOSMPOIs(ctx context.Context, run *setupRun, source *models.SourceData) ([]*models.File, error) {
	poiTypes := source.OSMPoiTypes()
	if len(poiTypes) == 0 {
		return nil, errors.New("osm poi source has no poi types configured")
	}

	adminData, err := run.barrier.AwaitOne(ctx, EventAdminBoundsData)
	if err != nil {
		return nil, err
	}

	fc, ok := adminData.(*geojson.FeatureCollection)
	if !ok {
		return nil, errors.New("admin bounds event carried no feature collection")
	}

	if err := run.op.Log(ctx, "process:poi", map[string]any{"message": "Importing poi from OSM"}); err != nil {
		return nil, err
	}

	if err := o.db.Files().DeleteScenarioFiles(ctx, run.scenarioID, string(models.ResourcePOI)); err != nil {
		return nil, err
	}

	poisData, err := o.importer.POI(ctx, overpass.FeatureCollectionBBox(fc), poiTypes)
	if err != nil {
		return nil, fmt.Errorf("importing pois from overpass: %w", err)
	}

	var (
		files []*models.File
		empty []string
	)

	for _, poiType := range poiTypes {
		data := poisData[poiType]
		if data == nil || len(data.Features) == 0 {
			empty = append(empty, poiType)

			continue
		}

		fileName := fmt.Sprintf("%s_%s_%d", models.ResourcePOI, poiType, time.Now().UnixMilli())
		filePath := fmt.Sprintf("scenario-%d/%s", run.scenarioID, fileName)

		if err := o.store.PutJSON(ctx, filePath, data); err != nil {
			return nil, fmt.Errorf("storing %s poi file: %w", poiType, err)
		}

		file, err := o.db.Files().Insert(ctx, &models.File{
			ProjectID:  run.projectID,
			ScenarioID: run.scenarioID,
			Name:       fileName,
			Type:       string(models.ResourcePOI),
			Subtype:    poiType,
			Path:       filePath,
		})
		if err != nil {
			return nil, err
		}

		files = append(files, file)
	}

	if len(empty) > 0 {
		return nil, fmt.Errorf("no poi were returned for [%s]", strings.Join(empty, ", "))
	}

	return files, nil
}
