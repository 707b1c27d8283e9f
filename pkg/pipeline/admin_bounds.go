package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
)

// ErrInvalidAdminBounds flags an admin boundaries file without usable
// features.
var ErrInvalidAdminBounds = errors.New("invalid administrative boundaries file")

// stepAdminBounds loads the administrative boundaries, stores the named
// areas and the project bounding box, and republishes a cleaned file. It
// fires the admin-bounds:data event the road network and POI steps may be
// waiting on.
func (o *Orchestrator) stepAdminBounds(ctx context.Context, run *setupRun) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.step.admin_bounds")
	defer span.End()

	if err := run.op.Log(ctx, "process:admin-bounds", map[string]any{"message": "Processing admin areas"}); err != nil {
		return err
	}

	source, err := o.db.SourceData().GetProjectSource(ctx, run.projectID, models.ResourceAdminBounds)
	if err != nil {
		return fmt.Errorf("loading admin-bounds source: %w", err)
	}

	if source.Kind == models.SourceKindWBCatalog {
		if _, err := o.catalog.DownloadProjectFile(ctx, run.projectID, source); err != nil {
			return fmt.Errorf("downloading admin-bounds from catalog: %w", err)
		}
	}

	file, err := o.db.Files().GetProjectFile(ctx, run.projectID, string(models.ResourceAdminBounds))
	if err != nil {
		return fmt.Errorf("loading admin-bounds file: %w", err)
	}

	var fc geojson.FeatureCollection
	if err := o.store.GetJSON(ctx, file.Path, &fc); err != nil {
		return fmt.Errorf("reading admin-bounds file: %w", err)
	}

	if len(fc.Features) == 0 {
		return ErrInvalidAdminBounds
	}

	filtered := filterAdminFeatures(&fc)
	if len(filtered.Features) == 0 {
		return ErrInvalidAdminBounds
	}

	areas := make([]models.AdminArea, len(filtered.Features))

	for i, f := range filtered.Features {
		name, _ := f.Properties["name"].(string)

		areaType, ok := f.Properties["type"].(string)
		if !ok || areaType == "" {
			areaType = "Admin Area"
		}

		areas[i] = models.AdminArea{Name: name, Type: areaType}
	}

	bbox := collectionBBox(filtered)

	err = o.db.Projects().FinishAdminAreas(ctx, run.projectID, run.scenarioID, bbox, areas)
	if err != nil {
		return fmt.Errorf("storing admin areas: %w", err)
	}

	// Republish the cleaned file; tile generation needs normalized
	// properties.
	newName := timestampName(string(models.ResourceAdminBounds))
	newPath := fmt.Sprintf("project-%d/%s", run.projectID, newName)

	if err := o.store.PutJSON(ctx, newPath, filtered); err != nil {
		return fmt.Errorf("storing cleaned admin-bounds file: %w", err)
	}

	oldPath := file.Path
	file.Name = newName
	file.Path = newPath

	if err := o.db.Files().Update(ctx, file); err != nil {
		return fmt.Errorf("updating admin-bounds file row: %w", err)
	}

	if err := o.store.Delete(ctx, oldPath); err != nil {
		return fmt.Errorf("removing old admin-bounds file: %w", err)
	}

	run.barrier.Emit(EventAdminBoundsData, filtered)

	return o.generateVectorTiles(ctx, run.op, tileJob{
		kind:       string(models.ResourceAdminBounds),
		projectID:  run.projectID,
		scenarioID: run.scenarioID,
		sourcePath: newPath,
	})
}

// filterAdminFeatures keeps named, non-point features and normalizes the
// name property's casing.
func filterAdminFeatures(fc *geojson.FeatureCollection) *geojson.FeatureCollection {
	filtered := geojson.NewFeatureCollection()

	for _, f := range fc.Features {
		if _, ok := f.Geometry.(orb.Point); ok {
			continue
		}

		name, ok := stringProp(f.Properties, "name")
		if !ok {
			continue
		}

		f.Properties["name"] = name
		filtered.Append(f)
	}

	return filtered
}

// collectionBBox returns [minX, minY, maxX, maxY] of a collection.
func collectionBBox(fc *geojson.FeatureCollection) []float64 {
	bound := fc.Features[0].Geometry.Bound()
	for _, f := range fc.Features[1:] {
		bound = bound.Union(f.Geometry.Bound())
	}

	return []float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}
}
