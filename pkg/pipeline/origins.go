package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
)

// ErrNoIndicators flags an origins file with no numeric population
// columns to use as indicators.
var ErrNoIndicators = errors.New("no valid population estimates found in origins data")

// stepOrigins loads the population origin points and stores them with
// their indicator values. Polygon features are reduced to their centroid.
func (o *Orchestrator) stepOrigins(ctx context.Context, run *setupRun) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.step.origins")
	defer span.End()

	if err := run.op.Log(ctx, "process:origins", map[string]any{"message": "Processing origins"}); err != nil {
		return err
	}

	source, err := o.db.SourceData().GetProjectSource(ctx, run.projectID, models.ResourceOrigins)
	if err != nil {
		return fmt.Errorf("loading origins source: %w", err)
	}

	if source.Kind == models.SourceKindWBCatalog {
		if _, err := o.catalog.DownloadProjectFile(ctx, run.projectID, source); err != nil {
			return fmt.Errorf("downloading origins from catalog: %w", err)
		}
	}

	file, err := o.db.Files().GetProjectFile(ctx, run.projectID, string(models.ResourceOrigins))
	if err != nil {
		return fmt.Errorf("loading origins file: %w", err)
	}

	var fc geojson.FeatureCollection
	if err := o.store.GetJSON(ctx, file.Path, &fc); err != nil {
		return fmt.Errorf("reading origins file: %w", err)
	}

	indicators, err := originIndicators(source, &fc)
	if err != nil {
		return err
	}

	origins := buildOrigins(&fc, indicators)

	if err := o.db.Projects().ReplaceOrigins(ctx, run.projectID, origins); err != nil {
		return fmt.Errorf("storing origins: %w", err)
	}

	return nil
}

// originIndicators resolves which properties hold population values:
// either declared on the source, or detected as the numeric properties of
// the first feature.
func originIndicators(source *models.SourceData, fc *geojson.FeatureCollection) ([]models.OriginIndicator, error) {
	if declared, ok := source.Data["indicators"].([]any); ok && len(declared) > 0 {
		indicators := make([]models.OriginIndicator, 0, len(declared))

		for _, d := range declared {
			m, ok := d.(map[string]any)
			if !ok {
				continue
			}

			key, _ := m["key"].(string)

			label, ok := m["label"].(string)
			if !ok || label == "" {
				label = key
			}

			if key != "" {
				indicators = append(indicators, models.OriginIndicator{Key: key, Label: label})
			}
		}

		if len(indicators) > 0 {
			return indicators, nil
		}
	}

	if len(fc.Features) == 0 {
		return nil, ErrNoIndicators
	}

	var indicators []models.OriginIndicator

	for key, value := range fc.Features[0].Properties {
		if isNumericProp(value) {
			indicators = append(indicators, models.OriginIndicator{Key: key, Label: key})
		}
	}

	if len(indicators) == 0 {
		return nil, ErrNoIndicators
	}

	return indicators, nil
}

// buildOrigins converts the features carrying every indicator property
// into origin rows.
func buildOrigins(fc *geojson.FeatureCollection, indicators []models.OriginIndicator) []models.Origin {
	var origins []models.Origin

	for _, f := range fc.Features {
		values := make([]models.OriginIndicator, 0, len(indicators))

		complete := true

		for _, ind := range indicators {
			_, raw, ok := findProp(f.Properties, ind.Key)
			if !ok {
				complete = false

				break
			}

			value, _ := intProp(raw)
			values = append(values, models.OriginIndicator{Key: ind.Key, Label: ind.Label, Value: value})
		}

		if !complete {
			continue
		}

		var point orb.Point
		if p, ok := f.Geometry.(orb.Point); ok {
			point = p
		} else {
			point, _ = planar.CentroidArea(f.Geometry)
		}

		name, ok := stringProp(f.Properties, "name")
		if !ok {
			name = "N/A"
		}

		origins = append(origins, models.Origin{
			Name:        name,
			Coordinates: []float64{point[0], point[1]},
			Indicators:  values,
		})
	}

	return origins
}
