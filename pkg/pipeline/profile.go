package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
)

// stepProfile makes sure a routing profile file exists: catalog sources
// are downloaded, the default source renders the built-in speed profile,
// and uploaded files need no action.
func (o *Orchestrator) stepProfile(ctx context.Context, run *setupRun) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.step.profile")
	defer span.End()

	source, err := o.db.SourceData().GetProjectSource(ctx, run.projectID, models.ResourceProfile)
	if err != nil {
		return fmt.Errorf("loading profile source: %w", err)
	}

	switch source.Kind {
	case models.SourceKindWBCatalog:
		if _, err := o.catalog.DownloadProjectFile(ctx, run.projectID, source); err != nil {
			return fmt.Errorf("downloading profile from catalog: %w", err)
		}

		return nil
	case models.SourceKindDefault:
		return o.writeDefaultProfile(ctx, run, source)
	default:
		// An uploaded file is already in place.
		return nil
	}
}

func (o *Orchestrator) writeDefaultProfile(ctx context.Context, run *setupRun, source *models.SourceData) error {
	settings := DefaultSpeedSettings()

	// Record the settings used, so the profile can be edited later.
	err := o.db.SourceData().UpdateData(ctx, source.ID, map[string]any{"settings": settings})
	if err != nil {
		return fmt.Errorf("storing profile settings: %w", err)
	}

	fileName := timestampName(string(models.ResourceProfile))
	filePath := fmt.Sprintf("project-%d/%s", run.projectID, fileName)

	rendered := RenderProfile(settings)
	if err := o.store.Put(ctx, filePath, strings.NewReader(rendered), int64(len(rendered))); err != nil {
		return fmt.Errorf("storing profile file: %w", err)
	}

	if err := o.db.Files().DeleteProjectFiles(ctx, run.projectID, string(models.ResourceProfile)); err != nil {
		return err
	}

	_, err = o.db.Files().Insert(ctx, &models.File{
		ProjectID: run.projectID,
		Name:      fileName,
		Type:      string(models.ResourceProfile),
		Path:      filePath,
	})

	return err
}

// SpeedSettings are the tunable tables of the routing profile.
type SpeedSettings struct {
	SpeedProfile  map[string]int `json:"speed_profile"`
	SurfaceSpeeds map[string]int `json:"surface_speeds"`
	TrackTypes    map[string]int `json:"tracktype_speeds"`
	SmoothSpeeds  map[string]int `json:"smoothness_speeds"`
	MaxSpeedTable map[string]int `json:"maxspeed_table"`
}

// DefaultSpeedSettings returns the built-in speed tables used when a
// project picks the default profile.
func DefaultSpeedSettings() SpeedSettings {
	return SpeedSettings{
		SpeedProfile: map[string]int{
			"motorway": 90, "motorway_link": 45,
			"trunk": 85, "trunk_link": 40,
			"primary": 65, "primary_link": 30,
			"secondary": 55, "secondary_link": 25,
			"tertiary": 40, "tertiary_link": 20,
			"unclassified": 25, "residential": 25,
			"living_street": 10, "service": 15,
			"ferry": 5, "movable": 5, "shuttle_train": 10,
			"default": 10,
		},
		SurfaceSpeeds: map[string]int{
			"cement": 80, "compacted": 80, "fine_gravel": 80,
			"paving_stones": 60, "metal": 60, "bricks": 60,
			"grass": 40, "wood": 40, "sett": 40, "grass_paver": 40,
			"gravel": 40, "unpaved": 40, "ground": 40, "dirt": 40,
			"pebblestone": 40, "tartan": 40,
			"cobblestone": 30, "clay": 30,
			"earth": 20, "stone": 20, "rocky": 20, "sand": 20,
			"mud": 10,
		},
		TrackTypes: map[string]int{
			"grade1": 60, "grade2": 40, "grade3": 30,
			"grade4": 25, "grade5": 20,
		},
		SmoothSpeeds: map[string]int{
			"intermediate": 80, "bad": 40, "very_bad": 20,
			"horrible": 10, "very_horrible": 5, "impassable": 0,
		},
		MaxSpeedTable: map[string]int{
			"urban": 50, "rural": 90, "trunk": 110, "motorway": 130,
		},
	}
}

// RenderProfile renders the speed settings into an OSRM Lua profile.
func RenderProfile(settings SpeedSettings) string {
	var b strings.Builder

	b.WriteString("-- Speed profile generated from project settings.\n\n")
	writeLuaTable(&b, "speed_profile", settings.SpeedProfile)
	writeLuaTable(&b, "surface_speeds", settings.SurfaceSpeeds)
	writeLuaTable(&b, "tracktype_speeds", settings.TrackTypes)
	writeLuaTable(&b, "smoothness_speeds", settings.SmoothSpeeds)
	writeLuaTable(&b, "maxspeed_table", settings.MaxSpeedTable)

	b.WriteString(`
api_version = 1

function setup()
  return {
    properties = {
      weight_name = 'duration',
      max_speed_for_map_matching = 180 / 3.6,
      u_turn_penalty = 20
    },
    speed_profile = speed_profile,
    surface_speeds = surface_speeds,
    tracktype_speeds = tracktype_speeds,
    smoothness_speeds = smoothness_speeds,
    maxspeed_table = maxspeed_table
  }
end

function process_way(profile, way, result)
  local highway = way:get_value_by_key('highway')
  if not highway then
    return
  end

  local speed = profile.speed_profile[highway] or profile.speed_profile['default']

  local surface = way:get_value_by_key('surface')
  if surface and profile.surface_speeds[surface] then
    speed = math.min(speed, profile.surface_speeds[surface])
  end

  local tracktype = way:get_value_by_key('tracktype')
  if tracktype and profile.tracktype_speeds[tracktype] then
    speed = math.min(speed, profile.tracktype_speeds[tracktype])
  end

  local smoothness = way:get_value_by_key('smoothness')
  if smoothness and profile.smoothness_speeds[smoothness] then
    speed = math.min(speed, profile.smoothness_speeds[smoothness])
  end

  result.forward_speed = speed
  result.backward_speed = speed
  result.forward_mode = mode.driving
  result.backward_mode = mode.driving
end

return {
  setup = setup,
  process_way = process_way
}
`)

	return b.String()
}

func writeLuaTable(b *strings.Builder, name string, values map[string]int) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	fmt.Fprintf(b, "%s = {\n", name)

	for _, k := range keys {
		fmt.Fprintf(b, "  [%q] = %d,\n", k, values[k])
	}

	b.WriteString("}\n\n")
}
