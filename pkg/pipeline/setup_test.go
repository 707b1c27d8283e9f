package pipeline_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/eventbus"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence/memory"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/pipeline"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/storage"
)

type fixture struct {
	db       *memory.Persistence
	store    *storage.MemoryStore
	roads    *fakeRoads
	importer *fakeImporter
	runners  *fakeRunnerFactory
	orch     *pipeline.Orchestrator

	project  *models.Project
	scenario *models.Scenario
}

func newFixture(t *testing.T, cfg pipeline.Config) *fixture {
	t.Helper()

	f := &fixture{
		db:    memory.NewPersistence(),
		store: storage.NewMemoryStore(),
		roads: newFakeRoads(),
		importer: &fakeImporter{
			roadXML: []byte(`<osm version="0.6"></osm>`),
			pois:    map[string]*geojson.FeatureCollection{},
		},
		runners: &fakeRunnerFactory{},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := eventbus.NewGoChannelBus(watermill.NopLogger{})
	t.Cleanup(func() { _ = bus.Close() })

	f.orch = pipeline.NewOrchestrator(
		f.db, f.store, bus, f.importer, nil, f.roads,
		f.runners.new, runner.NewRegistry(), cfg, logger,
	)

	f.project = f.db.SeedProject(&models.Project{Name: "accessibility"})
	f.scenario = f.db.SeedScenario(&models.Scenario{
		ProjectID: f.project.ID,
		Name:      "Main scenario",
		Master:    true,
	})

	return f
}

// seedProjectGeoJSON stores a feature collection and registers it as the
// project file for a resource.
func (f *fixture) seedProjectGeoJSON(t *testing.T, name models.ResourceName, fc *geojson.FeatureCollection) {
	t.Helper()

	path := fmt.Sprintf("project-%d/%s_0", f.project.ID, name)
	require.NoError(t, f.store.PutJSON(t.Context(), path, fc))

	f.db.SeedFile(&models.File{
		ProjectID: f.project.ID,
		Name:      fmt.Sprintf("%s_0", name),
		Type:      string(name),
		Path:      path,
	})
}

func (f *fixture) seedScenarioBlob(t *testing.T, name, subtype string, content []byte) *models.File {
	t.Helper()

	path := fmt.Sprintf("scenario-%d/%s", f.scenario.ID, name)
	require.NoError(t, f.store.Put(t.Context(), path, bytes.NewReader(content), int64(len(content))))

	return f.db.SeedFile(&models.File{
		ProjectID:  f.project.ID,
		ScenarioID: f.scenario.ID,
		Name:       name,
		Type:       subtypeType(subtype),
		Subtype:    subtype,
		Path:       path,
	})
}

func subtypeType(subtype string) string {
	if subtype == "" {
		return string(models.ResourceRoadNetwork)
	}

	return string(models.ResourcePOI)
}

func (f *fixture) seedSource(name models.ResourceName, kind models.SourceKind, data map[string]any) {
	source := &models.SourceData{ProjectID: f.project.ID, Name: name, Kind: kind, Data: data}
	if !models.ProjectResources[name] {
		source.ScenarioID = f.scenario.ID
	}

	f.db.SeedSource(source)
}

// seedFileSources wires every resource to an already uploaded file, the
// simplest valid project.
func (f *fixture) seedFileSources(t *testing.T) {
	t.Helper()

	f.seedSource(models.ResourceAdminBounds, models.SourceKindFile, nil)
	f.seedSource(models.ResourceOrigins, models.SourceKindFile, nil)
	f.seedSource(models.ResourceProfile, models.SourceKindDefault, nil)
	f.seedSource(models.ResourceRoadNetwork, models.SourceKindFile, nil)
	f.seedSource(models.ResourcePOI, models.SourceKindFile, nil)

	f.seedProjectGeoJSON(t, models.ResourceAdminBounds, adminBoundsFixture())
	f.seedProjectGeoJSON(t, models.ResourceOrigins, originsFixture())
	f.seedScenarioBlob(t, "road-network_0", "", []byte(`<osm version="0.6"></osm>`))

	path := fmt.Sprintf("scenario-%d/poi_health_0", f.scenario.ID)
	require.NoError(t, f.store.PutJSON(t.Context(), path, poiFixture(2)))
	f.db.SeedFile(&models.File{
		ProjectID:  f.project.ID,
		ScenarioID: f.scenario.ID,
		Name:       "poi_health_0",
		Type:       string(models.ResourcePOI),
		Subtype:    "health",
		Path:       path,
	})
}

func (f *fixture) waitComplete(t *testing.T, name string) *models.Operation {
	t.Helper()

	var row *models.Operation

	require.Eventually(t, func() bool {
		r, err := f.db.Operations().GetByData(context.Background(), name, f.project.ID, f.scenario.ID)
		if err != nil {
			return false
		}

		row = r

		return r.Status == models.OperationStatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	return row
}

func (f *fixture) lastLog(t *testing.T, operationID int64) *models.OperationLog {
	t.Helper()

	entry, err := f.db.Operations().LastLog(t.Context(), operationID)
	require.NoError(t, err)

	return entry
}

func adminBoundsFixture() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	north := geojson.NewFeature(orb.Polygon{{
		{-2.1, 36.5}, {-1.9, 36.5}, {-1.9, 37.2}, {-2.1, 37.2}, {-2.1, 36.5},
	}})
	north.Properties["name"] = "North district"
	north.Properties["type"] = "District"
	fc.Append(north)

	south := geojson.NewFeature(orb.Polygon{{
		{-2.1, 36.0}, {-1.9, 36.0}, {-1.9, 36.5}, {-2.1, 36.5}, {-2.1, 36.0},
	}})
	south.Properties["name"] = "South district"
	fc.Append(south)

	// Unnamed and point features are dropped during cleaning.
	unnamed := geojson.NewFeature(orb.Polygon{{
		{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0},
	}})
	fc.Append(unnamed)

	capital := geojson.NewFeature(orb.Point{-2.0, 36.6})
	capital.Properties["name"] = "Capital"
	fc.Append(capital)

	return fc
}

func originsFixture() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for i, pop := range []int{1200, 3400, 560} {
		f := geojson.NewFeature(orb.Point{-2.0 + float64(i)*0.01, 36.6})
		f.Properties["name"] = fmt.Sprintf("Village %d", i+1)
		f.Properties["population"] = float64(pop)
		fc.Append(f)
	}

	return fc
}

func poiFixture(n int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for i := range n {
		f := geojson.NewFeature(orb.Point{-2.0 + float64(i)*0.005, 36.55})
		f.Properties["name"] = fmt.Sprintf("Facility %d", i+1)
		fc.Append(f)
	}

	return fc
}

type fakeImporter struct {
	mu        sync.Mutex
	roadXML   []byte
	pois      map[string]*geojson.FeatureCollection
	roadCalls []string
	poiCalls  []string
}

func (f *fakeImporter) RoadNetwork(ctx context.Context, bbox string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roadCalls = append(f.roadCalls, bbox)

	return f.roadXML, nil
}

func (f *fakeImporter) POI(ctx context.Context, bbox string, poiTypes []string) (map[string]*geojson.FeatureCollection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.poiCalls = append(f.poiCalls, bbox)

	result := make(map[string]*geojson.FeatureCollection, len(poiTypes))
	for _, t := range poiTypes {
		result[t] = f.pois[t]
	}

	return result, nil
}

type fakeRoads struct {
	mu      sync.Mutex
	cloned  []runner.Key
	removed []runner.Key
}

func newFakeRoads() *fakeRoads {
	return &fakeRoads{}
}

func (f *fakeRoads) Clone(ctx context.Context, projectID, srcScenarioID, dstScenarioID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cloned = append(f.cloned, runner.Key{ProjectID: srcScenarioID, ScenarioID: dstScenarioID})

	return nil
}

func (f *fakeRoads) Remove(ctx context.Context, projectID, scenarioID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed = append(f.removed, runner.Key{ProjectID: projectID, ScenarioID: scenarioID})

	return nil
}

type fakeRunner struct {
	messages chan runner.Message
	done     chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		messages: make(chan runner.Message, 16),
		done:     make(chan struct{}),
	}
}

func (r *fakeRunner) Start(ctx context.Context) error { return nil }

func (r *fakeRunner) Messages() <-chan runner.Message { return r.messages }

func (r *fakeRunner) Done() <-chan struct{} { return r.done }

func (r *fakeRunner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

func (r *fakeRunner) Kill() {
	r.finish(runner.ErrKilled)
}

func (r *fakeRunner) emit(msg runner.Message) {
	r.messages <- msg
}

func (r *fakeRunner) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true
	r.err = err
	close(r.messages)
	close(r.done)
}

type fakeRunnerFactory struct {
	mu      sync.Mutex
	jobs    []runner.Job
	runners []*fakeRunner

	// autoFinish completes every runner as soon as it is built; used
	// when the test only cares about the jobs handed over.
	autoFinish bool
}

func (f *fakeRunnerFactory) new(job runner.Job) (runner.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := newFakeRunner()
	if f.autoFinish {
		r.finish(nil)
	}

	f.jobs = append(f.jobs, job)
	f.runners = append(f.runners, r)

	return r, nil
}

func (f *fakeRunnerFactory) waitForRunner(t *testing.T, n int) *fakeRunner {
	t.Helper()

	var r *fakeRunner

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()

		if len(f.runners) < n {
			return false
		}

		r = f.runners[n-1]

		return true
	}, 5*time.Second, 10*time.Millisecond)

	return r
}

func (f *fakeRunnerFactory) jobsSnapshot() []runner.Job {
	f.mu.Lock()
	defer f.mu.Unlock()

	jobs := make([]runner.Job, len(f.jobs))
	copy(jobs, f.jobs)

	return jobs
}

func (f *fakeRunnerFactory) jobsForService(service string) []runner.Job {
	var jobs []runner.Job

	for _, job := range f.jobsSnapshot() {
		if job.Service == service {
			jobs = append(jobs, job)
		}
	}

	return jobs
}

func TestProjectSetupFromFiles(t *testing.T) {
	f := newFixture(t, pipeline.Config{RoadNetEditMax: 1 << 20})
	f.runners.autoFinish = true
	f.seedFileSources(t)

	op, err := f.orch.StartProjectSetup(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusRunning, op.Status)

	row := f.waitComplete(t, models.OpProjectSetupFinish)
	last := f.lastLog(t, row.ID)
	require.Equal(t, models.LogCodeSuccess, last.Code, "run failed: %v", last.Data)
	assert.False(t, row.Failed(last))

	project, err := f.db.Projects().GetByID(t.Context(), f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusActive, project.Status)
	assert.Equal(t, []float64{-2.1, 36.0, -1.9, 37.2}, project.BBox)

	scenario, err := f.db.Scenarios().GetByID(t.Context(), f.scenario.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScenarioStatusActive, scenario.Status)

	areas, err := f.db.Projects().AdminAreas(t.Context(), f.project.ID)
	require.NoError(t, err)
	require.Len(t, areas, 2)
	assert.Equal(t, "District", areas[0].Type)
	assert.Equal(t, "Admin Area", areas[1].Type)

	origins := f.db.Origins(f.project.ID)
	require.Len(t, origins, 3)
	assert.Equal(t, "population", origins[0].Indicators[0].Key)
	assert.Equal(t, 1200, origins[0].Indicators[0].Value)

	// A default profile was rendered and registered.
	profile, err := f.db.Files().GetProjectFile(t.Context(), f.project.ID, string(models.ResourceProfile))
	require.NoError(t, err)
	size, err := f.store.Size(t.Context(), profile.Path)
	require.NoError(t, err)
	assert.Positive(t, size)

	// Small road network: editing on, both imports handed to the runner.
	editing, err := f.db.Scenarios().GetSetting(t.Context(), f.scenario.ID, models.SettingRNActiveEditing)
	require.NoError(t, err)
	assert.Equal(t, "true", editing)

	rnJobs := f.runners.jobsForService(runner.ServiceImportRoadNetwork)
	require.Len(t, rnJobs, 1)
	assert.NotEmpty(t, rnJobs[0].Data["source"])
	assert.Equal(t, row.ID, rnJobs[0].OperationID)

	poiJobs := f.runners.jobsForService(runner.ServiceImportPOI)
	require.Len(t, poiJobs, 1)
	poiFiles, ok := poiJobs[0].Data["files"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, poiFiles, "health")
}

func TestProjectSetupFromOSM(t *testing.T) {
	f := newFixture(t, pipeline.Config{RoadNetEditMax: 1 << 20})
	f.runners.autoFinish = true

	f.seedSource(models.ResourceAdminBounds, models.SourceKindFile, nil)
	f.seedSource(models.ResourceOrigins, models.SourceKindFile, nil)
	f.seedSource(models.ResourceProfile, models.SourceKindDefault, nil)
	f.seedSource(models.ResourceRoadNetwork, models.SourceKindOSM, nil)
	f.seedSource(models.ResourcePOI, models.SourceKindOSM, map[string]any{
		"osmPoiTypes": []any{"health"},
	})

	f.seedProjectGeoJSON(t, models.ResourceAdminBounds, adminBoundsFixture())
	f.seedProjectGeoJSON(t, models.ResourceOrigins, originsFixture())
	f.importer.pois["health"] = poiFixture(3)

	_, err := f.orch.StartProjectSetup(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)

	row := f.waitComplete(t, models.OpProjectSetupFinish)
	last := f.lastLog(t, row.ID)
	require.Equal(t, models.LogCodeSuccess, last.Code, "run failed: %v", last.Data)

	// Both imports used the bounding box of the cleaned admin bounds,
	// in S,W,N,E order.
	require.Len(t, f.importer.roadCalls, 1)
	assert.Equal(t, "36,-2.1,37.2,-1.9", f.importer.roadCalls[0])
	require.Len(t, f.importer.poiCalls, 1)

	// The fetched data was stored as scenario files.
	rnFiles, err := f.db.Files().GetScenarioFiles(t.Context(), f.scenario.ID, string(models.ResourceRoadNetwork))
	require.NoError(t, err)
	require.Len(t, rnFiles, 1)

	poiFiles, err := f.db.Files().GetScenarioFiles(t.Context(), f.scenario.ID, string(models.ResourcePOI))
	require.NoError(t, err)
	require.Len(t, poiFiles, 1)
	assert.Equal(t, "health", poiFiles[0].Subtype)

	// The freshly fetched files also fed the editable store import.
	require.Len(t, f.runners.jobsForService(runner.ServiceImportRoadNetwork), 1)

	poiJobs := f.runners.jobsForService(runner.ServiceImportPOI)
	require.Len(t, poiJobs, 1)
	imported, ok := poiJobs[0].Data["files"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, poiFiles[0].Path, imported["health"])
}

func TestProjectSetupLargeRoadNetworkSkipsEditing(t *testing.T) {
	f := newFixture(t, pipeline.Config{RoadNetEditMax: 1})
	f.seedFileSources(t)

	_, err := f.orch.StartProjectSetup(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)

	row := f.waitComplete(t, models.OpProjectSetupFinish)
	last := f.lastLog(t, row.ID)
	require.Equal(t, models.LogCodeSuccess, last.Code, "run failed: %v", last.Data)

	editing, err := f.db.Scenarios().GetSetting(t.Context(), f.scenario.ID, models.SettingRNActiveEditing)
	require.NoError(t, err)
	assert.Equal(t, "false", editing)

	// Neither the road network nor the POIs were imported.
	assert.Empty(t, f.runners.jobsSnapshot())
}

func TestProjectSetupFailure(t *testing.T) {
	f := newFixture(t, pipeline.Config{RoadNetEditMax: 1 << 20})
	f.seedFileSources(t)

	// Break the origins file: no numeric property can serve as an
	// indicator.
	broken := geojson.NewFeatureCollection()
	point := geojson.NewFeature(orb.Point{-2.0, 36.6})
	point.Properties["name"] = "Village"
	broken.Append(point)
	f.seedProjectGeoJSON(t, models.ResourceOrigins, broken)

	_, err := f.orch.StartProjectSetup(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)

	row := f.waitComplete(t, models.OpProjectSetupFinish)
	last := f.lastLog(t, row.ID)
	assert.Equal(t, models.LogCodeError, last.Code)
	assert.Contains(t, last.Data["error"], "no valid population estimates")
	assert.True(t, row.Failed(last))

	// The project never activated.
	project, err := f.db.Projects().GetByID(t.Context(), f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusPending, project.Status)
}

func TestProjectSetupSecondStartConflicts(t *testing.T) {
	f := newFixture(t, pipeline.Config{RoadNetEditMax: 1})
	f.seedFileSources(t)

	_, err := f.orch.StartProjectSetup(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)

	// While the first run is still going a second start must be
	// rejected; after completion the ledger row is terminal either way.
	_, err = f.orch.StartProjectSetup(t.Context(), f.project.ID, f.scenario.ID)
	if err == nil {
		row := f.waitComplete(t, models.OpProjectSetupFinish)
		assert.Equal(t, models.OperationStatusComplete, row.Status)

		return
	}

	assert.ErrorContains(t, err, "already running")
	f.waitComplete(t, models.OpProjectSetupFinish)
}

func TestProjectSetupGeneratesVectorTiles(t *testing.T) {
	f := newFixture(t, pipeline.Config{
		RoadNetEditMax: 1 << 20,
		VectorTiles:    true,
		TileImage:      "wbtransport/ram-vt",
	})
	f.runners.autoFinish = true
	f.seedFileSources(t)

	_, err := f.orch.StartProjectSetup(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)

	row := f.waitComplete(t, models.OpProjectSetupFinish)
	last := f.lastLog(t, row.ID)
	require.Equal(t, models.LogCodeSuccess, last.Code, "run failed: %v", last.Data)

	tileJobs := f.runners.jobsForService(runner.ServiceVectorTiles)
	require.Len(t, tileJobs, 2)

	kinds := []any{tileJobs[0].Data["kind"], tileJobs[1].Data["kind"]}
	assert.ElementsMatch(t, []any{"admin-bounds", "road-network"}, kinds)

	for _, job := range tileJobs {
		assert.Equal(t, "wbtransport/ram-vt", job.Data["image"])
		assert.Equal(t, row.ID, job.OperationID)
	}

	// The editable imports went through the same runner strategy.
	require.Len(t, f.runners.jobsForService(runner.ServiceImportRoadNetwork), 1)
	require.Len(t, f.runners.jobsForService(runner.ServiceImportPOI), 1)
}
