package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/eventbus"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/operation"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence/memory"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/pipeline"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/storage"
)

func waitOp(t *testing.T, f *fixture, name string, scenarioID int64) *models.Operation {
	t.Helper()

	var row *models.Operation

	require.Eventually(t, func() bool {
		r, err := f.db.Operations().GetByData(context.Background(), name, f.project.ID, scenarioID)
		if err != nil {
			return false
		}

		row = r

		return r.Status == models.OperationStatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	return row
}

// seedMasterScenarioData gives the master scenario the files a finished
// setup leaves behind: a road network blob and one POI file per type.
func seedMasterScenarioData(t *testing.T, f *fixture) {
	t.Helper()

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

	err := f.db.Scenarios().SetSetting(t.Context(), f.scenario.ID, models.SettingRNActiveEditing, "true")
	require.NoError(t, err)
}

func TestScenarioCreateClone(t *testing.T) {
	f := newFixture(t, pipeline.Config{RoadNetEditMax: 1 << 20})
	seedMasterScenarioData(t, f)

	scenario := f.db.SeedScenario(&models.Scenario{
		ProjectID: f.project.ID,
		Name:      "Alternative roads",
	})
	f.db.SeedSource(&models.SourceData{
		ProjectID:  f.project.ID,
		ScenarioID: scenario.ID,
		Name:       models.ResourceRoadNetwork,
		Kind:       models.SourceKindClone,
		Data:       map[string]any{"scenarioID": float64(f.scenario.ID)},
	})

	op, err := f.orch.StartScenarioCreate(t.Context(), f.project.ID, scenario.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusRunning, op.Status)

	row := waitOp(t, f, models.OpScenarioCreate, scenario.ID)
	last := f.lastLog(t, row.ID)
	require.Equal(t, models.LogCodeSuccess, last.Code, "run failed: %v", last.Data)

	created, err := f.db.Scenarios().GetByID(t.Context(), scenario.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScenarioStatusActive, created.Status)

	// Files were copied, rows and blobs, keeping the POI subtype.
	rnFiles, err := f.db.Files().GetScenarioFiles(t.Context(), scenario.ID, string(models.ResourceRoadNetwork))
	require.NoError(t, err)
	require.Len(t, rnFiles, 1)
	size, err := f.store.Size(t.Context(), rnFiles[0].Path)
	require.NoError(t, err)
	assert.Positive(t, size)

	poiFiles, err := f.db.Files().GetScenarioFiles(t.Context(), scenario.ID, string(models.ResourcePOI))
	require.NoError(t, err)
	require.Len(t, poiFiles, 1)
	assert.Equal(t, "health", poiFiles[0].Subtype)

	// And so were the editable store and the editing setting.
	f.roads.mu.Lock()
	cloned := len(f.roads.cloned)
	f.roads.mu.Unlock()
	assert.Equal(t, 1, cloned)

	editing, err := f.db.Scenarios().GetSetting(t.Context(), scenario.ID, models.SettingRNActiveEditing)
	require.NoError(t, err)
	assert.Equal(t, "true", editing)

	// Admin area selection starts empty.
	selection, err := f.db.Scenarios().GetSetting(t.Context(), scenario.ID, models.SettingAdminAreas)
	require.NoError(t, err)
	assert.Equal(t, "[]", selection)
}

func TestScenarioCreateCloneWithoutSource(t *testing.T) {
	f := newFixture(t, pipeline.Config{RoadNetEditMax: 1 << 20})

	scenario := f.db.SeedScenario(&models.Scenario{ProjectID: f.project.ID, Name: "Broken"})
	f.db.SeedSource(&models.SourceData{
		ProjectID:  f.project.ID,
		ScenarioID: scenario.ID,
		Name:       models.ResourceRoadNetwork,
		Kind:       models.SourceKindClone,
	})

	_, err := f.orch.StartScenarioCreate(t.Context(), f.project.ID, scenario.ID)
	require.NoError(t, err)

	row := waitOp(t, f, models.OpScenarioCreate, scenario.ID)
	last := f.lastLog(t, row.ID)
	assert.Equal(t, models.LogCodeError, last.Code)
	assert.Contains(t, last.Data["error"], "clone source scenario")
	assert.True(t, row.Failed(last))
}

func TestScenarioCreateFromUpload(t *testing.T) {
	f := newFixture(t, pipeline.Config{RoadNetEditMax: 1 << 20})
	f.runners.autoFinish = true
	seedMasterScenarioData(t, f)

	scenario := f.db.SeedScenario(&models.Scenario{
		ProjectID: f.project.ID,
		Name:      "Fresh network",
	})
	f.db.SeedSource(&models.SourceData{
		ProjectID:  f.project.ID,
		ScenarioID: scenario.ID,
		Name:       models.ResourceRoadNetwork,
		Kind:       models.SourceKindNew,
		Data:       map[string]any{"roadNetworkFile": "road-network_upload"},
	})

	// The route layer stores the upload before the operation starts.
	uploadPath := fmt.Sprintf("scenario-%d/road-network_upload", scenario.ID)
	content := []byte(`<osm version="0.6"></osm>`)
	require.NoError(t, f.store.Put(t.Context(), uploadPath, bytes.NewReader(content), int64(len(content))))

	_, err := f.orch.StartScenarioCreate(t.Context(), f.project.ID, scenario.ID)
	require.NoError(t, err)

	row := waitOp(t, f, models.OpScenarioCreate, scenario.ID)
	last := f.lastLog(t, row.ID)
	require.Equal(t, models.LogCodeSuccess, last.Code, "run failed: %v", last.Data)

	// The POI files come from the master, the road network from the
	// upload.
	poiFiles, err := f.db.Files().GetScenarioFiles(t.Context(), scenario.ID, string(models.ResourcePOI))
	require.NoError(t, err)
	require.Len(t, poiFiles, 1)

	rnFiles, err := f.db.Files().GetScenarioFiles(t.Context(), scenario.ID, string(models.ResourceRoadNetwork))
	require.NoError(t, err)
	require.Len(t, rnFiles, 1)
	assert.Equal(t, uploadPath, rnFiles[0].Path)

	editing, err := f.db.Scenarios().GetSetting(t.Context(), scenario.ID, models.SettingRNActiveEditing)
	require.NoError(t, err)
	assert.Equal(t, "true", editing)

	rnJobs := f.runners.jobsForService(runner.ServiceImportRoadNetwork)
	require.Len(t, rnJobs, 1)
	assert.Equal(t, scenario.ID, rnJobs[0].ScenarioID)
	assert.Equal(t, uploadPath, rnJobs[0].Data["source"])
}

func TestGenerateResultsSuccess(t *testing.T) {
	f := newFixture(t, pipeline.Config{})

	// Leftovers of a previous run must be cleared first.
	stalePath := fmt.Sprintf("scenario-%d/results_old", f.scenario.ID)
	require.NoError(t, f.store.Put(t.Context(), stalePath, bytes.NewReader([]byte("csv")), 3))
	f.db.SeedFile(&models.File{
		ProjectID:  f.project.ID,
		ScenarioID: f.scenario.ID,
		Name:       "results_old",
		Type:       pipeline.FileTypeResults,
		Path:       stalePath,
	})

	op, err := f.orch.StartGenerateResults(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusRunning, op.Status)

	_, err = f.store.Size(t.Context(), stalePath)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	r := f.runners.waitForRunner(t, 1)
	r.emit(runner.Message{Type: "analysis", Data: map[string]any{"message": "Analysis 50% complete"}})
	r.finish(nil)

	row := waitOp(t, f, models.OpGenerateAnalysis, f.scenario.ID)
	last := f.lastLog(t, row.ID)
	require.Equal(t, models.LogCodeSuccess, last.Code, "run failed: %v", last.Data)
	assert.False(t, row.Failed(last))

	jobs := f.runners.jobsSnapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, runner.ServiceGenerateResults, jobs[0].Service)
	assert.Equal(t, row.ID, jobs[0].OperationID)

	// The runner's progress message landed in the ledger.
	logs, err := f.db.Operations().Logs(t.Context(), row.ID)
	require.NoError(t, err)

	var sawProgress bool

	for _, entry := range logs {
		if entry.Code == "analysis" {
			sawProgress = true
		}
	}

	assert.True(t, sawProgress)
}

func TestGenerateResultsFailure(t *testing.T) {
	f := newFixture(t, pipeline.Config{})

	_, err := f.orch.StartGenerateResults(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)

	r := f.runners.waitForRunner(t, 1)
	r.finish(&runner.ExitError{Code: 3})

	row := waitOp(t, f, models.OpGenerateAnalysis, f.scenario.ID)
	last := f.lastLog(t, row.ID)
	assert.Equal(t, models.LogCodeError, last.Code)
	assert.Contains(t, last.Data["error"], "unknown error. code 3")
	assert.True(t, row.Failed(last))
}

func TestGenerateResultsReExportsEditedRoadNetwork(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	seedMasterScenarioData(t, f)

	oldFiles, err := f.db.Files().GetScenarioFiles(t.Context(), f.scenario.ID, string(models.ResourceRoadNetwork))
	require.NoError(t, err)
	require.Len(t, oldFiles, 1)
	oldPath := oldFiles[0].Path

	_, err = f.orch.StartGenerateResults(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)

	// With editing active the browser edits are written back first; the
	// analysis only starts once the export is done.
	export := f.runners.waitForRunner(t, 1)
	export.finish(nil)

	analysis := f.runners.waitForRunner(t, 2)
	analysis.finish(nil)

	row := waitOp(t, f, models.OpGenerateAnalysis, f.scenario.ID)
	last := f.lastLog(t, row.ID)
	require.Equal(t, models.LogCodeSuccess, last.Code, "run failed: %v", last.Data)

	jobs := f.runners.jobsSnapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, runner.ServiceExportRoadNetwork, jobs[0].Service)
	assert.Equal(t, runner.ServiceGenerateResults, jobs[1].Service)

	exportPath, _ := jobs[0].Data["path"].(string)
	require.NotEmpty(t, exportPath)
	assert.NotEqual(t, oldPath, exportPath)

	// The scenario's road network row now points at the fresh export and
	// the stale blob is gone.
	rnFiles, err := f.db.Files().GetScenarioFiles(t.Context(), f.scenario.ID, string(models.ResourceRoadNetwork))
	require.NoError(t, err)
	require.Len(t, rnFiles, 1)
	assert.Equal(t, exportPath, rnFiles[0].Path)

	_, err = f.store.Size(t.Context(), oldPath)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// flakyLedger refuses AppendLog for a single code, breaking exactly one
// ledger write on a running operation.
type flakyLedger struct {
	persistence.OperationRepository

	mu       sync.Mutex
	failCode string
}

func (l *flakyLedger) setFailCode(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failCode = code
}

func (l *flakyLedger) AppendLog(ctx context.Context, operationID int64, code string, data map[string]any) (*models.OperationLog, error) {
	l.mu.Lock()
	failCode := l.failCode
	l.mu.Unlock()

	if failCode != "" && code == failCode {
		return nil, errors.New("ledger unavailable")
	}

	return l.OperationRepository.AppendLog(ctx, operationID, code, data)
}

type flakyPersistence struct {
	*memory.Persistence

	ledger *flakyLedger
}

func (p *flakyPersistence) Operations() persistence.OperationRepository { return p.ledger }

func TestGenerateResultsLedgerFailureFreesRetry(t *testing.T) {
	db := memory.NewPersistence()
	ledger := &flakyLedger{OperationRepository: db.Operations()}
	flaky := &flakyPersistence{Persistence: db, ledger: ledger}

	store := storage.NewMemoryStore()
	runners := &fakeRunnerFactory{autoFinish: true}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := eventbus.NewGoChannelBus(watermill.NopLogger{})
	t.Cleanup(func() { _ = bus.Close() })

	orch := pipeline.NewOrchestrator(
		flaky, store, bus, &fakeImporter{}, nil, newFakeRoads(),
		runners.new, runner.NewRegistry(), pipeline.Config{}, logger,
	)

	project := db.SeedProject(&models.Project{Name: "accessibility"})
	scenario := db.SeedScenario(&models.Scenario{ProjectID: project.ID, Name: "Main scenario", Master: true})

	// The run's very first progress write fails.
	ledger.setFailCode("generate-analysis")

	_, err := orch.StartGenerateResults(t.Context(), project.ID, scenario.ID)
	require.Error(t, err)

	// The row did not stay running: it settled as failed.
	row, err := db.Operations().GetByData(t.Context(), models.OpGenerateAnalysis, project.ID, scenario.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusComplete, row.Status)

	last, err := db.Operations().LastLog(t.Context(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LogCodeError, last.Code)

	// So a retry is not blocked by a stuck predecessor.
	ledger.setFailCode("")

	retry, err := orch.StartGenerateResults(t.Context(), project.ID, scenario.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusRunning, retry.Status)

	require.Eventually(t, func() bool {
		r, err := db.Operations().GetByID(context.Background(), retry.ID)

		return err == nil && r.Status == models.OperationStatusComplete
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAbortAnalysisDuringRoadNetworkExport(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	seedMasterScenarioData(t, f)

	_, err := f.orch.StartGenerateResults(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)

	f.runners.waitForRunner(t, 1)

	require.NoError(t, f.orch.AbortAnalysis(t.Context(), f.project.ID, f.scenario.ID))

	row := waitOp(t, f, models.OpGenerateAnalysis, f.scenario.ID)
	last := f.lastLog(t, row.ID)
	assert.Equal(t, models.LogCodeError, last.Code)
	assert.Equal(t, "Operation aborted", last.Data["error"])
	assert.True(t, row.Failed(last))

	// The kill landed on the export stage; the analysis never started.
	jobs := f.runners.jobsSnapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, runner.ServiceExportRoadNetwork, jobs[0].Service)
}

func TestAbortAnalysis(t *testing.T) {
	f := newFixture(t, pipeline.Config{})

	_, err := f.orch.StartGenerateResults(t.Context(), f.project.ID, f.scenario.ID)
	require.NoError(t, err)

	f.runners.waitForRunner(t, 1)

	require.NoError(t, f.orch.AbortAnalysis(t.Context(), f.project.ID, f.scenario.ID))

	row := waitOp(t, f, models.OpGenerateAnalysis, f.scenario.ID)
	last := f.lastLog(t, row.ID)
	assert.Equal(t, models.LogCodeError, last.Code)
	assert.Equal(t, "Operation aborted", last.Data["error"])
	assert.True(t, row.Failed(last))

	// Aborting again finds the operation already over.
	err = f.orch.AbortAnalysis(t.Context(), f.project.ID, f.scenario.ID)
	assert.ErrorIs(t, err, operation.ErrComplete)
}
