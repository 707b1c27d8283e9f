// Package pipeline orchestrates the multi-stage geodata runs behind the
// API: finishing a project's setup, creating scenarios and generating
// analysis results. Steps report progress through the operation ledger and
// coordinate through a per-run barrier.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/eventbus"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/operation"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/storage"
)

// Barrier event names used to coordinate sibling steps.
const (
	EventAdminBoundsData       = "admin-bounds:data"
	EventRoadNetworkActiveEdit = "road-network:active-editing"
)

// GeodataImporter pulls OSM data for a bounding box. Implemented by the
// overpass client.
type GeodataImporter interface {
	RoadNetwork(ctx context.Context, bbox string) ([]byte, error)
	POI(ctx context.Context, bbox string, poiTypes []string) (map[string]*geojson.FeatureCollection, error)
}

// CatalogDownloader materializes World Bank catalog picks as files.
// Implemented by the wbcatalog service.
type CatalogDownloader interface {
	DownloadProjectFile(ctx context.Context, projectID int64, source *models.SourceData) (*models.File, error)
	DownloadScenarioFile(ctx context.Context, projectID, scenarioID int64, source *models.SourceData) (*models.File, error)
	DownloadPoiFiles(ctx context.Context, projectID, scenarioID int64, source *models.SourceData) ([]*models.File, error)
}

// RoadNetworkStore is the part of the editable geodata store the
// orchestrator touches directly. The heavy import and export of store
// contents runs out of process, through the step runner.
type RoadNetworkStore interface {
	Clone(ctx context.Context, projectID, srcScenarioID, dstScenarioID int64) error
	Remove(ctx context.Context, projectID, scenarioID int64) error
}

// Config tunes pipeline behavior.
type Config struct {
	// RoadNetEditMax is the road network file size in bytes above which
	// in-browser editing is disabled and the editable import skipped.
	RoadNetEditMax int64
	// VectorTiles enables tile generation after imports. Off in tests.
	VectorTiles bool
	// TileImage is the container image used for tile generation.
	TileImage string
}

// Orchestrator wires the pipeline's collaborators. One instance serves the
// whole process; each run gets its own barrier and operation handle.
type Orchestrator struct {
	db       persistence.Persistence
	store    storage.Store
	bus      eventbus.Bus
	importer GeodataImporter
	catalog  CatalogDownloader
	roads    RoadNetworkStore
	runners  runner.Factory
	registry *runner.Registry
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(
	db persistence.Persistence,
	store storage.Store,
	bus eventbus.Bus,
	importer GeodataImporter,
	catalog CatalogDownloader,
	roads RoadNetworkStore,
	runners runner.Factory,
	registry *runner.Registry,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:       db,
		store:    store,
		bus:      bus,
		importer: importer,
		catalog:  catalog,
		roads:    roads,
		runners:  runners,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("ram-backend/pipeline"),
	}
}

// newOperation builds a ledger handle that mirrors every committed log
// entry onto the progress bus.
func (o *Orchestrator) newOperation(projectID, scenarioID int64) *operation.Operation {
	op := operation.New(o.db.Operations(), o.logger)

	op.SetObserver(func(row *models.Operation, entry *models.OperationLog) {
		event := &eventbus.OperationLogEvent{
			OperationID: row.ID,
			Name:        row.Name,
			ProjectID:   row.ProjectID,
			ScenarioID:  row.ScenarioID,
			Status:      row.Status,
			Code:        entry.Code,
			Data:        entry.Data,
			CreatedAt:   entry.CreatedAt,
		}

		if err := o.bus.PublishOperationLog(context.Background(), event); err != nil {
			o.logger.Warn("publishing operation log failed",
				"operation_id", row.ID, "error", err)
		}
	})

	return op
}

// fail records a failed run: the error becomes the trailing log entry and
// the operation completes. When a concurrent abort already completed the
// operation, the outcome stands.
func (o *Orchestrator) fail(ctx context.Context, op *operation.Operation, runErr error) {
	if err := op.Reload(ctx); err != nil {
		o.logger.Error("reloading operation after failure",
			"operation_id", op.ID(), "error", err)

		return
	}

	err := op.Finish(ctx, models.LogCodeError, map[string]any{"error": runErr.Error()})
	if err != nil && !errors.Is(err, operation.ErrComplete) {
		o.logger.Error("recording operation failure",
			"operation_id", op.ID(), "error", err)
	}
}

func timestampName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixMilli())
}
