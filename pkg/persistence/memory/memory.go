// Package memory provides an in-memory persistence implementation used by
// tests and offline development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
)

// Persistence keeps all rows in process memory, guarded by one mutex. It
// honors the same invariants as the PostgreSQL implementation, including
// the running-operation mutual exclusion and cascade deletes.
type Persistence struct {
	mu sync.Mutex

	nextID     int64
	operations map[int64]*models.Operation
	logs       []*models.OperationLog
	projects   map[int64]*models.Project
	scenarios  map[int64]*models.Scenario
	settings   map[int64]map[string]string
	adminAreas map[int64][]models.AdminArea
	origins    map[int64][]models.Origin
	files      map[int64]*models.File
	sources    map[int64]*models.SourceData
	catalog    []models.CatalogResource
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		operations: make(map[int64]*models.Operation),
		projects:   make(map[int64]*models.Project),
		scenarios:  make(map[int64]*models.Scenario),
		settings:   make(map[int64]map[string]string),
		adminAreas: make(map[int64][]models.AdminArea),
		origins:    make(map[int64][]models.Origin),
		files:      make(map[int64]*models.File),
		sources:    make(map[int64]*models.SourceData),
	}
}

func (p *Persistence) Operations() persistence.OperationRepository { return &operationRepo{p} }

func (p *Persistence) Projects() persistence.ProjectRepository { return &projectRepo{p} }

func (p *Persistence) Scenarios() persistence.ScenarioRepository { return &scenarioRepo{p} }

func (p *Persistence) Files() persistence.FileRepository { return &fileRepo{p} }

func (p *Persistence) SourceData() persistence.SourceDataRepository { return &sourceRepo{p} }

func (p *Persistence) Catalog() persistence.CatalogRepository { return &catalogRepo{p} }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }

func (p *Persistence) Close(ctx context.Context) error { return nil }

func (p *Persistence) id() int64 {
	p.nextID++

	return p.nextID
}

// SeedProject inserts a project row directly; test setup helper.
func (p *Persistence) SeedProject(project *models.Project) *models.Project {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := *project
	if stored.ID == 0 {
		stored.ID = p.id()
	}

	if stored.Status == "" {
		stored.Status = models.ProjectStatusPending
	}

	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	p.projects[stored.ID] = &stored

	return &stored
}

// SeedScenario inserts a scenario row directly; test setup helper.
func (p *Persistence) SeedScenario(scenario *models.Scenario) *models.Scenario {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := *scenario
	if stored.ID == 0 {
		stored.ID = p.id()
	}

	if stored.Status == "" {
		stored.Status = models.ScenarioStatusPending
	}

	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	p.scenarios[stored.ID] = &stored

	return &stored
}

// SeedSource inserts a source data row directly; test setup helper.
func (p *Persistence) SeedSource(source *models.SourceData) *models.SourceData {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := *source
	stored.ID = p.id()
	p.sources[stored.ID] = &stored

	return &stored
}

// SeedFile inserts a file row directly; test setup helper.
func (p *Persistence) SeedFile(file *models.File) *models.File {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := *file
	stored.ID = p.id()
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	p.files[stored.ID] = &stored

	return &stored
}

type operationRepo struct{ p *Persistence }

func (r *operationRepo) Create(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, existing := range r.p.operations {
		if existing.Name == op.Name &&
			existing.ProjectID == op.ProjectID &&
			existing.ScenarioID == op.ScenarioID &&
			existing.Status != models.OperationStatusComplete {
			return nil, persistence.ErrOperationAlreadyRunning
		}
	}

	now := time.Now().UTC()

	created := *op
	created.ID = r.p.id()
	created.Status = models.OperationStatusRunning
	created.CreatedAt = now
	created.UpdatedAt = now
	r.p.operations[created.ID] = &created

	result := created

	return &result, nil
}

func (r *operationRepo) GetByID(ctx context.Context, id int64) (*models.Operation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	op, ok := r.p.operations[id]
	if !ok {
		return nil, persistence.ErrOperationNotFound
	}

	result := *op

	return &result, nil
}

func (r *operationRepo) GetByData(ctx context.Context, name string, projectID, scenarioID int64) (*models.Operation, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var latest *models.Operation

	for _, op := range r.p.operations {
		if op.Name != name || op.ProjectID != projectID || op.ScenarioID != scenarioID {
			continue
		}

		if latest == nil || op.ID > latest.ID {
			latest = op
		}
	}

	if latest == nil {
		return nil, persistence.ErrOperationNotFound
	}

	result := *latest

	return &result, nil
}

func (r *operationRepo) AppendLog(ctx context.Context, operationID int64, code string, data map[string]any) (*models.OperationLog, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	op, ok := r.p.operations[operationID]
	if !ok {
		return nil, persistence.NewOperationError("AppendLog", operationID, persistence.ErrOperationNotFound)
	}

	now := time.Now().UTC()
	entry := &models.OperationLog{
		ID:          r.p.id(),
		OperationID: operationID,
		Code:        code,
		Data:        data,
		CreatedAt:   now,
	}

	r.p.logs = append(r.p.logs, entry)
	op.UpdatedAt = now

	result := *entry

	return &result, nil
}

func (r *operationRepo) SetComplete(ctx context.Context, operationID int64) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	op, ok := r.p.operations[operationID]
	if !ok {
		return persistence.NewOperationError("SetComplete", operationID, persistence.ErrOperationNotFound)
	}

	op.Status = models.OperationStatusComplete
	op.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *operationRepo) Logs(ctx context.Context, operationID int64) ([]*models.OperationLog, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var logs []*models.OperationLog

	for _, entry := range r.p.logs {
		if entry.OperationID == operationID {
			result := *entry
			logs = append(logs, &result)
		}
	}

	return logs, nil
}

func (r *operationRepo) LastLog(ctx context.Context, operationID int64) (*models.OperationLog, error) {
	logs, err := r.Logs(ctx, operationID)
	if err != nil {
		return nil, err
	}

	if len(logs) == 0 {
		return nil, nil
	}

	return logs[len(logs)-1], nil
}

type projectRepo struct{ p *Persistence }

func (r *projectRepo) GetByID(ctx context.Context, id int64) (*models.Project, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	project, ok := r.p.projects[id]
	if !ok {
		return nil, persistence.ErrProjectNotFound
	}

	result := *project

	return &result, nil
}

func (r *projectRepo) SetStatus(ctx context.Context, id int64, status models.ProjectStatus) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	project, ok := r.p.projects[id]
	if !ok {
		return persistence.ErrProjectNotFound
	}

	project.Status = status
	project.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *projectRepo) FinishAdminAreas(ctx context.Context, projectID, scenarioID int64, bbox []float64, areas []models.AdminArea) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	project, ok := r.p.projects[projectID]
	if !ok {
		return persistence.ErrProjectNotFound
	}

	stored := make([]models.AdminArea, len(areas))

	for i, area := range areas {
		area.ID = r.p.id()
		area.ProjectID = projectID
		stored[i] = area
	}

	r.p.adminAreas[projectID] = stored
	project.BBox = bbox
	project.UpdatedAt = time.Now().UTC()

	settings, ok := r.p.settings[scenarioID]
	if !ok {
		settings = make(map[string]string)
		r.p.settings[scenarioID] = settings
	}

	settings[models.SettingAdminAreas] = "[]"

	return nil
}

func (r *projectRepo) ReplaceOrigins(ctx context.Context, projectID int64, origins []models.Origin) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.projects[projectID]; !ok {
		return persistence.ErrProjectNotFound
	}

	stored := make([]models.Origin, len(origins))

	for i, origin := range origins {
		origin.ID = r.p.id()
		origin.ProjectID = projectID
		stored[i] = origin
	}

	r.p.origins[projectID] = stored

	return nil
}

func (r *projectRepo) AdminAreas(ctx context.Context, projectID int64) ([]models.AdminArea, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	areas := make([]models.AdminArea, len(r.p.adminAreas[projectID]))
	copy(areas, r.p.adminAreas[projectID])

	sort.Slice(areas, func(i, j int) bool { return areas[i].Name < areas[j].Name })

	return areas, nil
}

// Origins returns the stored origins of a project; test inspection helper.
func (p *Persistence) Origins(projectID int64) []models.Origin {
	p.mu.Lock()
	defer p.mu.Unlock()

	origins := make([]models.Origin, len(p.origins[projectID]))
	copy(origins, p.origins[projectID])

	return origins
}

type scenarioRepo struct{ p *Persistence }

func (r *scenarioRepo) Create(ctx context.Context, scenario *models.Scenario) (*models.Scenario, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, existing := range r.p.scenarios {
		if existing.ProjectID == scenario.ProjectID && existing.Name == scenario.Name {
			return nil, persistence.ErrScenarioNameTaken
		}
	}

	created := *scenario
	created.ID = r.p.id()

	if created.Status == "" {
		created.Status = models.ScenarioStatusPending
	}

	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	r.p.scenarios[created.ID] = &created

	result := created

	return &result, nil
}

func (r *scenarioRepo) Rename(ctx context.Context, id int64, name, description string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	scenario, ok := r.p.scenarios[id]
	if !ok {
		return persistence.ErrScenarioNotFound
	}

	for _, existing := range r.p.scenarios {
		if existing.ID != id && existing.ProjectID == scenario.ProjectID && existing.Name == name {
			return persistence.ErrScenarioNameTaken
		}
	}

	scenario.Name = name
	scenario.Description = description
	scenario.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *scenarioRepo) GetByID(ctx context.Context, id int64) (*models.Scenario, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	scenario, ok := r.p.scenarios[id]
	if !ok {
		return nil, persistence.ErrScenarioNotFound
	}

	result := *scenario

	return &result, nil
}

func (r *scenarioRepo) GetMaster(ctx context.Context, projectID int64) (*models.Scenario, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, scenario := range r.p.scenarios {
		if scenario.ProjectID == projectID && scenario.Master {
			result := *scenario

			return &result, nil
		}
	}

	return nil, persistence.ErrScenarioNotFound
}

func (r *scenarioRepo) SetStatus(ctx context.Context, id int64, status models.ScenarioStatus) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	scenario, ok := r.p.scenarios[id]
	if !ok {
		return persistence.ErrScenarioNotFound
	}

	scenario.Status = status
	scenario.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *scenarioRepo) SetSetting(ctx context.Context, scenarioID int64, key, value string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	settings, ok := r.p.settings[scenarioID]
	if !ok {
		settings = make(map[string]string)
		r.p.settings[scenarioID] = settings
	}

	settings[key] = value

	return nil
}

func (r *scenarioRepo) GetSetting(ctx context.Context, scenarioID int64, key string) (string, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	value, ok := r.p.settings[scenarioID][key]
	if !ok {
		return "", persistence.ErrSettingNotFound
	}

	return value, nil
}

type fileRepo struct{ p *Persistence }

func (r *fileRepo) GetProjectFile(ctx context.Context, projectID int64, fileType string) (*models.File, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var latest *models.File

	for _, file := range r.p.files {
		if file.ProjectID == projectID && file.ScenarioID == 0 && file.Type == fileType {
			if latest == nil || file.ID > latest.ID {
				latest = file
			}
		}
	}

	if latest == nil {
		return nil, persistence.ErrFileNotFound
	}

	result := *latest

	return &result, nil
}

func (r *fileRepo) GetScenarioFiles(ctx context.Context, scenarioID int64, fileType string) ([]*models.File, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var files []*models.File

	for _, file := range r.p.files {
		if file.ScenarioID == scenarioID && file.Type == fileType {
			result := *file
			files = append(files, &result)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })

	return files, nil
}

func (r *fileRepo) Insert(ctx context.Context, file *models.File) (*models.File, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	created := *file
	created.ID = r.p.id()
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	r.p.files[created.ID] = &created

	result := created

	return &result, nil
}

func (r *fileRepo) Update(ctx context.Context, file *models.File) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, ok := r.p.files[file.ID]
	if !ok {
		return persistence.ErrFileNotFound
	}

	stored.Name = file.Name
	stored.Path = file.Path
	stored.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *fileRepo) DeleteProjectFiles(ctx context.Context, projectID int64, fileType string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for id, file := range r.p.files {
		if file.ProjectID == projectID && file.ScenarioID == 0 && file.Type == fileType {
			delete(r.p.files, id)
		}
	}

	return nil
}

func (r *fileRepo) DeleteScenarioFiles(ctx context.Context, scenarioID int64, fileType string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for id, file := range r.p.files {
		if file.ScenarioID == scenarioID && file.Type == fileType {
			delete(r.p.files, id)
		}
	}

	return nil
}

type sourceRepo struct{ p *Persistence }

func (r *sourceRepo) GetProjectSource(ctx context.Context, projectID int64, name models.ResourceName) (*models.SourceData, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, source := range r.p.sources {
		if source.ProjectID == projectID && source.ScenarioID == 0 && source.Name == name {
			result := *source

			return &result, nil
		}
	}

	return nil, persistence.ErrSourceNotFound
}

func (r *sourceRepo) GetScenarioSource(ctx context.Context, scenarioID int64, name models.ResourceName) (*models.SourceData, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, source := range r.p.sources {
		if source.ScenarioID == scenarioID && source.Name == name {
			result := *source

			return &result, nil
		}
	}

	return nil, persistence.ErrSourceNotFound
}

func (r *sourceRepo) Upsert(ctx context.Context, source *models.SourceData) (*models.SourceData, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, existing := range r.p.sources {
		sameScenario := source.ScenarioID != 0 && existing.ScenarioID == source.ScenarioID
		sameProject := source.ScenarioID == 0 && existing.ScenarioID == 0 && existing.ProjectID == source.ProjectID

		if (sameScenario || sameProject) && existing.Name == source.Name {
			existing.Kind = source.Kind
			existing.Data = source.Data

			result := *existing

			return &result, nil
		}
	}

	created := *source
	created.ID = r.p.id()
	r.p.sources[created.ID] = &created

	result := created

	return &result, nil
}

func (r *sourceRepo) UpdateData(ctx context.Context, id int64, data map[string]any) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	source, ok := r.p.sources[id]
	if !ok {
		return persistence.ErrSourceNotFound
	}

	source.Data = data

	return nil
}

type catalogRepo struct{ p *Persistence }

func (r *catalogRepo) Resources(ctx context.Context, sourceName string) ([]models.CatalogResource, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var resources []models.CatalogResource

	for _, res := range r.p.catalog {
		if res.SourceName == sourceName {
			resources = append(resources, res)
		}
	}

	return resources, nil
}

func (r *catalogRepo) GetByResourceID(ctx context.Context, resourceID string) (*models.CatalogResource, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for i := len(r.p.catalog) - 1; i >= 0; i-- {
		if r.p.catalog[i].ResourceID == resourceID {
			result := r.p.catalog[i]

			return &result, nil
		}
	}

	return nil, persistence.ErrCatalogResourceNotFound
}

func (r *catalogRepo) Replace(ctx context.Context, sourceName string, resources []models.CatalogResource) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	kept := r.p.catalog[:0]

	for _, res := range r.p.catalog {
		if res.SourceName != sourceName {
			kept = append(kept, res)
		}
	}

	now := time.Now().UTC()

	for _, res := range resources {
		res.ID = r.p.id()
		res.SourceName = sourceName
		res.CreatedAt = now
		kept = append(kept, res)
	}

	r.p.catalog = kept

	return nil
}

func (r *catalogRepo) PurgeOlderThan(ctx context.Context, ageDays int) (int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -ageDays)
	kept := r.p.catalog[:0]

	var removed int64

	for _, res := range r.p.catalog {
		if res.CreatedAt.Before(cutoff) {
			removed++

			continue
		}

		kept = append(kept, res)
	}

	r.p.catalog = kept

	return removed, nil
}
