// Package web provides the HTTP surface of the backend: operation status
// polling and the endpoints that trigger pipeline runs.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
)

// Pipeline is the orchestration seam the handlers trigger runs through.
type Pipeline interface {
	StartProjectSetup(ctx context.Context, projectID, scenarioID int64) (*models.Operation, error)
	StartScenarioCreate(ctx context.Context, projectID, scenarioID int64) (*models.Operation, error)
	StartGenerateResults(ctx context.Context, projectID, scenarioID int64) (*models.Operation, error)
	AbortAnalysis(ctx context.Context, projectID, scenarioID int64) error
}

type APIHandlers struct {
	db        persistence.Persistence
	pipeline  Pipeline
	validator *validator.Validate
}

func NewAPIHandlers(db persistence.Persistence, pipeline Pipeline, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		db:        db,
		pipeline:  pipeline,
		validator: validator,
	}
}

func (h *APIHandlers) GetOperation(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return badRequest(c, "Invalid operation ID")
	}

	op, err := h.db.Operations().GetByID(c.Context(), id)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	last, err := h.db.Operations().LastLog(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"operation": op,
		"errored":   op.Failed(last),
		"last_log":  last,
	})
}

func (h *APIHandlers) GetOperationLogs(c fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return badRequest(c, "Invalid operation ID")
	}

	if _, err := h.db.Operations().GetByID(c.Context(), id); err != nil {
		return handlePersistenceError(c, err)
	}

	logs, err := h.db.Operations().Logs(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"operation_id": id, "logs": logs})
}

type FinishSetupRequest struct {
	ScenarioName        string `json:"scenarioName"        validate:"required"`
	ScenarioDescription string `json:"scenarioDescription"`
}

// FinishSetup names the master scenario and starts the project-setup
// pipeline.
func (h *APIHandlers) FinishSetup(c fiber.Ctx) error {
	projectID, err := paramID(c, "projId")
	if err != nil {
		return badRequest(c, "Invalid project ID")
	}

	var req FinishSetupRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	project, err := h.db.Projects().GetByID(c.Context(), projectID)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	if project.Status != models.ProjectStatusPending {
		return conflict(c, "Project setup already completed")
	}

	master, err := h.db.Scenarios().GetMaster(c.Context(), projectID)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	err = h.db.Scenarios().Rename(c.Context(), master.ID, req.ScenarioName, req.ScenarioDescription)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	op, err := h.pipeline.StartProjectSetup(c.Context(), projectID, master.ID)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	return c.JSON(fiber.Map{"message": "Project setup finished", "operation": op})
}

type CreateScenarioRequest struct {
	Name                      string `json:"name"                      validate:"required"`
	Description               string `json:"description"`
	RoadNetworkSource         string `json:"roadNetworkSource"         validate:"required,oneof=clone new"`
	RoadNetworkSourceScenario int64  `json:"roadNetworkSourceScenario"`
	RoadNetworkFile           string `json:"roadNetworkFile"`
}

// CreateScenario registers a new scenario row with its road-network
// source and starts the scenario-create pipeline.
func (h *APIHandlers) CreateScenario(c fiber.Ctx) error {
	projectID, err := paramID(c, "projId")
	if err != nil {
		return badRequest(c, "Invalid project ID")
	}

	var req CreateScenarioRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	project, err := h.db.Projects().GetByID(c.Context(), projectID)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	if project.Status == models.ProjectStatusPending {
		return conflict(c, "Project setup not completed")
	}

	sourceData := map[string]any{}

	switch models.SourceKind(req.RoadNetworkSource) {
	case models.SourceKindClone:
		source, err := h.db.Scenarios().GetByID(c.Context(), req.RoadNetworkSourceScenario)
		if err != nil || source.ProjectID != projectID {
			return badRequest(c, "Source scenario for cloning not found")
		}

		sourceData["scenarioID"] = req.RoadNetworkSourceScenario
	case models.SourceKindNew:
		if req.RoadNetworkFile == "" {
			return badRequest(c, "Road network file is required for a new scenario")
		}

		sourceData["roadNetworkFile"] = req.RoadNetworkFile
	}

	scenario, err := h.db.Scenarios().Create(c.Context(), &models.Scenario{
		ProjectID:   projectID,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return handlePersistenceError(c, err)
	}

	_, err = h.db.SourceData().Upsert(c.Context(), &models.SourceData{
		ProjectID:  projectID,
		ScenarioID: scenario.ID,
		Name:       models.ResourceRoadNetwork,
		Kind:       models.SourceKind(req.RoadNetworkSource),
		Data:       sourceData,
	})
	if err != nil {
		return internalError(c, err)
	}

	op, err := h.pipeline.StartScenarioCreate(c.Context(), projectID, scenario.ID)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"scenario":  scenario,
		"operation": op,
	})
}

// GenerateResults starts the accessibility analysis for a scenario.
func (h *APIHandlers) GenerateResults(c fiber.Ctx) error {
	projectID, scenarioID, err := projectScenarioParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	project, err := h.db.Projects().GetByID(c.Context(), projectID)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	if project.Status != models.ProjectStatusActive {
		return conflict(c, "Project setup not completed")
	}

	scenario, err := h.db.Scenarios().GetByID(c.Context(), scenarioID)
	if err != nil || scenario.ProjectID != projectID {
		return notFound(c, "scenario not found")
	}

	selected, err := h.selectedAdminAreas(c.Context(), scenarioID)
	if err != nil {
		return internalError(c, err)
	}

	if !selected {
		return conflict(c, "No admin areas selected")
	}

	op, err := h.pipeline.StartGenerateResults(c.Context(), projectID, scenarioID)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	return c.JSON(fiber.Map{"message": "Result generation started", "operation": op})
}

// AbortResults stops a running analysis.
func (h *APIHandlers) AbortResults(c fiber.Ctx) error {
	projectID, scenarioID, err := projectScenarioParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.pipeline.AbortAnalysis(c.Context(), projectID, scenarioID); err != nil {
		return handlePersistenceError(c, err)
	}

	return c.JSON(fiber.Map{"message": "Result generation aborted"})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "RAM API is healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "RAM API is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

// selectedAdminAreas reports whether the scenario has at least one admin
// area selected for analysis.
func (h *APIHandlers) selectedAdminAreas(ctx context.Context, scenarioID int64) (bool, error) {
	value, err := h.db.Scenarios().GetSetting(ctx, scenarioID, models.SettingAdminAreas)
	if err != nil {
		if errors.Is(err, persistence.ErrSettingNotFound) {
			return false, nil
		}

		return false, err
	}

	var ids []int64
	if err := json.Unmarshal([]byte(value), &ids); err != nil {
		return false, nil
	}

	return len(ids) > 0, nil
}

func paramID(c fiber.Ctx, name string) (int64, error) {
	return strconv.ParseInt(c.Params(name), 10, 64)
}

func projectScenarioParams(c fiber.Ctx) (int64, int64, error) {
	projectID, err := paramID(c, "projId")
	if err != nil {
		return 0, 0, errors.New("invalid project ID")
	}

	scenarioID, err := paramID(c, "scId")
	if err != nil {
		return 0, 0, errors.New("invalid scenario ID")
	}

	return projectID, scenarioID, nil
}
