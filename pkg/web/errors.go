package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/operation"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handlePersistenceError maps the ledger's sentinel errors onto HTTP
// statuses.
func handlePersistenceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, persistence.ErrOperationNotFound):
		return notFound(c, "operation not found")
	case errors.Is(err, persistence.ErrOperationAlreadyRunning):
		return conflict(c, err.Error())
	case errors.Is(err, persistence.ErrProjectNotFound):
		return notFound(c, "project not found")
	case errors.Is(err, persistence.ErrScenarioNotFound):
		return notFound(c, "scenario not found")
	case errors.Is(err, persistence.ErrScenarioNameTaken):
		return conflict(c, err.Error())
	case errors.Is(err, operation.ErrComplete):
		return conflict(c, "operation already complete")
	default:
		return internalError(c, err)
	}
}
