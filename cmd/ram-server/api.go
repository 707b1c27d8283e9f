// Package main provides the RAM backend server: the HTTP API plus the
// in-process pipeline orchestrator behind it.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	pipeline    web.Pipeline
	validate    *validator.Validate
}

func NewAPI(logger *slog.Logger, persistence persistence.Persistence, pipeline web.Pipeline) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		pipeline:    pipeline,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.persistence, a.pipeline, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("RAM API")
	})

	ops := app.Group("/operations")
	ops.Get("/:id", handlers.GetOperation)
	ops.Get("/:id/logs", handlers.GetOperationLogs)

	projects := app.Group("/projects")
	projects.Post("/:projId/finish-setup", handlers.FinishSetup)
	projects.Post("/:projId/scenarios", handlers.CreateScenario)
	projects.Post("/:projId/scenarios/:scId/results", handlers.GenerateResults)
	projects.Delete("/:projId/scenarios/:scId/results", handlers.AbortResults)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
