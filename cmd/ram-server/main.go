package main

import (
	"context"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/editstore"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/eventbus"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/log"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/otelhelper"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/overpass"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence/postgresql"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/pipeline"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/storage"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/wbcatalog"
)

const (
	defaultPort = 4000

	// defaultRoadNetEditMax is the road network size above which in-browser
	// editing is disabled (20 MB).
	defaultRoadNetEditMax = 20 * 1024 * 1024
)

func main() {
	logger := log.WithModule("server")

	cmd := &cli.Command{
		Name:                  "ram-server",
		Usage:                 "Rural Accessibility Map backend API and pipeline",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "storage-endpoint",
				Usage:    "S3-compatible storage endpoint (host:port)",
				Required: true,
				Sources:  cli.EnvVars("STORAGE_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "storage-access-key",
				Usage:   "Storage access key",
				Sources: cli.EnvVars("STORAGE_ACCESS_KEY"),
			},
			&cli.StringFlag{
				Name:    "storage-secret-key",
				Usage:   "Storage secret key",
				Sources: cli.EnvVars("STORAGE_SECRET_KEY"),
			},
			&cli.StringFlag{
				Name:    "storage-bucket",
				Usage:   "Storage bucket for project files",
				Value:   "ram",
				Sources: cli.EnvVars("STORAGE_BUCKET"),
			},
			&cli.BoolFlag{
				Name:    "storage-ssl",
				Usage:   "Use TLS when talking to storage",
				Sources: cli.EnvVars("STORAGE_SSL"),
			},
			&cli.StringFlag{
				Name:    "editstore-dir",
				Usage:   "Directory holding the editable road network databases",
				Value:   "./editstore",
				Sources: cli.EnvVars("EDITSTORE_DIR"),
			},
			&cli.StringFlag{
				Name:    "overpass-url",
				Usage:   "Overpass API endpoint for OSM imports",
				Value:   overpass.DefaultEndpoint,
				Sources: cli.EnvVars("OVERPASS_URL"),
			},
			&cli.StringFlag{
				Name:    "wbcatalog-url",
				Usage:   "World Bank data catalog listing API base URL",
				Value:   "https://datacatalog.worldbank.org/api/3/action",
				Sources: cli.EnvVars("WBCATALOG_URL"),
			},
			&cli.IntFlag{
				Name:    "road-net-edit-max",
				Usage:   "Road network size in bytes above which editing is disabled",
				Value:   defaultRoadNetEditMax,
				Sources: cli.EnvVars("ROAD_NET_EDIT_MAX"),
			},
			&cli.BoolFlag{
				Name:    "vector-tiles",
				Usage:   "Generate vector tiles after imports",
				Sources: cli.EnvVars("VECTOR_TILES"),
			},
			&cli.StringFlag{
				Name:    "tile-image",
				Usage:   "Container image used for vector tile generation",
				Value:   "wbtransport/ram-vt",
				Sources: cli.EnvVars("TILE_IMAGE"),
			},
			&cli.StringFlag{
				Name:    "runner",
				Usage:   "External step runner kind (fork, container, cloudtask)",
				Value:   "fork",
				Sources: cli.EnvVars("RUNNER"),
			},
			&cli.StringFlag{
				Name:    "worker-bin",
				Usage:   "Worker binary forked for external steps",
				Value:   "ram-worker",
				Sources: cli.EnvVars("WORKER_BIN"),
			},
			&cli.StringFlag{
				Name:    "container-engine",
				Usage:   "Container engine for the container runner",
				Value:   "docker",
				Sources: cli.EnvVars("CONTAINER_ENGINE"),
			},
			&cli.StringFlag{
				Name:    "container-image",
				Usage:   "Worker image for the container runner",
				Value:   "wbtransport/ram-analysis",
				Sources: cli.EnvVars("CONTAINER_IMAGE"),
			},
			&cli.StringFlag{
				Name:    "ecs-cluster",
				Usage:   "ECS cluster for the cloudtask runner",
				Sources: cli.EnvVars("ECS_CLUSTER"),
			},
			&cli.StringFlag{
				Name:    "ecs-task-definition",
				Usage:   "ECS task definition for the cloudtask runner",
				Sources: cli.EnvVars("ECS_TASK_DEFINITION"),
			},
			&cli.StringFlag{
				Name:    "ecs-container-name",
				Usage:   "Container name inside the ECS task definition",
				Sources: cli.EnvVars("ECS_CONTAINER_NAME"),
			},
			&cli.StringFlag{
				Name:    "ecs-log-group",
				Usage:   "CloudWatch log group of the ECS task",
				Sources: cli.EnvVars("ECS_LOG_GROUP"),
			},
			&cli.StringFlag{
				Name:    "ecs-log-stream-prefix",
				Usage:   "awslogs stream prefix of the ECS task definition",
				Sources: cli.EnvVars("ECS_LOG_STREAM_PREFIX"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP (configured via OTEL_* env vars)",
				Sources: cli.EnvVars("TRACING"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing RAM server")

			if command.Bool("tracing") {
				tracerProvider, err := otelhelper.InitTracer(ctx, "ram-server")
				if err != nil {
					return err
				}

				defer func() {
					if err := tracerProvider.Shutdown(ctx); err != nil {
						logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
					}
				}()
			}

			db, err := postgresql.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := db.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
				Endpoint:  command.String("storage-endpoint"),
				AccessKey: command.String("storage-access-key"),
				SecretKey: command.String("storage-secret-key"),
				Bucket:    command.String("storage-bucket"),
				UseSSL:    command.Bool("storage-ssl"),
			})
			if err != nil {
				return err
			}

			roads, err := editstore.NewStore(command.String("editstore-dir"), log.WithModule("editstore"))
			if err != nil {
				return err
			}

			bus := eventbus.NewGoChannelBus(watermill.NewSlogLogger(logger))
			defer func() {
				if err := bus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			runners, err := newRunnerFactory(command)
			if err != nil {
				return err
			}

			importer := overpass.NewClient(command.String("overpass-url"), log.WithModule("overpass"))
			catalog := wbcatalog.NewService(
				command.String("wbcatalog-url"),
				db.Catalog(),
				db.Files(),
				store,
				log.WithModule("wbcatalog"),
			)

			orchestrator := pipeline.NewOrchestrator(
				db,
				store,
				bus,
				importer,
				catalog,
				roads,
				runners,
				runner.NewRegistry(),
				pipeline.Config{
					RoadNetEditMax: int64(command.Int("road-net-edit-max")),
					VectorTiles:    command.Bool("vector-tiles"),
					TileImage:      command.String("tile-image"),
				},
				log.WithModule("pipeline"),
			)

			scheduler := cron.New()

			_, err = scheduler.AddFunc("@daily", func() {
				purged, err := db.Catalog().PurgeOlderThan(ctx, wbcatalog.CacheDays)
				if err != nil {
					logger.ErrorContext(ctx, "Catalog cache purge failed", "error", err)

					return
				}

				logger.InfoContext(ctx, "Catalog cache purged", "removed", purged)
			})
			if err != nil {
				return err
			}

			scheduler.Start()
			defer scheduler.Stop()

			api := NewAPI(logger, db, orchestrator)

			if err := api.Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

// newRunnerFactory picks the external step strategy from flags. The cloud
// kind needs AWS clients, so it is wired here instead of in the runner
// package constructor.
func newRunnerFactory(command *cli.Command) (runner.Factory, error) {
	kind := command.String("runner")

	if kind == "cloudtask" {
		sess := session.Must(session.NewSession())

		return runner.CloudTaskFactory(
			ecs.New(sess),
			cloudwatchlogs.New(sess),
			runner.CloudTaskConfig{
				Cluster:         command.String("ecs-cluster"),
				TaskDefinition:  command.String("ecs-task-definition"),
				ContainerName:   command.String("ecs-container-name"),
				LogGroup:        command.String("ecs-log-group"),
				LogStreamPrefix: command.String("ecs-log-stream-prefix"),
			},
			log.WithModule("runner"),
		), nil
	}

	return runner.NewFactory(
		kind,
		command.String("worker-bin"),
		command.String("container-engine"),
		command.String("container-image"),
		log.WithModule("runner"),
	)
}
