// Package main provides the worker binary forked for external pipeline
// steps. It reads one job from stdin, runs the requested service and
// reports progress as JSON lines on stdout.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/paulmach/orb/geojson"
	cli "github.com/urfave/cli/v3"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/editstore"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/log"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/storage"
)

func main() {
	logger := log.WithModule("worker")

	cmd := &cli.Command{
		Name:  "ram-worker",
		Usage: "Run one pipeline service from a job on stdin",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "storage-endpoint",
				Usage:   "S3-compatible storage endpoint (host:port)",
				Sources: cli.EnvVars("STORAGE_ENDPOINT"),
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
				Name:    "tippecanoe-bin",
				Usage:   "tippecanoe binary used for vector tile builds",
				Value:   "tippecanoe",
				Sources: cli.EnvVars("TIPPECANOE_BIN"),
			},
			&cli.StringFlag{
				Name:    "analysis-cmd",
				Usage:   "Analysis command the generate-results service delegates to",
				Value:   "ram-analysis",
				Sources: cli.EnvVars("ANALYSIS_CMD"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "error",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			var job runner.Job
			if err := json.NewDecoder(os.Stdin).Decode(&job); err != nil {
				return fmt.Errorf("decoding job: %w", err)
			}

			logger.InfoContext(ctx, "Running service",
				"service", job.Service, "operation_id", job.OperationID)

			emit := json.NewEncoder(os.Stdout)

			switch job.Service {
			case runner.ServiceImportRoadNetwork:
				return importRoadNetwork(ctx, command, job, emit)
			case runner.ServiceImportPOI:
				return importPOIs(ctx, command, job, emit)
			case runner.ServiceExportRoadNetwork:
				return exportRoadNetwork(ctx, command, job, emit)
			case runner.ServiceVectorTiles:
				return buildVectorTiles(ctx, command, job, emit)
			case runner.ServiceGenerateResults:
				return delegateAnalysis(ctx, command.String("analysis-cmd"), job)
			default:
				return fmt.Errorf("unknown service %q", job.Service)
			}
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func progress(emit *json.Encoder, code, message string) {
	_ = emit.Encode(runner.Message{
		Type: code,
		Data: map[string]any{"message": message},
	})
}

func storeFromFlags(ctx context.Context, command *cli.Command) (storage.Store, error) {
	return storage.NewMinioStore(ctx, storage.MinioConfig{
		Endpoint:  command.String("storage-endpoint"),
		AccessKey: command.String("storage-access-key"),
		SecretKey: command.String("storage-secret-key"),
		Bucket:    command.String("storage-bucket"),
		UseSSL:    command.Bool("storage-ssl"),
	})
}

func editStoreFromFlags(command *cli.Command) (*editstore.Store, error) {
	return editstore.NewStore(command.String("editstore-dir"), log.WithModule("editstore"))
}

// importRoadNetwork parses the stored OSM file into the scenario's
// editable database. Forked out of the server so the parse does not tie up
// the orchestrator and a kill can stop it.
func importRoadNetwork(ctx context.Context, command *cli.Command, job runner.Job, emit *json.Encoder) error {
	source, _ := job.Data["source"].(string)
	if source == "" {
		return errors.New("road network import job needs a source")
	}

	store, err := storeFromFlags(ctx, command)
	if err != nil {
		return err
	}

	roads, err := editStoreFromFlags(command)
	if err != nil {
		return err
	}

	obj, err := store.Get(ctx, source)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", source, err)
	}
	defer func() { _ = obj.Close() }()

	stats, err := roads.ImportRoadNetwork(ctx, job.ProjectID, job.ScenarioID, obj)
	if err != nil {
		return fmt.Errorf("importing road network: %w", err)
	}

	_ = emit.Encode(runner.Message{
		Type: "process:road-network",
		Data: map[string]any{
			"message": "Road network import complete",
			"nodes":   stats.Nodes,
			"ways":    stats.Ways,
		},
	})

	return nil
}

// importPOIs loads the stored POI files, one per type, into the scenario's
// editable database.
func importPOIs(ctx context.Context, command *cli.Command, job runner.Job, emit *json.Encoder) error {
	paths, _ := job.Data["files"].(map[string]any)
	if len(paths) == 0 {
		return errors.New("poi import job needs files")
	}

	store, err := storeFromFlags(ctx, command)
	if err != nil {
		return err
	}

	roads, err := editStoreFromFlags(command)
	if err != nil {
		return err
	}

	for poiType, p := range paths {
		path, _ := p.(string)
		if path == "" {
			return fmt.Errorf("poi type %q has no file path", poiType)
		}

		var fc geojson.FeatureCollection
		if err := store.GetJSON(ctx, path, &fc); err != nil {
			return fmt.Errorf("reading poi file %s: %w", path, err)
		}

		// Tag features with their type; merged views rely on it.
		for _, f := range fc.Features {
			f.Properties["ram_poi_type"] = poiType
		}

		count, err := roads.ImportPOI(ctx, job.ProjectID, job.ScenarioID, poiType, &fc)
		if err != nil {
			return fmt.Errorf("importing %s pois: %w", poiType, err)
		}

		_ = emit.Encode(runner.Message{
			Type: "process:poi",
			Data: map[string]any{
				"message": fmt.Sprintf("Imported %s points of interest", poiType),
				"count":   count,
			},
		})
	}

	return nil
}

// exportRoadNetwork writes the scenario's edited road network back out as
// OSM XML and uploads it to the path the orchestrator chose.
func exportRoadNetwork(ctx context.Context, command *cli.Command, job runner.Job, emit *json.Encoder) error {
	path, _ := job.Data["path"].(string)
	if path == "" {
		return errors.New("road network export job needs a path")
	}

	store, err := storeFromFlags(ctx, command)
	if err != nil {
		return err
	}

	roads, err := editStoreFromFlags(command)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "ram-rn-*.osm")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := roads.ExportRoadNetwork(ctx, job.ProjectID, job.ScenarioID, tmp); err != nil {
		return fmt.Errorf("exporting road network: %w", err)
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if err := store.Put(ctx, path, tmp, size); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}

	progress(emit, "road-network", "Road network export complete")

	return nil
}

// buildVectorTiles downloads the source GeoJSON, runs tippecanoe on it and
// uploads the resulting tile directory back to storage.
func buildVectorTiles(ctx context.Context, command *cli.Command, job runner.Job, emit *json.Encoder) error {
	kind, _ := job.Data["kind"].(string)
	source, _ := job.Data["source"].(string)

	if kind == "" || source == "" {
		return errors.New("vector tiles job needs kind and source")
	}

	store, err := storeFromFlags(ctx, command)
	if err != nil {
		return err
	}

	code := "process:" + kind

	workDir, err := os.MkdirTemp("", "ram-vt-")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	srcPath := filepath.Join(workDir, "source.geojson")
	if err := download(ctx, store, source, srcPath); err != nil {
		return fmt.Errorf("fetching %s: %w", source, err)
	}

	tilesDir := filepath.Join(workDir, "tiles")
	progress(emit, code, "Running tippecanoe")

	tippecanoe := exec.CommandContext(ctx, command.String("tippecanoe-bin"),
		"-l", kind, "-e", tilesDir, srcPath)
	tippecanoe.Stderr = os.Stderr

	if err := tippecanoe.Run(); err != nil {
		return fmt.Errorf("tippecanoe: %w", err)
	}

	// Road network tiles belong to the scenario, the rest to the project.
	prefix := fmt.Sprintf("project-%d/tiles/%s", job.ProjectID, kind)
	if kind == "road-network" {
		prefix = fmt.Sprintf("scenario-%d/tiles/%s", job.ScenarioID, kind)
	}

	if err := store.DeletePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("clearing %s: %w", prefix, err)
	}

	progress(emit, code, "Uploading tiles")

	uploaded := 0

	err = filepath.WalkDir(tilesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(tilesDir, path)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = file.Close() }()

		info, err := d.Info()
		if err != nil {
			return err
		}

		if err := store.Put(ctx, prefix+"/"+filepath.ToSlash(rel), file, info.Size()); err != nil {
			return err
		}

		uploaded++

		return nil
	})
	if err != nil {
		return fmt.Errorf("uploading tiles: %w", err)
	}

	progress(emit, code, fmt.Sprintf("Uploaded %d tiles", uploaded))

	return nil
}

func download(ctx context.Context, store storage.Store, from, to string) error {
	obj, err := store.Get(ctx, from)
	if err != nil {
		return err
	}
	defer func() { _ = obj.Close() }()

	file, err := os.Create(to)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	_, err = io.Copy(file, obj)

	return err
}

// delegateAnalysis hands the job to the analysis command, forwarding its
// progress lines unchanged. The analysis exit code becomes this process's
// exit code so the parent sees the real outcome.
func delegateAnalysis(ctx context.Context, analysisCmd string, job runner.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, analysisCmd)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}

		return err
	}

	return nil
}
