// Package postgresql provides the PostgreSQL persistence implementation for
// the operation ledger and project/scenario data.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db         *sql.DB
	logger     *slog.Logger
	operations *OperationRepository
	projects   *ProjectRepository
	scenarios  *ScenarioRepository
	files      *FileRepository
	sources    *SourceDataRepository
	catalog    *CatalogRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs
// pending migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:         database,
		logger:     logger,
		operations: NewOperationRepository(database, logger),
		projects:   NewProjectRepository(database, logger),
		scenarios:  NewScenarioRepository(database, logger),
		files:      NewFileRepository(database, logger),
		sources:    NewSourceDataRepository(database, logger),
		catalog:    NewCatalogRepository(database, logger),
	}, nil
}

func (p *Persistence) Operations() persistence.OperationRepository { return p.operations }

func (p *Persistence) Projects() persistence.ProjectRepository { return p.projects }

func (p *Persistence) Scenarios() persistence.ScenarioRepository { return p.scenarios }

func (p *Persistence) Files() persistence.FileRepository { return p.files }

func (p *Persistence) SourceData() persistence.SourceDataRepository { return p.sources }

func (p *Persistence) Catalog() persistence.CatalogRepository { return p.catalog }

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
