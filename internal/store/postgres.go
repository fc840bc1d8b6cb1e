package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/knximport/internal/knxproj"
)

// schema is applied by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS knx_projects (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS knx_group_addresses (
		id             BIGSERIAL PRIMARY KEY,
		project_id     BIGINT NOT NULL REFERENCES knx_projects(id) ON DELETE CASCADE,
		address        TEXT NOT NULL,
		name           TEXT NOT NULL,
		description    TEXT,
		datapoint_type TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS knx_group_addresses_project_idx ON knx_group_addresses (project_id)`,
	`CREATE TABLE IF NOT EXISTS knx_devices (
		id               BIGSERIAL PRIMARY KEY,
		project_id       BIGINT NOT NULL REFERENCES knx_projects(id) ON DELETE CASCADE,
		name             TEXT NOT NULL,
		physical_address TEXT NOT NULL,
		manufacturer     TEXT,
		product_name     TEXT,
		secured          BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE INDEX IF NOT EXISTS knx_devices_project_idx ON knx_devices (project_id)`,
}

var (
	groupAddressColumns = []string{"project_id", "address", "name", "description", "datapoint_type"}
	deviceColumns       = []string{"project_id", "name", "physical_address", "manufacturer", "product_name", "secured"}
)

// Postgres stores projects in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the project tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) CreateProject(ctx context.Context, name string) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO knx_projects (name) VALUES ($1) RETURNING id`, name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert project: %w", err)
	}
	return id, nil
}

// SaveEntities writes all entities of a project in one transaction using the
// COPY protocol. Existing entities of the project are replaced.
func (p *Postgres) SaveEntities(ctx context.Context, projectID int64, data *knxproj.ProjectData) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	for _, table := range []string{"knx_group_addresses", "knx_devices"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE project_id = $1", projectID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	gaRows := make([][]any, len(data.GroupAddresses))
	for i, ga := range data.GroupAddresses {
		gaRows[i] = []any{projectID, ga.Address, ga.Name, optionalText(ga.Description), optionalText(ga.DatapointType)}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"knx_group_addresses"}, groupAddressColumns, pgx.CopyFromRows(gaRows)); err != nil {
		return fmt.Errorf("copy group addresses: %w", err)
	}

	devRows := make([][]any, len(data.Devices))
	for i, d := range data.Devices {
		devRows[i] = []any{projectID, d.Name, d.PhysicalAddress, optionalText(d.Manufacturer), optionalText(d.ProductName), d.Secured}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"knx_devices"}, deviceColumns, pgx.CopyFromRows(devRows)); err != nil {
		return fmt.Errorf("copy devices: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteProject(ctx context.Context, projectID int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM knx_projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// Project returns a stored project header with entity counts.
func (p *Postgres) Project(ctx context.Context, projectID int64) (Project, error) {
	var pr Project
	err := p.pool.QueryRow(ctx, `
		SELECT p.id, p.name, p.created_at,
			(SELECT count(*) FROM knx_group_addresses g WHERE g.project_id = p.id),
			(SELECT count(*) FROM knx_devices d WHERE d.project_id = p.id)
		FROM knx_projects p WHERE p.id = $1`, projectID,
	).Scan(&pr.ID, &pr.Name, &pr.CreatedAt, &pr.GroupAddressCount, &pr.DeviceCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("query project: %w", err)
	}
	return pr, nil
}

func optionalText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
