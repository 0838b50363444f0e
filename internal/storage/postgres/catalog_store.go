// Package postgres provides the Postgres-backed catalog store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultCatalogTable = "pokemon"
	DefaultStagingTable = "pokemon_stg"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	CatalogTable    string
	StagingTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// CatalogStore implements catalog.Store on Postgres.
type CatalogStore struct {
	pool    pool
	catalog string
	staging string
}

// NewCatalogStore connects a pool using cfg.
func NewCatalogStore(ctx context.Context, cfg Config) (*CatalogStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	catalogTable, stagingTable, err := tableNames(cfg.CatalogTable, cfg.StagingTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CatalogStore{pool: p, catalog: catalogTable, staging: stagingTable}, nil
}

// NewCatalogStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCatalogStoreWithPool(p pool, catalogTable, stagingTable string) (*CatalogStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	catalogTable, stagingTable, err := tableNames(catalogTable, stagingTable)
	if err != nil {
		return nil, err
	}
	return &CatalogStore{pool: p, catalog: catalogTable, staging: stagingTable}, nil
}

func tableNames(catalogTable, stagingTable string) (string, string, error) {
	if catalogTable == "" {
		catalogTable = DefaultCatalogTable
	}
	if stagingTable == "" {
		stagingTable = DefaultStagingTable
	}
	for _, name := range []string{catalogTable, stagingTable} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	if catalogTable == stagingTable {
		return "", "", fmt.Errorf("catalog and staging tables must differ")
	}
	return catalogTable, stagingTable, nil
}

// EnsureSchema creates both tables when absent.
func (s *CatalogStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT NOT NULL)`, s.staging),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	last_processed TIMESTAMPTZ NOT NULL DEFAULT '%s'
)`, s.catalog, catalog.SentinelLiteral),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &catalog.StoreError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}

// Stage truncates the staging table and bulk loads names with COPY inside a
// single transaction, so a failed load leaves the previous staging contents
// in place.
func (s *CatalogStore) Stage(ctx context.Context, names []string) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &catalog.StoreError{Op: "stage", Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, s.staging)); err != nil {
		return &catalog.StoreError{Op: "stage", Err: fmt.Errorf("truncate: %w", err)}
	}
	if len(names) > 0 {
		rows := make([][]any, 0, len(names))
		for _, name := range names {
			rows = append(rows, []any{name})
		}
		var copied int64
		copied, err = tx.CopyFrom(ctx, pgx.Identifier{s.staging}, []string{"name"}, pgx.CopyFromRows(rows))
		if err != nil {
			return &catalog.StoreError{Op: "stage", Err: fmt.Errorf("copy: %w", err)}
		}
		if copied != int64(len(names)) {
			err = fmt.Errorf("copied %d of %d rows", copied, len(names))
			return &catalog.StoreError{Op: "stage", Err: err}
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return &catalog.StoreError{Op: "stage", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// Merge inserts staged names that are not yet in the catalog.
func (s *CatalogStore) Merge(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (name)
SELECT DISTINCT name FROM %s
ON CONFLICT (name) DO NOTHING`, s.catalog, s.staging)
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, &catalog.StoreError{Op: "merge", Err: err}
	}
	return tag.RowsAffected(), nil
}

// List returns every catalog row ordered by name.
func (s *CatalogStore) List(ctx context.Context) ([]catalog.Entity, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT name, last_processed FROM %s ORDER BY name`, s.catalog))
	if err != nil {
		return nil, &catalog.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []catalog.Entity
	for rows.Next() {
		var e catalog.Entity
		if err := rows.Scan(&e.Name, &e.LastProcessed); err != nil {
			return nil, &catalog.StoreError{Op: "list", Err: fmt.Errorf("scan: %w", err)}
		}
		e.LastProcessed = e.LastProcessed.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &catalog.StoreError{Op: "list", Err: err}
	}
	return out, nil
}

// Get returns a single row or catalog.ErrNotFound.
func (s *CatalogStore) Get(ctx context.Context, name string) (catalog.Entity, error) {
	e := catalog.Entity{Name: name}
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT last_processed FROM %s WHERE name = $1`, s.catalog), name).
		Scan(&e.LastProcessed)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Entity{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Entity{}, &catalog.StoreError{Op: "get", Err: err}
	}
	e.LastProcessed = e.LastProcessed.UTC()
	return e, nil
}

// TouchProcessed upserts last_processed. Concurrent writers converge on the
// latest timestamp.
func (s *CatalogStore) TouchProcessed(ctx context.Context, name string, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (name, last_processed) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE
SET last_processed = GREATEST(%[1]s.last_processed, EXCLUDED.last_processed)`, s.catalog)
	if _, err := s.pool.Exec(ctx, query, name, at.UTC()); err != nil {
		return &catalog.StoreError{Op: "touch processed", Err: err}
	}
	return nil
}

// Ping checks connectivity.
func (s *CatalogStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &catalog.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *CatalogStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
