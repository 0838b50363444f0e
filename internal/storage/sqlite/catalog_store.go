// Package sqlite provides a single-file catalog store for local runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// timeLayout is fixed width so TEXT comparison matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Config names the database file and tables.
type Config struct {
	Path         string
	CatalogTable string
	StagingTable string
}

// CatalogStore implements catalog.Store on SQLite.
type CatalogStore struct {
	db      *sql.DB
	catalog string
	staging string
}

// Open creates or opens the database at cfg.Path. ":memory:" is accepted.
func Open(cfg Config) (*CatalogStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	catalogTable, stagingTable := cfg.CatalogTable, cfg.StagingTable
	if catalogTable == "" {
		catalogTable = "pokemon"
	}
	if stagingTable == "" {
		stagingTable = "pokemon_stg"
	}
	for _, name := range []string{catalogTable, stagingTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	if catalogTable == stagingTable {
		return nil, fmt.Errorf("catalog and staging tables must differ")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if cfg.Path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	return &CatalogStore{db: db, catalog: catalogTable, staging: stagingTable}, nil
}

// EnsureSchema creates both tables when absent.
func (s *CatalogStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT NOT NULL)`, s.staging),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	last_processed TEXT NOT NULL DEFAULT '%s'
)`, s.catalog, formatTime(catalog.SentinelTime())),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &catalog.StoreError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}

// Stage replaces the staging contents inside one transaction.
func (s *CatalogStore) Stage(ctx context.Context, names []string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &catalog.StoreError{Op: "stage", Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.staging)); err != nil {
		return &catalog.StoreError{Op: "stage", Err: fmt.Errorf("clear: %w", err)}
	}
	if len(names) > 0 {
		var stmt *sql.Stmt
		stmt, err = tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (name) VALUES (?)`, s.staging))
		if err != nil {
			return &catalog.StoreError{Op: "stage", Err: fmt.Errorf("prepare: %w", err)}
		}
		defer stmt.Close()
		for _, name := range names {
			if _, err = stmt.ExecContext(ctx, name); err != nil {
				return &catalog.StoreError{Op: "stage", Err: fmt.Errorf("insert %q: %w", name, err)}
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return &catalog.StoreError{Op: "stage", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// Merge inserts staged names that are not yet in the catalog.
func (s *CatalogStore) Merge(ctx context.Context) (int64, error) {
	// "WHERE true" disambiguates the upsert clause from a join in SQLite's grammar.
	query := fmt.Sprintf(`
INSERT INTO %s (name)
SELECT DISTINCT name FROM %s WHERE true
ON CONFLICT (name) DO NOTHING`, s.catalog, s.staging)
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, &catalog.StoreError{Op: "merge", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &catalog.StoreError{Op: "merge", Err: err}
	}
	return n, nil
}

// List returns every catalog row in rowid order.
func (s *CatalogStore) List(ctx context.Context) ([]catalog.Entity, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT name, last_processed FROM %s ORDER BY rowid`, s.catalog))
	if err != nil {
		return nil, &catalog.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []catalog.Entity
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, &catalog.StoreError{Op: "list", Err: fmt.Errorf("scan: %w", err)}
		}
		at, err := parseTime(raw)
		if err != nil {
			return nil, &catalog.StoreError{Op: "list", Err: err}
		}
		out = append(out, catalog.Entity{Name: name, LastProcessed: at})
	}
	if err := rows.Err(); err != nil {
		return nil, &catalog.StoreError{Op: "list", Err: err}
	}
	return out, nil
}

// Get returns a single row or catalog.ErrNotFound.
func (s *CatalogStore) Get(ctx context.Context, name string) (catalog.Entity, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT last_processed FROM %s WHERE name = ?`, s.catalog), name).
		Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Entity{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Entity{}, &catalog.StoreError{Op: "get", Err: err}
	}
	at, err := parseTime(raw)
	if err != nil {
		return catalog.Entity{}, &catalog.StoreError{Op: "get", Err: err}
	}
	return catalog.Entity{Name: name, LastProcessed: at}, nil
}

// TouchProcessed upserts last_processed, keeping the later value.
func (s *CatalogStore) TouchProcessed(ctx context.Context, name string, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (name, last_processed) VALUES (?, ?)
ON CONFLICT (name) DO UPDATE
SET last_processed = MAX(%[1]s.last_processed, excluded.last_processed)`, s.catalog)
	if _, err := s.db.ExecContext(ctx, query, name, formatTime(at)); err != nil {
		return &catalog.StoreError{Op: "touch processed", Err: err}
	}
	return nil
}

// Ping checks the database handle.
func (s *CatalogStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &catalog.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the database.
func (s *CatalogStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last_processed %q: %w", raw, err)
	}
	return t.UTC(), nil
}
