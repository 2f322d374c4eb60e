// Package sqlstore persists engine datasets as JSON snapshots in a SQL table. SQLite
// (modernc, pure Go) and Postgres (pgx) share the same single-table layout.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/celerix-dev/celerix-spc/pkg/engine"
)

var _ engine.Persister = (*Store)(nil)

// Dialect captures the statements that differ between backends.
type Dialect struct {
	Name        string
	Driver      string
	CreateTable string
	Upsert      string
	SelectAll   string
}

var (
	SQLite = Dialect{
		Name:   "sqlite",
		Driver: "sqlite",
		CreateTable: `CREATE TABLE IF NOT EXISTS datasets (
			dataset TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		Upsert:    `INSERT INTO datasets(dataset, payload, updated_at) VALUES(?, ?, ?) ON CONFLICT(dataset) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		SelectAll: `SELECT dataset, payload FROM datasets`,
	}
	Postgres = Dialect{
		Name:   "postgres",
		Driver: "pgx",
		CreateTable: `CREATE TABLE IF NOT EXISTS datasets (
			dataset TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		Upsert:    `INSERT INTO datasets(dataset, payload, updated_at) VALUES($1, $2, $3) ON CONFLICT(dataset) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		SelectAll: `SELECT dataset, payload FROM datasets`,
	}
)

const defaultPostgresDSN = "postgres://localhost/celerix_spc?sslmode=disable"

var sqlOpen = sql.Open

// Store is an engine.Persister backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
	timeout time.Duration
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "celerix-spc.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	s, err := open(ctx, SQLite, path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps writes serialized and makes :memory: databases usable.
	s.db.SetMaxOpenConns(1)
	return s, nil
}

// OpenPostgres opens a Postgres database using the provided DSN (falls back to a local default).
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	return open(ctx, Postgres, dsn)
}

func open(ctx context.Context, d Dialect, dsn string) (*Store, error) {
	db, err := sqlOpen(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	if _, err := db.ExecContext(ctx, d.CreateTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create datasets table: %w", err)
	}
	return &Store{db: db, dialect: d, timeout: 10 * time.Second}, nil
}

// SaveDataset upserts the dataset snapshot in a single statement.
func (s *Store) SaveDataset(datasetID string, data map[string]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode dataset %s: %w", datasetID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.dialect.Upsert, datasetID, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert dataset %s: %w", datasetID, err)
	}
	return nil
}

// LoadAll decodes every stored dataset snapshot.
func (s *Store) LoadAll() (map[string]map[string]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.dialect.SelectAll)
	if err != nil {
		return nil, fmt.Errorf("select datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	all := make(map[string]map[string]map[string]any)
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var data map[string]map[string]any
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, fmt.Errorf("decode dataset %s: %w", id, err)
		}
		all[id] = data
	}
	return all, rows.Err()
}

// Dialect reports which backend the store talks to.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
