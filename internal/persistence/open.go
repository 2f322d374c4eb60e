// Package persistence opens the engine over the configured storage backend.
package persistence

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-spc/internal/persistence/sqlstore"
	"github.com/celerix-dev/celerix-spc/pkg/engine"
)

// Storage drivers.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and parameterizes a backend.
type Options struct {
	Driver  string
	DataDir string
	// DSN is the sqlite file path or the postgres connection string.
	DSN string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenPersister builds the persister for the configured driver.
func OpenPersister(ctx context.Context, opts Options, logger *zap.Logger) (engine.Persister, io.Closer, error) {
	switch opts.Driver {
	case "", DriverFile:
		p, err := engine.NewFilePersistence(opts.DataDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize file persistence: %w", err)
		}
		return p, nopCloser{}, nil
	case DriverSQLite:
		path := opts.DSN
		if path == "" {
			path = filepath.Join(opts.DataDir, "celerix-spc.db")
		}
		s, err := sqlstore.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case DriverPostgres:
		s, err := sqlstore.OpenPostgres(ctx, opts.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

// Open loads all existing data from the backend and returns a ready engine.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*engine.MemStore, io.Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, closer, err := OpenPersister(ctx, opts, logger)
	if err != nil {
		return nil, nil, err
	}
	initialData, err := p.LoadAll()
	if err != nil {
		_ = closer.Close()
		return nil, nil, fmt.Errorf("load existing data: %w", err)
	}
	logger.Info("storage opened",
		zap.String("driver", opts.Driver),
		zap.Int("datasets", len(initialData)))
	return engine.NewMemStore(initialData, p), closer, nil
}
