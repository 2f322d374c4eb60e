// Package app assembles the services described by a Config. The daemon and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-spc/internal/analysis"
	"github.com/celerix-dev/celerix-spc/internal/archive"
	"github.com/celerix-dev/celerix-spc/internal/config"
	"github.com/celerix-dev/celerix-spc/internal/ingest"
	"github.com/celerix-dev/celerix-spc/internal/metrics"
	"github.com/celerix-dev/celerix-spc/internal/persistence"
	"github.com/celerix-dev/celerix-spc/internal/records"
	"github.com/celerix-dev/celerix-spc/internal/scheduler"
	"github.com/celerix-dev/celerix-spc/internal/signature"
	"github.com/celerix-dev/celerix-spc/pkg/engine"
)

// App holds the wired services for one dataset.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	KV        *engine.MemStore
	Records   *records.Store
	Analysis  *analysis.Service
	Verifier  signature.Verifier
	Pipeline  *ingest.Pipeline
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics

	closer io.Closer
}

// New opens storage and builds every service. Close releases the storage backend.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	kv, closer, err := persistence.Open(ctx, StorageOptions(cfg), logger)
	if err != nil {
		return nil, err
	}

	verifier, err := NewVerifier(cfg)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	m := metrics.New()
	store := records.New(kv, cfg.Dataset)
	svc := analysis.New(store, analysis.Options{
		Rules:               cfg.Analysis.Rules(),
		SubgroupSize:        cfg.Analysis.SubgroupSize,
		MinCapabilityPoints: cfg.Analysis.MinCapabilityPoints,
		Logger:              logger.Named("analysis"),
	})
	pipeline := ingest.NewPipeline(svc, ingest.Options{
		Verifier: verifier,
		Secret:   cfg.Webhook.Secret,
		Fetchers: Fetchers(cfg),
		Metrics:  m,
		Logger:   logger.Named("ingest"),
	})
	sched := scheduler.New(scheduler.Options{
		Timeout: cfg.Sync.Timeout,
		Logger:  logger.Named("scheduler"),
		Metrics: m,
	})

	return &App{
		Config:    cfg,
		Logger:    logger,
		KV:        kv,
		Records:   store,
		Analysis:  svc,
		Verifier:  verifier,
		Pipeline:  pipeline,
		Scheduler: sched,
		Metrics:   m,
		closer:    closer,
	}, nil
}

// Close stops the scheduler, waits for in-flight ticks and closes storage.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Scheduler.Wait()
	return a.closer.Close()
}

// StorageOptions maps the storage section onto backend options.
func StorageOptions(cfg *config.Config) persistence.Options {
	return persistence.Options{
		Driver:  cfg.Storage.Driver,
		DataDir: cfg.DataDir,
		DSN:     cfg.Storage.DSN,
	}
}

// NewVerifier builds the webhook verifier from the webhook section.
func NewVerifier(cfg *config.Config) (signature.Verifier, error) {
	scheme, err := signature.ParseScheme(cfg.Webhook.Scheme)
	if err != nil {
		return nil, err
	}
	return signature.New(scheme, signature.Options{
		Tolerance: cfg.Webhook.Tolerance,
		Algorithm: cfg.Webhook.HashAlgorithm,
	})
}

// Fetchers builds one HTTP fetcher per configured poll source.
func Fetchers(cfg *config.Config) map[ingest.Kind]ingest.Fetcher {
	out := make(map[ingest.Kind]ingest.Fetcher, len(cfg.Sources))
	for name, src := range cfg.Sources {
		out[ingest.Kind(name)] = &ingest.HTTPFetcher{
			URL:          src.URL,
			APIKey:       src.APIKey,
			APIKeyHeader: src.APIKeyHeader,
			Headers:      src.Headers,
			Timeout:      cfg.Sync.Timeout,
		}
	}
	return out
}

// ErrNoArchive is returned when the archive section selects no usable sink.
var ErrNoArchive = errors.New("no archive configured")

// NewArchive builds the export sink for the archive section.
func NewArchive(ctx context.Context, cfg *config.Config) (archive.Sink, error) {
	switch cfg.Archive.Driver {
	case config.ArchiveFS:
		sink, err := archive.NewFS(cfg.ArchiveDir())
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.ArchiveS3:
		sink, err := archive.NewS3(ctx, archive.S3Config{
			Bucket:    cfg.Archive.S3.Bucket,
			Region:    cfg.Archive.S3.Region,
			Endpoint:  cfg.Archive.S3.Endpoint,
			PathStyle: cfg.Archive.S3.PathStyle,
			Prefix:    cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, fmt.Errorf("%w: driver %q", ErrNoArchive, cfg.Archive.Driver)
}
