package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-spc/internal/api"
	"github.com/celerix-dev/celerix-spc/internal/app"
	"github.com/celerix-dev/celerix-spc/internal/config"
	"github.com/celerix-dev/celerix-spc/internal/ingest"
	"github.com/celerix-dev/celerix-spc/internal/logging"
	"github.com/celerix-dev/celerix-spc/internal/vault"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "celerix-spcd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("CELERIX_CONFIG")
	if configPath == "" {
		configPath = "celerix-spc.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("engine started", zap.String("dataset", cfg.Dataset), zap.String("storage", cfg.Storage.Driver))

	sink, err := app.NewArchive(ctx, cfg)
	if err != nil {
		logger.Warn("export archive disabled", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	h := &api.Handler{
		Analysis:     a.Analysis,
		Pipeline:     a.Pipeline,
		Scheduler:    a.Scheduler,
		Archive:      sink,
		Metrics:      a.Metrics,
		Logger:       logger.Named("api"),
		SyncInterval: cfg.Sync.Interval,
		BaseContext:  ctx,
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLS.Enabled {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			_ = a.Close()
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		logger.Info("TLS encryption enabled (self-signed)")
	}

	if src := cfg.Sync.ActiveSource; src != "" {
		kind := ingest.Kind(src)
		err := a.Scheduler.Start(ctx, src, cfg.Sync.Interval, func(ctx context.Context) error {
			_, err := a.Pipeline.Sync(ctx, kind)
			return err
		})
		if err != nil {
			_ = a.Close()
			return fmt.Errorf("start sync: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", cfg.TLS.Enabled))
		var err error
		if cfg.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, finishing in-flight work")
	case err := <-serveErr:
		if err != nil {
			_ = a.Close()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := a.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	logger.Info("persistence complete, exiting")
	return nil
}
