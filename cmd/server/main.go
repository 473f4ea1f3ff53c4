// File hosting server
//
// Features:
// - Upload, download, listing and deletion under a sandboxed storage root
// - Path-component locking for overlapping mutations
// - Tree index (SQLite or PostgreSQL) kept in sync in the background
// - SSE stream of committed mutations
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/y3g0r/filehosting/internal/api"
	"github.com/y3g0r/filehosting/internal/config"
	"github.com/y3g0r/filehosting/internal/events"
	"github.com/y3g0r/filehosting/internal/hosting"
	"github.com/y3g0r/filehosting/internal/lock"
	"github.com/y3g0r/filehosting/internal/logging"
	"github.com/y3g0r/filehosting/internal/metadata"
	"github.com/y3g0r/filehosting/internal/metadata/postgres"
	"github.com/y3g0r/filehosting/internal/metadata/sqlite"
	"github.com/y3g0r/filehosting/internal/metrics"
	"github.com/y3g0r/filehosting/internal/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	listen := pflag.String("listen", "", "listen address, overrides listen_addr")
	reindex := pflag.Bool("reindex", true, "reconcile the tree index with the storage root at startup")
	pflag.Parse()

	loader, err := config.NewLoader(*configPath)
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(1)
	}
	defer logging.Sync()

	loader.Watch(func(level string) {
		previous := logging.Level()
		logging.SetLevel(level)
		if current := logging.Level(); current != previous {
			logging.Info("log level changed",
				zap.String("from", previous),
				zap.String("to", current))
		}
	})

	if err := run(cfg, *reindex); err != nil {
		logging.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, reindex bool) error {
	logging.Info("file hosting server starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage_root", cfg.StorageRoot),
		zap.String("index_backend", cfg.IndexBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}
	resolver, err := storage.NewResolver(cfg.StorageRoot)
	if err != nil {
		return err
	}

	backend, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	index := metadata.New(backend)
	defer index.Close()

	syncer := metadata.NewSyncer(index, metadata.SyncerConfig{
		Workers:     cfg.IndexWorkers,
		QueueSize:   cfg.IndexQueueSize,
		RetryDelay:  cfg.IndexRetryDelay,
		MaxAttempts: cfg.IndexRetryAttempts,
	})

	broadcaster := events.NewBroadcaster()
	locks := lock.NewTable(cfg.EnableLocks)
	if !locks.Enabled() {
		logging.Warn("path locking disabled, overlapping mutations may interleave")
	}

	svc := hosting.New(resolver, afero.NewOsFs(), locks, syncer, broadcaster, storage.Options{
		StagingDir:    cfg.StagingDir,
		MaxChunkSize:  cfg.MaxChunkSize,
		MaxUploadSize: cfg.MaxUploadSize(),
	})

	if reindex {
		if err := reconcile(ctx, svc, index); err != nil {
			logging.Error("index reconcile failed", zap.Error(err))
		}
	}

	srv := api.NewServer(svc, broadcaster, api.Config{
		MaxUploadSize:          cfg.MaxUploadSize(),
		MaxConcurrentMutations: cfg.MaxConcurrentMutations,
	})

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("shutting down...")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// SSE streams never finish on their own
	broadcaster.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("http shutdown incomplete", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
	if err := syncer.Close(shutdownCtx); err != nil {
		logging.Error("index syncer did not drain", zap.Error(err))
	}
	logging.Info("server stopped")
	return runErr
}

func openIndex(ctx context.Context, cfg *config.Config) (metadata.Backend, error) {
	switch cfg.IndexBackend {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		store, err := sqlite.Open(sqlite.Config{Path: cfg.IndexPath})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// reconcile brings the index in line with the storage root, removing rows
// for paths that disappeared while the server was down or whose jobs were
// dropped.
func reconcile(ctx context.Context, svc *hosting.Service, index *metadata.Index) error {
	full, err := svc.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot storage root: %w", err)
	}
	_, err = index.Reconcile(ctx, full)
	return err
}
