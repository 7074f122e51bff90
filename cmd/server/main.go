// StreamBridge Server
//
// Features:
// - Range-aware media streaming (/dl, /watch)
// - Interchangeable metadata backends (PostgreSQL, Bolt, JSON document)
// - Interchangeable chunk sources (local filesystem, S3/MinIO)
// - JWT-protected ingest and admin API
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sly67/streambridge/internal/api"
	"github.com/sly67/streambridge/internal/auth"
	"github.com/sly67/streambridge/internal/config"
	"github.com/sly67/streambridge/internal/logging"
	"github.com/sly67/streambridge/internal/metadata"
	"github.com/sly67/streambridge/internal/metadata/bolt"
	"github.com/sly67/streambridge/internal/metadata/document"
	"github.com/sly67/streambridge/internal/metadata/postgres"
	"github.com/sly67/streambridge/internal/metrics"
	"github.com/sly67/streambridge/internal/source"
	locsource "github.com/sly67/streambridge/internal/source/local"
	s3source "github.com/sly67/streambridge/internal/source/s3"
	"github.com/sly67/streambridge/internal/stream"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("StreamBridge Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("store", cfg.StoreBackend),
		zap.String("source", cfg.SourceBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metadata store
	store, err := newStore(cfg)
	if err != nil {
		logging.Fatal("metadata store init failed",
			zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer store.Close()

	// Initialize chunk source
	src, err := newSource(ctx, cfg)
	if err != nil {
		logging.Fatal("chunk source init failed",
			zap.String("backend", cfg.SourceBackend), zap.Error(err))
	}
	defer src.Close()

	// Initialize auth
	authHandler, err := auth.New(cfg.JWTSecret, cfg.AdminUser, cfg.AdminPassword, cfg.TokenTTL)
	if err != nil {
		logging.Fatal("auth init failed", zap.Error(err))
	}

	// Initialize streamer
	streamer := stream.New(store, src, cfg.FetchTimeout, cfg.ProbeTimeout)

	// Create API server
	srv, err := api.NewServer(store, streamer, authHandler, src, cfg.PublicBaseURL, cfg.StoreBackend)
	if err != nil {
		logging.Fatal("server init failed", zap.Error(err))
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func newStore(cfg *config.Config) (metadata.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return postgres.New(cfg.DatabaseURL)
	case "bolt":
		return bolt.New(cfg.BoltPath)
	default:
		return document.New(cfg.DocumentPath)
	}
}

func newSource(ctx context.Context, cfg *config.Config) (source.Source, error) {
	switch cfg.SourceBackend {
	case "s3":
		return s3source.New(ctx, s3source.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return locsource.New(cfg.SourceRoot)
	}
}
