// Command ddm-registry runs the federation's canonical party/site catalog
// and replication log (spec §4.4, §6).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ddm-net/ddm/internal/config"
	"github.com/ddm-net/ddm/internal/logging"
	"github.com/ddm-net/ddm/internal/metrics"
	"github.com/ddm-net/ddm/internal/middleware"
	"github.com/ddm-net/ddm/internal/registry"
	"github.com/ddm-net/ddm/internal/registry/archivestore/memory"
	"github.com/ddm-net/ddm/internal/registry/archivestore/postgres"
	"github.com/ddm-net/ddm/internal/registry/archivestore/postgres/migrations"
	"github.com/ddm-net/ddm/internal/registry/server"
)

func main() {
	cfg := config.LoadRegistryConfig()
	logger := logging.NewFromEnv("ddm-registry")

	archive, err := openArchive(cfg.DatabaseURL)
	if err != nil {
		logger.WithFields(nil).WithError(err).Error("open archive store")
		os.Exit(1)
	}
	defer archive.Close()

	store, err := registry.NewCanonicalStore(archive)
	if err != nil {
		logger.WithFields(nil).WithError(err).Error("replay archive")
		os.Exit(1)
	}
	repl := server.NewReplicationServer(archive, cfg.LeaseDuration)
	srv := server.New(store, repl)

	m := metrics.New("ddm-registry")
	recovery := middleware.NewRecoveryMiddleware(logger)
	limiter := middleware.NewRateLimiter(50, 100)
	srv.Router.Use(
		middleware.LoggingMiddleware(logger),
		recovery.Handler,
		middleware.MetricsMiddleware("ddm-registry", m),
		limiter.MuxMiddleware(),
	)
	srv.Router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("ddm-registry listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithFields(nil).WithError(err).Error("http server stopped")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.WithFields(nil).Info("shutting down ddm-registry")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithFields(nil).WithError(err).Warn("graceful shutdown failed")
	}
}

func openArchive(dsn string) (registry.ArchiveStore, error) {
	if dsn == "" {
		return memory.New(), nil
	}
	if err := migrations.Up(dsn); err != nil {
		return nil, err
	}
	return postgres.Open(dsn)
}
