// Command httpinstrd serves a small demo API through an instrumented
// server and exposes its metrics for Prometheus.
//
// Set HTTPINSTR_MANAGEMENT=true to turn instrumentation on.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vnykmshr/httpinstr/internal/config"
	"github.com/vnykmshr/httpinstr/internal/logging"
	"github.com/vnykmshr/httpinstr/pkg/metrics"
	"github.com/vnykmshr/httpinstr/pkg/scheduling/workerpool"
	"github.com/vnykmshr/httpinstr/pkg/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("httpinstrd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	f := server.NewFactory(factoryConfig(cfg), server.WithFactoryLogger(logger))
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("closing metrics", "error", err)
		}
	}()

	srv, err := f.NewServer(server.Adapt(newRouter(logger)))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe(cfg.Server.Addr) }()

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func factoryConfig(cfg *config.Config) server.FactoryConfig {
	pool := workerpool.DefaultConfig()
	pool.MinWorkers = cfg.Threads.Min
	pool.MaxWorkers = cfg.Threads.Max
	pool.IdleTimeout = cfg.Threads.IdleTimeout
	pool.QueueSize = cfg.Threads.QueueSize

	m := cfg.Management
	return server.FactoryConfig{
		ServiceName:      cfg.Server.ServiceName,
		MultipleServices: cfg.Server.MultipleServices,
		Enabled:          m.Enabled,
		Metrics: metrics.Config{
			Enabled:           m.Enabled,
			Prefix:            m.Prefix,
			Namespace:         m.Namespace,
			Labels:            m.Labels,
			MetricsAddr:       m.MetricsAddr,
			ReportSchedule:    m.ReportSchedule,
			RuntimeCollectors: m.RuntimeCollectors,
		},
		Pool:         pool,
		AsyncTimeout: cfg.Server.AsyncTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}
