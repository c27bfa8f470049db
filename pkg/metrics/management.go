package metrics

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vnykmshr/httpinstr/internal/logging"
	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
)

// Management is the process-wide metrics context: the registry every
// instrumented component reports into plus its exporters.
type Management struct {
	config   Config
	registry *Registry
	prom     *prometheus.Registry
	server   *Server
	reporter *LogReporter
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewManagement builds the registry and exporters described by cfg.
// Exporters do not run until Start.
func NewManagement(cfg Config, logger *slog.Logger) (*Management, error) {
	logger = logging.OrDefault(logger)
	cfg.Prefix = cfg.prefix()

	m := &Management{
		config:   cfg,
		registry: NewRegistry(),
		prom:     prometheus.NewRegistry(),
		logger:   logger,
	}

	if err := m.prom.Register(NewCollector(m.registry, cfg.Namespace, cfg.Labels, logger)); err != nil {
		return nil, ierrors.NewOperationError("metrics", "NewManagement", err)
	}
	if cfg.RuntimeCollectors {
		m.prom.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if cfg.MetricsAddr != "" {
		m.server = NewServer(cfg.MetricsAddr, m.prom, logger)
	}
	if cfg.ReportSchedule != "" {
		rep, err := NewLogReporter(m.registry, cfg.ReportSchedule, logger)
		if err != nil {
			return nil, err
		}
		m.reporter = rep
	}
	return m, nil
}

// Registry returns the shared metric registry.
func (m *Management) Registry() *Registry { return m.registry }

// Gatherer returns the Prometheus view of the registry.
func (m *Management) Gatherer() prometheus.Gatherer { return m.prom }

// Prefix returns the configured metric name prefix.
func (m *Management) Prefix() string { return m.config.Prefix }

// Server returns the scrape endpoint, or nil when disabled.
func (m *Management) Server() *Server { return m.server }

// Start runs the configured exporters. Calling Start twice is a no-op.
func (m *Management) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if m.server != nil {
		if err := m.server.Start(); err != nil {
			return ierrors.NewOperationError("metrics", "Management.Start", err).WithContext(m.config.MetricsAddr)
		}
	}
	if m.reporter != nil {
		if err := m.reporter.Start(); err != nil {
			if m.server != nil {
				_ = m.server.Close()
			}
			return err
		}
	}
	m.started = true
	return nil
}

// Close stops the exporters.
func (m *Management) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	var errs []error
	if m.reporter != nil {
		m.reporter.Stop()
	}
	if m.server != nil {
		if err := m.server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
