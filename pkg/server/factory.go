package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vnykmshr/httpinstr/internal/logging"
	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
	"github.com/vnykmshr/httpinstr/pkg/metrics"
	"github.com/vnykmshr/httpinstr/pkg/scheduling/workerpool"
)

// FactoryConfig describes the components a Factory builds.
type FactoryConfig struct {
	// ServiceName names the metrics of this server. Empty falls back to
	// metrics.DefaultService unless MultipleServices is set.
	ServiceName string

	// MultipleServices declares that several servers share the process, so
	// each must carry its own service name.
	MultipleServices bool

	// Enabled turns instrumentation on. Disabled factories build the bare
	// components and never create a metrics registry.
	Enabled bool

	// Metrics configures the registry prefix and exporters.
	Metrics metrics.Config

	// Pool sizes the worker pool.
	Pool workerpool.Config

	// Protocol reported by the connection factory.
	Protocol string

	AsyncTimeout time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultFactoryConfig returns an uninstrumented configuration with
// default pool sizing.
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		Metrics:      metrics.DefaultConfig(),
		Pool:         workerpool.DefaultConfig(),
		AsyncTimeout: DefaultAsyncTimeout,
	}
}

// Factory composes handlers, pools and connection factories, wrapping them
// with instrumentation when enabled. The metrics context is created at
// most once per Factory, on first use.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger
	clock  Clock

	once    sync.Once
	mgmt    *metrics.Management
	mgmtErr error
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithFactoryLogger sets the logger passed to every component.
func WithFactoryLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// WithFactoryClock sets the clock shared by the server and instrumentation.
func WithFactoryClock(c Clock) FactoryOption {
	return func(f *Factory) { f.clock = c }
}

// WithManagement supplies an existing metrics context instead of building one.
func WithManagement(m *metrics.Management) FactoryOption {
	return func(f *Factory) {
		f.once.Do(func() { f.mgmt = m })
	}
}

// NewFactory creates a Factory.
func NewFactory(cfg FactoryConfig, opts ...FactoryOption) *Factory {
	f := &Factory{cfg: cfg, clock: SystemClock}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.OrDefault(f.logger)
	return f
}

// Enabled reports whether components are instrumented.
func (f *Factory) Enabled() bool { return f.cfg.Enabled }

// ServiceName returns the effective service name.
func (f *Factory) ServiceName() (string, error) {
	if f.cfg.ServiceName != "" {
		return f.cfg.ServiceName, nil
	}
	if f.cfg.MultipleServices {
		return "", ierrors.NewValidationError("server", "service_name", "", "required with multiple services").
			WithHint("give each server its own service name")
	}
	return metrics.DefaultService, nil
}

// Management returns the metrics context, building and starting it on
// first call. It is nil when instrumentation is disabled.
func (f *Factory) Management() (*metrics.Management, error) {
	if !f.cfg.Enabled {
		return nil, nil
	}
	f.once.Do(func() {
		mgmt, err := metrics.NewManagement(f.cfg.Metrics, f.logger)
		if err != nil {
			f.mgmtErr = err
			return
		}
		if err := mgmt.Start(); err != nil {
			f.mgmtErr = err
			return
		}
		f.mgmt = mgmt
		f.logger.Info("metrics enabled", "prefix", mgmt.Prefix(), "metrics_addr", f.cfg.Metrics.MetricsAddr)
	})
	return f.mgmt, f.mgmtErr
}

func (f *Factory) instrumentation() (*metrics.Management, string, error) {
	mgmt, err := f.Management()
	if err != nil || mgmt == nil {
		return nil, "", err
	}
	service, err := f.ServiceName()
	if err != nil {
		return nil, "", err
	}
	return mgmt, service, nil
}

// NewHandler wraps next with an InstrumentedHandler, or returns next
// unchanged when disabled.
func (f *Factory) NewHandler(next Handler) (Handler, error) {
	mgmt, service, err := f.instrumentation()
	if err != nil {
		return nil, err
	}
	if mgmt == nil {
		return next, nil
	}
	h, err := NewInstrumentedHandler(next, mgmt.Registry(), service,
		WithHandlerPrefix(mgmt.Prefix()),
		WithHandlerClock(f.clock),
		WithHandlerLogger(f.logger),
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// NewPool builds the worker pool, instrumented when enabled. The pool is
// not started.
func (f *Factory) NewPool() (workerpool.Pool, error) {
	pool, err := workerpool.NewWithConfig(f.cfg.Pool)
	if err != nil {
		return nil, err
	}
	mgmt, service, err := f.instrumentation()
	if err != nil {
		return nil, err
	}
	if mgmt == nil {
		return pool, nil
	}
	return workerpool.NewInstrumented(pool, mgmt.Registry(), mgmt.Prefix(), service), nil
}

// NewConnectionFactory builds the connection factory, instrumented when enabled.
func (f *Factory) NewConnectionFactory() (ConnectionFactory, error) {
	var cf ConnectionFactory = NewHTTPConnectionFactory(f.cfg.Protocol)
	mgmt, service, err := f.instrumentation()
	if err != nil {
		return nil, err
	}
	if mgmt == nil {
		return cf, nil
	}
	icf, err := NewInstrumentedConnectionFactory(cf, mgmt.Registry(), mgmt.Prefix(), service, f.clock)
	if err != nil {
		return nil, err
	}
	return icf, nil
}

// NewServer composes a Server around next with a pool and connection
// factory from this Factory.
func (f *Factory) NewServer(next Handler) (*Server, error) {
	handler, err := f.NewHandler(next)
	if err != nil {
		return nil, err
	}
	pool, err := f.NewPool()
	if err != nil {
		return nil, err
	}
	cf, err := f.NewConnectionFactory()
	if err != nil {
		return nil, err
	}
	return New(handler,
		WithPool(pool),
		WithConnectionFactory(cf),
		WithClock(f.clock),
		WithAsyncTimeout(f.cfg.AsyncTimeout),
		WithTimeouts(f.cfg.ReadTimeout, f.cfg.WriteTimeout),
		WithLogger(f.logger),
	)
}

// Close stops the metrics exporters if they were started. It waits for a
// metrics context being built concurrently, and none is built afterwards.
func (f *Factory) Close() error {
	f.once.Do(func() {})
	if f.mgmt == nil {
		return nil
	}
	return f.mgmt.Close()
}
