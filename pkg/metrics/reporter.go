package metrics

import (
	"log/slog"
	"sync"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/robfig/cron/v3"

	"github.com/vnykmshr/httpinstr/internal/logging"
	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
)

// LogReporter logs a snapshot of every metric on a cron schedule.
type LogReporter struct {
	registry *Registry
	schedule string
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewLogReporter validates schedule and creates a reporter. Schedules use
// the standard five-field syntax or descriptors such as "@every 30s".
func NewLogReporter(reg *Registry, schedule string, logger *slog.Logger) (*LogReporter, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, ierrors.NewValidationError("metrics", "report_schedule", schedule, err.Error()).
			WithHint("use a cron expression such as @every 1m")
	}
	logger = logging.OrDefault(logger)
	return &LogReporter{registry: reg, schedule: schedule, logger: logger}, nil
}

// Start begins periodic reporting.
func (r *LogReporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return ierrors.NewOperationError("metrics", "LogReporter.Start", ierrors.ErrIllegalState).
			WithContext("already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, r.Report); err != nil {
		return ierrors.NewOperationError("metrics", "LogReporter.Start", err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts reporting and waits for a running report to finish.
func (r *LogReporter) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Report logs every metric once.
func (r *LogReporter) Report() {
	for _, name := range r.registry.Names() {
		r.report(name, r.registry.Get(name))
	}
}

func (r *LogReporter) report(name string, m interface{}) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("metric read panicked, skipping", "metric", name, "panic", p)
		}
	}()

	switch v := m.(type) {
	case gometrics.Counter:
		r.logger.Info("metric", "name", name, "type", "counter", "count", v.Count())
	case gometrics.Gauge:
		r.logger.Info("metric", "name", name, "type", "gauge", "value", v.Value())
	case gometrics.GaugeFloat64:
		r.logger.Info("metric", "name", name, "type", "gauge", "value", v.Value())
	case gometrics.Meter:
		s := v.Snapshot()
		r.logger.Info("metric", "name", name, "type", "meter",
			"count", s.Count(), "m1", s.Rate1(), "m5", s.Rate5(), "m15", s.Rate15())
	case gometrics.Timer:
		s := v.Snapshot()
		ps := s.Percentiles([]float64{0.5, 0.99})
		r.logger.Info("metric", "name", name, "type", "timer",
			"count", s.Count(), "m1", s.Rate1(), "p50_ns", ps[0], "p99_ns", ps[1], "max_ns", s.Max())
	}
}
