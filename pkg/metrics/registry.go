package metrics

import (
	"fmt"
	"sort"

	gometrics "github.com/rcrowley/go-metrics"

	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
)

// Registry is a name-keyed, concurrency-safe store of metrics. Counters,
// timers and meters are get-or-create; gauges must be registered once.
type Registry struct {
	r gometrics.Registry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{r: gometrics.NewRegistry()}
}

// WrapRegistry adapts an existing go-metrics registry.
func WrapRegistry(r gometrics.Registry) *Registry {
	return &Registry{r: r}
}

// Counter returns the counter registered under name, creating it if absent.
func (r *Registry) Counter(name string) (gometrics.Counter, error) {
	m := r.r.GetOrRegister(name, gometrics.NewCounter)
	c, ok := m.(gometrics.Counter)
	if !ok {
		return nil, kindError(name, "counter", m)
	}
	return c, nil
}

// Timer returns the timer registered under name, creating it if absent.
func (r *Registry) Timer(name string) (gometrics.Timer, error) {
	m := r.r.GetOrRegister(name, gometrics.NewTimer)
	t, ok := m.(gometrics.Timer)
	if !ok {
		return nil, kindError(name, "timer", m)
	}
	return t, nil
}

// Meter returns the meter registered under name, creating it if absent.
func (r *Registry) Meter(name string) (gometrics.Meter, error) {
	m := r.r.GetOrRegister(name, gometrics.NewMeter)
	mt, ok := m.(gometrics.Meter)
	if !ok {
		return nil, kindError(name, "meter", m)
	}
	return mt, nil
}

// Register adds metric under name. It fails if the name is taken or the
// value is not a supported metric kind.
func (r *Registry) Register(name string, metric interface{}) error {
	switch metric.(type) {
	case gometrics.Counter, gometrics.Gauge, gometrics.GaugeFloat64,
		gometrics.Meter, gometrics.Timer, gometrics.Histogram:
	default:
		return ierrors.NewOperationError("metrics", "Register", ierrors.ErrMetricKind).
			WithContext(fmt.Sprintf("%s: unsupported %T", name, metric))
	}
	if err := r.r.Register(name, metric); err != nil {
		if _, ok := err.(gometrics.DuplicateMetric); ok {
			return ierrors.NewOperationError("metrics", "Register", ierrors.ErrDuplicateMetric).WithContext(name)
		}
		return ierrors.NewOperationError("metrics", "Register", err).WithContext(name)
	}
	return nil
}

// Gauge registers a float gauge whose value is computed by fn on every read.
func (r *Registry) Gauge(name string, fn func() float64) error {
	return r.Register(name, gometrics.NewFunctionalGaugeFloat64(fn))
}

// IntGauge registers an integer gauge whose value is computed by fn on every read.
func (r *Registry) IntGauge(name string, fn func() int64) error {
	return r.Register(name, gometrics.NewFunctionalGauge(fn))
}

// RatioGauge registers a gauge reporting the ratio produced by fn.
func (r *Registry) RatioGauge(name string, fn func() Ratio) error {
	return r.Gauge(name, func() float64 { return fn().Value() })
}

// Get returns the metric registered under name, or nil.
func (r *Registry) Get(name string) interface{} {
	return r.r.Get(name)
}

// Unregister removes the metric registered under name.
func (r *Registry) Unregister(name string) {
	r.r.Unregister(name)
}

// Each calls fn for every registered metric.
func (r *Registry) Each(fn func(name string, metric interface{})) {
	r.r.Each(fn)
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	var names []string
	r.r.Each(func(name string, _ interface{}) {
		names = append(names, name)
	})
	sort.Strings(names)
	return names
}

// Raw returns the underlying go-metrics registry.
func (r *Registry) Raw() gometrics.Registry {
	return r.r
}

func kindError(name, want string, got interface{}) error {
	return ierrors.NewOperationError("metrics", "GetOrRegister", ierrors.ErrMetricKind).
		WithContext(fmt.Sprintf("%s: want %s, registered %T", name, want, got))
}
