package metrics

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/vnykmshr/httpinstr/internal/logging"
)

// Quantiles reported for every timer.
var Quantiles = []float64{0.5, 0.75, 0.95, 0.99, 0.999}

// Collector exposes a Registry as Prometheus metrics. Names are sanitized
// by replacing every character outside [a-zA-Z0-9_:] with an underscore.
//
//   - counters and gauges become gauges
//   - meters become a <name>_total counter and a <name>_rate gauge per window
//   - timers become a <name>_seconds summary and a <name>_rate gauge per window
//
// Collector is unchecked: its metric set changes as the registry grows.
type Collector struct {
	registry  *Registry
	namespace string
	labels    prometheus.Labels
	logger    *slog.Logger
}

// NewCollector creates a Collector over reg.
func NewCollector(reg *Registry, namespace string, labels prometheus.Labels, logger *slog.Logger) *Collector {
	logger = logging.OrDefault(logger)
	return &Collector{
		registry:  reg,
		namespace: namespace,
		labels:    labels,
		logger:    logger,
	}
}

// Describe sends nothing, which marks the collector as unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Each(func(name string, m interface{}) {
		c.collect(ch, name, m)
	})
}

func (c *Collector) collect(ch chan<- prometheus.Metric, name string, m interface{}) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("metric read panicked, skipping", "metric", name, "panic", fmt.Sprint(r))
		}
	}()

	fq := PrometheusName(c.namespace, name)
	switch v := m.(type) {
	case gometrics.Counter:
		c.gauge(ch, fq, name, float64(v.Count()))
	case gometrics.Gauge:
		c.gauge(ch, fq, name, float64(v.Value()))
	case gometrics.GaugeFloat64:
		c.gauge(ch, fq, name, v.Value())
	case gometrics.Meter:
		s := v.Snapshot()
		c.send(ch, fq+"_total", name, prometheus.CounterValue, float64(s.Count()), nil, nil)
		c.rates(ch, fq, name, s)
	case gometrics.Timer:
		s := v.Snapshot()
		c.summary(ch, fq+"_seconds", name, uint64(s.Count()), float64(s.Sum())/float64(time.Second), s.Percentiles(Quantiles), float64(time.Second))
		c.rates(ch, fq, name, s)
	case gometrics.Histogram:
		s := v.Snapshot()
		c.summary(ch, fq, name, uint64(s.Count()), float64(s.Sum()), s.Percentiles(Quantiles), 1)
	}
}

func (c *Collector) gauge(ch chan<- prometheus.Metric, fq, name string, value float64) {
	c.send(ch, fq, name, prometheus.GaugeValue, value, nil, nil)
}

func (c *Collector) rates(ch chan<- prometheus.Metric, fq, name string, r Rates) {
	for _, w := range Windows {
		c.send(ch, fq+"_rate", name, prometheus.GaugeValue, w.Of(r), []string{"window"}, []string{w.Suffix()})
	}
}

func (c *Collector) send(ch chan<- prometheus.Metric, fq, name string, vt prometheus.ValueType, value float64, labelNames, labelValues []string) {
	desc := prometheus.NewDesc(fq, name, labelNames, c.labels)
	metric, err := prometheus.NewConstMetric(desc, vt, value, labelValues...)
	if err != nil {
		c.logger.Warn("cannot export metric", "metric", name, "error", err)
		return
	}
	ch <- metric
}

func (c *Collector) summary(ch chan<- prometheus.Metric, fq, name string, count uint64, sum float64, values []float64, scale float64) {
	q := make(map[float64]float64, len(Quantiles))
	for i, p := range Quantiles {
		q[p] = values[i] / scale
	}
	desc := prometheus.NewDesc(fq, name, nil, c.labels)
	metric, err := prometheus.NewConstSummary(desc, count, sum, q)
	if err != nil {
		c.logger.Warn("cannot export metric", "metric", name, "error", err)
		return
	}
	ch <- metric
}

// PrometheusName converts a dotted metric name into a valid Prometheus name.
func PrometheusName(namespace, name string) string {
	var b strings.Builder
	if namespace != "" {
		b.WriteString(namespace)
		b.WriteByte('_')
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 && namespace == "" {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
