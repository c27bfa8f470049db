package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for metrics collection and export.
type Config struct {
	// Enabled controls whether the process is instrumented at all.
	Enabled bool

	// Prefix is the first component of every metric name. Defaults to DefaultPrefix.
	Prefix string

	// Namespace is prepended to metric names when exported to Prometheus.
	Namespace string

	// Labels are constant labels added to every exported metric.
	Labels prometheus.Labels

	// MetricsAddr is the listen address of the Prometheus scrape endpoint.
	// Empty disables the endpoint.
	MetricsAddr string

	// ReportSchedule is a cron expression (e.g. "@every 1m") for logging a
	// snapshot of every metric. Empty disables the reporter.
	ReportSchedule string

	// RuntimeCollectors adds the Go runtime and process collectors to the
	// Prometheus registry.
	RuntimeCollectors bool
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		Prefix:            DefaultPrefix,
		MetricsAddr:       ":9090",
		RuntimeCollectors: true,
	}
}

func (c Config) prefix() string {
	if c.Prefix == "" {
		return DefaultPrefix
	}
	return c.Prefix
}
