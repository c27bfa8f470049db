// Package metrics provides the metric registry shared by the instrumented
// server components, and exporters for it.
//
// # Overview
//
// Metrics live in a Registry keyed by dotted names of the form
//
//	{prefix}.{category}.{service}.{suffix}
//
// for example "http.handler.api.requests". Counters, timers and meters are
// get-or-create, so two components asking for the same name share one
// metric. Gauges are computed on read and registered exactly once; a
// second registration fails with ErrDuplicateMetric.
//
// # Quick Start
//
//	reg := metrics.NewRegistry()
//	n := metrics.NewNamer("http", metrics.CategoryHandler, "api")
//	requests, _ := reg.Timer(n.Name("requests"))
//	requests.Update(25 * time.Millisecond)
//
// # Ratios
//
// Ratio gauges divide two rates at read time. A zero or non-finite
// denominator reads as 0:
//
//	reg.RatioGauge(n.Name("percent-5xx-1m"),
//		metrics.RateRatio(responses5xx, requests, metrics.OneMinute))
//
// # Export
//
// Management bundles a Registry with a Prometheus bridge (Collector), a
// scrape endpoint (Server) and an optional cron-driven LogReporter:
//
//	mgmt, err := metrics.NewManagement(metrics.Config{
//		Enabled:        true,
//		MetricsAddr:    ":9090",
//		ReportSchedule: "@every 1m",
//	}, logger)
//	if err != nil {
//		return err
//	}
//	if err := mgmt.Start(); err != nil {
//		return err
//	}
//	defer mgmt.Close()
//
// The Prometheus bridge turns "http.handler.api.requests" into
// "http_handler_api_requests_seconds" (a summary) plus
// "http_handler_api_requests_rate{window="1m"}" and friends.
package metrics
