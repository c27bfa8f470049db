/*
Package httpinstr instruments an HTTP server: its request handler, the
worker pool that runs dispatches and the factory that accepts connections.

Metrics (pkg/metrics):
  - Registry: get-or-create counters, timers, meters and gauges
  - Namer: {prefix}.{category}.{service}.{suffix} metric names
  - Management: Prometheus scrape endpoint and scheduled log reports

Server (pkg/server):
  - Server: net/http host with suspend/resume exchanges
  - InstrumentedHandler: request, dispatch and response metrics
  - InstrumentedConnectionFactory: connection lifetimes
  - Factory: builds instrumented or bare components from one config

Scheduling (pkg/scheduling):
  - workerpool: elastic worker pool and its utilization gauges

Example usage:

	import (
		"github.com/vnykmshr/httpinstr/pkg/server"
	)

	cfg := server.DefaultFactoryConfig()
	cfg.Enabled = true
	cfg.ServiceName = "api"

	f := server.NewFactory(cfg)
	defer f.Close()

	srv, _ := f.NewServer(server.Adapt(mux))
	srv.ListenAndServe(":8080")
*/
package httpinstr
