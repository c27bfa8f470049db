/*
Package server hosts request handlers with a suspend/resume lifecycle and
instruments them.

# Host

Server adapts net/http to an Exchange model. Every pass over a request
runs on a workerpool.Pool goroutine. A handler may suspend the exchange
with StartAsync and later resume it from any goroutine:

	srv, _ := server.New(server.HandlerFunc(func(ex *server.Exchange) error {
		if !ex.IsInitial() {
			ex.ResponseWriter().WriteHeader(http.StatusOK)
			return nil
		}
		ac, err := ex.StartAsync()
		if err != nil {
			return err
		}
		go func() {
			fetchSlowly()
			ac.Dispatch() // or write the response here and call ac.Complete()
		}()
		return nil
	}))

A suspension that is neither dispatched nor completed within the async
timeout (30s by default) fires AsyncListener.OnTimeout and then completes
with 500 unless a listener resolved it.

Existing net/http handlers, such as a chi router, run through Adapt and
reach their exchange with ExchangeFrom.

# Instrumentation

InstrumentedHandler, InstrumentedConnectionFactory and
workerpool.InstrumentedPool wrap the host components without changing
request semantics. For service "api" with the default prefix they record:

	http.handler.api.requests            timer, arrival to completion
	http.handler.api.dispatches          timer, one sample per pass
	http.handler.api.active-requests     counter
	http.handler.api.active-dispatches   counter
	http.handler.api.active-suspended    counter
	http.handler.api.async-dispatches    meter
	http.handler.api.async-timeouts      meter
	http.handler.api.{1..5}xx-responses  meters
	http.handler.api.get-requests ...    timers, one per method bucket
	http.handler.api.percent-4xx-1m ...  ratio gauges
	http.threads.api.utilization ...     pool gauges
	http.connection-factory.api.connections  timer, connection lifetime

Per-request timing travels with the exchange, so concurrent suspended
requests never share state.

# Composition

Factory builds the handler, pool and connection factory from one
FactoryConfig and wraps them only when instrumentation is enabled:

	f := server.NewFactory(server.FactoryConfig{
		ServiceName: "api",
		Enabled:     true,
		Metrics:     metrics.DefaultConfig(),
		Pool:        workerpool.DefaultConfig(),
	})
	defer f.Close()

	srv, err := f.NewServer(server.Adapt(router))
*/
package server
