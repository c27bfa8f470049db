package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/httpinstr/internal/testutil"
	"github.com/vnykmshr/httpinstr/pkg/metrics"
	"github.com/vnykmshr/httpinstr/pkg/scheduling/workerpool"
)

// testWriter is a minimal http.ResponseWriter that accepts any status code.
// Interim 1xx codes are recorded apart from the final status, as net/http
// sends them.
type testWriter struct {
	mu      sync.Mutex
	header  http.Header
	status  int
	interim []int
	body    bytes.Buffer
}

func newTestWriter() *testWriter {
	return &testWriter{header: make(http.Header)}
}

func (w *testWriter) Header() http.Header { return w.header }

func (w *testWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != 0 {
		return
	}
	if code >= 100 && code <= 199 && code != http.StatusSwitchingProtocols {
		w.interim = append(w.interim, code)
		return
	}
	w.status = code
}

func (w *testWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *testWriter) Status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *testWriter) Interim() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.interim...)
}

type harness struct {
	t       *testing.T
	clock   *testutil.MockClock
	reg     *metrics.Registry
	handler *InstrumentedHandler
	srv     *Server
	pool    workerpool.Pool
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	asyncTimeout time.Duration
	wrapPool     func(workerpool.Pool) workerpool.Pool
	outer        func(Handler) Handler
}

func withAsyncTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.asyncTimeout = d }
}

func withPoolWrapper(fn func(workerpool.Pool) workerpool.Pool) harnessOption {
	return func(c *harnessConfig) { c.wrapPool = fn }
}

func withOuter(fn func(Handler) Handler) harnessOption {
	return func(c *harnessConfig) { c.outer = fn }
}

func newHarness(t *testing.T, next Handler, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{asyncTimeout: time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := testutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := metrics.NewRegistry()
	ih, err := NewInstrumentedHandler(next, reg, "api", WithHandlerClock(clock), WithHandlerLogger(discardLogger()))
	require.NoError(t, err)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.MinWorkers = 2
	poolCfg.MaxWorkers = 64
	pool, err := workerpool.NewWithConfig(poolCfg)
	require.NoError(t, err)
	var p workerpool.Pool = pool
	if cfg.wrapPool != nil {
		p = cfg.wrapPool(pool)
	}

	var root Handler = ih
	if cfg.outer != nil {
		root = cfg.outer(ih)
	}

	srv, err := New(root, WithPool(p), WithClock(clock),
		WithAsyncTimeout(cfg.asyncTimeout), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	if cfg.outer != nil {
		require.NoError(t, ih.Start())
	}
	t.Cleanup(func() { <-pool.Shutdown() })

	return &harness{t: t, clock: clock, reg: reg, handler: ih, srv: srv, pool: p}
}

func (hs *harness) do(method, target string) *testWriter {
	w := newTestWriter()
	hs.srv.ServeHTTP(w, newRequest(method, target))
	return w
}

// doAsync serves a request in the background; the channel yields its writer.
func (hs *harness) doAsync(method, target string) <-chan *testWriter {
	ch := make(chan *testWriter, 1)
	go func() { ch <- hs.do(method, target) }()
	return ch
}

func (hs *harness) name(suffix string) string {
	return "http.handler.api." + suffix
}

func (hs *harness) counter(suffix string) int64 {
	hs.t.Helper()
	c, ok := hs.reg.Get(hs.name(suffix)).(gometrics.Counter)
	if !ok {
		hs.t.Fatalf("%s is not a counter", suffix)
	}
	return c.Count()
}

func (hs *harness) meter(suffix string) int64 {
	hs.t.Helper()
	m, ok := hs.reg.Get(hs.name(suffix)).(gometrics.Meter)
	if !ok {
		hs.t.Fatalf("%s is not a meter", suffix)
	}
	return m.Count()
}

func (hs *harness) timer(suffix string) gometrics.Timer {
	hs.t.Helper()
	tm, ok := hs.reg.Get(hs.name(suffix)).(gometrics.Timer)
	if !ok {
		hs.t.Fatalf("%s is not a timer", suffix)
	}
	return tm
}

func (hs *harness) statusCounts() [5]int64 {
	var out [5]int64
	for i := range out {
		out[i] = hs.meter(string(rune('1'+i)) + "xx-responses")
	}
	return out
}

func (hs *harness) waitCounter(suffix string, want int64) {
	hs.t.Helper()
	testutil.Eventually(hs.t, func() bool { return hs.counter(suffix) == want }, 2*time.Second, time.Millisecond)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listenerFuncs adapts callbacks to AsyncListener.
type listenerFuncs struct {
	timeout  func(AsyncEvent)
	complete func(AsyncEvent)
}

func (l listenerFuncs) OnTimeout(ev AsyncEvent) {
	if l.timeout != nil {
		l.timeout(ev)
	}
}

func (l listenerFuncs) OnComplete(ev AsyncEvent) {
	if l.complete != nil {
		l.complete(ev)
	}
}

func newRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, target, nil)
}
