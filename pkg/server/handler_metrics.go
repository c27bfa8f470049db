package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/vnykmshr/httpinstr/internal/logging"
	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
	"github.com/vnykmshr/httpinstr/pkg/common/validation"
	"github.com/vnykmshr/httpinstr/pkg/metrics"
)

// Method is a request method bucket with its own timer.
type Method int

const (
	MethodGet Method = iota
	MethodPost
	MethodPut
	MethodHead
	MethodDelete
	MethodOptions
	MethodTrace
	MethodConnect
	MethodMove
	MethodOther
	methodCount
)

var methodNames = [methodCount]string{
	"GET", "POST", "PUT", "HEAD", "DELETE", "OPTIONS", "TRACE", "CONNECT", "MOVE", "OTHER",
}

// ParseMethod maps a method token to its bucket, ignoring case. Unknown
// tokens map to MethodOther.
func ParseMethod(token string) Method {
	for m := MethodGet; m < MethodOther; m++ {
		if strings.EqualFold(token, methodNames[m]) {
			return m
		}
	}
	return MethodOther
}

func (m Method) String() string {
	if m < 0 || m >= methodCount {
		return methodNames[MethodOther]
	}
	return methodNames[m]
}

func (m Method) metricSuffix() string {
	return strings.ToLower(m.String()) + "-requests"
}

// HandlerOption configures an InstrumentedHandler.
type HandlerOption func(*InstrumentedHandler)

// WithHandlerPrefix sets the metric name prefix.
func WithHandlerPrefix(prefix string) HandlerOption {
	return func(h *InstrumentedHandler) { h.prefix = prefix }
}

// WithHandlerClock sets the clock for dispatch and request timing. It
// should match the server clock that stamps arrival times.
func WithHandlerClock(c Clock) HandlerOption {
	return func(h *InstrumentedHandler) { h.clock = c }
}

// WithHandlerLogger sets the logger for lifecycle warnings.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *InstrumentedHandler) { h.logger = l }
}

// InstrumentedHandler wraps a Handler and records, under
// {prefix}.handler.{service}:
//
//   - requests and dispatches timers, plus one timer per method bucket
//   - active-requests, active-dispatches and active-suspended counters
//   - async-dispatches and async-timeouts meters
//   - 1xx-responses through 5xx-responses meters
//   - percent-4xx and percent-5xx ratio gauges at 1m, 5m and 15m, on Start
//
// It never writes to the response and returns the wrapped handler's
// error unchanged.
type InstrumentedHandler struct {
	next     Handler
	registry *metrics.Registry
	namer    metrics.Namer
	prefix   string
	clock    Clock
	logger   *slog.Logger
	limited  *logging.Limited

	requests         gometrics.Timer
	dispatches       gometrics.Timer
	activeRequests   gometrics.Counter
	activeDispatches gometrics.Counter
	activeSuspended  gometrics.Counter
	asyncDispatches  gometrics.Meter
	asyncTimeouts    gometrics.Meter
	responses        [5]gometrics.Meter
	methods          [methodCount]gometrics.Timer
}

// NewInstrumentedHandler wraps next, creating its metrics in registry.
// An empty service name reports as metrics.DefaultService.
func NewInstrumentedHandler(next Handler, registry *metrics.Registry, service string, opts ...HandlerOption) (*InstrumentedHandler, error) {
	if err := validation.ValidateNotNil("server", "handler", next); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, ierrors.NewValidationError("server", "registry", nil, "cannot be nil")
	}
	h := &InstrumentedHandler{
		next:     next,
		registry: registry,
		clock:    SystemClock,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDefault(h.logger)
	h.limited = logging.NewLimited(h.logger, 1, 10)
	h.namer = metrics.NewNamer(h.prefix, metrics.CategoryHandler, service)

	var errs []error
	timer := func(suffix string) gometrics.Timer {
		t, err := registry.Timer(h.namer.Name(suffix))
		errs = append(errs, err)
		return t
	}
	counter := func(suffix string) gometrics.Counter {
		c, err := registry.Counter(h.namer.Name(suffix))
		errs = append(errs, err)
		return c
	}
	meter := func(suffix string) gometrics.Meter {
		m, err := registry.Meter(h.namer.Name(suffix))
		errs = append(errs, err)
		return m
	}

	h.requests = timer("requests")
	h.dispatches = timer("dispatches")
	h.activeRequests = counter("active-requests")
	h.activeDispatches = counter("active-dispatches")
	h.activeSuspended = counter("active-suspended")
	h.asyncDispatches = meter("async-dispatches")
	h.asyncTimeouts = meter("async-timeouts")
	for i := range h.responses {
		h.responses[i] = meter(string(rune('1'+i)) + "xx-responses")
	}
	for m := MethodGet; m < methodCount; m++ {
		h.methods[m] = timer(m.metricSuffix())
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return h, nil
}

// Start registers the ratio gauges and starts the wrapped handler if it
// implements Starter.
func (h *InstrumentedHandler) Start() error {
	var errs []error
	for _, b := range []struct {
		label string
		meter gometrics.Meter
	}{
		{"4xx", h.responses[3]},
		{"5xx", h.responses[4]},
	} {
		for _, w := range metrics.Windows {
			name := h.namer.Name("percent-" + b.label + "-" + w.Suffix())
			errs = append(errs, h.registry.RatioGauge(name, metrics.RateRatio(b.meter, h.requests, w)))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return start(h.next)
}

// Unwrap returns the wrapped handler.
func (h *InstrumentedHandler) Unwrap() Handler { return h.next }

// requestState is the per-exchange record carried across suspend and
// resume. It is stored on the exchange, never on the handler.
type requestState struct {
	start  time.Time
	method Method

	suspended atomic.Bool
	finished  atomic.Bool

	// cycle counts suspensions; lastTimeout is the cycle whose timeout was
	// counted, so a repeated timeout for one suspension is ignored.
	cycle       atomic.Int64
	lastTimeout atomic.Int64

	// listening is only touched from passes, which never overlap.
	listening bool
}

func (st *requestState) suspend() bool {
	if st.suspended.CompareAndSwap(false, true) {
		st.cycle.Add(1)
		return true
	}
	return false
}

func (st *requestState) unsuspend() bool {
	return st.suspended.CompareAndSwap(true, false)
}

type stateKey struct {
	h *InstrumentedHandler
}

// Handle runs one pass of next, recording dispatch and request metrics.
func (h *InstrumentedHandler) Handle(ex *Exchange) (err error) {
	h.activeDispatches.Inc(1)
	dispatchStart := h.clock.Now()

	var st *requestState
	if ex.IsInitial() {
		h.activeRequests.Inc(1)
		st = &requestState{start: ex.TimeStamp(), method: ParseMethod(ex.Method())}
		ex.SetValue(stateKey{h}, st)
	} else if st, _ = ex.Value(stateKey{h}).(*requestState); st == nil {
		h.limited.Warn("resumed dispatch without request state", "exchange", ex.ID())
	} else {
		if st.unsuspend() {
			h.activeSuspended.Dec(1)
		}
		h.asyncDispatches.Mark(1)
	}

	returned := false
	defer func() {
		h.activeDispatches.Dec(1)
		h.dispatches.Update(h.clock.Now().Sub(dispatchStart))
		if st == nil {
			return
		}

		failed := !returned || err != nil
		if !failed && ex.IsSuspended() {
			if st.suspend() {
				h.activeSuspended.Inc(1)
			}
			if !st.listening {
				st.listening = true
				if lerr := ex.AddAsyncListener(&asyncListener{h: h, st: st}); lerr != nil {
					h.limited.Warn("cannot observe suspended exchange", "exchange", ex.ID(), "error", lerr)
				}
			}
			return
		}

		status := ex.Status()
		if failed && !ex.Committed() {
			status = http.StatusInternalServerError
		}
		h.finish(st, status)
	}()

	err = h.next.Handle(ex)
	returned = true
	return err
}

// finish finalizes a request exactly once, whichever path gets here first.
func (h *InstrumentedHandler) finish(st *requestState, status int) {
	if st.unsuspend() {
		h.activeSuspended.Dec(1)
	}
	if !st.finished.CompareAndSwap(false, true) {
		return
	}

	h.activeRequests.Dec(1)
	elapsed := h.clock.Now().Sub(st.start)
	h.requests.Update(elapsed)
	h.methods[st.method].Update(elapsed)
	if status >= 100 && status < 600 {
		h.responses[status/100-1].Mark(1)
	}
}

// asyncListener is registered once per exchange, on its first suspension,
// and bound to that exchange's state.
type asyncListener struct {
	h  *InstrumentedHandler
	st *requestState
}

func (l *asyncListener) OnTimeout(ev AsyncEvent) {
	st := l.st
	if !st.suspended.Load() {
		l.h.limited.Warn("timeout for exchange that is not suspended", "exchange", ev.Exchange.ID())
		return
	}
	c := st.cycle.Load()
	prev := st.lastTimeout.Load()
	if prev == c || !st.lastTimeout.CompareAndSwap(prev, c) {
		l.h.limited.Warn("duplicate timeout for one suspension", "exchange", ev.Exchange.ID())
		return
	}
	l.h.asyncTimeouts.Mark(1)
}

func (l *asyncListener) OnComplete(ev AsyncEvent) {
	l.h.finish(l.st, ev.Exchange.Status())
}
