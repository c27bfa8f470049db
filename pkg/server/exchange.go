package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
)

// exchangeState tracks where an exchange is in its dispatch lifecycle:
//
//	Idle -> Dispatched -> (AsyncWait -> Redispatch -> Dispatched)* -> Completed
//	                       AsyncWait -> Expiring -> Redispatch | Completed
type exchangeState int

const (
	stateIdle exchangeState = iota
	stateDispatched
	stateAsyncWait
	stateRedispatch
	stateExpiring
	stateCompleted
)

func (s exchangeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateDispatched:
		return "dispatched"
	case stateAsyncWait:
		return "async-wait"
	case stateRedispatch:
		return "redispatch"
	case stateExpiring:
		return "expiring"
	case stateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// asyncOp is the resolution requested for the current suspension.
type asyncOp int

const (
	opNone asyncOp = iota
	opDispatch
	opComplete
)

type exchangeKey struct{}

// ExchangeFrom returns the exchange serving r, if r came through a Server.
func ExchangeFrom(r *http.Request) (*Exchange, bool) {
	ex, ok := r.Context().Value(exchangeKey{}).(*Exchange)
	return ex, ok
}

// Exchange is one request/response pair and its suspend/resume lifecycle.
// Passes over an exchange never overlap, but successive passes and async
// callbacks may run on different goroutines.
type Exchange struct {
	id        uuid.UUID
	req       *http.Request
	rw        *response
	conn      *Connection
	timestamp time.Time
	srv       *Server

	mu        sync.Mutex
	state     exchangeState
	initial   bool
	async     bool
	op        asyncOp
	gen       uint64
	timeout   time.Duration
	timer     *time.Timer
	actx      *AsyncContext
	listeners []AsyncListener
	values    map[interface{}]interface{}

	done chan struct{}
}

func newExchange(srv *Server, w http.ResponseWriter, r *http.Request) *Exchange {
	ex := &Exchange{
		id:        uuid.New(),
		rw:        newResponse(w),
		timestamp: srv.clock.Now(),
		srv:       srv,
		initial:   true,
		timeout:   srv.asyncTimeout,
		done:      make(chan struct{}),
	}
	ex.conn, _ = r.Context().Value(connectionKey{}).(*Connection)
	ex.req = r.WithContext(context.WithValue(r.Context(), exchangeKey{}, ex))
	return ex
}

// ID returns the unique identity of this exchange.
func (ex *Exchange) ID() uuid.UUID { return ex.id }

// Request returns the request. Its context carries the exchange.
func (ex *Exchange) Request() *http.Request { return ex.req }

// ResponseWriter returns the response. Writes after completion fail.
func (ex *Exchange) ResponseWriter() http.ResponseWriter { return ex.rw }

// Method returns the request method token as received.
func (ex *Exchange) Method() string { return ex.req.Method }

// Status returns the response status, 200 if nothing has been written yet.
func (ex *Exchange) Status() int { return ex.rw.Status() }

// Committed reports whether the response status has been sent.
func (ex *Exchange) Committed() bool { return ex.rw.Committed() }

// TimeStamp returns when the request arrived, before it was queued for dispatch.
func (ex *Exchange) TimeStamp() time.Time { return ex.timestamp }

// Connection returns the connection carrying the exchange, or nil when the
// exchange was not accepted through Server.Serve.
func (ex *Exchange) Connection() *Connection { return ex.conn }

// Done is closed once the exchange has completed.
func (ex *Exchange) Done() <-chan struct{} { return ex.done }

// IsInitial reports whether the current pass is the first one.
func (ex *Exchange) IsInitial() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.initial
}

// IsSuspended reports whether the exchange has been put in async mode and
// not yet completed. A requested but pending Dispatch still counts.
func (ex *Exchange) IsSuspended() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.async && ex.op != opComplete && ex.state != stateCompleted
}

// Value returns the request-scoped value stored under key.
func (ex *Exchange) Value(key interface{}) interface{} {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.values[key]
}

// SetValue stores a request-scoped value that survives suspend and resume.
func (ex *Exchange) SetValue(key, value interface{}) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.values == nil {
		ex.values = make(map[interface{}]interface{})
	}
	ex.values[key] = value
}

// AddAsyncListener registers l for timeout and completion events. Listeners
// stay registered across suspend cycles of the exchange.
func (ex *Exchange) AddAsyncListener(l AsyncListener) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.state == stateCompleted {
		return ierrors.NewOperationError("server", "AddAsyncListener", ierrors.ErrIllegalState).
			WithContext(ex.state.String())
	}
	ex.listeners = append(ex.listeners, l)
	return nil
}

// run executes one pass over the exchange. It is the task submitted to the
// worker pool for the initial dispatch and every redispatch.
func (ex *Exchange) run(context.Context) error {
	ex.mu.Lock()
	if ex.state != stateIdle && ex.state != stateRedispatch {
		ex.mu.Unlock()
		return nil
	}
	ex.state = stateDispatched
	ex.async = false
	ex.op = opNone
	ex.mu.Unlock()

	ex.endDispatch(ex.srv.invoke(ex))
	return nil
}

// endDispatch decides what follows a pass: completion, another pass or
// an async wait.
func (ex *Exchange) endDispatch(err error) {
	ex.mu.Lock()
	ex.initial = false

	switch {
	case err != nil:
		ex.mu.Unlock()
		ex.rw.fail(http.StatusInternalServerError)
		ex.complete()
	case !ex.async || ex.op == opComplete:
		ex.mu.Unlock()
		ex.complete()
	case ex.op == opDispatch:
		ex.state = stateRedispatch
		ex.mu.Unlock()
		ex.redispatch()
	default:
		ex.state = stateAsyncWait
		ex.armTimerLocked()
		ex.mu.Unlock()
	}
}

func (ex *Exchange) redispatch() {
	if err := ex.srv.dispatch(ex); err != nil {
		ex.srv.limited.Warn("redispatch rejected", "exchange", ex.id, "error", err)
		ex.rw.fail(http.StatusServiceUnavailable)
		ex.complete()
	}
}

func (ex *Exchange) armTimerLocked() {
	if ex.timeout <= 0 {
		return
	}
	gen := ex.gen
	ex.timer = time.AfterFunc(ex.timeout, func() { ex.expire(gen) })
}

func (ex *Exchange) stopTimerLocked() {
	if ex.timer != nil {
		ex.timer.Stop()
		ex.timer = nil
	}
}

// expire runs when a suspension outlives its timeout. Timeout listeners
// may Dispatch or Complete; otherwise the exchange completes with 500.
func (ex *Exchange) expire(gen uint64) {
	ex.mu.Lock()
	if ex.gen != gen || ex.state != stateAsyncWait || ex.op != opNone {
		ex.mu.Unlock()
		return
	}
	ex.state = stateExpiring
	ex.timer = nil
	ev, listeners := ex.eventLocked()
	ex.mu.Unlock()

	for _, l := range listeners {
		ex.notify("timeout", func() { l.OnTimeout(ev) })
	}

	ex.mu.Lock()
	op := ex.op
	if op == opDispatch {
		ex.state = stateRedispatch
		ex.mu.Unlock()
		ex.redispatch()
		return
	}
	ex.mu.Unlock()

	if op == opNone {
		ex.rw.fail(http.StatusInternalServerError)
	}
	ex.complete()
}

// complete fires completion listeners once, closes the response and
// releases ServeHTTP.
func (ex *Exchange) complete() {
	ex.mu.Lock()
	if ex.state == stateCompleted {
		ex.mu.Unlock()
		return
	}
	ex.state = stateCompleted
	ex.stopTimerLocked()
	ev, listeners := ex.eventLocked()
	ex.mu.Unlock()

	for _, l := range listeners {
		ex.notify("complete", func() { l.OnComplete(ev) })
	}
	ex.rw.close()
	close(ex.done)
}

func (ex *Exchange) eventLocked() (AsyncEvent, []AsyncListener) {
	listeners := make([]AsyncListener, len(ex.listeners))
	copy(listeners, ex.listeners)
	return AsyncEvent{Exchange: ex, Context: ex.actx}, listeners
}

// notify runs a listener callback, containing any panic it raises.
func (ex *Exchange) notify(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ex.srv.logger.Error("async listener panicked", "exchange", ex.id, "event", event, "panic", r)
		}
	}()
	fn()
}

// response records the status of an http.ResponseWriter and guards it
// against writes once the exchange completes.
type response struct {
	w http.ResponseWriter

	status    atomic.Int32
	committed atomic.Bool

	mu     sync.Mutex
	closed bool
}

func newResponse(w http.ResponseWriter) *response {
	r := &response{w: w}
	r.status.Store(http.StatusOK)
	return r
}

func (r *response) Header() http.Header { return r.w.Header() }

func (r *response) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.committed.Load() {
		return
	}
	if informational(code) {
		// interim response; the final status is still to come
		r.w.WriteHeader(code)
		return
	}
	r.writeHeaderLocked(code)
}

// informational reports whether code is a 1xx status other than 101, which
// net/http sends ahead of the final response.
func informational(code int) bool {
	return code >= 100 && code <= 199 && code != http.StatusSwitchingProtocols
}

func (r *response) writeHeaderLocked(code int) {
	r.status.Store(int32(code))
	r.committed.Store(true)
	r.w.WriteHeader(code)
}

func (r *response) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ierrors.NewOperationError("server", "Write", ierrors.ErrClosed).WithContext("response completed")
	}
	if !r.committed.Load() {
		r.writeHeaderLocked(int(r.status.Load()))
	}
	return r.w.Write(b)
}

// Flush implements http.Flusher when the underlying writer does.
func (r *response) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if f, ok := r.w.(http.Flusher); ok {
		if !r.committed.Load() {
			r.writeHeaderLocked(int(r.status.Load()))
		}
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *response) Unwrap() http.ResponseWriter { return r.w }

func (r *response) Status() int     { return int(r.status.Load()) }
func (r *response) Committed() bool { return r.committed.Load() }

// fail sends code if nothing has been committed yet.
func (r *response) fail(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.committed.Load() {
		return
	}
	r.writeHeaderLocked(code)
	_, _ = r.w.Write([]byte(http.StatusText(code) + "\n"))
}

func (r *response) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if !r.committed.Load() {
		r.writeHeaderLocked(int(r.status.Load()))
	}
	r.closed = true
}

// abandon stops all further writes without sending anything. Used once the
// underlying writer is no longer valid.
func (r *response) abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
