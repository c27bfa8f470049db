package server

import (
	"time"

	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
)

// AsyncEvent is passed to AsyncListener callbacks.
type AsyncEvent struct {
	Exchange *Exchange
	// Context is the most recent async context of the exchange, nil if
	// the exchange never suspended.
	Context *AsyncContext
}

// AsyncListener observes the async lifecycle of an exchange.
type AsyncListener interface {
	// OnTimeout is called when a suspension expires. The listener may call
	// Dispatch or Complete on the event's context.
	OnTimeout(AsyncEvent)

	// OnComplete is called exactly once when the exchange completes, on
	// every completion path.
	OnComplete(AsyncEvent)
}

// AsyncContext resolves one suspension of an exchange. Exactly one of
// Dispatch or Complete may be called per suspension.
type AsyncContext struct {
	ex  *Exchange
	gen uint64
}

// StartAsync suspends the exchange: when the current pass returns, the
// response stays open until Dispatch, Complete or the async timeout.
// It may only be called from within a pass, once per pass.
func (ex *Exchange) StartAsync() (*AsyncContext, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.state != stateDispatched || ex.async {
		return nil, ierrors.NewOperationError("server", "StartAsync", ierrors.ErrIllegalState).
			WithContext(ex.state.String())
	}
	ex.async = true
	ex.op = opNone
	ex.gen++
	ex.timeout = ex.srv.asyncTimeout
	ex.actx = &AsyncContext{ex: ex, gen: ex.gen}
	return ex.actx, nil
}

// Exchange returns the suspended exchange.
func (ac *AsyncContext) Exchange() *Exchange { return ac.ex }

// Dispatch schedules another pass over the exchange on the worker pool.
func (ac *AsyncContext) Dispatch() error {
	return ac.ex.resume(ac.gen, opDispatch)
}

// Complete finishes the exchange without another pass.
func (ac *AsyncContext) Complete() error {
	return ac.ex.resume(ac.gen, opComplete)
}

// SetTimeout overrides the async timeout for this suspension. It has
// effect only before the pass that suspended returns. Zero or a negative
// duration disables the timeout.
func (ac *AsyncContext) SetTimeout(d time.Duration) {
	ex := ac.ex
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.gen == ac.gen && ex.state == stateDispatched {
		ex.timeout = d
	}
}

func (ex *Exchange) resume(gen uint64, op asyncOp) error {
	ex.mu.Lock()
	if gen != ex.gen || !ex.async || ex.op != opNone {
		state := ex.state
		ex.mu.Unlock()
		return ierrors.NewOperationError("server", "resume", ierrors.ErrIllegalState).
			WithContext(state.String())
	}

	switch ex.state {
	case stateDispatched, stateExpiring:
		// acted on when the pass or the timeout listeners return
		ex.op = op
		ex.mu.Unlock()
		return nil
	case stateAsyncWait:
		ex.op = op
		ex.stopTimerLocked()
		if op == opDispatch {
			ex.state = stateRedispatch
			ex.mu.Unlock()
			ex.redispatch()
			return nil
		}
		ex.mu.Unlock()
		ex.complete()
		return nil
	default:
		state := ex.state
		ex.mu.Unlock()
		return ierrors.NewOperationError("server", "resume", ierrors.ErrIllegalState).
			WithContext(state.String())
	}
}
