package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
)

func newPlainServer(t *testing.T, h Handler, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	srv, err := New(h, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { <-srv.Pool().Shutdown() })
	return srv
}

func serve(srv *Server, target string) *testWriter {
	w := newTestWriter()
	srv.ServeHTTP(w, newRequest(http.MethodGet, target))
	return w
}

func serveAsync(srv *Server, target string) <-chan *testWriter {
	ch := make(chan *testWriter, 1)
	go func() { ch <- serve(srv, target) }()
	return ch
}

func TestExchangeState_String(t *testing.T) {
	tests := map[exchangeState]string{
		stateIdle:         "idle",
		stateDispatched:   "dispatched",
		stateAsyncWait:    "async-wait",
		stateRedispatch:   "redispatch",
		stateExpiring:     "expiring",
		stateCompleted:    "completed",
		exchangeState(42): "unknown",
	}
	for state, want := range tests {
		require.Equal(t, want, state.String())
	}
}

func TestExchange_Accessors(t *testing.T) {
	type seen struct {
		method    string
		initial   bool
		suspended bool
		conn      *Connection
		fromReq   *Exchange
		self      *Exchange
		stamp     time.Time
	}
	got := make(chan seen, 1)

	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		fromReq, _ := ExchangeFrom(ex.Request())
		got <- seen{
			method:    ex.Method(),
			initial:   ex.IsInitial(),
			suspended: ex.IsSuspended(),
			conn:      ex.Connection(),
			fromReq:   fromReq,
			self:      ex,
			stamp:     ex.TimeStamp(),
		}
		return nil
	}))

	before := time.Now()
	w := serve(srv, "/")
	s := recv(t, got)

	require.Equal(t, http.StatusOK, w.Status())
	require.Equal(t, http.MethodGet, s.method)
	require.True(t, s.initial)
	require.False(t, s.suspended)
	require.Nil(t, s.conn)
	require.Same(t, s.self, s.fromReq)
	require.False(t, s.stamp.Before(before))
	require.True(t, s.self.Committed())
	require.NotEqual(t, uuid.Nil, s.self.ID())

	select {
	case <-s.self.Done():
	default:
		t.Fatal("exchange not done after ServeHTTP returned")
	}
}

func TestExchangeFrom_PlainRequest(t *testing.T) {
	_, ok := ExchangeFrom(newRequest(http.MethodGet, "/"))
	require.False(t, ok)
}

func TestAdapt(t *testing.T) {
	srv := newPlainServer(t, Adapt(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ExchangeFrom(r); !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})))

	require.Equal(t, http.StatusNoContent, serve(srv, "/").Status())
}

func TestExchange_StartAsyncTwiceInOnePass(t *testing.T) {
	errs := make(chan error, 1)
	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		ac, err := ex.StartAsync()
		if err != nil {
			return err
		}
		_, err = ex.StartAsync()
		errs <- err
		return ac.Complete()
	}))

	require.Equal(t, http.StatusOK, serve(srv, "/").Status())
	require.ErrorIs(t, recv(t, errs), ierrors.ErrIllegalState)
}

func TestExchange_StartAsyncOutsidePass(t *testing.T) {
	exs := make(chan *Exchange, 1)
	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		exs <- ex
		return nil
	}))
	serve(srv, "/")

	_, err := recv(t, exs).StartAsync()
	require.ErrorIs(t, err, ierrors.ErrIllegalState)
}

func TestAsyncContext_ResolveOnce(t *testing.T) {
	acs := make(chan *AsyncContext, 1)
	srv := newPlainServer(t, suspendThen(acs, writeStatus(http.StatusOK)))

	done := serveAsync(srv, "/")
	ac := recv(t, acs)

	require.NoError(t, ac.Complete())
	require.ErrorIs(t, ac.Complete(), ierrors.ErrIllegalState)
	require.ErrorIs(t, ac.Dispatch(), ierrors.ErrIllegalState)
	recv(t, done)
	require.ErrorIs(t, ac.Dispatch(), ierrors.ErrIllegalState)
}

func TestAsyncContext_StaleAfterResume(t *testing.T) {
	acs := make(chan *AsyncContext, 1)
	stale := make(chan error, 1)
	var first *AsyncContext
	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		if ex.IsInitial() {
			ac, err := ex.StartAsync()
			if err != nil {
				return err
			}
			first = ac
			acs <- ac
			return nil
		}
		stale <- first.Dispatch()
		return nil
	}))

	done := serveAsync(srv, "/")
	require.NoError(t, recv(t, acs).Dispatch())
	recv(t, done)
	require.ErrorIs(t, recv(t, stale), ierrors.ErrIllegalState)
}

func TestExchange_ValuesSurviveResume(t *testing.T) {
	type key struct{}
	values := make(chan interface{}, 1)
	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		if ex.IsInitial() {
			ex.SetValue(key{}, "kept")
			ac, err := ex.StartAsync()
			if err != nil {
				return err
			}
			return ac.Dispatch()
		}
		values <- ex.Value(key{})
		return nil
	}))

	serve(srv, "/")
	require.Equal(t, "kept", recv(t, values))
}

func TestExchange_DispatchDuringPass(t *testing.T) {
	passes := make(chan bool, 2)
	suspended := make(chan bool, 1)
	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		passes <- ex.IsInitial()
		if !ex.IsInitial() {
			ex.ResponseWriter().WriteHeader(http.StatusAccepted)
			return nil
		}
		ac, err := ex.StartAsync()
		if err != nil {
			return err
		}
		suspended <- ex.IsSuspended()
		return ac.Dispatch()
	}))

	require.Equal(t, http.StatusAccepted, serve(srv, "/").Status())
	require.True(t, recv(t, suspended))
	require.True(t, recv(t, passes))
	require.False(t, recv(t, passes))
}

func TestExchange_WriteAfterCompletion(t *testing.T) {
	writers := make(chan http.ResponseWriter, 1)
	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		writers <- ex.ResponseWriter()
		_, err := ex.ResponseWriter().Write([]byte("hello"))
		return err
	}))

	w := serve(srv, "/")
	require.Equal(t, "hello", w.body.String())

	_, err := recv(t, writers).Write([]byte("late"))
	require.ErrorIs(t, err, ierrors.ErrClosed)
	require.Equal(t, "hello", w.body.String())
}

func TestExchange_Listeners(t *testing.T) {
	completes := make(chan AsyncEvent, 2)
	exs := make(chan *Exchange, 1)
	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		exs <- ex
		if err := ex.AddAsyncListener(listenerFuncs{complete: func(AsyncEvent) { panic("listener") }}); err != nil {
			return err
		}
		return ex.AddAsyncListener(listenerFuncs{complete: func(ev AsyncEvent) { completes <- ev }})
	}))

	serve(srv, "/")
	ex := recv(t, exs)
	ev := recv(t, completes)
	require.Same(t, ex, ev.Exchange)
	require.Nil(t, ev.Context)
	require.Empty(t, completes)

	err := ex.AddAsyncListener(listenerFuncs{})
	require.ErrorIs(t, err, ierrors.ErrIllegalState)
}

func TestAsyncContext_SetTimeout(t *testing.T) {
	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		ac, err := ex.StartAsync()
		if err != nil {
			return err
		}
		ac.SetTimeout(10 * time.Millisecond)
		return nil
	}), WithAsyncTimeout(time.Hour))

	require.Equal(t, http.StatusInternalServerError, serve(srv, "/").Status())
}

func TestAsyncContext_TimeoutListenerCompletes(t *testing.T) {
	srv := newPlainServer(t, HandlerFunc(func(ex *Exchange) error {
		if _, err := ex.StartAsync(); err != nil {
			return err
		}
		return ex.AddAsyncListener(listenerFuncs{timeout: func(ev AsyncEvent) {
			ev.Exchange.ResponseWriter().WriteHeader(http.StatusServiceUnavailable)
			_ = ev.Context.Complete()
		}})
	}), WithAsyncTimeout(10*time.Millisecond))

	require.Equal(t, http.StatusServiceUnavailable, serve(srv, "/").Status())
}

func TestAsyncContext_ZeroTimeoutWaits(t *testing.T) {
	acs := make(chan *AsyncContext, 1)
	srv := newPlainServer(t, suspendThen(acs, writeStatus(http.StatusOK)), WithAsyncTimeout(0))

	done := serveAsync(srv, "/")
	ac := recv(t, acs)

	select {
	case <-done:
		t.Fatal("exchange completed without a timeout")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, ac.Complete())
	require.Equal(t, http.StatusOK, recv(t, done).Status())
}

func TestExchange_RedispatchRejected(t *testing.T) {
	acs := make(chan *AsyncContext, 1)
	srv := newPlainServer(t, suspendThen(acs, writeStatus(http.StatusOK)))

	done := serveAsync(srv, "/")
	ac := recv(t, acs)
	testEventuallySuspended(t, ac.Exchange())

	<-srv.Pool().Shutdown()
	require.NoError(t, ac.Dispatch())
	require.Equal(t, http.StatusServiceUnavailable, recv(t, done).Status())
}

func TestServer_DispatchRejectedBeforeStart(t *testing.T) {
	srv, err := New(writeStatus(http.StatusOK), WithLogger(discardLogger()))
	require.NoError(t, err)

	require.Equal(t, http.StatusServiceUnavailable, serve(srv, "/").Status())
}

func TestServer_ClientGoneWhileSuspended(t *testing.T) {
	acs := make(chan *AsyncContext, 1)
	srv := newPlainServer(t, suspendThen(acs, writeStatus(http.StatusOK)))

	ctx, cancel := context.WithCancel(context.Background())
	w := newTestWriter()
	returned := make(chan struct{})
	go func() {
		srv.ServeHTTP(w, newRequest(http.MethodGet, "/").WithContext(ctx))
		close(returned)
	}()
	ac := recv(t, acs)
	cancel()
	recv(t, returned)

	ac.Exchange().ResponseWriter().WriteHeader(http.StatusCreated)
	require.NoError(t, ac.Complete())
	<-ac.Exchange().Done()
	require.Equal(t, 0, w.Status())
}

func testEventuallySuspended(t *testing.T, ex *Exchange) {
	t.Helper()
	require.Eventually(t, func() bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return ex.state == stateAsyncWait
	}, 2*time.Second, time.Millisecond)
}
