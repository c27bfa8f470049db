package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vnykmshr/httpinstr/internal/logging"
	"github.com/vnykmshr/httpinstr/pkg/common/validation"
	"github.com/vnykmshr/httpinstr/pkg/scheduling/workerpool"
)

// DefaultAsyncTimeout bounds a suspension unless the async context overrides it.
const DefaultAsyncTimeout = 30 * time.Second

// Clock supplies the current time. Tests substitute a controllable clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// Server hosts a Handler on net/http. Every pass over an exchange runs on
// the worker pool; ServeHTTP waits until the exchange completes.
type Server struct {
	handler      Handler
	pool         workerpool.Pool
	factory      ConnectionFactory
	clock        Clock
	asyncTimeout time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	limited      *logging.Limited

	conns sync.Map // net.Conn -> *Connection

	mu         sync.Mutex
	started    bool
	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithPool runs dispatches on pool instead of a default pool.
func WithPool(pool workerpool.Pool) Option {
	return func(s *Server) { s.pool = pool }
}

// WithConnectionFactory sets the factory for accepted connections.
func WithConnectionFactory(f ConnectionFactory) Option {
	return func(s *Server) { s.factory = f }
}

// WithClock sets the clock used for arrival timestamps.
func WithClock(c Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithAsyncTimeout sets the default suspension timeout. Zero disables it.
func WithAsyncTimeout(d time.Duration) Option {
	return func(s *Server) { s.asyncTimeout = d }
}

// WithTimeouts sets the read and write timeouts of the listener.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server for handler.
func New(handler Handler, opts ...Option) (*Server, error) {
	if err := validation.ValidateNotNil("server", "handler", handler); err != nil {
		return nil, err
	}
	s := &Server{
		handler:      handler,
		clock:        SystemClock,
		asyncTimeout: DefaultAsyncTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	s.limited = logging.NewLimited(s.logger, 1, 10)
	if s.factory == nil {
		s.factory = NewHTTPConnectionFactory("")
	}
	if s.pool == nil {
		pool, err := workerpool.NewWithConfig(workerpool.DefaultConfig())
		if err != nil {
			return nil, err
		}
		s.pool = pool
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() Handler { return s.handler }

// Pool returns the worker pool.
func (s *Server) Pool() workerpool.Pool { return s.pool }

// ConnectionFactory returns the connection factory.
func (s *Server) ConnectionFactory() ConnectionFactory { return s.factory }

// Start starts the worker pool, then the connection factory and handler
// if they implement Starter. Calling Start again is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.pool.Start(); err != nil {
		return err
	}
	if err := start(s.factory); err != nil {
		return err
	}
	if err := start(s.handler); err != nil {
		return err
	}
	s.started = true
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.Start(); err != nil {
		return err
	}

	hs := &http.Server{
		Handler:      s,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		ConnContext:  s.connContext,
		ConnState:    s.connState,
	}

	s.mu.Lock()
	s.httpServer = hs
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server listening", "addr", ln.Addr().String(), "protocol", s.factory.Protocol())
	return hs.Serve(ln)
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, waits for in-flight exchanges and
// drains the worker pool, or gives up when ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()

	var errs []error
	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	select {
	case <-s.pool.Shutdown():
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// ServeHTTP queues the initial pass of a new exchange and waits for the
// exchange to complete.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := newExchange(s, w, r)
	if err := s.dispatch(ex); err != nil {
		s.limited.Warn("dispatch rejected", "method", r.Method, "path", r.URL.Path, "error", err)
		ex.rw.fail(http.StatusServiceUnavailable)
		return
	}

	select {
	case <-ex.done:
	case <-r.Context().Done():
		// the writer dies with this call; the exchange still completes on its own
		ex.rw.abandon()
	}
}

func (s *Server) dispatch(ex *Exchange) error {
	return s.pool.Submit(workerpool.TaskFunc(ex.run))
}

// invoke runs the handler, converting a panic into a *PanicError.
func (s *Server) invoke(ex *Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "exchange", ex.id, "method", ex.Method(), "panic", r)
			err = &PanicError{Value: r}
		}
	}()
	return s.handler.Handle(ex)
}

func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	conn := s.factory.NewConnection(c)
	s.conns.Store(c, conn)
	conn.Open()
	return context.WithValue(ctx, connectionKey{}, conn)
}

func (s *Server) connState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateClosed, http.StateHijacked:
		if v, ok := s.conns.LoadAndDelete(c); ok {
			v.(*Connection).Close()
		}
	}
}
