package server

import (
	"net"
	"sync/atomic"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/vnykmshr/httpinstr/pkg/metrics"
)

// InstrumentedConnectionFactory wraps a ConnectionFactory and records the
// lifetime of every connection it creates in
// {prefix}.connection-factory.{service}.connections.
type InstrumentedConnectionFactory struct {
	next  ConnectionFactory
	timer gometrics.Timer
	clock Clock
}

// NewInstrumentedConnectionFactory wraps next. A nil clock reads the wall clock.
func NewInstrumentedConnectionFactory(next ConnectionFactory, registry *metrics.Registry, prefix, service string, clock Clock) (*InstrumentedConnectionFactory, error) {
	name := metrics.NewNamer(prefix, metrics.CategoryConnectionFactory, service).Name("connections")
	timer, err := registry.Timer(name)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock
	}
	return &InstrumentedConnectionFactory{next: next, timer: timer, clock: clock}, nil
}

// Protocol returns the wrapped factory's protocol.
func (f *InstrumentedConnectionFactory) Protocol() string {
	return f.next.Protocol()
}

// Start starts the wrapped factory if it implements Starter.
func (f *InstrumentedConnectionFactory) Start() error {
	return start(f.next)
}

// NewConnection creates the connection through the wrapped factory and
// attaches a lifetime span to it. Listeners already on the connection are kept.
func (f *InstrumentedConnectionFactory) NewConnection(c net.Conn) *Connection {
	conn := f.next.NewConnection(c)
	span := &connectionSpan{timer: f.timer, clock: f.clock}
	conn.AddListener(ConnectionListener{
		OnOpened: span.opened,
		OnClosed: span.closed,
	})
	return conn
}

// connectionSpan times one connection.
type connectionSpan struct {
	timer gometrics.Timer
	clock Clock
	start atomic.Int64 // unix nanos, 0 when not open
}

func (s *connectionSpan) opened(*Connection) {
	s.start.Store(s.clock.Now().UnixNano())
}

func (s *connectionSpan) closed(*Connection) {
	start := s.start.Swap(0)
	if start == 0 {
		return
	}
	s.timer.Update(time.Duration(s.clock.Now().UnixNano() - start))
}
