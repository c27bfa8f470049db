package server

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/httpinstr/internal/testutil"
	"github.com/vnykmshr/httpinstr/pkg/metrics"
)

func TestConnection_OpenCloseOnce(t *testing.T) {
	var opened, closed atomic.Int32
	c := NewConnection(nil, "h2c")
	c.AddListener(ConnectionListener{
		OnOpened: func(*Connection) { opened.Add(1) },
		OnClosed: func(*Connection) { closed.Add(1) },
	})
	c.AddListener(ConnectionListener{})

	c.Open()
	c.Open()
	c.Close()
	c.Close()

	require.Equal(t, int32(1), opened.Load())
	require.Equal(t, int32(1), closed.Load())
	require.Equal(t, "h2c", c.Protocol())
	require.Equal(t, "", c.RemoteAddr())
	require.Nil(t, c.Conn())
}

func TestConnection_RemoteAddr(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConnection(server, DefaultProtocol)
	require.Equal(t, "pipe", c.RemoteAddr())
	require.Same(t, server, c.Conn())
}

func TestHTTPConnectionFactory_Protocol(t *testing.T) {
	require.Equal(t, DefaultProtocol, NewHTTPConnectionFactory("").Protocol())
	require.Equal(t, "h2c", NewHTTPConnectionFactory("h2c").Protocol())
	require.Equal(t, "h2c", NewHTTPConnectionFactory("h2c").NewConnection(nil).Protocol())
}

func newInstrumentedFactory(t *testing.T, next ConnectionFactory) (*InstrumentedConnectionFactory, *testutil.MockClock, *metrics.Registry) {
	t.Helper()
	clock := testutil.NewMockClock(time.Unix(1000, 0))
	reg := metrics.NewRegistry()
	f, err := NewInstrumentedConnectionFactory(next, reg, "", "api", clock)
	require.NoError(t, err)
	return f, clock, reg
}

func connectionsTimer(t *testing.T, reg *metrics.Registry) interface {
	Count() int64
	Max() int64
	Sum() int64
} {
	t.Helper()
	tm, err := reg.Timer("http.connection-factory.api.connections")
	require.NoError(t, err)
	return tm
}

func TestInstrumentedConnectionFactory_RecordsLifetime(t *testing.T) {
	f, clock, reg := newInstrumentedFactory(t, NewHTTPConnectionFactory(""))

	c := f.NewConnection(nil)
	c.Open()
	clock.Advance(5 * time.Second)
	c.Close()
	c.Close()

	tm := connectionsTimer(t, reg)
	require.Equal(t, int64(1), tm.Count())
	require.Equal(t, int64(5*time.Second), tm.Max())
}

func TestInstrumentedConnectionFactory_CloseWithoutOpen(t *testing.T) {
	f, _, reg := newInstrumentedFactory(t, NewHTTPConnectionFactory(""))

	f.NewConnection(nil).Close()

	require.Equal(t, int64(0), connectionsTimer(t, reg).Count())
}

func TestInstrumentedConnectionFactory_Concurrent(t *testing.T) {
	const n = 100
	f, clock, reg := newInstrumentedFactory(t, NewHTTPConnectionFactory(""))

	conns := make([]*Connection, n)
	for i := range conns {
		conns[i] = f.NewConnection(nil)
		conns[i].Open()
	}
	clock.Advance(time.Second)

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()

	tm := connectionsTimer(t, reg)
	require.Equal(t, int64(n), tm.Count())
	require.Equal(t, int64(n)*int64(time.Second), tm.Sum())
}

// taggingFactory attaches its own listener to every connection.
type taggingFactory struct {
	closed atomic.Int32
	starts int
}

func (f *taggingFactory) Protocol() string { return "spdy/3" }

func (f *taggingFactory) NewConnection(c net.Conn) *Connection {
	conn := NewConnection(c, f.Protocol())
	conn.AddListener(ConnectionListener{OnClosed: func(*Connection) { f.closed.Add(1) }})
	return conn
}

func (f *taggingFactory) Start() error {
	f.starts++
	return nil
}

func TestInstrumentedConnectionFactory_Forwards(t *testing.T) {
	next := &taggingFactory{}
	f, _, reg := newInstrumentedFactory(t, next)

	require.Equal(t, "spdy/3", f.Protocol())
	require.NoError(t, f.Start())
	require.Equal(t, 1, next.starts)

	c := f.NewConnection(nil)
	require.Equal(t, "spdy/3", c.Protocol())
	c.Open()
	c.Close()

	require.Equal(t, int32(1), next.closed.Load())
	require.Equal(t, int64(1), connectionsTimer(t, reg).Count())
}

func TestInstrumentedConnectionFactory_NilClock(t *testing.T) {
	f, err := NewInstrumentedConnectionFactory(NewHTTPConnectionFactory(""), metrics.NewRegistry(), "", "api", nil)
	require.NoError(t, err)
	require.Equal(t, SystemClock, f.clock)
}
