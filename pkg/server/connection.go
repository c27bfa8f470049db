package server

import (
	"net"
	"sync"
	"sync/atomic"
)

// DefaultProtocol is reported by the plain connection factory.
const DefaultProtocol = "http/1.1"

type connectionKey struct{}

// ConnectionListener observes a connection's lifetime. Either callback may be nil.
type ConnectionListener struct {
	OnOpened func(*Connection)
	OnClosed func(*Connection)
}

// Connection is an accepted network connection with lifecycle hooks.
// OnOpened and OnClosed each fire at most once.
type Connection struct {
	conn     net.Conn
	protocol string

	mu        sync.Mutex
	listeners []ConnectionListener

	opened atomic.Bool
	closed atomic.Bool
}

// NewConnection wraps c.
func NewConnection(c net.Conn, protocol string) *Connection {
	return &Connection{conn: c, protocol: protocol}
}

// Conn returns the underlying network connection.
func (c *Connection) Conn() net.Conn { return c.conn }

// Protocol returns the protocol negotiated for the connection.
func (c *Connection) Protocol() string { return c.protocol }

// RemoteAddr returns the peer address, or "" without a network connection.
func (c *Connection) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// AddListener appends l. Existing listeners are kept.
func (c *Connection) AddListener(l ConnectionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Open fires OnOpened on every listener. Only the first call has effect.
func (c *Connection) Open() {
	if !c.opened.CompareAndSwap(false, true) {
		return
	}
	for _, l := range c.snapshot() {
		if l.OnOpened != nil {
			l.OnOpened(c)
		}
	}
}

// Close fires OnClosed on every listener. Only the first call has effect.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	for _, l := range c.snapshot() {
		if l.OnClosed != nil {
			l.OnClosed(c)
		}
	}
}

func (c *Connection) snapshot() []ConnectionListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConnectionListener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

// ConnectionFactory creates the Connection for each accepted net.Conn.
type ConnectionFactory interface {
	Protocol() string
	NewConnection(c net.Conn) *Connection
}

// HTTPConnectionFactory is the plain factory used when none is configured.
type HTTPConnectionFactory struct {
	protocol string
}

// NewHTTPConnectionFactory creates a factory reporting protocol, or
// DefaultProtocol when empty.
func NewHTTPConnectionFactory(protocol string) *HTTPConnectionFactory {
	if protocol == "" {
		protocol = DefaultProtocol
	}
	return &HTTPConnectionFactory{protocol: protocol}
}

func (f *HTTPConnectionFactory) Protocol() string { return f.protocol }

func (f *HTTPConnectionFactory) NewConnection(c net.Conn) *Connection {
	return NewConnection(c, f.protocol)
}
