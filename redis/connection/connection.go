// Package connection adapts a net.Conn (or a fake, in-memory stand-in)
// to the interface/redis.Connection surface.
package connection

import (
	"net"
	"sync"
)

// NetConnection wraps a live TCP connection to a client.
type NetConnection struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewNetConnection builds a Connection around an accepted socket.
func NewNetConnection(conn net.Conn) *NetConnection {
	return &NetConnection{conn: conn}
}

func (c *NetConnection) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(b)
}

func (c *NetConnection) Close() error {
	return c.conn.Close()
}

func (c *NetConnection) RemoteAddr() string {
	if c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// FakeConn is a Connection that discards everything written to it, used
// when the proxy must execute a command locally purely for its
// side-effects (e.g. replaying a migrated keys payload) and has no real
// client waiting on the reply.
type FakeConn struct{}

// NewFakeConn builds a FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{}
}

func (*FakeConn) Write(b []byte) (int, error) { return len(b), nil }
func (*FakeConn) Close() error                { return nil }
func (*FakeConn) RemoteAddr() string          { return "fake" }
