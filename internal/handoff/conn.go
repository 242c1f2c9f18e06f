package handoff

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// handedConn is a connection received from another worker. Reads return
// the bytes the previous owner had buffered before reading from the
// socket. Any read or write failure marks the connection closed.
type handedConn struct {
	net.Conn

	mu     sync.Mutex
	prefix []byte
	closed atomic.Bool
}

func newHandedConn(c net.Conn, prefix []byte) *handedConn {
	return &handedConn{Conn: c, prefix: prefix}
}

func (c *handedConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	n, err := c.Conn.Read(b)
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		c.closed.Store(true)
	}
	return n, err
}

func (c *handedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		c.closed.Store(true)
	}
	return n, err
}

func (c *handedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// takePrefix removes and returns the replay bytes not yet read.
func (c *handedConn) takePrefix() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.prefix
	c.prefix = nil
	return b
}

// Cancelled reports whether the connection was seen to close or fail.
func (c *handedConn) Cancelled() bool { return c.closed.Load() }

// closedInTransit looks for a close that happened while the connection was in
// transit. A byte read by the check is kept for the next Read.
func (c *handedConn) closedInTransit() bool {
	c.Conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer c.Conn.SetReadDeadline(time.Time{})

	var one [1]byte
	n, err := c.Conn.Read(one[:])
	if n > 0 {
		c.mu.Lock()
		c.prefix = append(c.prefix, one[0])
		c.mu.Unlock()
	}
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		c.closed.Store(true)
	}
	return c.closed.Load()
}

// buffered returns a copy of whatever r has buffered.
func buffered(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := r.Peek(n)
	return append([]byte(nil), b...)
}

// connListener hands migrated connections to an http.Server.
type connListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener() *connListener {
	return &connListener{conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr { return migratedAddr{} }

type migratedAddr struct{}

func (migratedAddr) Network() string { return "handoff" }
func (migratedAddr) String() string  { return "migrated" }

// push delivers c to the next Accept.
func (l *connListener) push(ctx context.Context, c net.Conn) error {
	select {
	case l.conns <- c:
		return nil
	case <-l.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
