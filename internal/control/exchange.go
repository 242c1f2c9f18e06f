package control

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrExchangeClosed is reported by an Exchange after Close.
var ErrExchangeClosed = errors.New("exchange closed")

// unclaimedTTL bounds how long a delivered connection waits for its claim
// before the exchange closes it.
const unclaimedTTL = 30 * time.Second

// An Exchange moves live connections to the other end of a control channel.
// Send transfers ownership of the connection; the receiver claims it with
// the same token.
type Exchange interface {
	Send(token string, c net.Conn) error
	Receive(ctx context.Context, token string) (net.Conn, error)
	Close() error
}

// inbox holds connections that arrived ahead of their claim, and claims
// that arrived ahead of their connection.
type inbox struct {
	mu      sync.Mutex
	closed  bool
	parked  map[string]*parked
	waiters map[string]chan net.Conn
}

type parked struct {
	conn  net.Conn
	timer *time.Timer
}

func newInbox() *inbox {
	return &inbox{
		parked:  make(map[string]*parked),
		waiters: make(map[string]chan net.Conn),
	}
}

func (b *inbox) put(token string, c net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		c.Close()
		return
	}
	if w, ok := b.waiters[token]; ok {
		delete(b.waiters, token)
		w <- c
		return
	}
	b.parked[token] = &parked{
		conn: c,
		timer: time.AfterFunc(unclaimedTTL, func() {
			b.mu.Lock()
			p, ok := b.parked[token]
			delete(b.parked, token)
			b.mu.Unlock()
			if ok {
				p.conn.Close()
			}
		}),
	}
}

func (b *inbox) take(ctx context.Context, token string) (net.Conn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrExchangeClosed
	}
	if p, ok := b.parked[token]; ok {
		delete(b.parked, token)
		b.mu.Unlock()
		p.timer.Stop()
		return p.conn, nil
	}
	w := make(chan net.Conn, 1)
	b.waiters[token] = w
	b.mu.Unlock()

	select {
	case c, ok := <-w:
		if !ok {
			return nil, ErrExchangeClosed
		}
		return c, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiters, token)
		b.mu.Unlock()
		// A put may have raced the cancellation. Park the connection so a
		// later claim can still take it.
		select {
		case c := <-w:
			b.put(token, c)
		default:
		}
		return nil, ctx.Err()
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for token, p := range b.parked {
		p.timer.Stop()
		p.conn.Close()
		delete(b.parked, token)
	}
	for token, w := range b.waiters {
		close(w)
		delete(b.waiters, token)
	}
}

// memExchange is one end of an in-process exchange pair.
type memExchange struct {
	local, remote *inbox
}

// MemExchange returns a connected pair of in-process exchanges. A connection
// sent on one end is received on the other.
func MemExchange() (a, b Exchange) {
	ia, ib := newInbox(), newInbox()
	return &memExchange{local: ia, remote: ib}, &memExchange{local: ib, remote: ia}
}

func (m *memExchange) Send(token string, c net.Conn) error {
	m.remote.mu.Lock()
	closed := m.remote.closed
	m.remote.mu.Unlock()
	if closed {
		c.Close()
		return ErrExchangeClosed
	}
	m.remote.put(token, c)
	return nil
}

func (m *memExchange) Receive(ctx context.Context, token string) (net.Conn, error) {
	return m.local.take(ctx, token)
}

func (m *memExchange) Close() error {
	m.local.close()
	return nil
}
