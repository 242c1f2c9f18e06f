package handoff

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/mds/queue"

	"handoff-go/internal/model"
)

// ConnectionState tracks one client connection on the public listener.
//
// net/http does not expose its parser events, so "parsing" is derived from
// connection state transitions: the connection turns active once a request
// head has been read and the flag clears when a handler sees that request
// or the connection goes idle.
type ConnectionState struct {
	conn net.Conn

	mu       sync.Mutex
	passing  bool
	record   model.HandoffRecord
	sub      int // requests relayed under record
	parsing  bool
	bodyDone bool

	// Requests on a passing connection complete in arrival order. holder is
	// true while a request owns the connection; waiters hold the rest.
	holder  bool
	waiters *queue.Queue[chan struct{}]
}

func newConnectionState(c net.Conn) *ConnectionState {
	return &ConnectionState{conn: c, waiters: queue.New[chan struct{}]()}
}

// Passing reports whether the connection was handed off as a whole, and to
// which record.
func (cs *ConnectionState) Passing() (model.HandoffRecord, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.record, cs.passing
}

// startPassing marks the connection handed off under rec and returns the
// proxy id of the request that triggered it.
func (cs *ConnectionState) startPassing(rec model.HandoffRecord) (string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.passing {
		return "", ErrAlreadyHandedOff
	}
	cs.passing = true
	cs.record = rec
	cs.sub = 1
	return rec.ProxyID(1), nil
}

// nextProxyID allocates the id of the next request relayed on a passing
// connection.
func (cs *ConnectionState) nextProxyID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.sub++
	return cs.record.ProxyID(cs.sub)
}

func (cs *ConnectionState) setParsing(v bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.parsing = v
}

func (cs *ConnectionState) setBodyDone(v bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.bodyDone = v
}

// Migratable reports whether the connection may be paused and moved: the
// current body is consumed, no request is mid-parse and none is queued.
func (cs *ConnectionState) Migratable() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.bodyDone && !cs.parsing && cs.waiters.IsEmpty()
}

// enqueue waits until every earlier request on the connection has released
// it, and returns the release function for this one.
func (cs *ConnectionState) enqueue(ctx context.Context) (release func(), err error) {
	cs.mu.Lock()
	if !cs.holder {
		cs.holder = true
		cs.mu.Unlock()
		return cs.release, nil
	}
	turn := make(chan struct{})
	cs.waiters.Add(turn)
	cs.mu.Unlock()

	select {
	case <-turn:
		return cs.release, nil
	case <-ctx.Done():
		// If our turn raced the cancellation, pass it on.
		go func() {
			<-turn
			cs.release()
		}()
		return nil, ctx.Err()
	}
}

func (cs *ConnectionState) release() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	next, ok := cs.waiters.Pop()
	if !ok {
		cs.holder = false
		return
	}
	close(next)
}

type connStateKey struct{}

// connStateOf returns the state attached to the request's connection, or
// nil for requests that did not arrive on a tracked listener.
func connStateOf(ctx context.Context) *ConnectionState {
	cs, _ := ctx.Value(connStateKey{}).(*ConnectionState)
	return cs
}

// requestState marks one request as forwarded or handed off.
type requestState struct {
	forwarded bool

	mu        sync.Mutex
	handedOff bool
}

type requestStateKey struct{}

func withRequestState(ctx context.Context, st *requestState) context.Context {
	return context.WithValue(ctx, requestStateKey{}, st)
}

func requestStateOf(ctx context.Context) *requestState {
	st, _ := ctx.Value(requestStateKey{}).(*requestState)
	return st
}

// claim marks the request handed off. It fails if the request came from
// another worker or was handed off before.
func (st *requestState) claim() error {
	if st == nil {
		return nil
	}
	if st.forwarded {
		return ErrAlreadyHandedOff
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.handedOff {
		return ErrAlreadyHandedOff
	}
	st.handedOff = true
	return nil
}

// IsForwarded reports whether the request was relayed from another worker.
func IsForwarded(r *http.Request) bool {
	st := requestStateOf(r.Context())
	return st != nil && st.forwarded
}
