// Package control implements the control channel between the coordinator
// and its workers: ordered calls with acknowledgements, on which a live
// client connection can ride alongside the payload.
package control

import (
	"context"
	"encoding"
	"fmt"
	"net"
	"strconv"

	"github.com/creachadair/chirp"
	"github.com/creachadair/chirp/channel"
	"github.com/google/uuid"
)

// A Method is a control channel method id.
type Method uint32

const (
	// Worker to coordinator.
	MethodInternalReady Method = iota + 1
	MethodRouteRequest
	MethodRouteUpgrade
	MethodPassConnection

	// Coordinator to worker.
	MethodUpgrade
	MethodConnection
)

var methodNames = map[Method]string{
	MethodInternalReady:  "internal-ready",
	MethodRouteRequest:   "route-request",
	MethodRouteUpgrade:   "route-upgrade",
	MethodPassConnection: "pass-connection",
	MethodUpgrade:        "upgrade",
	MethodConnection:     "connection",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "method-" + strconv.FormatUint(uint64(m), 10)
}

// A Link is one end of a control channel. Calls travel over a chirp peer;
// connections travel over an Exchange and are named in the payload by a
// token.
type Link struct {
	peer  *chirp.Peer
	conns Exchange
}

// NewLink starts a peer on ch and pairs it with the exchange x.
func NewLink(ch chirp.Channel, x Exchange) *Link {
	return &Link{peer: chirp.NewPeer().Start(ch), conns: x}
}

// Pipe returns two connected in-memory links, for running the coordinator
// and workers inside one process.
func Pipe() (a, b *Link) {
	ca, cb := channel.Direct()
	xa, xb := MemExchange()
	return NewLink(ca, xa), NewLink(cb, xb)
}

// Handle registers h for inbound calls of method. It returns l for chaining.
func (l *Link) Handle(method Method, h chirp.Handler) *Link {
	l.peer.Handle(uint32(method), h)
	return l
}

// OnExit registers f to run once when the remote end goes away. The peer
// holds its lock while reporting exit, so f runs on its own goroutine and
// may call back into the link.
func (l *Link) OnExit(f func(error)) *Link {
	l.peer.OnExit(func(err error) { go f(err) })
	return l
}

// Call invokes method on the remote end and waits for its acknowledgement.
// If rsp is non-nil the reply is decoded into it. Handoff failures reported
// by the remote end satisfy errors.Is against this package's sentinels.
func (l *Link) Call(ctx context.Context, method Method, req encoding.BinaryMarshaler, rsp encoding.BinaryUnmarshaler) error {
	data, err := req.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%s: encode: %w", method, err)
	}
	reply, err := l.peer.Call(ctx, uint32(method), data)
	if err != nil {
		return unwire(method, err)
	}
	if rsp != nil {
		if err := rsp.UnmarshalBinary(reply.Data); err != nil {
			return fmt.Errorf("%s: decode: %w", method, err)
		}
	}
	return nil
}

// Attach moves conn to the remote end and returns the token the remote end
// must Claim it by. Ownership of conn passes to the link.
func (l *Link) Attach(conn net.Conn) (string, error) {
	token := uuid.NewString()
	if err := l.conns.Send(token, conn); err != nil {
		return "", fmt.Errorf("attach connection: %w", err)
	}
	return token, nil
}

// CallWithConn attaches conn and invokes method with the payload build
// returns for the attachment token. Ownership of conn passes to the link
// even when the call fails.
func (l *Link) CallWithConn(ctx context.Context, method Method, conn net.Conn, build func(token string) encoding.BinaryMarshaler, rsp encoding.BinaryUnmarshaler) error {
	token, err := l.Attach(conn)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return l.Call(ctx, method, build(token), rsp)
}

// Claim waits for the connection sent under token.
func (l *Link) Claim(ctx context.Context, token string) (net.Conn, error) {
	c, err := l.conns.Receive(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentMissing, err)
	}
	return c, nil
}

// Stop closes the link and waits for the peer to exit.
func (l *Link) Stop() error {
	perr := l.peer.Stop()
	if err := l.conns.Close(); err != nil && perr == nil {
		return err
	}
	return perr
}

// Wait blocks until the remote end closes the link.
func (l *Link) Wait() error { return l.peer.Wait() }
