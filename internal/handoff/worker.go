// Package handoff implements the worker side of request and connection
// handoff: interception of public traffic, the segmented relay to a peer's
// internal server, the internal server itself, and upgrade and connection
// transfer.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/chirp/handler"
	"github.com/creachadair/taskgroup"
	"github.com/labstack/echo/v4"

	"handoff-go/internal/client"
	"handoff-go/internal/config"
	"handoff-go/internal/control"
	"handoff-go/internal/metrics"
	"handoff-go/internal/model"
)

// An UpgradeHandler takes over a handed-off upgrade connection. head holds
// the bytes the origin had read past the request head, in order.
type UpgradeHandler func(r *http.Request, conn net.Conn, head []byte)

// Worker is one process of the farm. It serves the public application,
// hands requests off through the coordinator and accepts requests, upgrades
// and connections handed to it by peers.
type Worker struct {
	id      model.WorkerID
	cfg     *config.Config
	link    *control.Link
	client  *client.PeerClient
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	app     http.Handler
	upgrade UpgradeHandler
	addr    string

	conns   *registry[net.Conn, *ConnectionState]
	origins *registry[string, *ProxySession]
	targets *registry[string, *inbound]

	internal *echo.Echo
	migrated *connListener
	tasks    *taskgroup.Group
}

// NewWorker creates a worker that talks to the coordinator over link.
func NewWorker(id model.WorkerID, cfg *config.Config, link *control.Link, pc *client.PeerClient, logger *slog.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		id:       id,
		cfg:      cfg,
		link:     link,
		client:   pc,
		logger:   logger.With("component", "worker", "worker", id),
		metrics:  m,
		conns:    newRegistry[net.Conn, *ConnectionState](),
		origins:  newRegistry[string, *ProxySession](),
		targets:  newRegistry[string, *inbound](),
		migrated: newConnListener(),
		tasks:    taskgroup.New(nil),
	}
}

// ID returns the worker id.
func (w *Worker) ID() model.WorkerID { return w.id }

// Addr returns the address of the internal server once started.
func (w *Worker) Addr() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.addr
}

// SetApp sets the application that serves requests handed to this worker.
// It is normally the same handler that serves the public listener.
func (w *Worker) SetApp(h http.Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.app = h
}

func (w *Worker) handler() http.Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.app
}

// SetUpgradeHandler sets the handler for handed-off upgrades. Without one,
// upgrades are dispatched to the application with a hijackable writer.
func (w *Worker) SetUpgradeHandler(h UpgradeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.upgrade = h
}

func (w *Worker) upgradeHandler() UpgradeHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.upgrade
}

// Start binds the internal server, registers the control handlers and
// reports ready to the coordinator. The worker takes no handoff traffic
// before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	if w.handler() == nil {
		return errors.New("worker: no application handler")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(w.cfg.Internal.Host, "0"))
	if err != nil {
		return fmt.Errorf("worker: bind internal server: %w", err)
	}
	addr := ln.Addr().String()
	w.mu.Lock()
	w.addr = addr
	w.mu.Unlock()
	w.internal = w.newInternalServer()
	go func() {
		if err := w.internal.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.logger.Error("internal server error", "err", err)
		}
	}()

	w.link.Handle(control.MethodUpgrade, handler.ParamError(w.acceptUpgrade))
	w.link.Handle(control.MethodConnection, handler.ParamError(w.acceptConnection))

	notice := model.ReadyNotice{WorkerID: w.id, Address: addr}
	if err := w.link.Call(ctx, control.MethodInternalReady, notice, nil); err != nil {
		w.internal.Close()
		return fmt.Errorf("worker: announce ready: %w", err)
	}
	w.logger.Info("internal server ready", "addr", addr)
	return nil
}

// Stop shuts the internal server down and waits for dispatched handoffs.
func (w *Worker) Stop(ctx context.Context) error {
	var err error
	if w.internal != nil {
		err = w.internal.Shutdown(ctx)
	}
	w.migrated.Close()
	for _, in := range w.targets.Values() {
		in.expire()
	}
	done := make(chan struct{})
	go func() {
		w.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	w.client.CloseIdle()
	return err
}

// ConnContext attaches connection tracking to every accepted connection.
// Install it as the public http.Server's ConnContext.
func (w *Worker) ConnContext(ctx context.Context, c net.Conn) context.Context {
	cs := newConnectionState(c)
	w.conns.Put(c, cs)
	return context.WithValue(ctx, connStateKey{}, cs)
}

// TrackConn follows connection state transitions. Install it as the public
// http.Server's ConnState.
func (w *Worker) TrackConn(c net.Conn, s http.ConnState) {
	cs, ok := w.conns.Get(c)
	if !ok {
		return
	}
	switch s {
	case http.StateActive:
		cs.setParsing(true)
	case http.StateIdle:
		cs.setParsing(false)
		cs.setBodyDone(false)
	case http.StateHijacked, http.StateClosed:
		w.conns.Delete(c)
	}
}

// InstallHooks sets ConnContext and ConnState on srv.
func (w *Worker) InstallHooks(srv *http.Server) {
	srv.ConnContext = w.ConnContext
	srv.ConnState = w.TrackConn
}

// Migrated returns the listener on which connections moved to this worker
// are delivered. Serve it with the public http.Server.
func (w *Worker) Migrated() net.Listener { return w.migrated }

// intercept runs before the application. Requests on a passing connection
// are relayed to the connection's target and never reach the application.
// Otherwise it returns the request with handoff state attached.
func (w *Worker) intercept(rw http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	if cs := connStateOf(r.Context()); cs != nil {
		cs.setParsing(false)
		if _, passing := cs.Passing(); passing {
			if err := w.relayPassing(rw, r, cs); err != nil {
				w.logger.Warn("relay on passing connection failed", "url", r.URL.String(), "error", err)
			}
			return r, true
		}
	}
	if requestStateOf(r.Context()) == nil {
		r = r.WithContext(withRequestState(r.Context(), &requestState{}))
	}
	return r, false
}

// Intercept returns echo middleware for the public application.
func (w *Worker) Intercept() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r, handled := w.intercept(c.Response(), c.Request())
			if handled {
				return nil
			}
			c.SetRequest(r)
			return next(c)
		}
	}
}

// Handler wraps a plain http.Handler the way Intercept wraps an echo app.
func (w *Worker) Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		r, handled := w.intercept(rw, r)
		if handled {
			return
		}
		h.ServeHTTP(rw, r)
	})
}

// PassRequest hands this single request to the worker the router picks and
// relays the target's response to the client. The connection stays with
// this worker for later requests. Routing and relay failures are written to
// the client as a bodiless 500 or 503 and also returned; a second handoff of
// the same request fails with ErrAlreadyHandedOff before anything is written.
func (w *Worker) PassRequest(rw http.ResponseWriter, r *http.Request) error {
	if err := requestStateOf(r.Context()).claim(); err != nil {
		return err
	}
	rec, err := w.route(r, model.StrategyRequest)
	if err != nil {
		w.refuse(rw, model.StrategyRequest, err)
		return err
	}
	return w.relay(rw, r, rec, rec.ProxyID(1), nil)
}

// PassConnection hands this request and every later request on the same
// client connection to the worker the router picks.
func (w *Worker) PassConnection(rw http.ResponseWriter, r *http.Request) error {
	cs := connStateOf(r.Context())
	if cs == nil {
		return fmt.Errorf("%w: request has no tracked connection", ErrNoStrategy)
	}
	if err := requestStateOf(r.Context()).claim(); err != nil {
		return err
	}
	rec, err := w.route(r, model.StrategyConnection)
	if err != nil {
		w.refuse(rw, model.StrategyConnection, err)
		return err
	}
	id, err := cs.startPassing(rec)
	if err != nil {
		return err
	}
	release, err := cs.enqueue(r.Context())
	if err != nil {
		return err
	}
	defer release()
	w.logger.Debug("connection passing", "handoff_id", rec.HandoffID, "target", rec.WorkerID)
	return w.relay(rw, r, rec, id, cs)
}

func (w *Worker) relayPassing(rw http.ResponseWriter, r *http.Request, cs *ConnectionState) error {
	release, err := cs.enqueue(r.Context())
	if err != nil {
		return err
	}
	defer release()
	rec, _ := cs.Passing()
	return w.relay(rw, r, rec, cs.nextProxyID(), cs)
}

// route asks the coordinator for a target.
func (w *Worker) route(r *http.Request, s model.Strategy) (model.HandoffRecord, error) {
	// The coordinator bounds its own wait; leave it room to answer first.
	ctx, cancel := context.WithTimeout(r.Context(), w.cfg.Coordinator.RouteTimeout()+time.Second)
	defer cancel()

	var rec model.HandoffRecord
	if err := w.link.Call(ctx, control.MethodRouteRequest, model.NewHandoffRequest(r, s), &rec); err != nil {
		if errors.Is(err, ErrRoutingFailed) {
			return rec, err
		}
		return rec, fmt.Errorf("%w: %v", ErrUpstreamProxy, err)
	}
	return rec, nil
}

// refuse answers a request whose handoff failed before any relay began.
func (w *Worker) refuse(rw http.ResponseWriter, s model.Strategy, err error) {
	status := statusFor(err)
	w.metrics.HandoffsTotal.WithLabelValues(string(s), outcome(err)).Inc()
	w.logger.Warn("handoff failed", "strategy", s, "status", status, "error", err)
	rw.WriteHeader(status)
}
