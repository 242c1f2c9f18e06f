// Package coordinator implements the routing process: it tracks live
// workers, runs the router for every handoff, assigns handoff ids, and moves
// raw connections between workers.
package coordinator

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/chirp/handler"

	"handoff-go/internal/config"
	"handoff-go/internal/control"
	"handoff-go/internal/metrics"
	"handoff-go/internal/model"
	"handoff-go/internal/router"
)

// unavailable is written to an upgrade connection nobody can take.
const unavailable = "HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"

const (
	// claimTimeout bounds the wait for a connection a worker attached to a call.
	claimTimeout = 5 * time.Second

	// lateClaimWindow is how long a connection that missed its claim is
	// still picked up and refused.
	lateClaimWindow = 30 * time.Second
)

// Coordinator owns the worker table and the handoff id sequence.
type Coordinator struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	routeTimeout time.Duration
	claimTimeout time.Duration

	mu      sync.Mutex
	router  router.Router
	workers map[model.WorkerID]*worker

	lastID atomic.Uint64
}

type worker struct {
	id      model.WorkerID
	link    *control.Link
	started time.Time

	ready chan struct{} // closed by MarkReady
	gone  chan struct{} // closed by RemoveWorker
	addr  string        // set before ready is closed

	routed atomic.Uint64
}

// New creates a Coordinator using the router selected in cfg.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Coordinator, error) {
	c := &Coordinator{
		logger:       logger.With("component", "coordinator"),
		metrics:      m,
		routeTimeout: cfg.Coordinator.RouteTimeout(),
		claimTimeout: claimTimeout,
		workers:      make(map[model.WorkerID]*worker),
	}
	r, err := router.New(&cfg.Coordinator, c)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	c.router = r
	return c, nil
}

// SetRouter replaces the routing function.
func (c *Coordinator) SetRouter(r router.Router) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.router = r
}

// AddWorker registers a worker reachable over link. The worker is not
// route-eligible until it reports its internal server ready. When the link
// goes away the worker is evicted.
func (c *Coordinator) AddWorker(id model.WorkerID, link *control.Link) error {
	if id <= model.NoWorker {
		return fmt.Errorf("invalid worker id %d", id)
	}
	w := &worker{
		id:      id,
		link:    link,
		started: time.Now(),
		ready:   make(chan struct{}),
		gone:    make(chan struct{}),
	}

	c.mu.Lock()
	if _, dup := c.workers[id]; dup {
		c.mu.Unlock()
		return fmt.Errorf("worker %d already registered", id)
	}
	c.workers[id] = w
	c.mu.Unlock()

	link.Handle(control.MethodInternalReady, handler.ParamError(func(_ context.Context, n model.ReadyNotice) error {
		return control.Wire(c.MarkReady(id, n.Address))
	}))
	link.Handle(control.MethodRouteRequest, handler.ParamResultError(func(ctx context.Context, req model.HandoffRequest) (model.HandoffRecord, error) {
		rec, err := c.RouteRequest(ctx, req)
		return rec, control.Wire(err)
	}))
	link.Handle(control.MethodRouteUpgrade, handler.ParamError(func(ctx context.Context, u model.UpgradeRequest) error {
		conn, err := c.claim(ctx, link, u.Token, refuse)
		if err != nil {
			c.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyUpgrade), "attachment_missing").Inc()
			return control.Wire(err)
		}
		return control.Wire(c.RouteUpgrade(ctx, u, conn))
	}))
	link.Handle(control.MethodPassConnection, handler.ParamError(func(ctx context.Context, p model.ConnectionPass) error {
		conn, err := c.claim(ctx, link, p.Token, func(conn net.Conn) { conn.Close() })
		if err != nil {
			return control.Wire(err)
		}
		return control.Wire(c.PassConnection(ctx, p, conn))
	}))
	link.OnExit(func(err error) {
		if err != nil {
			c.logger.Warn("worker link failed", "worker", id, "error", err)
		}
		c.RemoveWorker(id)
	})

	c.logger.Info("worker registered", "worker", id)
	return nil
}

// MarkReady records the internal server address of a worker and makes it
// route-eligible. Each worker reports exactly once.
func (c *Coordinator) MarkReady(id model.WorkerID, addr string) error {
	w := c.lookup(id)
	if w == nil {
		return fmt.Errorf("ready from unknown worker %d", id)
	}
	if addr == "" {
		return fmt.Errorf("worker %d reported an empty address", id)
	}

	c.mu.Lock()
	select {
	case <-w.ready:
		c.mu.Unlock()
		return fmt.Errorf("worker %d reported ready twice", id)
	default:
	}
	w.addr = addr
	close(w.ready)
	c.mu.Unlock()

	c.metrics.WorkersReady.Inc()
	c.logger.Info("worker ready", "worker", id, "address", addr, "after", time.Since(w.started))
	return nil
}

// RemoveWorker evicts a worker so nothing new is routed to it. Handoffs
// waiting on its readiness fail with ErrRoutingFailed.
func (c *Coordinator) RemoveWorker(id model.WorkerID) {
	c.mu.Lock()
	w, ok := c.workers[id]
	if ok {
		delete(c.workers, id)
		close(w.gone)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-w.ready:
		c.metrics.WorkersReady.Dec()
	default:
	}
	w.link.Stop()
	c.logger.Info("worker removed", "worker", id, "routed", w.routed.Load())
}

// Live reports the ready workers in ascending id order.
func (c *Coordinator) Live() []model.WorkerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]model.WorkerID, 0, len(c.workers))
	for id, w := range c.workers {
		select {
		case <-w.ready:
			ids = append(ids, id)
		default:
		}
	}
	slices.Sort(ids)
	return ids
}

func (c *Coordinator) lookup(id model.WorkerID) *worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers[id]
}

// route runs the router and waits for the chosen worker to be ready.
func (c *Coordinator) route(ctx context.Context, req model.HandoffRequest) (*worker, error) {
	start := time.Now()
	defer func() {
		c.metrics.RouteDuration.WithLabelValues(string(req.Strategy)).Observe(time.Since(start).Seconds())
	}()

	c.mu.Lock()
	r := c.router
	c.mu.Unlock()

	id, err := router.Invoke(r, req)
	if err != nil {
		c.logger.Warn("router failed", "method", req.Method, "url", req.URL, "error", err)
		return nil, fmt.Errorf("%w: %v", control.ErrRoutingFailed, err)
	}
	if id == model.NoWorker {
		return nil, fmt.Errorf("%w: no target for %s %s", control.ErrRoutingFailed, req.Method, req.URL)
	}
	w := c.lookup(id)
	if w == nil {
		return nil, fmt.Errorf("%w: worker %d is not live", control.ErrRoutingFailed, id)
	}

	if c.routeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.routeTimeout)
		defer cancel()
	}
	select {
	case <-w.ready:
		return w, nil
	case <-w.gone:
		return nil, fmt.Errorf("%w: worker %d exited before ready", control.ErrRoutingFailed, id)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: worker %d not ready: %v", control.ErrRoutingFailed, id, ctx.Err())
	}
}

// RouteRequest resolves the target of a proxied handoff and allocates its id.
func (c *Coordinator) RouteRequest(ctx context.Context, req model.HandoffRequest) (model.HandoffRecord, error) {
	w, err := c.route(ctx, req)
	if err != nil {
		c.metrics.HandoffsTotal.WithLabelValues(string(req.Strategy), "routing_failed").Inc()
		return model.HandoffRecord{}, err
	}
	w.routed.Add(1)
	rec := model.HandoffRecord{
		HandoffID: c.lastID.Add(1),
		WorkerID:  w.id,
		Address:   w.addr,
	}
	c.metrics.HandoffsTotal.WithLabelValues(string(req.Strategy), "routed").Inc()
	c.logger.Debug("request routed",
		"handoff_id", rec.HandoffID,
		"worker", rec.WorkerID,
		"strategy", req.Strategy,
		"method", req.Method,
		"url", req.URL,
	)
	return rec, nil
}

// RouteUpgrade routes an upgrade and moves conn to the target. If no target
// can take it, a bare 503 is written to conn and conn is closed. RouteUpgrade
// always takes ownership of conn.
func (c *Coordinator) RouteUpgrade(ctx context.Context, u model.UpgradeRequest, conn net.Conn) error {
	w, err := c.route(ctx, u.Routing())
	if err != nil {
		c.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyUpgrade), "routing_failed").Inc()
		refuse(conn)
		return err
	}
	w.routed.Add(1)
	u.HandoffID = c.lastID.Add(1)
	u.WorkerID = w.id

	err = w.link.CallWithConn(ctx, control.MethodUpgrade, conn, func(token string) encoding.BinaryMarshaler {
		u.Token = token
		return u
	}, nil)
	if err != nil {
		c.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyUpgrade), "transfer_failed").Inc()
		c.logger.Warn("upgrade transfer failed", "handoff_id", u.HandoffID, "worker", w.id, "error", err)
		return fmt.Errorf("route upgrade: %w", err)
	}
	c.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyUpgrade), "routed").Inc()
	c.logger.Debug("upgrade routed", "handoff_id", u.HandoffID, "worker", w.id, "url", u.URL)
	return nil
}

// PassConnection moves a client connection to the worker named in p. If
// that worker is gone the connection is closed. PassConnection always takes
// ownership of conn.
func (c *Coordinator) PassConnection(ctx context.Context, p model.ConnectionPass, conn net.Conn) error {
	w := c.lookup(p.WorkerID)
	if w == nil {
		conn.Close()
		c.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyConnection), "target_gone").Inc()
		return fmt.Errorf("pass connection %d: %w: worker %d", p.HandoffID, control.ErrTargetWorkerGone, p.WorkerID)
	}

	err := w.link.CallWithConn(ctx, control.MethodConnection, conn, func(token string) encoding.BinaryMarshaler {
		p.Token = token
		return p
	}, nil)
	if err != nil {
		outcome := "transfer_failed"
		if errors.Is(err, control.ErrExchangeClosed) {
			outcome = "target_gone"
			err = fmt.Errorf("%w: %v", control.ErrTargetWorkerGone, err)
		}
		c.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyConnection), outcome).Inc()
		return fmt.Errorf("pass connection %d: %w", p.HandoffID, err)
	}
	c.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyConnection), "migrated").Inc()
	c.logger.Debug("connection migrated", "handoff_id", p.HandoffID, "worker", w.id)
	return nil
}

// claim takes the connection attached under token. When it does not arrive
// in time, a late arrival is passed to drop rather than left parked.
func (c *Coordinator) claim(ctx context.Context, link *control.Link, token string, drop func(net.Conn)) (net.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, c.claimTimeout)
	defer cancel()
	conn, err := link.Claim(cctx, token)
	if err == nil {
		return conn, nil
	}
	c.logger.Warn("attached connection missing", "error", err)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lateClaimWindow)
		defer cancel()
		if conn, err := link.Claim(ctx, token); err == nil {
			drop(conn)
		}
	}()
	return nil, err
}

// Stop closes every worker link.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	ids := make([]model.WorkerID, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.RemoveWorker(id)
	}
}

func refuse(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write([]byte(unavailable))
	conn.Close()
}
