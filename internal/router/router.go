// Package router holds the routing contract the coordinator calls for every
// handoff, and the stock policies selectable from config.
package router

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"handoff-go/internal/config"
	"handoff-go/internal/model"
)

// ErrNoWorkers is reported by pool-based routers when nothing is live.
var ErrNoWorkers = errors.New("no live workers")

// A Router decides which worker a request belongs to. Returning
// model.NoWorker means "no target".
type Router interface {
	Route(req model.HandoffRequest) (model.WorkerID, error)
}

// Func adapts an ordinary function to a Router.
type Func func(req model.HandoffRequest) (model.WorkerID, error)

func (f Func) Route(req model.HandoffRequest) (model.WorkerID, error) { return f(req) }

// Invoke calls r on req. An error or panic from r is reported alongside
// model.NoWorker and never escapes as a panic.
func Invoke(r Router, req model.HandoffRequest) (id model.WorkerID, err error) {
	defer func() {
		if x := recover(); x != nil {
			id, err = model.NoWorker, fmt.Errorf("router panicked: %v", x)
		}
	}()
	if r == nil {
		return model.NoWorker, errors.New("no router configured")
	}
	id, err = r.Route(req)
	if err != nil {
		return model.NoWorker, err
	}
	return id, nil
}

// A Pool reports the workers currently eligible for routing, in ascending
// id order.
type Pool interface {
	Live() []model.WorkerID
}

// RoundRobin cycles through the live workers.
type RoundRobin struct {
	pool Pool
	next atomic.Uint64
}

func NewRoundRobin(p Pool) *RoundRobin { return &RoundRobin{pool: p} }

func (r *RoundRobin) Route(model.HandoffRequest) (model.WorkerID, error) {
	ids := r.pool.Live()
	if len(ids) == 0 {
		return model.NoWorker, ErrNoWorkers
	}
	n := r.next.Add(1) - 1
	return ids[n%uint64(len(ids))], nil
}

// Header routes to the worker id named in a request header. Requests
// without the header go to Fallback, or nowhere if Fallback is nil.
type Header struct {
	Name     string
	Fallback Router
}

func (h Header) Route(req model.HandoffRequest) (model.WorkerID, error) {
	v := strings.TrimSpace(req.Header[strings.ToLower(h.Name)])
	if v == "" {
		if h.Fallback != nil {
			return h.Fallback.Route(req)
		}
		return model.NoWorker, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return model.NoWorker, fmt.Errorf("header %s: bad worker id %q", h.Name, v)
	}
	return model.WorkerID(n), nil
}

// Sticky hashes a query parameter onto the live workers, so requests that
// share the parameter land on the same worker while membership is stable.
type Sticky struct {
	Param    string
	Fallback Router
	pool     Pool
}

func NewSticky(param string, p Pool, fallback Router) *Sticky {
	return &Sticky{Param: param, Fallback: fallback, pool: p}
}

func (s *Sticky) Route(req model.HandoffRequest) (model.WorkerID, error) {
	u, err := url.ParseRequestURI(req.URL)
	if err != nil {
		return model.NoWorker, fmt.Errorf("sticky: %w", err)
	}
	key := u.Query().Get(s.Param)
	if key == "" {
		if s.Fallback != nil {
			return s.Fallback.Route(req)
		}
		return model.NoWorker, nil
	}
	ids := s.pool.Live()
	if len(ids) == 0 {
		return model.NoWorker, ErrNoWorkers
	}
	return ids[xxhash.Sum64String(key)%uint64(len(ids))], nil
}

// Fixed always routes to the same worker.
type Fixed model.WorkerID

func (f Fixed) Route(model.HandoffRequest) (model.WorkerID, error) { return model.WorkerID(f), nil }

// New builds the router selected by cfg. Header and sticky routers fall
// back to round robin.
func New(cfg *config.CoordinatorConfig, p Pool) (Router, error) {
	switch cfg.Router {
	case "", "round_robin":
		return NewRoundRobin(p), nil
	case "header":
		return Header{Name: cfg.RouteHeader, Fallback: NewRoundRobin(p)}, nil
	case "sticky":
		return NewSticky(cfg.RouteParam, p, NewRoundRobin(p)), nil
	case "fixed":
		return Fixed(cfg.RouteTarget), nil
	default:
		return nil, fmt.Errorf("unknown router %q", cfg.Router)
	}
}
