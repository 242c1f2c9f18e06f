// Package service implements the application-facing handoff policy: which
// worker operation a strategy maps to, and when a request is to be served
// locally instead.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"handoff-go/internal/handoff"
	"handoff-go/internal/model"
)

// Passer is the part of a worker that hands traffic off.
type Passer interface {
	PassRequest(rw http.ResponseWriter, r *http.Request) error
	PassConnection(rw http.ResponseWriter, r *http.Request) error
	PassUpgrade(rw http.ResponseWriter, r *http.Request) error
}

// Dispatcher hands requests off by strategy.
type Dispatcher struct {
	passer Passer
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher over p.
func NewDispatcher(p Passer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{passer: p, logger: logger.With("component", "dispatcher")}
}

// Pass hands r off with strategy s.
//
// It reports local when the request is to be served by the caller: the
// request was itself handed to this worker, or no handoff applies to it.
// Otherwise the request left this worker. A non-nil error then means the
// handoff failed; any answer the client could still be given has already
// been written.
func (d *Dispatcher) Pass(s model.Strategy, rw http.ResponseWriter, r *http.Request) (local bool, err error) {
	var pass func(http.ResponseWriter, *http.Request) error
	switch s {
	case model.StrategyRequest:
		pass = d.passer.PassRequest
	case model.StrategyConnection:
		pass = d.passer.PassConnection
	case model.StrategyUpgrade:
		pass = d.passer.PassUpgrade
	default:
		return true, fmt.Errorf("%w: unknown strategy %q", handoff.ErrNoStrategy, s)
	}

	err = pass(rw, r)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, handoff.ErrAlreadyHandedOff), errors.Is(err, handoff.ErrNoStrategy):
		d.logger.Debug("serving locally", "strategy", s, "path", r.URL.Path, "reason", err)
		return true, nil
	default:
		return false, fmt.Errorf("%s handoff: %w", s, err)
	}
}
