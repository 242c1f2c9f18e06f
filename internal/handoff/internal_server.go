package handoff

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"handoff-go/internal/middleware"
)

// newInternalServer builds the loopback server that receives relay legs
// from peers.
func (w *Worker) newInternalServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// Legs stream for as long as the relayed body or response does.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.ReadHeaderTimeout = w.cfg.Relay.SessionTimeout()

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(w.logger, slog.LevelDebug))
	e.Use(middleware.MetricsMiddleware(w.metrics, middleware.ServerInternal))

	e.POST(pathStart, w.handleStart)
	e.POST(pathContinue, w.handleContinue)
	e.POST(pathDone, w.handleDone)
	e.POST(pathAbort, w.handleAbort)
	e.POST(pathResponse, w.handleResponse)
	return e
}

// handleStart opens a target session for a relayed request and dispatches
// it to the application before the first leg's body is read.
func (w *Worker) handleStart(c echo.Context) error {
	r := c.Request()
	id := r.Header.Get(HeaderID)
	if id == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	if _, dup := w.targets.Get(id); dup {
		w.logger.Warn("duplicate relay start", "handoff_id", id)
		return c.NoContent(http.StatusConflict)
	}

	in, req, err := w.newInbound(r)
	if err != nil {
		w.logger.Warn("bad relay start", "handoff_id", id, "error", err)
		return c.NoContent(http.StatusBadRequest)
	}
	w.targets.Put(id, in)
	w.metrics.SessionsActive.WithLabelValues("target").Inc()
	in.logger.Debug("relayed request accepted", "method", req.Method, "url", req.RequestURI)

	w.tasks.Go(func() error {
		w.dispatch(in, req)
		return nil
	})
	return w.absorb(c, in, r.Header.Get(HeaderEnd) != "")
}

func (w *Worker) handleContinue(c echo.Context) error {
	in, ok := w.targets.Get(c.Request().Header.Get(HeaderID))
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return w.absorb(c, in, false)
}

func (w *Worker) handleDone(c echo.Context) error {
	in, ok := w.targets.Get(c.Request().Header.Get(HeaderID))
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return w.absorb(c, in, true)
}

// handleAbort drops a session whose origin gave up on it.
func (w *Worker) handleAbort(c echo.Context) error {
	in, ok := w.targets.Get(c.Request().Header.Get(HeaderID))
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	in.abort()
	return c.NoContent(http.StatusOK)
}

// absorb queues a leg's body on the session and acknowledges the leg. The
// application may read the body later; the leg is never held open for it.
func (w *Worker) absorb(c echo.Context, in *inbound, end bool) error {
	in.touch()
	if err := in.body.fill(c.Request().Body); err != nil {
		in.logger.Warn("relay leg broke", "error", err)
		in.body.finish(errors.Join(ErrUpstreamProxy, err))
		in.maybeClose()
		return c.NoContent(http.StatusBadRequest)
	}
	if end {
		in.body.finish(nil)
		in.maybeClose()
	}
	in.touch()
	return c.NoContent(http.StatusOK)
}

// handleResponse replays a target's response onto the waiting client.
func (w *Worker) handleResponse(c echo.Context) error {
	id := c.Request().Header.Get(HeaderID)
	s, ok := w.origins.Get(id)
	if !ok {
		w.logger.Warn("response for unknown session", "handoff_id", id)
		return c.NoContent(http.StatusNotFound)
	}
	err := s.relayResponse(c.Response(), c.Request())
	switch {
	case errors.Is(err, errSessionClosed):
		return c.NoContent(http.StatusGone)
	case err != nil:
		s.logger.Warn("response relay failed", "error", err)
		return c.NoContent(http.StatusBadGateway)
	}
	return c.NoContent(http.StatusOK)
}
