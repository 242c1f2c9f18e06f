package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"handoff-go/internal/handoff"
	"handoff-go/internal/model"
	"handoff-go/internal/service"
)

// maxEchoBody bounds the request body echoed back by the demo application.
const maxEchoBody = 1 << 20

// AppHandler is the demo application every worker serves. Its routes
// exercise each handoff strategy; everything else is answered by Echo.
type AppHandler struct {
	id       model.WorkerID
	dispatch *service.Dispatcher
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewAppHandler creates the demo application for worker id.
func NewAppHandler(id model.WorkerID, d *service.Dispatcher, logger *slog.Logger) *AppHandler {
	return &AppHandler{
		id:       id,
		dispatch: d,
		logger:   logger.With("component", "app"),
	}
}

// EchoReply is what Echo answers with.
type EchoReply struct {
	Me        model.WorkerID `json:"me"`
	Method    string         `json:"method"`
	URL       string         `json:"url"`
	Host      string         `json:"host"`
	Header    http.Header    `json:"headers"`
	Body      string         `json:"body"`
	Forwarded bool           `json:"forwarded"`
}

// Echo describes the request as this worker saw it.
func (h *AppHandler) Echo(c echo.Context) error {
	r := c.Request()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEchoBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body: "+err.Error())
	}
	return c.JSON(http.StatusOK, EchoReply{
		Me:        h.id,
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Host:      r.Host,
		Header:    r.Header,
		Body:      string(body),
		Forwarded: handoff.IsForwarded(r),
	})
}

// PassRequest hands the request to the worker the router picks.
func (h *AppHandler) PassRequest(c echo.Context) error {
	return h.pass(c, model.StrategyRequest, h.Echo)
}

// PassConnection hands the request and the rest of its connection to the
// worker the router picks.
func (h *AppHandler) PassConnection(c echo.Context) error {
	return h.pass(c, model.StrategyConnection, h.Echo)
}

// Websocket hands an upgrade to the worker the router picks, which then
// echoes every message back.
func (h *AppHandler) Websocket(c echo.Context) error {
	return h.pass(c, model.StrategyUpgrade, h.serveWebsocket)
}

func (h *AppHandler) pass(c echo.Context, s model.Strategy, local echo.HandlerFunc) error {
	isLocal, err := h.dispatch.Pass(s, c.Response(), c.Request())
	if isLocal {
		return local(c)
	}
	if err != nil {
		return h.writeHandoffError(c, err)
	}
	return nil
}

func (h *AppHandler) serveWebsocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already answered the client.
		h.logger.Debug("websocket upgrade refused", "err", err)
		return nil
	}
	defer ws.Close()
	for {
		kind, msg, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		if err := ws.WriteMessage(kind, msg); err != nil {
			return nil
		}
	}
}

// writeHandoffError answers a failed handoff if the client has not been
// answered yet. Routing failures are 500s and everything else is a 503,
// both without a body.
func (h *AppHandler) writeHandoffError(c echo.Context, err error) error {
	h.logger.Warn("handoff failed",
		"err", err,
		"path", c.Request().URL.Path,
	)
	if c.Response().Committed {
		return nil
	}
	if errors.Is(err, handoff.ErrRoutingFailed) {
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusServiceUnavailable)
}
