package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"handoff-go/internal/config"
	"handoff-go/internal/metrics"
)

// RegisterAdminRoutes wires the coordinator admin surface onto e.
func RegisterAdminRoutes(e *echo.Echo, admin *AdminHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", admin.Healthz)
	e.GET("/cluster/status", admin.ClusterStatus)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

// RegisterAppRoutes wires the demo application onto e.
func RegisterAppRoutes(e *echo.Echo, app *AppHandler) {
	e.Any("/passme", app.PassRequest)
	e.Any("/passme/*", app.PassRequest)
	e.Any("/passconn", app.PassConnection)
	e.GET("/ws", app.Websocket)
	e.Any("/*", app.Echo)
}
