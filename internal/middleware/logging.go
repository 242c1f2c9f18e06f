// Package middleware provides Echo middleware for logging, metrics and
// public ingress hygiene.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog
// at level. Server errors are always logged at warn or above.
func RequestLogger(logger *slog.Logger, level slog.Level) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			lvl := level
			if res.Status >= http.StatusInternalServerError && lvl < slog.LevelWarn {
				lvl = slog.LevelWarn
			}
			if !logger.Enabled(req.Context(), lvl) {
				return err
			}
			logger.Log(req.Context(), lvl, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
