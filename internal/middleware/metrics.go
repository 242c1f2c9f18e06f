package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"handoff-go/internal/metrics"
)

// Server labels. A worker runs the public and internal servers; the
// coordinator runs the admin server.
const (
	ServerPublic   = "public"
	ServerInternal = "internal"
	ServerAdmin    = "admin"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each request served by the named server.
func MetricsMiddleware(m *metrics.Metrics, server string) echo.MiddlewareFunc {
	inFlight := m.RequestsInFlight.WithLabelValues(server)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			inFlight.Inc()
			defer inFlight.Dec()

			start := time.Now()
			err := next(c)

			// An *echo.HTTPError is written later by the central error
			// handler, so its code is not on the response yet.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			labels := []string{
				server,
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(statusCode),
				metrics.NormalizePath(c.Request().URL.Path),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
