package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimit returns a per-client-IP limiter for the public server. Requests
// for which skip reports true are not counted. Workers skip requests relayed
// by a peer.
func RateLimit(rps float64, skip echomw.Skipper) echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: skip,
		Store:   echomw.NewRateLimiterMemoryStore(rate.Limit(rps)),
	})
}
