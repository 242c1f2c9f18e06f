package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// privatePrefix names the headers of the worker side channel. Clients must
// not be able to forge them.
const privatePrefix = "X-Handoff-"

// proxyHeaders are addressed to a proxy and never to the application.
var proxyHeaders = []string{
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
}

// PublicIngress returns an Echo middleware for the public listener. It
// removes side-channel and proxy headers from incoming requests and adds
// security headers to responses. Connection and Upgrade are kept; protocol
// upgrades depend on them.
func PublicIngress() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			for k := range h {
				if strings.HasPrefix(http.CanonicalHeaderKey(k), privatePrefix) {
					delete(h, k)
				}
			}
			for _, k := range proxyHeaders {
				h.Del(k)
			}

			res := c.Response()
			res.Before(func() {
				res.Header().Set("X-Content-Type-Options", "nosniff")
				res.Header().Set("X-Frame-Options", "DENY")
			})
			return next(c)
		}
	}
}
