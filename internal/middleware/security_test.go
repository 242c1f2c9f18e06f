package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"
)

func TestPublicIngress_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(PublicIngress())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("X-Frame-Options = %q, want %q", v, "DENY")
	}
}

func TestPublicIngress_StripsForgedHeaders(t *testing.T) {
	e := echo.New()
	e.Use(PublicIngress())

	var got http.Header
	e.GET("/test", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("X-Handoff-Id", "17")
	req.Header.Set("x-handoff-origin", "127.0.0.1:1")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("X-Trace", "keep")
	e.ServeHTTP(httptest.NewRecorder(), req)

	want := http.Header{
		"Connection": {"Upgrade"},
		"Upgrade":    {"websocket"},
		"X-Trace":    {"keep"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request header (-want +got):\n%s", diff)
	}
}
