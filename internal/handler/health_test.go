package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"

	"handoff-go/internal/coordinator"
)

type fixedStatus coordinator.Status

func (f fixedStatus) Status() coordinator.Status { return coordinator.Status(f) }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		ready  int
		want   int
		status string
	}{
		{"ready workers", 2, http.StatusOK, "ok"},
		{"no ready workers", 0, http.StatusServiceUnavailable, "no ready workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := NewAdminHandler(fixedStatus{Ready: tt.ready}, "test")
			if err := h.Healthz(c); err != nil {
				t.Fatalf("Healthz() error = %v", err)
			}

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["status"] != tt.status {
				t.Errorf("body.status = %q, want %q", body["status"], tt.status)
			}
		})
	}
}

func TestClusterStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/cluster/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	st := fixedStatus{
		Workers: []coordinator.WorkerStatus{
			{ID: 1, Ready: true, Address: "127.0.0.1:4001", Uptime: "5s", Routed: 3},
			{ID: 2, Uptime: "1s"},
		},
		Ready:         1,
		LastHandoffID: 3,
	}
	h := NewAdminHandler(st, "1.2.3")
	if err := h.ClusterStatus(c); err != nil {
		t.Fatalf("ClusterStatus() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got clusterStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := clusterStatus{Version: "1.2.3", Status: coordinator.Status(st)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("body (-want +got):\n%s", diff)
	}
}
