package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"handoff-go/internal/coordinator"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusSource reports the state of the worker farm.
type StatusSource interface {
	Status() coordinator.Status
}

// AdminHandler serves the coordinator's health and status endpoints.
type AdminHandler struct {
	cluster StatusSource
	version Version
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(cluster StatusSource, v Version) *AdminHandler {
	return &AdminHandler{cluster: cluster, version: v}
}

// Healthz reports ok while at least one worker can take handoffs.
func (h *AdminHandler) Healthz(c echo.Context) error {
	if h.cluster.Status().Ready == 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "no ready workers",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// clusterStatus is the body of /cluster/status.
type clusterStatus struct {
	Version string `json:"version"`
	coordinator.Status
}

// ClusterStatus returns the worker table.
func (h *AdminHandler) ClusterStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, clusterStatus{
		Version: string(h.version),
		Status:  h.cluster.Status(),
	})
}
