package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/version"
)

// healthz handles GET /healthz: process liveness only. Store-aware health
// lives at /api/bridge/health.
func (s *Server) healthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// versionHandler handles GET /version.
func (s *Server) versionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"name":    version.AppName,
		"version": version.GitCommit,
		"full":    version.Full(),
	})
}

// metricsHandler handles GET /metrics via the mounted Prometheus handler.
func (s *Server) metricsHandler(c *echo.Context) error {
	if s.metrics == nil {
		return echo.NewHTTPError(http.StatusNotFound, "metrics not configured")
	}
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}
