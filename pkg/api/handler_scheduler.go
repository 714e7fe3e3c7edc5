package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/scheduler"
)

// schedulerStart handles POST /orchestration/scheduler/start.
func (s *Server) schedulerStart(c *echo.Context) error {
	var opts scheduler.Options
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid scheduler options")
	}
	status := s.sched.Start(opts)
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "status": status})
}

// schedulerStop handles POST /orchestration/scheduler/stop. The in-flight
// tick drains before the response is sent.
func (s *Server) schedulerStop(c *echo.Context) error {
	s.sched.Stop()
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "status": s.sched.Status()})
}

// schedulerStatus handles GET /orchestration/scheduler/status.
func (s *Server) schedulerStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "status": s.sched.Status()})
}
