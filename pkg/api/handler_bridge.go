package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

// postState handles POST /api/bridge/state. The UI pushes its whole
// projected store; the server records it wholesale and never mutates it.
func (s *Server) postState(c *echo.Context) error {
	var ps models.ProjectedStore
	if err := c.Bind(&ps); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid projected store payload")
	}
	summary := s.stores.Replace(ps)
	s.tel.Record(telemetry.TypeBridgeState, "", map[string]any{
		"graphCount":     len(ps.Graphs),
		"prototypeCount": len(ps.NodePrototypes),
		"activeGraphId":  ps.ActiveGraphID,
		"lastUpdate":     summary.LastUpdate,
	})
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "lastUpdate": summary.LastUpdate})
}

// getState handles GET /api/bridge/state.
func (s *Server) getState(c *echo.Context) error {
	snap, has := s.stores.Snapshot()
	return c.JSON(http.StatusOK, map[string]any{
		"ok":         true,
		"hasStore":   has,
		"store":      snap,
		"lastUpdate": s.stores.LastUpdate(),
	})
}

type layoutRequest struct {
	Layouts map[string]models.GraphLayout `json:"layouts"`
	Mode    string                        `json:"mode"`
}

// postLayout handles POST /api/bridge/layout.
func (s *Server) postLayout(c *echo.Context) error {
	var req layoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid layout payload")
	}
	if len(req.Layouts) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "layouts is required")
	}
	if err := s.stores.MergeLayouts(req.Layouts, req.Mode); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// bridgeHealth handles GET /api/bridge/health.
func (s *Server) bridgeHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"ok":       true,
		"hasStore": s.stores.HasStore(),
	})
}

// leasePendingActions handles GET /api/bridge/pending-actions. Lease is
// atomic: two concurrent polls never receive the same action.
func (s *Server) leasePendingActions(c *echo.Context) error {
	actions := s.pendings.Lease()
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"actions": actions,
	})
}

type actionCompletedRequest struct {
	ActionID string `json:"actionId"`
}

// actionCompleted handles POST /api/bridge/action-completed.
func (s *Server) actionCompleted(c *echo.Context) error {
	var req actionCompletedRequest
	if err := c.Bind(&req); err != nil || req.ActionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actionId is required")
	}
	action, ok := s.pendings.Ack(req.ActionID)
	if !ok {
		return c.JSON(http.StatusOK, map[string]any{"ok": false, "error": "unknown actionId"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":             true,
		"action":         action.Action,
		"actionSequence": s.pendings.ActionSequence(),
	})
}

type actionFeedbackRequest struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Params []any  `json:"params,omitempty"`
}

// actionFeedback handles POST /api/bridge/action-feedback. The UI reports
// how an action went; the entry is telemetry ground truth for failures.
func (s *Server) actionFeedback(c *echo.Context) error {
	var req actionFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid feedback payload")
	}
	if req.Action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "action is required")
	}
	s.pendings.Feedback(req.Action, req.Status, req.Error)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

type enqueueActionsRequest struct {
	Actions []models.PendingAction `json:"actions"`
	CID     string                 `json:"cid,omitempty"`
}

// enqueuePendingActions handles POST /api/bridge/pending-actions/enqueue,
// the server-side enqueue used by tests and external collaborators.
func (s *Server) enqueuePendingActions(c *echo.Context) error {
	var req enqueueActionsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid enqueue payload")
	}
	if len(req.Actions) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "actions[] is required")
	}
	for i := range req.Actions {
		if req.Actions[i].ID == "" {
			req.Actions[i].ID = models.NewID("act")
		}
	}
	s.pendings.Enqueue(req.Actions...)
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "count": len(req.Actions)})
}

// bridgeTelemetry handles GET /api/bridge/telemetry: the combined
// telemetry + chat snapshot the UI polls.
func (s *Server) bridgeTelemetry(c *echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	entries := s.tel.Query(telemetry.Filter{
		CID:   c.QueryParam("cid"),
		Type:  c.QueryParam("type"),
		Limit: limit,
	})
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        true,
		"telemetry": entries,
		"chat":      s.tel.Chat(),
	})
}
