package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/scheduler"
)

// Acceptance-test helpers. These bypass the chat/LLM front door so the
// pipeline can be exercised deterministically.

type createTaskRequest struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args,omitempty"`
	ThreadID string         `json:"threadId,omitempty"`
	CID      string         `json:"cid,omitempty"`
}

// testCreateTask handles POST /test/create-task: enqueue a task directly,
// skipping the planner.
func (s *Server) testCreateTask(c *echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task payload")
	}
	if req.ToolName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "toolName is required")
	}
	task := models.Task{
		ID:       models.NewID("task"),
		ThreadID: req.ThreadID,
		CID:      req.CID,
		ToolName: req.ToolName,
		Args:     req.Args,
	}
	s.queues.Enqueue(queue.TaskQueue, task, task.ThreadID)
	s.sched.EnsureStarted()
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "id": task.ID})
}

type commitOpsRequest struct {
	GraphID  string      `json:"graphId"`
	Ops      []models.Op `json:"ops"`
	BaseHash string      `json:"baseHash,omitempty"`
	CID      string      `json:"cid,omitempty"`
	ThreadID string      `json:"threadId,omitempty"`
}

// testCommitOps handles POST /test/commit-ops: wrap ops in an approved
// review and hand them straight to the commit path.
func (s *Server) testCommitOps(c *echo.Context) error {
	var req commitOpsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid commit payload")
	}
	if len(req.Ops) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ops[] is required")
	}
	patch := &models.Patch{
		PatchID:  models.NewPatchID(),
		GraphID:  req.GraphID,
		ThreadID: req.ThreadID,
		CID:      req.CID,
		BaseHash: req.BaseHash,
		Ops:      req.Ops,
	}
	review := models.Review{
		ReviewStatus: models.ReviewApproved,
		GraphID:      req.GraphID,
		Patch:        patch,
	}
	s.queues.Enqueue(queue.ReviewQueue, review, req.GraphID)
	if s.committer != nil {
		go s.committer.Tick(c.Request().Context())
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "patchId": patch.PatchID})
}

// approveNextPatch handles POST /queue/patches.approve-next: lease one
// patch and approve it unconditionally, standing in for the auditor.
func (s *Server) approveNextPatch(c *echo.Context) error {
	items := s.queues.Pull(queue.PatchQueue, queue.PullOptions{Max: 1})
	if len(items) == 0 {
		return c.JSON(http.StatusOK, map[string]any{"ok": false, "error": "no patches queued"})
	}
	item := items[0]
	patch, err := queue.PayloadAs[models.Patch](item.Payload)
	if err != nil {
		s.queues.Nack(queue.PatchQueue, item.LeaseID, false)
		return echo.NewHTTPError(http.StatusBadRequest, "queued patch is malformed")
	}
	s.queues.Ack(queue.PatchQueue, item.LeaseID)
	review := models.Review{
		LeaseID:      item.LeaseID,
		ReviewStatus: models.ReviewApproved,
		GraphID:      patch.GraphID,
		Patch:        &patch,
	}
	s.queues.Enqueue(queue.ReviewQueue, review, patch.GraphID)
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "patchId": patch.PatchID})
}

// testReadStore handles GET /test/ai/read-store: the verify_state view of
// the projected store without an LLM in the loop.
func (s *Server) testReadStore(c *echo.Context) error {
	snap, has := s.stores.Snapshot()
	return c.JSON(http.StatusOK, map[string]any{
		"ok":    true,
		"state": scheduler.VerifyState(snap, has),
	})
}

type roundtripAddNodeRequest struct {
	GraphID string `json:"graphId,omitempty"`
	Name    string `json:"name"`
	Color   string `json:"color,omitempty"`
}

// testRoundtripAddNode handles POST /test/ai/roundtrip/add-node: push one
// prototype + instance through goal → task → patch → review → commit.
func (s *Server) testRoundtripAddNode(c *echo.Context) error {
	var req roundtripAddNodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid roundtrip payload")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	snap, has := s.stores.Snapshot()
	graphID := req.GraphID
	if graphID == "" && has {
		graphID = snap.ActiveGraphID
	}
	if graphID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "graphId is required when no graph is active")
	}

	cid := models.NewCorrelationID()
	goal := models.Goal{
		ID:        models.NewID("goal"),
		Type:      "goal",
		Goal:      models.GoalCreateNode,
		ThreadID:  cid,
		CID:       cid,
		CreatedAt: time.Now().UnixMilli(),
		DAG: []models.TaskSpec{{
			ToolName: models.ToolCreateNode,
			Args: map[string]any{
				"graph_id": graphID,
				"name":     req.Name,
				"color":    req.Color,
			},
		}},
	}
	s.queues.Enqueue(queue.GoalQueue, goal, goal.ThreadID)
	s.sched.EnsureStarted()
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"cid":     cid,
		"goalId":  goal.ID,
		"graphId": graphID,
	})
}
