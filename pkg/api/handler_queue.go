package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/queue"
)

type goalsEnqueueRequest struct {
	Goal     string            `json:"goal"`
	DAG      []models.TaskSpec `json:"dag"`
	ThreadID string            `json:"threadId,omitempty"`
	CID      string            `json:"cid,omitempty"`
}

// goalsEnqueue handles POST /queue/goals.enqueue.
func (s *Server) goalsEnqueue(c *echo.Context) error {
	var req goalsEnqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid goal payload")
	}
	if req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal is required")
	}
	goal := models.Goal{
		ID:        models.NewID("goal"),
		Type:      "goal",
		Goal:      req.Goal,
		DAG:       req.DAG,
		ThreadID:  req.ThreadID,
		CID:       req.CID,
		CreatedAt: time.Now().UnixMilli(),
	}
	s.queues.Enqueue(queue.GoalQueue, goal, goal.ThreadID)
	s.events.Append(eventlog.TypeGoalEnqueued, map[string]any{
		"goalId": goal.ID,
		"goal":   goal.Goal,
		"steps":  len(goal.DAG),
		"cid":    goal.CID,
	})
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "id": goal.ID})
}

type tasksPullRequest struct {
	ThreadID string `json:"threadId,omitempty"`
	Max      int    `json:"max,omitempty"`
}

// tasksPull handles POST /queue/tasks.pull: an external executor leases
// tasks directly.
func (s *Server) tasksPull(c *echo.Context) error {
	var req tasksPullRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pull payload")
	}
	items := s.queues.Pull(queue.TaskQueue, queue.PullOptions{
		PartitionKey: req.ThreadID,
		Max:          req.Max,
	})
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
}

type patchSubmitRequest struct {
	Patch *models.Patch `json:"patch"`
}

// patchesSubmit handles POST /queue/patches.submit.
func (s *Server) patchesSubmit(c *echo.Context) error {
	var req patchSubmitRequest
	if err := c.Bind(&req); err != nil || req.Patch == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patch is required")
	}
	patch := req.Patch
	if patch.GraphID == "" && !patchCreatesGraph(patch) {
		return echo.NewHTTPError(http.StatusBadRequest, "patch.graphId is required")
	}
	if patch.PatchID == "" {
		patch.PatchID = models.NewPatchID()
	}
	s.queues.Enqueue(queue.PatchQueue, *patch, patch.GraphID)
	s.events.Append(eventlog.TypePatchSubmitted, map[string]any{
		"patchId": patch.PatchID,
		"graphId": patch.GraphID,
		"ops":     len(patch.Ops),
		"cid":     patch.CID,
	})
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "patchId": patch.PatchID})
}

// patchCreatesGraph reports whether the patch carries a createNewGraph op,
// which legitimately has no pre-existing graph id.
func patchCreatesGraph(p *models.Patch) bool {
	for _, op := range p.Ops {
		if op.Type == models.OpCreateNewGraph {
			return true
		}
	}
	return false
}

type reviewsPullRequest struct {
	Max int `json:"max,omitempty"`
}

// reviewsPull handles POST /queue/reviews.pull.
func (s *Server) reviewsPull(c *echo.Context) error {
	var req reviewsPullRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pull payload")
	}
	items := s.queues.Pull(queue.ReviewQueue, queue.PullOptions{Max: req.Max})
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
}

type reviewSubmitRequest struct {
	LeaseID  string          `json:"leaseId"`
	Decision string          `json:"decision"`
	Reasons  []string        `json:"reasons,omitempty"`
	GraphID  string          `json:"graphId,omitempty"`
	Patch    *models.Patch   `json:"patch,omitempty"`
	Patches  []*models.Patch `json:"patches,omitempty"`
}

// reviewsSubmit handles POST /queue/reviews.submit: an external auditor
// settles a leased patch and feeds the review queue.
func (s *Server) reviewsSubmit(c *echo.Context) error {
	var req reviewSubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid review payload")
	}
	if req.LeaseID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "leaseId is required")
	}
	if req.Decision != models.ReviewApproved && req.Decision != models.ReviewRejected {
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be approved or rejected")
	}
	if !s.queues.Ack(queue.PatchQueue, req.LeaseID) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown leaseId")
	}
	review := models.Review{
		LeaseID:      req.LeaseID,
		ReviewStatus: req.Decision,
		Reasons:      req.Reasons,
		GraphID:      req.GraphID,
		Patch:        req.Patch,
		Patches:      req.Patches,
	}
	s.queues.Enqueue(queue.ReviewQueue, review, review.GraphID)
	s.events.Append(eventlog.TypeReviewEnqueued, map[string]any{
		"decision": req.Decision,
		"graphId":  req.GraphID,
	})
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// commitApply handles POST /commit/apply. The commit loop is continuous;
// the endpoint only acknowledges.
func (s *Server) commitApply(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "note": "committer loop is continuous"})
}

// queueMetrics handles GET /queue/metrics?name=….
func (s *Server) queueMetrics(c *echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "metrics": s.queues.Stats()})
	}
	mt, err := s.queues.Metrics(name)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "name": name, "metrics": mt})
}

// queuePeek handles GET /queue/peek?name=…&head=N without leasing.
func (s *Server) queuePeek(c *echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	head := 5
	if v := c.QueryParam("head"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "head must be a non-negative integer")
		}
		head = n
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":    true,
		"name":  name,
		"items": s.queues.Peek(name, head),
	})
}
