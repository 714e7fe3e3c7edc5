package api

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/intent"
	"github.com/spindlework/graphloom/pkg/llm"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

type chatContext struct {
	APIConfig     map[string]any `json:"apiConfig,omitempty"`
	ActiveGraphID string         `json:"activeGraphId,omitempty"`
}

type chatRequest struct {
	Message      string      `json:"message"`
	SystemPrompt string      `json:"systemPrompt,omitempty"`
	Context      chatContext `json:"context,omitempty"`
	Model        string      `json:"model,omitempty"`
	ThreadID     string      `json:"threadId,omitempty"`
}

// bearerKey extracts the API key from the Authorization header, or "".
func bearerKey(c *echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(auth)
}

func (s *Server) intentRequest(c *echo.Context) (intent.Request, error) {
	key := bearerKey(c)
	if key == "" {
		return intent.Request{}, echo.NewHTTPError(http.StatusUnauthorized,
			"No API key found. Add your provider key in settings and send it as 'Authorization: Bearer <key>'.")
	}
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return intent.Request{}, echo.NewHTTPError(http.StatusBadRequest, "invalid chat payload")
	}
	if strings.TrimSpace(req.Message) == "" {
		return intent.Request{}, echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	return intent.Request{
		Message:       req.Message,
		SystemPrompt:  req.SystemPrompt,
		Model:         req.Model,
		APIKey:        key,
		APIConfig:     req.Context.APIConfig,
		ActiveGraphID: req.Context.ActiveGraphID,
		ThreadID:      req.ThreadID,
	}, nil
}

// aiChat handles POST /api/ai/chat: conversational Q&A, no routing.
func (s *Server) aiChat(c *echo.Context) error {
	req, err := s.intentRequest(c)
	if err != nil {
		return err
	}
	text, err := s.router.HandleChat(c.Request().Context(), req)
	if err != nil {
		return s.llmError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"response": text})
}

// aiAgent handles POST /api/ai/agent: the intent-routed turn.
func (s *Server) aiAgent(c *echo.Context) error {
	req, err := s.intentRequest(c)
	if err != nil {
		return err
	}
	res, err := s.router.HandleAgent(c.Request().Context(), req)
	if err != nil {
		return s.llmError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type continueRequest struct {
	CID        string         `json:"cid"`
	ThreadID   string         `json:"threadId,omitempty"`
	ReadResult any            `json:"readResult,omitempty"`
	GraphState any            `json:"graphState,omitempty"`
	Iteration  int            `json:"iteration,omitempty"`
	APIConfig  map[string]any `json:"apiConfig,omitempty"`
}

// aiAgentContinue handles POST /api/ai/agent/continue, the committer's
// auto-chain callback.
func (s *Server) aiAgentContinue(c *echo.Context) error {
	key := bearerKey(c)
	if key == "" {
		return echo.NewHTTPError(http.StatusUnauthorized,
			"No API key found. Send it as 'Authorization: Bearer <key>'.")
	}
	var req continueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid continue payload")
	}
	if req.CID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cid is required")
	}
	text, err := s.router.Continue(c.Request().Context(), intent.ContinueRequest{
		CID:        req.CID,
		ThreadID:   req.ThreadID,
		APIKey:     key,
		APIConfig:  req.APIConfig,
		ReadResult: req.ReadResult,
		GraphState: req.GraphState,
		Iteration:  req.Iteration,
	})
	if err != nil {
		return s.llmError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "response": text})
}

// llmError propagates provider status and body to the caller and records
// the failure; any other error becomes a plain 502.
func (s *Server) llmError(err error) error {
	var httpErr *llm.HTTPError
	if errors.As(err, &httpErr) {
		s.tel.Record(telemetry.TypeActionFeedback, "", map[string]any{
			"status":   "failed",
			"provider": httpErr.Provider,
			"code":     httpErr.Status,
			"error":    httpErr.Body,
		})
		return echo.NewHTTPError(httpErr.Status, httpErr.Body)
	}
	s.tel.Record(telemetry.TypeActionFeedback, "", map[string]any{
		"status": "failed",
		"error":  err.Error(),
	})
	return echo.NewHTTPError(http.StatusBadGateway, err.Error())
}
