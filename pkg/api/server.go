// Package api is the HTTP surface. Handlers are thin: validate input,
// stamp telemetry, delegate to the owning component.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/commit"
	"github.com/spindlework/graphloom/pkg/config"
	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/intent"
	"github.com/spindlework/graphloom/pkg/pending"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/scheduler"
	"github.com/spindlework/graphloom/pkg/store"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

// Server owns the echo instance and the component dependencies the
// handlers delegate to.
type Server struct {
	echo   *echo.Echo
	http   *http.Server
	cfg    config.ServerConfig
	logger *slog.Logger

	queues   *queue.Manager
	pendings *pending.Store
	stores   *store.Holder
	events   *eventlog.Log
	tel      *telemetry.Ring
	sched    *scheduler.Scheduler
	router   *intent.Router

	committer *commit.Committer
	drainer   *commit.Drainer
	metrics   http.Handler
}

// NewServer wires the required dependencies and registers all routes.
// Optional components attach through the Set* methods before Start.
func NewServer(cfg config.ServerConfig, queues *queue.Manager, pendings *pending.Store, stores *store.Holder, events *eventlog.Log, tel *telemetry.Ring, sched *scheduler.Scheduler, router *intent.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		logger:   logger.With("component", "api"),
		queues:   queues,
		pendings: pendings,
		stores:   stores,
		events:   events,
		tel:      tel,
		sched:    sched,
		router:   router,
	}
	if cfg.TrustProxy {
		s.echo.IPExtractor = echo.ExtractIPFromXFFHeader()
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// SetCommitter attaches the committer for the test/commit endpoints.
func (s *Server) SetCommitter(c *commit.Committer) { s.committer = c }

// SetDrainer attaches the safety drainer.
func (s *Server) SetDrainer(d *commit.Drainer) { s.drainer = d }

// SetMetricsHandler mounts the Prometheus exposition handler at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// ValidateWiring fails fast on a half-constructed server instead of
// panicking inside a handler at request time.
func (s *Server) ValidateWiring() error {
	switch {
	case s.queues == nil:
		return fmt.Errorf("api: queue manager not wired")
	case s.pendings == nil:
		return fmt.Errorf("api: pending-action store not wired")
	case s.stores == nil:
		return fmt.Errorf("api: store holder not wired")
	case s.events == nil:
		return fmt.Errorf("api: event log not wired")
	case s.tel == nil:
		return fmt.Errorf("api: telemetry ring not wired")
	case s.sched == nil:
		return fmt.Errorf("api: scheduler not wired")
	case s.router == nil:
		return fmt.Errorf("api: intent router not wired")
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(s.recovery())
	s.echo.Use(s.requestLogger())
	s.echo.Use(securityHeaders())
	s.echo.Use(corsHeaders())
}

func (s *Server) setupRoutes() {
	e := s.echo

	// Bridge: projection in, state and pending actions out.
	e.POST("/api/bridge/state", s.postState)
	e.GET("/api/bridge/state", s.getState)
	e.POST("/api/bridge/layout", s.postLayout)
	e.GET("/api/bridge/health", s.bridgeHealth)
	e.GET("/api/bridge/pending-actions", s.leasePendingActions)
	e.POST("/api/bridge/action-completed", s.actionCompleted)
	e.POST("/api/bridge/action-feedback", s.actionFeedback)
	e.POST("/api/bridge/pending-actions/enqueue", s.enqueuePendingActions)
	e.GET("/api/bridge/telemetry", s.bridgeTelemetry)

	// Chat and agent.
	e.POST("/api/ai/chat", s.aiChat)
	e.POST("/api/ai/agent", s.aiAgent)
	e.POST("/api/ai/agent/continue", s.aiAgentContinue)

	// Orchestration queues.
	e.POST("/queue/goals.enqueue", s.goalsEnqueue)
	e.POST("/queue/tasks.pull", s.tasksPull)
	e.POST("/queue/patches.submit", s.patchesSubmit)
	e.POST("/queue/reviews.pull", s.reviewsPull)
	e.POST("/queue/reviews.submit", s.reviewsSubmit)
	e.POST("/commit/apply", s.commitApply)
	e.GET("/queue/metrics", s.queueMetrics)
	e.GET("/queue/peek", s.queuePeek)

	// Scheduler.
	e.POST("/orchestration/scheduler/start", s.schedulerStart)
	e.POST("/orchestration/scheduler/stop", s.schedulerStop)
	e.GET("/orchestration/scheduler/status", s.schedulerStatus)

	// Events and telemetry.
	e.GET("/events/stream", s.eventsStream)
	e.GET("/telemetry", s.telemetrySnapshot)
	e.GET("/telemetry/stream", s.telemetryStream)

	// MCP shim, search, observability.
	e.POST("/api/mcp/request", s.mcpRequest)
	e.GET("/search", s.searchHandler)
	e.GET("/healthz", s.healthz)
	e.GET("/version", s.versionHandler)
	e.GET("/metrics", s.metricsHandler)

	// Acceptance-test helpers.
	e.POST("/test/create-task", s.testCreateTask)
	e.POST("/test/commit-ops", s.testCommitOps)
	e.POST("/queue/patches.approve-next", s.approveNextPatch)
	e.GET("/test/ai/read-store", s.testReadStore)
	e.POST("/test/ai/roundtrip/add-node", s.testRoundtripAddNode)
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.StartWithListener(ln)
}

// StartWithListener serves on a pre-bound listener. The caller owns bind
// retry policy; this just serves.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.http = &http.Server{Handler: s.echo}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "https", s.cfg.UseHTTPS)
	if s.cfg.UseHTTPS {
		return s.http.ServeTLS(ln, s.cfg.SSLCertPath, s.cfg.SSLKeyPath)
	}
	return s.http.Serve(ln)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the echo instance as an http.Handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
