// Package api serves the control plane: workflow and subscription
// management, run triggering and inspection, interactive sessions and
// health. Every resource is org-scoped through the x-org-id header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/queue"
	"github.com/vespid-ai/vespid/pkg/store"
	"github.com/vespid-ai/vespid/pkg/workflow"
)

// Store is the persistence surface the control plane needs. *store.Store
// satisfies it.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, orgID, workflowID string) (*models.Workflow, error)
	UpdateWorkflowDSL(ctx context.Context, orgID, workflowID string, dsl json.RawMessage) error
	PublishWorkflow(ctx context.Context, orgID, workflowID string) (*models.Workflow, error)

	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	GetRun(ctx context.Context, orgID, runID string) (*models.WorkflowRun, error)
	SaveRun(ctx context.Context, run *models.WorkflowRun, events ...models.RunEvent) error
	DeleteQueuedRun(ctx context.Context, orgID, runID string) error
	ListRunEvents(ctx context.Context, orgID, runID string, afterSeq int) ([]models.RunEvent, error)

	CreateSubscription(ctx context.Context, sub *models.TriggerSubscription) error
	GetSubscription(ctx context.Context, orgID, subID string) (*models.TriggerSubscription, error)
}

// SessionService is the interactive-session surface. *session.Core
// satisfies it.
type SessionService interface {
	Create(ctx context.Context, orgID, engineID, model string) (*models.AgentSession, error)
	Close(ctx context.Context, orgID, sessionID string) error
	Join(ctx context.Context, orgID, sessionID string, afterSeq int) (*models.AgentSession, []*models.SessionEvent, error)
}

// ErrorResponse is the JSON error body returned by API endpoints.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server is the control-plane HTTP surface.
type Server struct {
	cfg        *config.ServerConfig
	engineCfg  *config.EngineConfig
	store      Store
	queue      workflow.JobQueue
	sessions   SessionService
	pool       *queue.WorkerPool
	httpServer *http.Server
}

// NewServer wires the control-plane server. pool may be nil when the API
// runs without an in-process worker fleet; health then omits worker stats.
func NewServer(cfg *config.ServerConfig, engineCfg *config.EngineConfig, st Store, q workflow.JobQueue, sessions SessionService, pool *queue.WorkerPool) *Server {
	s := &Server{
		cfg:       cfg,
		engineCfg: engineCfg,
		store:     st,
		queue:     q,
		sessions:  sessions,
		pool:      pool,
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/api/v1/health", s.healthHandler)

	g := e.Group("/api/v1", s.requireOrg)
	g.POST("/workflows", s.createWorkflowHandler)
	g.GET("/workflows/:id", s.getWorkflowHandler)
	g.PUT("/workflows/:id", s.updateWorkflowHandler)
	g.POST("/workflows/:id/publish", s.publishWorkflowHandler)
	g.POST("/workflows/:id/runs", s.triggerRunHandler)
	g.GET("/runs/:id", s.getRunHandler)
	g.GET("/runs/:id/events", s.listRunEventsHandler)
	g.POST("/runs/:id/cancel", s.cancelRunHandler)
	g.POST("/subscriptions", s.createSubscriptionHandler)
	g.GET("/subscriptions/:id", s.getSubscriptionHandler)
	g.POST("/sessions", s.createSessionHandler)
	g.GET("/sessions/:id", s.getSessionHandler)
	g.POST("/sessions/:id/close", s.closeSessionHandler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("API server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// healthHandler reports liveness plus worker-fleet stats when a pool is
// attached.
func (s *Server) healthHandler(c *echo.Context) error {
	body := map[string]any{"status": "healthy"}
	if s.pool != nil {
		body["workers"] = s.pool.Health()
	}
	return c.JSON(http.StatusOK, body)
}

// Generic resource error codes. Domain codes from pkg/errs pass through
// untouched.
const (
	codeNotFound = "NOT_FOUND"
	codeConflict = "CONFLICT"
	codeInternal = "INTERNAL"
)

// jsonError writes the standard error body.
func jsonError(c *echo.Context, status int, code, message string) error {
	return c.JSON(status, &ErrorResponse{Code: code, Message: message})
}

// storeError maps store failures onto HTTP error responses.
func storeError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return jsonError(c, http.StatusNotFound, codeNotFound, "resource not found")
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict):
		return jsonError(c, http.StatusConflict, codeConflict, err.Error())
	default:
		slog.Error("Unexpected store error", "error", err)
		return jsonError(c, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
