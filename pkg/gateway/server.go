package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

// ErrorResponse is the JSON error body returned by gateway endpoints.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server is the gateway HTTP surface: the executor and client WebSocket
// endpoints plus the internal dispatch API.
type Server struct {
	cfg        *config.GatewayConfig
	dispatcher *Dispatcher
	executors  *ExecutorManager
	clients    *ClientManager
	httpServer *http.Server
}

// NewServer wires the gateway server on the given listen address.
func NewServer(cfg *config.GatewayConfig, dispatcher *Dispatcher, executors *ExecutorManager, clients *ClientManager, addr string) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		executors:  executors,
		clients:    clients,
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/healthz", s.healthHandler)
	e.GET("/ws/executor", s.executorWSHandler)
	e.GET("/ws/client", s.clientWSHandler)
	e.POST("/internal/v1/dispatch", s.dispatchHandler, s.requireGatewayToken)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Gateway server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requireGatewayToken guards the internal dispatch endpoint with the shared
// x-gateway-token secret.
func (s *Server) requireGatewayToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.cfg.Token == "" {
			return c.JSON(http.StatusServiceUnavailable, &ErrorResponse{
				Code:    errs.CodeGatewayNotConfigured,
				Message: "gateway token not configured",
			})
		}
		token := c.Request().Header.Get("x-gateway-token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			return c.JSON(http.StatusUnauthorized, &ErrorResponse{
				Code:    errs.CodeGatewayUnavailable,
				Message: "invalid gateway token",
			})
		}
		return next(c)
	}
}

// dispatchHandler handles POST /internal/v1/dispatch.
func (s *Server) dispatchHandler(c *echo.Context) error {
	var req models.DispatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{
			Code:    errs.CodeGatewayRespInvalid,
			Message: "malformed dispatch request",
		})
	}

	resp, err := s.dispatcher.Dispatch(c.Request().Context(), &req)
	if err != nil {
		return c.JSON(dispatchErrorStatus(err), &ErrorResponse{
			Code:    errs.CodeOf(err),
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// dispatchErrorStatus maps dispatch failures onto HTTP statuses. No
// available executor is a 503 by contract.
func dispatchErrorStatus(err error) int {
	switch {
	case errs.Is(err, errs.CodeNoAgentAvailable), errs.Is(err, errs.CodePinnedAgentOffline):
		return http.StatusServiceUnavailable
	case errs.Is(err, errs.CodeOrgQuotaExceeded), errs.Is(err, errs.CodeExecutorOverCapacity):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// executorWSHandler upgrades the executor socket and hands it to the
// ExecutorManager. Blocks until the connection closes.
func (s *Server) executorWSHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.executors.HandleConnection(c.Request().Context(), conn)
	return nil
}

// clientWSHandler upgrades the client session socket. The org comes from
// the x-org-id header; bearer auth itself is handled upstream.
func (s *Server) clientWSHandler(c *echo.Context) error {
	orgID := c.Request().Header.Get("x-org-id")
	if orgID == "" {
		orgID = c.QueryParam("orgId")
	}
	if orgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "x-org-id header required")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.clients.HandleConnection(c.Request().Context(), conn, orgID)
	return nil
}

// healthHandler reports liveness; executor connectivity is informational.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "healthy",
	})
}
