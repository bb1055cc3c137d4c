package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/vespid-ai/vespid/pkg/models"
)

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	EngineID string `json:"engineId,omitempty"`
	Model    string `json:"model"`
}

// SessionResponse is the body of GET /api/v1/sessions/:id.
type SessionResponse struct {
	Session *models.AgentSession   `json:"session"`
	Events  []*models.SessionEvent `json:"events"`
}

// createSessionHandler handles POST /api/v1/sessions. Messages then flow
// over the client WebSocket; this endpoint only opens the session.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "model is required")
	}

	sess, err := s.sessions.Create(c.Request().Context(), orgID(c), req.EngineID, req.Model)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// getSessionHandler handles GET /api/v1/sessions/:id: the session plus its
// event stream after after_seq, the same catch-up the WebSocket join does.
func (s *Server) getSessionHandler(c *echo.Context) error {
	afterSeq := 0
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "after_seq must be an integer")
		}
		afterSeq = n
	}

	sess, events, err := s.sessions.Join(c.Request().Context(), orgID(c), c.Param("id"), afterSeq)
	if err != nil {
		return storeError(c, err)
	}
	if events == nil {
		events = []*models.SessionEvent{}
	}
	return c.JSON(http.StatusOK, &SessionResponse{Session: sess, Events: events})
}

// closeSessionHandler handles POST /api/v1/sessions/:id/close.
func (s *Server) closeSessionHandler(c *echo.Context) error {
	if err := s.sessions.Close(c.Request().Context(), orgID(c), c.Param("id")); err != nil {
		return storeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
