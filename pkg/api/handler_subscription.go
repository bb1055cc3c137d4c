package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/scheduler"
)

// CreateSubscriptionRequest is the body of POST /api/v1/subscriptions.
// Durations are milliseconds on the wire.
type CreateSubscriptionRequest struct {
	WorkflowID          string `json:"workflowId"`
	Type                string `json:"type"`
	CronExpr            string `json:"cronExpr,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs,omitempty"`
	HeartbeatJitterMs   int64  `json:"heartbeatJitterMs,omitempty"`
	MaxSkewMs           int64  `json:"maxSkewMs,omitempty"`
}

// createSubscriptionHandler handles POST /api/v1/subscriptions. Cron
// expressions are validated here so the scheduler's poll loop never meets a
// fresh broken one.
func (s *Server) createSubscriptionHandler(c *echo.Context) error {
	var req CreateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	ctx := c.Request().Context()
	org := orgID(c)

	if _, err := s.store.GetWorkflow(ctx, org, req.WorkflowID); err != nil {
		return storeError(c, err)
	}

	switch req.Type {
	case models.TriggerCron:
		if err := scheduler.ValidateCron(req.CronExpr); err != nil {
			return jsonError(c, http.StatusBadRequest, errs.CodeOf(err), err.Error())
		}
	case models.TriggerHeartbeat:
		if req.HeartbeatIntervalMs <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "heartbeatIntervalMs must be positive")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "type must be cron or heartbeat")
	}

	sub := &models.TriggerSubscription{
		ID:                uuid.NewString(),
		OrgID:             org,
		WorkflowID:        req.WorkflowID,
		Type:              req.Type,
		CronExpr:          req.CronExpr,
		HeartbeatInterval: time.Duration(req.HeartbeatIntervalMs) * time.Millisecond,
		HeartbeatJitter:   time.Duration(req.HeartbeatJitterMs) * time.Millisecond,
		MaxSkew:           time.Duration(req.MaxSkewMs) * time.Millisecond,
		Enabled:           true,
	}

	next, err := scheduler.InitialNextFire(sub, time.Now())
	if err != nil {
		return jsonError(c, http.StatusBadRequest, errs.CodeOf(err), err.Error())
	}
	sub.NextFireAt = &next

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusCreated, sub)
}

// getSubscriptionHandler handles GET /api/v1/subscriptions/:id.
func (s *Server) getSubscriptionHandler(c *echo.Context) error {
	sub, err := s.store.GetSubscription(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}
