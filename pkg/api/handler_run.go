package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/workflow"
)

// TriggerRunRequest is the body of POST /api/v1/workflows/:id/runs.
type TriggerRunRequest struct {
	Input       json.RawMessage `json:"input,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
}

// triggerRunHandler handles POST /api/v1/workflows/:id/runs: a manual
// trigger. If the run-job cannot be enqueued the queued row is deleted
// again, so a retry of the request starts from a clean slate.
func (s *Server) triggerRunHandler(c *echo.Context) error {
	var req TriggerRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	ctx := c.Request().Context()
	org := orgID(c)

	wf, err := s.store.GetWorkflow(ctx, org, c.Param("id"))
	if err != nil {
		return storeError(c, err)
	}
	if wf.Status != models.WorkflowPublished {
		return jsonError(c, http.StatusConflict, codeConflict, "workflow is not published")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = s.engineCfg.DefaultMaxAttempts
	}

	run := &models.WorkflowRun{
		ID:          uuid.NewString(),
		OrgID:       org,
		WorkflowID:  wf.ID,
		Status:      models.RunQueued,
		MaxAttempts: maxAttempts,
		Input:       req.Input,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return storeError(c, err)
	}

	if err := workflow.EnqueueRun(ctx, s.queue, run); err != nil {
		if delErr := s.store.DeleteQueuedRun(ctx, org, run.ID); delErr != nil {
			slog.Error("Failed to delete stranded queued run",
				"run_id", run.ID, "error", delErr)
		}
		slog.Error("Run queue unavailable", "workflow_id", wf.ID, "error", err)
		return jsonError(c, http.StatusServiceUnavailable, errs.CodeQueueUnavailable,
			"run queue unavailable, no run was started")
	}
	return c.JSON(http.StatusAccepted, run)
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *echo.Context) error {
	run, err := s.store.GetRun(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// listRunEventsHandler handles GET /api/v1/runs/:id/events. after_seq lets
// clients page through the stream incrementally.
func (s *Server) listRunEventsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	org := orgID(c)
	runID := c.Param("id")

	if _, err := s.store.GetRun(ctx, org, runID); err != nil {
		return storeError(c, err)
	}

	afterSeq := 0
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "after_seq must be an integer")
		}
		afterSeq = n
	}

	events, err := s.store.ListRunEvents(ctx, org, runID, afterSeq)
	if err != nil {
		return storeError(c, err)
	}
	if events == nil {
		events = []models.RunEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// cancelRunHandler handles POST /api/v1/runs/:id/cancel. Cancellation wins
// over in-flight work: the terminal write here makes any concurrent engine
// checkpoint fail its conditional update, and the worker drops the run.
func (s *Server) cancelRunHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	org := orgID(c)

	run, err := s.store.GetRun(ctx, org, c.Param("id"))
	if err != nil {
		return storeError(c, err)
	}
	if run.Status.Terminal() {
		return jsonError(c, http.StatusConflict, codeConflict, "run already finished")
	}

	run.Status = models.RunFailed
	run.Error = errs.CodeCancelled

	payload, _ := json.Marshal(map[string]string{"error": errs.CodeCancelled})
	err = s.store.SaveRun(ctx, run, models.RunEvent{
		RunID:     run.ID,
		OrgID:     run.OrgID,
		Attempt:   run.AttemptCount,
		EventType: models.EventRunFailed,
		Level:     models.LevelWarn,
		Message:   "run cancelled",
		Payload:   payload,
	})
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
