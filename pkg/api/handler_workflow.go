package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/store"
	"github.com/vespid-ai/vespid/pkg/workflow"
)

// CreateWorkflowRequest is the body of POST /api/v1/workflows.
type CreateWorkflowRequest struct {
	Name string          `json:"name"`
	DSL  json.RawMessage `json:"dsl"`
}

// UpdateWorkflowRequest is the body of PUT /api/v1/workflows/:id.
type UpdateWorkflowRequest struct {
	DSL json.RawMessage `json:"dsl"`
}

// createWorkflowHandler handles POST /api/v1/workflows. The DSL must parse;
// full static validation waits until publish so drafts can be saved
// half-finished.
func (s *Server) createWorkflowHandler(c *echo.Context) error {
	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if _, err := workflow.ParseDSL(req.DSL); err != nil {
		return jsonError(c, http.StatusBadRequest, errs.CodeOf(err), err.Error())
	}

	wf := &models.Workflow{
		ID:     uuid.NewString(),
		OrgID:  orgID(c),
		Name:   req.Name,
		Status: models.WorkflowDraft,
		DSL:    req.DSL,
	}
	if err := s.store.CreateWorkflow(c.Request().Context(), wf); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

// getWorkflowHandler handles GET /api/v1/workflows/:id.
func (s *Server) getWorkflowHandler(c *echo.Context) error {
	wf, err := s.store.GetWorkflow(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// updateWorkflowHandler handles PUT /api/v1/workflows/:id. Only drafts are
// mutable; a published workflow's DSL is frozen within its revision.
func (s *Server) updateWorkflowHandler(c *echo.Context) error {
	var req UpdateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if _, err := workflow.ParseDSL(req.DSL); err != nil {
		return jsonError(c, http.StatusBadRequest, errs.CodeOf(err), err.Error())
	}

	ctx := c.Request().Context()
	org := orgID(c)
	workflowID := c.Param("id")
	if err := s.store.UpdateWorkflowDSL(ctx, org, workflowID, req.DSL); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return jsonError(c, http.StatusConflict, codeConflict,
				"workflow is published; its dsl is immutable")
		}
		return storeError(c, err)
	}

	wf, err := s.store.GetWorkflow(ctx, org, workflowID)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// publishWorkflowHandler handles POST /api/v1/workflows/:id/publish. The
// graph must pass static validation before a revision goes live.
func (s *Server) publishWorkflowHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	org := orgID(c)
	workflowID := c.Param("id")

	wf, err := s.store.GetWorkflow(ctx, org, workflowID)
	if err != nil {
		return storeError(c, err)
	}

	dsl, err := workflow.ParseDSL(wf.DSL)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, errs.CodeOf(err), err.Error())
	}
	if err := workflow.Validate(dsl); err != nil {
		return jsonError(c, http.StatusBadRequest, errs.CodeOf(err), err.Error())
	}

	published, err := s.store.PublishWorkflow(ctx, org, workflowID)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, published)
}
