package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vespid-ai/vespid/pkg/models"
)

// CreateWorkflow inserts a draft workflow.
func (s *Store) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (id, org_id, name, status, revision, dsl)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		wf.ID, wf.OrgID, wf.Name, wf.Status, wf.Revision, []byte(wf.DSL))
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a workflow within the org scope.
func (s *Store) GetWorkflow(ctx context.Context, orgID, workflowID string) (*models.Workflow, error) {
	var wf models.Workflow
	var dsl []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, name, status, revision, dsl, created_at, updated_at
		FROM workflows WHERE org_id = $1 AND id = $2`,
		orgID, workflowID).
		Scan(&wf.ID, &wf.OrgID, &wf.Name, &wf.Status, &wf.Revision, &dsl,
			&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	wf.DSL = json.RawMessage(dsl)
	return &wf, nil
}

// UpdateWorkflowDSL replaces the DSL of a draft workflow. Published
// workflows are immutable within a revision; updating one fails.
func (s *Store) UpdateWorkflowDSL(ctx context.Context, orgID, workflowID string, dsl json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET dsl = $3, updated_at = now()
		WHERE org_id = $1 AND id = $2 AND status = 'draft'`,
		orgID, workflowID, []byte(dsl))
	if err != nil {
		return fmt.Errorf("failed to update workflow dsl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// PublishWorkflow marks a workflow published, bumping its revision.
func (s *Store) PublishWorkflow(ctx context.Context, orgID, workflowID string) (*models.Workflow, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET status = 'published', revision = revision + 1, updated_at = now()
		WHERE org_id = $1 AND id = $2`,
		orgID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to publish workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetWorkflow(ctx, orgID, workflowID)
}
