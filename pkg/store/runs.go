package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vespid-ai/vespid/pkg/models"
)

const runColumns = `id, org_id, workflow_id, status, attempt_count, max_attempts,
	cursor_node_index, frontier, blocked_request_id, runtime, output, input,
	trigger_key, triggered_at, error, created_at, updated_at`

// CreateRun inserts a new run. When the run carries a trigger key and the
// slot already fired, the unique constraint rejects the insert and
// ErrDuplicate is returned — the caller treats it as duplicate=true.
func (s *Store) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	frontier, runtime, output, err := marshalRunState(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_runs
			(id, org_id, workflow_id, status, attempt_count, max_attempts,
			 cursor_node_index, frontier, blocked_request_id, runtime, output,
			 input, trigger_key, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12,
			NULLIF($13, ''), $14)`,
		run.ID, run.OrgID, run.WorkflowID, run.Status, run.AttemptCount,
		run.MaxAttempts, run.CursorNodeIndex, frontier, run.BlockedRequestID,
		runtime, output, run.Input, run.TriggerKey, run.TriggeredAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun loads a run within the org scope.
func (s *Store) GetRun(ctx context.Context, orgID, runID string) (*models.WorkflowRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE org_id = $1 AND id = $2`,
		orgID, runID)
	return scanRun(row)
}

// SaveRun persists every mutable field of the run and appends the given
// events in the same transaction. Event seq numbers are assigned under the
// run's row lock, so events stay totally ordered per run. Runs already in a
// terminal status are never overwritten (a concurrent cancel wins over an
// in-flight checkpoint); ErrConflict is returned instead.
func (s *Store) SaveRun(ctx context.Context, run *models.WorkflowRun, events ...models.RunEvent) error {
	frontier, runtime, output, err := marshalRunState(run)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_runs SET
				status = $3, attempt_count = $4, cursor_node_index = $5,
				frontier = $6, blocked_request_id = NULLIF($7, ''),
				runtime = $8, output = $9, error = NULLIF($10, ''),
				updated_at = now()
			WHERE org_id = $1 AND id = $2
				AND status NOT IN ('succeeded', 'failed')`,
			run.OrgID, run.ID, run.Status, run.AttemptCount,
			run.CursorNodeIndex, frontier, run.BlockedRequestID, runtime,
			output, run.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		return appendRunEvents(ctx, tx, run, events)
	})
}

// DeleteQueuedRun removes a freshly created queued run. Used by the
// scheduler to compensate when enqueueing the run-job fails, so the next
// tick can retry the slot cleanly.
func (s *Store) DeleteQueuedRun(ctx context.Context, orgID, runID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_runs
		WHERE org_id = $1 AND id = $2 AND status = 'queued'`,
		orgID, runID)
	if err != nil {
		return fmt.Errorf("failed to delete queued run: %w", err)
	}
	return nil
}

// ListRunEvents returns a run's events after the given seq, in order.
func (s *Store) ListRunEvents(ctx context.Context, orgID, runID string, afterSeq int) ([]models.RunEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, org_id, seq, node_id, node_type, attempt, event_type,
			level, message, payload, created_at
		FROM workflow_run_events
		WHERE org_id = $1 AND run_id = $2 AND seq > $3
		ORDER BY seq`,
		orgID, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query run events: %w", err)
	}
	defer rows.Close()

	var events []models.RunEvent
	for rows.Next() {
		var ev models.RunEvent
		var nodeID, nodeType, message *string
		if err := rows.Scan(&ev.RunID, &ev.OrgID, &ev.Seq, &nodeID, &nodeType,
			&ev.Attempt, &ev.EventType, &ev.Level, &message, &ev.Payload,
			&ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		ev.NodeID = deref(nodeID)
		ev.NodeType = deref(nodeType)
		ev.Message = deref(message)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// appendRunEvents assigns sequence numbers and inserts events. Must run in
// the same transaction as the state transition that produced them.
func appendRunEvents(ctx context.Context, tx pgx.Tx, run *models.WorkflowRun, events []models.RunEvent) error {
	if len(events) == 0 {
		return nil
	}
	var next int
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM workflow_run_events WHERE run_id = $1`,
		run.ID).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to compute next event seq: %w", err)
	}
	for i := range events {
		ev := &events[i]
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_run_events
				(run_id, org_id, seq, node_id, node_type, attempt, event_type,
				 level, message, payload)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8,
				NULLIF($9, ''), $10)`,
			run.ID, run.OrgID, next+i, ev.NodeID, ev.NodeType, ev.Attempt,
			ev.EventType, ev.Level, ev.Message, ev.Payload,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run event: %w", err)
		}
	}
	return nil
}

// CountRunningRuns returns the number of runs currently executing. Used for
// the global concurrency check before claiming work.
func (s *Store) CountRunningRuns(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_runs WHERE status = 'running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running runs: %w", err)
	}
	return n, nil
}

func marshalRunState(run *models.WorkflowRun) (frontier, runtime, output []byte, err error) {
	if len(run.Frontier) > 0 {
		if frontier, err = json.Marshal(run.Frontier); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal frontier: %w", err)
		}
	}
	if runtime, err = json.Marshal(run.Runtime); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal runtime: %w", err)
	}
	if output, err = json.Marshal(run.Output); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	return frontier, runtime, output, nil
}

func scanRun(row pgx.Row) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	var frontier, runtime, output []byte
	var blockedReqID, triggerKey, runErr *string
	err := row.Scan(&run.ID, &run.OrgID, &run.WorkflowID, &run.Status,
		&run.AttemptCount, &run.MaxAttempts, &run.CursorNodeIndex, &frontier,
		&blockedReqID, &runtime, &output, &run.Input, &triggerKey,
		&run.TriggeredAt, &runErr, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.BlockedRequestID = deref(blockedReqID)
	run.TriggerKey = deref(triggerKey)
	run.Error = deref(runErr)
	if len(frontier) > 0 {
		if err := json.Unmarshal(frontier, &run.Frontier); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frontier: %w", err)
		}
	}
	if len(runtime) > 0 {
		if err := json.Unmarshal(runtime, &run.Runtime); err != nil {
			return nil, fmt.Errorf("failed to unmarshal runtime: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &run.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	return &run, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
