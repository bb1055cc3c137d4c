package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/queue"
	"github.com/vespid-ai/vespid/pkg/store"
)

// ResultSource reads posted remote results. Returns nil when no result has
// arrived yet for the request.
type ResultSource interface {
	GetResult(ctx context.Context, requestID string) (*models.RemoteResult, error)
}

// ContinuationPayload is the payload of a run.continuation job.
type ContinuationPayload struct {
	OrgID     string    `json:"orgId"`
	RunID     string    `json:"runId"`
	RequestID string    `json:"requestId"`
	Deadline  time.Time `json:"deadline"`
}

// scheduleContinuation enqueues the poll job that will resume the run once
// the executor posts a result for requestID.
func (e *Engine) scheduleContinuation(ctx context.Context, run *models.WorkflowRun, requestID string, timeoutMs int) error {
	payload := ContinuationPayload{
		OrgID:     run.OrgID,
		RunID:     run.ID,
		RequestID: requestID,
		Deadline:  time.Now().Add(e.continuationWindow(timeoutMs)),
	}
	err := e.queue.Enqueue(ctx, queue.KindContinuation, "cont-"+requestID, payload, queue.EnqueueOptions{
		MaxAttempts: e.cfg.ContinuationMaxAttempts,
		RunAt:       time.Now().Add(e.cfg.ContinuationPollInterval),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue continuation for request %s: %w", requestID, err)
	}
	return nil
}

// HandleContinuation is the queue handler for run.continuation jobs. It
// polls for the remote result; while the result is absent the job nacks so
// the queue redelivers with backoff, and past the deadline a timeout result
// is synthesized so the node-failure retry policy applies.
func (e *Engine) HandleContinuation(ctx context.Context, job *queue.Job) error {
	var payload ContinuationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode continuation payload: %w", err)
	}
	logger := slog.With("run_id", payload.RunID, "request_id", payload.RequestID)

	run, err := e.store.GetRun(ctx, payload.OrgID, payload.RunID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("Continuation references a missing run, acking")
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status != models.RunBlocked || run.BlockedRequestID != payload.RequestID {
		logger.Debug("Continuation is stale, acking", "status", run.Status)
		return nil
	}

	result, err := e.results.GetResult(ctx, payload.RequestID)
	if err != nil {
		return fmt.Errorf("failed to read remote result: %w", err)
	}
	if result == nil {
		if time.Now().After(payload.Deadline) {
			logger.Warn("Remote result never arrived, synthesizing timeout")
			result = &models.RemoteResult{
				RequestID: payload.RequestID,
				Status:    models.ResultFailed,
				Error:     errs.CodeNodeExecutionTimeout,
			}
		} else {
			return fmt.Errorf("remote result for %s not ready", payload.RequestID)
		}
	}

	return ackSuperseded(e.resume(ctx, run, payload.RequestID, result, logger), logger)
}

// Resume transitions a blocked run back to queued with the remote result
// staged for consumption, and enqueues a fresh run-job. The API's result
// webhook path uses this directly to skip the poll delay.
func (e *Engine) Resume(ctx context.Context, orgID, runID, requestID string, result *models.RemoteResult) error {
	run, err := e.store.GetRun(ctx, orgID, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunBlocked || run.BlockedRequestID != requestID {
		return nil
	}
	return e.resume(ctx, run, requestID, result, slog.With("run_id", runID, "request_id", requestID))
}

func (e *Engine) resume(ctx context.Context, run *models.WorkflowRun, requestID string, result *models.RemoteResult, logger *slog.Logger) error {
	run.Status = models.RunQueued
	run.Runtime.PendingRemoteResult = result
	if err := e.store.SaveRun(ctx, run); err != nil {
		return err
	}

	// The original run-job id is spent; each block resumes under its own id.
	err := e.queue.Enqueue(ctx, queue.KindWorkflowRun, resumeJobID(run.ID, requestID), RunJobPayload{
		OrgID: run.OrgID,
		RunID: run.ID,
	}, queue.EnqueueOptions{MaxAttempts: run.MaxAttempts})
	if err != nil {
		return fmt.Errorf("failed to enqueue resume job: %w", err)
	}
	logger.Info("Run resumed with remote result", "result_status", result.Status)
	return nil
}
