package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/queue"
	"github.com/vespid-ai/vespid/pkg/store"
)

// RunStore is the durable-store surface the engine needs.
type RunStore interface {
	GetRun(ctx context.Context, orgID, runID string) (*models.WorkflowRun, error)
	SaveRun(ctx context.Context, run *models.WorkflowRun, events ...models.RunEvent) error
	GetWorkflow(ctx context.Context, orgID, workflowID string) (*models.Workflow, error)
}

// Dispatcher posts blocked payloads to the gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error)
}

// JobQueue enqueues follow-up jobs. *queue.Queue satisfies it.
type JobQueue interface {
	Enqueue(ctx context.Context, kind, id string, payload any, opts queue.EnqueueOptions) error
}

// RunJobPayload is the payload of a workflow.run job.
type RunJobPayload struct {
	OrgID string `json:"orgId"`
	RunID string `json:"runId"`
}

// Engine advances workflow runs one node at a time, checkpointing after
// every node so effects happen exactly once across redeliveries.
type Engine struct {
	store    RunStore
	registry *Registry
	queue    JobQueue
	gateway  Dispatcher
	results  ResultSource
	cfg      *config.EngineConfig
}

// NewEngine wires the engine.
func NewEngine(st RunStore, registry *Registry, q JobQueue, gw Dispatcher, results ResultSource, cfg *config.EngineConfig) *Engine {
	return &Engine{store: st, registry: registry, queue: q, gateway: gw, results: results, cfg: cfg}
}

// HandleRunJob is the queue handler for workflow.run jobs. Redeliveries of
// runs in a non-claimable state ack without work.
func (e *Engine) HandleRunJob(ctx context.Context, job *queue.Job) error {
	var payload RunJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode run job payload: %w", err)
	}
	logger := slog.With("run_id", payload.RunID, "org_id", payload.OrgID)

	run, err := e.store.GetRun(ctx, payload.OrgID, payload.RunID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("Run job references a missing run, acking")
		return nil
	}
	if err != nil {
		return err
	}
	if !run.Status.Claimable() {
		logger.Debug("Run not claimable, acking redelivery", "status", run.Status)
		return nil
	}

	wf, err := e.store.GetWorkflow(ctx, payload.OrgID, run.WorkflowID)
	if err != nil {
		return err
	}
	dsl, err := ParseDSL(wf.DSL)
	if err != nil {
		return e.failNode(ctx, run, models.Node{}, nil, err, logger)
	}

	run.Status = models.RunRunning
	run.AttemptCount++
	run.BlockedRequestID = ""
	if err := e.store.SaveRun(ctx, run, e.runEvent(run, models.EventRunStarted, models.LevelInfo, "")); err != nil {
		return ackSuperseded(err, logger)
	}
	logger.Info("Run started", "attempt", run.AttemptCount)

	if err := e.advance(ctx, run, dsl.Graph, logger); err != nil {
		return ackSuperseded(err, logger)
	}
	return nil
}

// ackSuperseded turns a checkpoint conflict into an ack: the run reached a
// terminal status concurrently (cancel) and this worker's progress is moot.
func ackSuperseded(err error, logger *slog.Logger) error {
	if errors.Is(err, store.ErrConflict) {
		logger.Info("Run superseded during execution, acking")
		return nil
	}
	return err
}

// advance executes ready nodes until the frontier drains, a node blocks or
// fails, or the worker slice expires.
func (e *Engine) advance(ctx context.Context, run *models.WorkflowRun, g *models.Graph, logger *slog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker slice expired: %w", err)
		}
		if cancelled, err := e.checkCancelled(ctx, run); err != nil {
			return err
		} else if cancelled {
			logger.Info("Run cancelled, stopping between nodes")
			return nil
		}

		f := computeFrontier(g, &run.Output)

		if len(f.Skipped) > 0 {
			var events []models.RunEvent
			for _, id := range f.Skipped {
				run.Output.Steps = append(run.Output.Steps, models.StepResult{
					NodeID: id, NodeType: g.Nodes[id].Type, Skipped: true,
				})
				events = append(events, e.nodeEvent(run, g.Nodes[id], models.EventNodeSkipped, models.LevelInfo, "", nil))
			}
			run.CursorNodeIndex = len(run.Output.Steps)
			if err := e.store.SaveRun(ctx, run, events...); err != nil {
				return err
			}
			continue
		}

		if len(f.Ready) == 0 {
			if !allResolved(g, &run.Output) {
				return e.failNode(ctx, run, models.Node{}, nil,
					errs.New(errs.CodeNodeExecutionFailed, "frontier stalled with unresolved nodes"), logger)
			}
			run.Status = models.RunSucceeded
			run.Frontier = nil
			if err := e.store.SaveRun(ctx, run, e.runEvent(run, models.EventRunSucceeded, models.LevelInfo, "")); err != nil {
				return err
			}
			logger.Info("Run succeeded", "steps", len(run.Output.Steps))
			return nil
		}

		run.Frontier = f.Ready
		node := g.Nodes[f.Ready[0]]

		if err := e.store.SaveRun(ctx, run, e.nodeEvent(run, node, models.EventNodeStarted, models.LevelInfo, "", nil)); err != nil {
			return err
		}

		res, loopEvents, err := e.executeNode(ctx, run, node)
		if err != nil {
			return e.failNode(ctx, run, node, loopEvents, err, logger)
		}

		if res.Status == StatusBlocked {
			proceed, err := e.dispatchBlocked(ctx, run, node, res.Block, loopEvents, logger)
			if err != nil || !proceed {
				return err
			}
			continue
		}

		run.Output.Steps = append(run.Output.Steps, models.StepResult{
			NodeID: node.ID, NodeType: node.Type, Output: res.Output,
		})
		run.CursorNodeIndex = len(run.Output.Steps)
		events := append(loopEvents, e.nodeEvent(run, node, models.EventNodeSucceeded, models.LevelInfo, "", res.Output))
		if err := e.store.SaveRun(ctx, run, events...); err != nil {
			return err
		}
	}
}

// executeNode invokes the node's executor. The pending remote result, if
// any, is consumed by exactly this execution.
func (e *Engine) executeNode(ctx context.Context, run *models.WorkflowRun, node models.Node) (*NodeResult, []models.RunEvent, error) {
	ex, ok := e.registry.Get(node.Type)
	if !ok {
		return nil, nil, errs.Newf(errs.CodeInvalidNodeConfig, "unknown node type %q", node.Type)
	}

	var loopEvents []models.RunEvent
	in := &NodeInput{
		OrgID:               run.OrgID,
		Run:                 run,
		Node:                node,
		Steps:               run.Output.Steps,
		RunInput:            run.Input,
		Runtime:             &run.Runtime,
		PendingRemoteResult: run.Runtime.PendingRemoteResult,
		Emit: func(eventType string, payload json.RawMessage) {
			loopEvents = append(loopEvents, e.nodeEvent(run, node, eventType, models.LevelInfo, "", payload))
		},
	}

	// agent.run bounds itself via its loop timeout.
	nodeCtx := ctx
	if node.Type != models.NodeKindAgentRun {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, e.cfg.NodeTimeout)
		defer cancel()
	}

	res, err := ex.Execute(nodeCtx, in)
	run.Runtime.PendingRemoteResult = nil
	if err != nil {
		return nil, loopEvents, err
	}
	return res, loopEvents, nil
}

// dispatchBlocked persists the blocked checkpoint, hands the payload to the
// gateway and schedules the continuation poll. An inline gateway result
// short-circuits: the run stays running and the node re-executes against
// the result immediately (proceed=true).
func (e *Engine) dispatchBlocked(ctx context.Context, run *models.WorkflowRun, node models.Node, block *BlockRequest, loopEvents []models.RunEvent, logger *slog.Logger) (bool, error) {
	requestID := uuid.NewString()
	run.Status = models.RunBlocked
	run.BlockedRequestID = requestID

	dispatchInfo, _ := json.Marshal(map[string]string{"requestId": requestID, "kind": block.Kind})
	events := append(loopEvents, e.nodeEvent(run, node, models.EventNodeDispatched, models.LevelInfo, "", dispatchInfo))
	if err := e.store.SaveRun(ctx, run, events...); err != nil {
		return false, err
	}

	resp, err := e.gateway.Dispatch(ctx, &models.DispatchRequest{
		RequestID: requestID,
		OrgID:     run.OrgID,
		Kind:      block.Kind,
		Payload:   block.Payload,
		Selector:  block.Selector,
		TimeoutMs: block.TimeoutMs,
	})
	if err != nil {
		return false, e.failNode(ctx, run, node, nil, err, logger)
	}

	switch resp.Status {
	case models.ResultSucceeded, models.ResultFailed:
		// Inline result: consume it without leaving the slice.
		run.Status = models.RunRunning
		run.BlockedRequestID = ""
		run.Runtime.PendingRemoteResult = &models.RemoteResult{
			RequestID: requestID,
			Status:    resp.Status,
			Output:    resp.Output,
			Error:     resp.Error,
		}
		if err := e.store.SaveRun(ctx, run); err != nil {
			return false, err
		}
		return true, nil

	case models.StatusDispatched:
		if err := e.scheduleContinuation(ctx, run, requestID, block.TimeoutMs); err != nil {
			return false, err
		}
		logger.Info("Run blocked on remote execution", "request_id", requestID, "kind", block.Kind)
		return false, nil

	default:
		return false, e.failNode(ctx, run, node, nil,
			errs.Newf(errs.CodeGatewayRespInvalid, "unknown dispatch status %q", resp.Status), logger)
	}
}

// failNode applies the retry policy to a failed node: within the attempt
// budget the run transitions to queued_for_retry and the error is rethrown
// so the queue applies its backoff; past it the run fails terminally.
func (e *Engine) failNode(ctx context.Context, run *models.WorkflowRun, node models.Node, loopEvents []models.RunEvent, cause error, logger *slog.Logger) error {
	code := errs.CodeOf(cause)
	run.Error = code

	var events []models.RunEvent
	if node.ID != "" {
		events = append(loopEvents, e.nodeEvent(run, node, models.EventNodeFailed, models.LevelError, cause.Error(), nil))
	}

	if errs.Retryable(cause) && run.AttemptCount < run.MaxAttempts {
		run.Status = models.RunQueuedForRetry
		run.BlockedRequestID = ""
		events = append(events, e.runEvent(run, models.EventRunRetried, models.LevelWarn, code))
		if err := e.store.SaveRun(ctx, run, events...); err != nil {
			return err
		}
		logger.Warn("Node failed, queued for retry",
			"node_id", node.ID, "attempt", run.AttemptCount, "error", code)
		return fmt.Errorf("node %s failed on attempt %d: %w", node.ID, run.AttemptCount, cause)
	}

	run.Status = models.RunFailed
	run.BlockedRequestID = ""
	run.Output.FailedNodeID = node.ID
	failure, _ := json.Marshal(map[string]any{
		"error":        code,
		"nodeId":       node.ID,
		"attemptCount": run.AttemptCount,
	})
	events = append(events, models.RunEvent{
		RunID: run.ID, OrgID: run.OrgID, Attempt: run.AttemptCount,
		EventType: models.EventRunFailed, Level: models.LevelError,
		Message: code, Payload: failure,
	})
	if err := e.store.SaveRun(ctx, run, events...); err != nil {
		return err
	}
	logger.Error("Run failed", "node_id", node.ID, "error", code)
	return nil
}

// checkCancelled reads the cancellation marker written by the API.
func (e *Engine) checkCancelled(ctx context.Context, run *models.WorkflowRun) (bool, error) {
	fresh, err := e.store.GetRun(ctx, run.OrgID, run.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return fresh.Status == models.RunFailed && fresh.Error == errs.CodeCancelled, nil
}

func (e *Engine) runEvent(run *models.WorkflowRun, eventType, level, message string) models.RunEvent {
	return models.RunEvent{
		RunID: run.ID, OrgID: run.OrgID, Attempt: run.AttemptCount,
		EventType: eventType, Level: level, Message: message,
	}
}

func (e *Engine) nodeEvent(run *models.WorkflowRun, node models.Node, eventType, level, message string, payload json.RawMessage) models.RunEvent {
	return models.RunEvent{
		RunID: run.ID, OrgID: run.OrgID, Seq: 0,
		NodeID: node.ID, NodeType: node.Type, Attempt: run.AttemptCount,
		EventType: eventType, Level: level, Message: message, Payload: payload,
	}
}

// EnqueueRun enqueues the run-job for a run; the run id is the idempotency
// key, so double enqueue yields a single execution.
func EnqueueRun(ctx context.Context, q JobQueue, run *models.WorkflowRun) error {
	return q.Enqueue(ctx, queue.KindWorkflowRun, run.ID, RunJobPayload{
		OrgID: run.OrgID,
		RunID: run.ID,
	}, queue.EnqueueOptions{MaxAttempts: run.MaxAttempts})
}

// resumeJobID names the run-job created for a continuation resume. The
// original run-job id (the run id) is already spent, so each block gets its
// own resume job keyed by request id.
func resumeJobID(runID, requestID string) string {
	return fmt.Sprintf("%s-resume-%s", runID, requestID)
}

// continuationWindow bounds how long continuation polls for a result
// before synthesizing a timeout.
func (e *Engine) continuationWindow(timeoutMs int) time.Duration {
	if timeoutMs > 0 {
		return time.Duration(timeoutMs)*time.Millisecond + 30*time.Second
	}
	return time.Duration(e.cfg.ContinuationMaxAttempts) * e.cfg.ContinuationPollInterval
}
