package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

// taskSender delivers task frames to connected executors. Implemented by
// ExecutorManager; faked in tests.
type taskSender interface {
	SendTask(executorID string, task *taskFrame) error
	Connected(executorID string) bool
}

// routeDirectory is the registry surface the dispatcher needs.
type routeDirectory interface {
	List(ctx context.Context) ([]*models.ExecutorRoute, error)
	TouchUsed(ctx context.Context, executorID string)
}

// capacityAccountant is the capacity surface the dispatcher needs.
type capacityAccountant interface {
	Reserve(ctx context.Context, executorID, orgID string, executorMax, orgMax int) error
	Release(ctx context.Context, executorID, orgID string) error
	InFlight(ctx context.Context, executorID string) (int, error)
}

// resultStore is the result-store surface the dispatcher needs.
type resultStore interface {
	Put(ctx context.Context, result *models.RemoteResult) error
	GetResult(ctx context.Context, requestID string) (*models.RemoteResult, error)
}

// Dispatcher is the dispatch core: it selects an executor, reserves
// capacity atomically, delivers the payload and either returns the result
// inline or acknowledges with status "dispatched" so the caller suspends.
type Dispatcher struct {
	cfg      *config.GatewayConfig
	registry routeDirectory
	capacity capacityAccountant
	results  resultStore
	conns    taskSender

	mu sync.Mutex
	// Sync waiters by request id; removed on result delivery or sync
	// timeout.
	waiters map[string]chan *models.RemoteResult
	// Outstanding requests by executor: requestId → orgId. Drives both
	// capacity release and disconnect synthesis.
	outstanding map[string]map[string]string
}

// NewDispatcher creates the dispatch core.
func NewDispatcher(cfg *config.GatewayConfig, registry routeDirectory, capacity capacityAccountant, results resultStore, conns taskSender) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		registry:    registry,
		capacity:    capacity,
		results:     results,
		conns:       conns,
		waiters:     make(map[string]chan *models.RemoteResult),
		outstanding: make(map[string]map[string]string),
	}
}

// Dispatch routes one request to an executor. Capacity failures on a
// single executor fall through to the next candidate; an org quota failure
// is terminal because no executor can change it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error) {
	if req.RequestID == "" || req.OrgID == "" {
		return nil, fmt.Errorf("dispatch request missing requestId or org")
	}
	switch req.Kind {
	case models.DispatchConnectorAction, models.DispatchAgentExecute, models.DispatchAgentRun:
	default:
		return nil, fmt.Errorf("unknown dispatch kind %q", req.Kind)
	}

	log := slog.With("request_id", req.RequestID, "org_id", req.OrgID, "kind", req.Kind)

	routes, err := d.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	inFlight := make(map[string]int, len(routes))
	for _, route := range routes {
		n, err := d.capacity.InFlight(ctx, route.ExecutorID)
		if err != nil {
			return nil, err
		}
		inFlight[route.ExecutorID] = n
	}

	candidates := selectCandidates(routes, req.Selector, req.Kind, req.OrgID, inFlight)
	if len(candidates) == 0 {
		if req.Selector != nil && req.Selector.ExecutorID != "" {
			return nil, errs.Newf(errs.CodePinnedAgentOffline, "executor %s is offline", req.Selector.ExecutorID)
		}
		return nil, errs.New(errs.CodeNoAgentAvailable, "no matching executor online")
	}

	for _, route := range candidates {
		if !d.conns.Connected(route.ExecutorID) {
			continue
		}

		err := d.capacity.Reserve(ctx, route.ExecutorID, req.OrgID, route.MaxInFlight, 0)
		if errs.Is(err, errs.CodeExecutorOverCapacity) {
			continue
		}
		if err != nil {
			// Org quota and transport errors are terminal for this dispatch.
			return nil, err
		}

		resultCh := d.track(req.RequestID, route.ExecutorID, req.OrgID)

		task := &taskFrame{
			Type:      frameExecutorTask,
			RequestID: req.RequestID,
			Kind:      req.Kind,
			Payload:   req.Payload,
			TimeoutMs: req.TimeoutMs,
		}
		if err := d.conns.SendTask(route.ExecutorID, task); err != nil {
			log.Warn("Task delivery failed, trying next executor",
				"executor_id", route.ExecutorID, "error", err)
			d.untrack(req.RequestID, route.ExecutorID)
			if relErr := d.capacity.Release(ctx, route.ExecutorID, req.OrgID); relErr != nil {
				log.Error("Failed to release capacity after delivery failure", "error", relErr)
			}
			continue
		}

		d.registry.TouchUsed(ctx, route.ExecutorID)
		log.Info("Task dispatched", "executor_id", route.ExecutorID)

		return d.await(ctx, req, route.ExecutorID, resultCh)
	}

	return nil, errs.New(errs.CodeNoAgentAvailable, "no executor accepted the task")
}

// await waits for the result within the sync window, then falls back to an
// async acknowledgement. The result still lands in the result store either
// way; only the delivery path differs.
func (d *Dispatcher) await(ctx context.Context, req *models.DispatchRequest, executorID string, resultCh chan *models.RemoteResult) (*models.DispatchResponse, error) {
	wait := d.cfg.SyncWaitTimeout
	if req.TimeoutMs > 0 {
		if reqWait := time.Duration(req.TimeoutMs) * time.Millisecond; reqWait < wait {
			wait = reqWait
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return &models.DispatchResponse{
			Status:     result.Status,
			RequestID:  result.RequestID,
			ExecutorID: executorID,
			Output:     result.Output,
			Error:      result.Error,
		}, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	d.dropWaiter(req.RequestID)
	return &models.DispatchResponse{
		Status:     models.StatusDispatched,
		RequestID:  req.RequestID,
		ExecutorID: executorID,
	}, nil
}

// HandleResult stores an executor's result, releases capacity and wakes a
// sync waiter if one is still around. Implements ResultSink.
func (d *Dispatcher) HandleResult(ctx context.Context, executorID string, result *models.RemoteResult) {
	log := slog.With("executor_id", executorID, "request_id", result.RequestID)

	if !result.Valid() || result.RequestID == "" {
		log.Warn("Discarding invalid executor result", "status", result.Status)
		return
	}

	d.mu.Lock()
	orgID, tracked := "", false
	if reqs, ok := d.outstanding[executorID]; ok {
		orgID, tracked = reqs[result.RequestID]
		if tracked {
			delete(reqs, result.RequestID)
			if len(reqs) == 0 {
				delete(d.outstanding, executorID)
			}
		}
	}
	waiter := d.waiters[result.RequestID]
	delete(d.waiters, result.RequestID)
	d.mu.Unlock()

	if !tracked {
		log.Warn("Result for unknown request, storing anyway")
	}

	if err := d.results.Put(ctx, result); err != nil {
		log.Error("Failed to store result", "error", err)
	}

	if tracked {
		if err := d.capacity.Release(ctx, executorID, orgID); err != nil {
			log.Error("Failed to release capacity", "error", err)
		}
	}

	if waiter != nil {
		select {
		case waiter <- result:
		default:
		}
	}
}

// HandleDisconnect synthesizes AGENT_DISCONNECTED for every outstanding
// request of a dropped executor and releases their capacity. Implements
// ResultSink.
func (d *Dispatcher) HandleDisconnect(executorID string) {
	d.mu.Lock()
	reqs := d.outstanding[executorID]
	delete(d.outstanding, executorID)
	d.mu.Unlock()

	if len(reqs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for requestID, orgID := range reqs {
		slog.Warn("Executor disconnected with outstanding request",
			"executor_id", executorID, "request_id", requestID)

		result := &models.RemoteResult{
			RequestID: requestID,
			Status:    models.ResultFailed,
			Error:     errs.CodeAgentDisconnected,
		}
		if err := d.results.Put(ctx, result); err != nil {
			slog.Error("Failed to store disconnect result", "request_id", requestID, "error", err)
		}
		if err := d.capacity.Release(ctx, executorID, orgID); err != nil {
			slog.Error("Failed to release capacity on disconnect", "request_id", requestID, "error", err)
		}

		d.mu.Lock()
		waiter := d.waiters[requestID]
		delete(d.waiters, requestID)
		d.mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- result:
			default:
			}
		}
	}
}

// track registers a sync waiter and the outstanding entry for a request.
func (d *Dispatcher) track(requestID, executorID, orgID string) chan *models.RemoteResult {
	ch := make(chan *models.RemoteResult, 1)
	d.mu.Lock()
	d.waiters[requestID] = ch
	if d.outstanding[executorID] == nil {
		d.outstanding[executorID] = make(map[string]string)
	}
	d.outstanding[executorID][requestID] = orgID
	d.mu.Unlock()
	return ch
}

// untrack reverses track after a failed delivery.
func (d *Dispatcher) untrack(requestID, executorID string) {
	d.mu.Lock()
	delete(d.waiters, requestID)
	if reqs, ok := d.outstanding[executorID]; ok {
		delete(reqs, requestID)
		if len(reqs) == 0 {
			delete(d.outstanding, executorID)
		}
	}
	d.mu.Unlock()
}

// dropWaiter removes the sync waiter after the sync window lapses.
func (d *Dispatcher) dropWaiter(requestID string) {
	d.mu.Lock()
	delete(d.waiters, requestID)
	d.mu.Unlock()
}
