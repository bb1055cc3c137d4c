package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vespid-ai/vespid/pkg/models"
)

// Executor protocol frame types.
const (
	frameExecutorPair       = "pair"
	frameExecutorReady      = "ready"
	frameExecutorTask       = "task"
	frameExecutorTaskResult = "task_result"
	frameExecutorHeartbeat  = "heartbeat"
)

// executorFrame is the executor-to-gateway message envelope. The pair
// frame carries route fields; task_result carries the result fields.
type executorFrame struct {
	Type string `json:"type"`

	// pair
	ExecutorID  string            `json:"executorId,omitempty"`
	EdgeID      string            `json:"edgeId,omitempty"`
	Pool        string            `json:"pool,omitempty"`
	OrgID       string            `json:"orgId,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Group       string            `json:"group,omitempty"`
	Tag         string            `json:"tag,omitempty"`
	MaxInFlight int               `json:"maxInFlight,omitempty"`
	Kinds       []string          `json:"kinds,omitempty"`

	// task_result
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// taskFrame is the gateway-to-executor dispatch message.
type taskFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// ResultSink receives executor results and disconnects. Implemented by the
// Dispatcher.
type ResultSink interface {
	HandleResult(ctx context.Context, executorID string, result *models.RemoteResult)
	HandleDisconnect(executorID string)
}

// ExecutorManager owns the executor WebSocket connections on this pod.
// Each connection pairs once, then exchanges heartbeats and task/task_result
// frames until it closes.
type ExecutorManager struct {
	registry     *Registry
	sink         ResultSink
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*executorConn
}

type executorConn struct {
	executorID string
	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewExecutorManager creates the executor connection manager.
func NewExecutorManager(registry *Registry, writeTimeout time.Duration) *ExecutorManager {
	return &ExecutorManager{
		registry:     registry,
		writeTimeout: writeTimeout,
		conns:        make(map[string]*executorConn),
	}
}

// SetSink wires the result sink. Called once during startup, after both
// the manager and the dispatcher exist.
func (m *ExecutorManager) SetSink(sink ResultSink) {
	m.sink = sink
}

// HandleConnection manages one executor connection after the HTTP upgrade.
// Blocks until the connection closes.
func (m *ExecutorManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	route, err := m.readPair(ctx, conn)
	if err != nil {
		slog.Warn("Executor pairing failed", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "pairing failed")
		return
	}

	log := slog.With("executor_id", route.ExecutorID, "org_id", route.OrgID, "pool", route.Pool)

	if err := m.registry.Upsert(ctx, route); err != nil {
		log.Error("Failed to register executor route", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "route registration failed")
		return
	}

	c := &executorConn{executorID: route.ExecutorID, conn: conn, ctx: ctx, cancel: cancel}
	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{"type": frameExecutorReady, "executorId": route.ExecutorID})
	log.Info("Executor paired", "kinds", route.Kinds, "max_in_flight", route.MaxInFlight)

	// Read loop
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Info("Executor connection closed")
			return
		}

		var frame executorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("Invalid executor frame", "error", err)
			continue
		}

		switch frame.Type {
		case frameExecutorHeartbeat:
			if err := m.registry.Upsert(ctx, route); err != nil {
				log.Warn("Heartbeat route refresh failed", "error", err)
			}
		case frameExecutorTaskResult:
			if m.sink == nil {
				continue
			}
			m.sink.HandleResult(ctx, route.ExecutorID, &models.RemoteResult{
				RequestID: frame.RequestID,
				Status:    frame.Status,
				Output:    frame.Output,
				Error:     frame.Error,
			})
		default:
			log.Warn("Unknown executor frame type", "type", frame.Type)
		}
	}
}

// readPair consumes the first frame, which must be a pair.
func (m *ExecutorManager) readPair(ctx context.Context, conn *websocket.Conn) (*models.ExecutorRoute, error) {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pair frame: %w", err)
	}
	var frame executorFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed pair frame: %w", err)
	}
	if frame.Type != frameExecutorPair {
		return nil, fmt.Errorf("expected pair frame, got %q", frame.Type)
	}
	if frame.ExecutorID == "" || frame.OrgID == "" {
		return nil, errors.New("pair frame missing executorId or orgId")
	}

	pool := frame.Pool
	if pool == "" {
		pool = models.PoolBYON
	}
	maxInFlight := frame.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	kinds := frame.Kinds
	if len(kinds) == 0 {
		kinds = []string{models.DispatchConnectorAction}
	}

	return &models.ExecutorRoute{
		ExecutorID:  frame.ExecutorID,
		EdgeID:      frame.EdgeID,
		Pool:        pool,
		OrgID:       frame.OrgID,
		Labels:      frame.Labels,
		Group:       frame.Group,
		Tag:         frame.Tag,
		MaxInFlight: maxInFlight,
		Kinds:       kinds,
	}, nil
}

// SendTask delivers a task frame to a connected executor.
func (m *ExecutorManager) SendTask(executorID string, task *taskFrame) error {
	m.mu.RLock()
	c, ok := m.conns[executorID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("executor %s not connected to this pod", executorID)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send task: %w", err)
	}
	return nil
}

// Connected reports whether the executor has a live connection on this pod.
func (m *ExecutorManager) Connected(executorID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[executorID]
	return ok
}

// register tracks the connection, replacing (and closing) a stale one for
// the same executor id.
func (m *ExecutorManager) register(c *executorConn) {
	m.mu.Lock()
	prev := m.conns[c.executorID]
	m.conns[c.executorID] = c
	m.mu.Unlock()

	if prev != nil {
		slog.Warn("Replacing existing executor connection", "executor_id", c.executorID)
		prev.cancel()
		_ = prev.conn.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
}

// unregister drops the connection, removes the route and lets the sink
// synthesize failures for outstanding requests.
func (m *ExecutorManager) unregister(c *executorConn) {
	m.mu.Lock()
	// A replaced connection must not unregister its successor.
	if m.conns[c.executorID] == c {
		delete(m.conns, c.executorID)
	} else {
		m.mu.Unlock()
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	m.mu.Unlock()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.registry.Remove(cleanupCtx, c.executorID); err != nil {
		slog.Warn("Failed to remove executor route", "executor_id", c.executorID, "error", err)
	}
	if m.sink != nil {
		m.sink.HandleDisconnect(c.executorID)
	}

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ExecutorManager) sendJSON(c *executorConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send executor frame", "executor_id", c.executorID, "error", err)
	}
}
