// Package session implements the interactive session core behind the client
// WebSocket: append-only per-session event streams, idempotent sends, and an
// agent answering each user message either through the in-process loop or a
// remote engine on an executor.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vespid-ai/vespid/pkg/agentloop"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/workflow"
)

// EngineLoop is the built-in engine: the in-process agent loop.
const EngineLoop = "loop"

// Store is the persistence surface the session core needs. *store.Store
// satisfies it.
type Store interface {
	CreateSession(ctx context.Context, sess *models.AgentSession) error
	GetSession(ctx context.Context, orgID, sessionID string) (*models.AgentSession, error)
	CloseSession(ctx context.Context, orgID, sessionID string) error
	PinSessionExecutor(ctx context.Context, orgID, sessionID, executorID, pool string) error
	AppendSessionEvent(ctx context.Context, ev *models.SessionEvent) (*models.SessionEvent, error)
	ListSessionEventsAfter(ctx context.Context, orgID, sessionID string, afterSeq int) ([]models.SessionEvent, error)
	HasSessionMessage(ctx context.Context, orgID, sessionID, idempotencyKey string) (bool, error)
}

// Dispatcher routes engine messages and loop tool calls to executors.
// *gateway.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error)
}

// Core implements the session semantics behind gateway.SessionHub.
type Core struct {
	store      Store
	loop       *agentloop.Loop
	providers  workflow.ProviderFactory
	dispatcher Dispatcher

	mu sync.Mutex
	// In-memory loop state per session; conversations survive reconnects
	// within the process lifetime.
	agents map[string]*agentEntry
}

type agentEntry struct {
	mu    sync.Mutex
	state models.AgentRunState
}

// NewCore wires the session core. dispatcher may be nil when no gateway
// executors exist; engine sessions and remote tools then fail cleanly.
func NewCore(st Store, loop *agentloop.Loop, providers workflow.ProviderFactory, dispatcher Dispatcher) *Core {
	return &Core{
		store:      st,
		loop:       loop,
		providers:  providers,
		dispatcher: dispatcher,
		agents:     make(map[string]*agentEntry),
	}
}

// Create opens a session. An empty engine id selects the in-process loop.
func (c *Core) Create(ctx context.Context, orgID, engineID, model string) (*models.AgentSession, error) {
	if engineID == "" {
		engineID = EngineLoop
	}
	sess := &models.AgentSession{
		ID:       uuid.NewString(),
		OrgID:    orgID,
		EngineID: engineID,
		Model:    model,
		Status:   models.SessionActive,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close marks the session closed and drops its in-memory loop state.
func (c *Core) Close(ctx context.Context, orgID, sessionID string) error {
	if err := c.store.CloseSession(ctx, orgID, sessionID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.agents, sessionID)
	c.mu.Unlock()
	return nil
}

// Join loads the session and replays events after afterSeq for catch-up.
func (c *Core) Join(ctx context.Context, orgID, sessionID string, afterSeq int) (*models.AgentSession, []*models.SessionEvent, error) {
	sess, err := c.store.GetSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	events, err := c.store.ListSessionEventsAfter(ctx, orgID, sessionID, afterSeq)
	if err != nil {
		return nil, nil, err
	}
	replay := make([]*models.SessionEvent, len(events))
	for i := range events {
		replay[i] = &events[i]
	}
	return sess, replay, nil
}

// Send processes one user message. Duplicate sends (same idempotency key)
// are suppressed; processing failures land in the event stream as error
// events so the conversation keeps its history.
func (c *Core) Send(ctx context.Context, orgID, sessionID, message, idempotencyKey string, emit func(*models.SessionEvent)) error {
	sess, err := c.store.GetSession(ctx, orgID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == models.SessionClosed {
		return errs.New(errs.CodeSessionClosed, "session is closed")
	}

	if idempotencyKey != "" {
		dup, err := c.store.HasSessionMessage(ctx, orgID, sessionID, idempotencyKey)
		if err != nil {
			return err
		}
		if dup {
			slog.Debug("Duplicate session send suppressed",
				"session_id", sessionID, "idempotency_key", idempotencyKey)
			return nil
		}
	}

	if err := c.append(ctx, sess, models.SessionEventUserMessage, models.LevelInfo, map[string]string{
		"content":        message,
		"idempotencyKey": idempotencyKey,
	}, emit); err != nil {
		return err
	}

	if sess.EngineID == EngineLoop {
		return c.answerWithLoop(ctx, sess, message, emit)
	}
	return c.answerWithEngine(ctx, sess, message, emit)
}

// answerWithLoop drives the in-process agent loop, resolving blocked tool
// calls synchronously through the dispatcher.
func (c *Core) answerWithLoop(ctx context.Context, sess *models.AgentSession, message string, emit func(*models.SessionEvent)) error {
	entry := c.entry(sess.ID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	provider, err := c.providers(ctx, sess.OrgID, workflow.ProviderConfig{Model: sess.Model})
	if err != nil {
		return c.appendError(ctx, sess, err, emit)
	}

	params := &agentloop.Params{
		OrgID:        sess.OrgID,
		Provider:     provider,
		Model:        sess.Model,
		Instructions: message,
		AllowedTools: []string{"*"},
		Emit: func(eventType string, payload json.RawMessage) {
			c.forwardLoopEvent(ctx, sess, eventType, payload, emit)
		},
	}

	res, err := c.loop.Run(ctx, params, &entry.state, nil)
	for err == nil && res.Status == agentloop.StatusBlocked {
		var remote *models.RemoteResult
		remote, err = c.dispatchToolCall(ctx, sess, res.Block)
		if err != nil {
			break
		}
		res, err = c.loop.Run(ctx, params, &entry.state, remote)
	}
	if err != nil {
		return c.appendError(ctx, sess, err, emit)
	}

	return c.append(ctx, sess, models.SessionEventAgentFinal, models.LevelInfo,
		finalPayload(res.Output), emit)
}

// dispatchToolCall sends a blocked tool call to an executor and waits for
// the synchronous result. Sessions never suspend: an async acknowledgement
// is treated as a timeout.
func (c *Core) dispatchToolCall(ctx context.Context, sess *models.AgentSession, block *agentloop.BlockPayload) (*models.RemoteResult, error) {
	if c.dispatcher == nil {
		return nil, errs.New(errs.CodeGatewayNotConfigured, "no executor gateway configured")
	}

	req := &models.DispatchRequest{
		RequestID: uuid.NewString(),
		OrgID:     sess.OrgID,
		Kind:      block.Kind,
		Payload:   block.Payload,
		Selector:  c.selector(sess, block.Selector),
	}
	resp, err := c.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status == models.StatusDispatched {
		return nil, errs.New(errs.CodeNodeExecutionTimeout, "executor did not answer within the session window")
	}

	c.pin(ctx, sess, resp.ExecutorID)
	return &models.RemoteResult{
		RequestID: resp.RequestID,
		Status:    resp.Status,
		Output:    resp.Output,
		Error:     resp.Error,
	}, nil
}

// answerWithEngine forwards the message to a remote engine on an executor.
func (c *Core) answerWithEngine(ctx context.Context, sess *models.AgentSession, message string, emit func(*models.SessionEvent)) error {
	if c.dispatcher == nil {
		return c.appendError(ctx, sess,
			errs.New(errs.CodeGatewayNotConfigured, "no executor gateway configured"), emit)
	}

	payload, err := json.Marshal(map[string]string{
		"sessionId": sess.ID,
		"engineId":  sess.EngineID,
		"model":     sess.Model,
		"message":   message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal engine payload: %w", err)
	}

	resp, err := c.dispatcher.Dispatch(ctx, &models.DispatchRequest{
		RequestID: uuid.NewString(),
		OrgID:     sess.OrgID,
		Kind:      models.DispatchAgentRun,
		Payload:   payload,
		Selector:  c.selector(sess, nil),
	})
	if err != nil {
		return c.appendError(ctx, sess, err, emit)
	}

	c.pin(ctx, sess, resp.ExecutorID)

	switch resp.Status {
	case models.ResultSucceeded:
		return c.append(ctx, sess, models.SessionEventAgentFinal, models.LevelInfo,
			finalPayload(resp.Output), emit)
	case models.ResultFailed:
		code := resp.Error
		if code == "" {
			code = errs.CodeNodeExecutionFailed
		}
		return c.appendError(ctx, sess, errs.New(code, "engine execution failed"), emit)
	default:
		return c.appendError(ctx, sess,
			errs.New(errs.CodeNodeExecutionTimeout, "engine did not answer within the session window"), emit)
	}
}

// selector pins the dispatch to the session's executor once one is known.
func (c *Core) selector(sess *models.AgentSession, fallback *models.ExecutorSelector) *models.ExecutorSelector {
	if sess.PinnedExecutor != "" {
		return &models.ExecutorSelector{ExecutorID: sess.PinnedExecutor}
	}
	return fallback
}

// pin records the serving executor on first contact.
func (c *Core) pin(ctx context.Context, sess *models.AgentSession, executorID string) {
	if executorID == "" || sess.PinnedExecutor == executorID {
		return
	}
	if err := c.store.PinSessionExecutor(ctx, sess.OrgID, sess.ID, executorID, sess.PinnedPool); err != nil {
		slog.Warn("Failed to pin session executor",
			"session_id", sess.ID, "executor_id", executorID, "error", err)
		return
	}
	sess.PinnedExecutor = executorID
}

// forwardLoopEvent maps agent loop progress onto session event types.
func (c *Core) forwardLoopEvent(ctx context.Context, sess *models.AgentSession, eventType string, payload json.RawMessage, emit func(*models.SessionEvent)) {
	mapped := ""
	switch eventType {
	case models.EventAgentToolCall:
		mapped = models.SessionEventToolCall
	case models.EventAgentToolRes:
		mapped = models.SessionEventToolResult
	default:
		return
	}
	if err := c.append(ctx, sess, mapped, models.LevelInfo, payload, emit); err != nil {
		slog.Warn("Failed to append loop event", "session_id", sess.ID, "error", err)
	}
}

func (c *Core) append(ctx context.Context, sess *models.AgentSession, eventType, level string, payload any, emit func(*models.SessionEvent)) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal session event payload: %w", err)
	}
	stored, err := c.store.AppendSessionEvent(ctx, &models.SessionEvent{
		SessionID: sess.ID,
		OrgID:     sess.OrgID,
		EventType: eventType,
		Level:     level,
		Payload:   raw,
	})
	if err != nil {
		return err
	}
	if emit != nil {
		emit(stored)
	}
	return nil
}

// appendError lands a processing failure in the event stream; the send
// itself still completes so the conversation keeps its history.
func (c *Core) appendError(ctx context.Context, sess *models.AgentSession, cause error, emit func(*models.SessionEvent)) error {
	slog.Warn("Session message failed",
		"session_id", sess.ID, "org_id", sess.OrgID, "error", cause)
	return c.append(ctx, sess, models.SessionEventError, models.LevelError, map[string]string{
		"code":    errs.CodeOf(cause),
		"message": cause.Error(),
	}, emit)
}

func (c *Core) entry(sessionID string) *agentEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.agents[sessionID]
	if entry == nil {
		entry = &agentEntry{}
		c.agents[sessionID] = entry
	}
	return entry
}

// finalPayload shapes the agent's final output for the agent_final event.
// String outputs become plain content; structured outputs ride alongside.
func finalPayload(output json.RawMessage) map[string]any {
	var s string
	if err := json.Unmarshal(output, &s); err == nil {
		return map[string]any{"content": s}
	}
	return map[string]any{"content": string(output), "structured": output}
}
