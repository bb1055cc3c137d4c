package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

// Client protocol frame types.
const (
	frameClientHello    = "client_hello"
	frameHelloAck       = "hello_ack"
	frameSessionJoin    = "session_join"
	frameSessionSend    = "session_send"
	frameSessionEventV2 = "session_event_v2"
	frameAgentDelta     = "agent_delta"
	frameAgentFinal     = "agent_final"
	frameSessionState   = "session_state"
	frameSessionError   = "session_error"
)

// clientFrame is the client-to-gateway message envelope.
type clientFrame struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	Message        string `json:"message,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	LastSeq        int    `json:"lastSeq,omitempty"`
}

// sessionEventFrame is the generic server-to-client event frame.
type sessionEventFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Seq       int             `json:"seq"`
	EventType string          `json:"eventType,omitempty"`
	Level     string          `json:"level,omitempty"`
	Content   string          `json:"content,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// sessionStateFrame describes the session's pinning after a join.
type sessionStateFrame struct {
	Type               string `json:"type"`
	SessionID          string `json:"sessionId"`
	PinnedExecutorID   string `json:"pinnedExecutorId,omitempty"`
	PinnedExecutorPool string `json:"pinnedExecutorPool,omitempty"`
	PinnedAgentID      string `json:"pinnedAgentId,omitempty"`
}

type sessionErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionHub is the session core the client socket drives. Implemented by
// pkg/session.
type SessionHub interface {
	// Join loads the session and the events after afterSeq for catch-up.
	Join(ctx context.Context, orgID, sessionID string, afterSeq int) (*models.AgentSession, []*models.SessionEvent, error)
	// Send processes one user message; events emitted while processing
	// stream through emit in seq order.
	Send(ctx context.Context, orgID, sessionID, message, idempotencyKey string, emit func(*models.SessionEvent)) error
}

// ClientManager owns the client-facing session WebSocket connections.
type ClientManager struct {
	hub          SessionHub
	writeTimeout time.Duration
}

// NewClientManager creates the client connection manager.
func NewClientManager(hub SessionHub, writeTimeout time.Duration) *ClientManager {
	return &ClientManager{hub: hub, writeTimeout: writeTimeout}
}

// HandleConnection manages one client connection after the HTTP upgrade.
// The org was already resolved by the handler from the request headers.
// Blocks until the connection closes.
func (m *ClientManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, orgID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")

	log := slog.With("org_id", orgID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("Invalid client frame", "error", err)
			continue
		}

		switch frame.Type {
		case frameClientHello:
			m.send(ctx, conn, map[string]string{"type": frameHelloAck})

		case frameSessionJoin:
			m.handleJoin(ctx, conn, orgID, &frame)

		case frameSessionSend:
			m.handleSend(ctx, conn, orgID, &frame)

		default:
			m.send(ctx, conn, &sessionErrorFrame{
				Type:    frameSessionError,
				Code:    errs.CodeInvalidToolInput,
				Message: "unknown frame type " + frame.Type,
			})
		}
	}
}

// handleJoin replays events after the client's last seq and reports the
// session's pinning state.
func (m *ClientManager) handleJoin(ctx context.Context, conn *websocket.Conn, orgID string, frame *clientFrame) {
	session, events, err := m.hub.Join(ctx, orgID, frame.SessionID, frame.LastSeq)
	if err != nil {
		m.sendError(ctx, conn, err)
		return
	}

	m.send(ctx, conn, &sessionStateFrame{
		Type:               frameSessionState,
		SessionID:          session.ID,
		PinnedExecutorID:   session.PinnedExecutor,
		PinnedExecutorPool: session.PinnedPool,
		PinnedAgentID:      session.EngineID,
	})
	for _, event := range events {
		m.send(ctx, conn, eventFrame(event))
	}
}

// handleSend runs the session core for one user message, streaming events
// back as they are appended.
func (m *ClientManager) handleSend(ctx context.Context, conn *websocket.Conn, orgID string, frame *clientFrame) {
	err := m.hub.Send(ctx, orgID, frame.SessionID, frame.Message, frame.IdempotencyKey,
		func(event *models.SessionEvent) {
			m.send(ctx, conn, eventFrame(event))
		})
	if err != nil {
		m.sendError(ctx, conn, err)
	}
}

// eventFrame maps a stored session event onto its wire frame. Agent deltas
// and finals get their dedicated frame types; everything else rides the
// generic session_event_v2 envelope.
func eventFrame(event *models.SessionEvent) *sessionEventFrame {
	frame := &sessionEventFrame{
		Type:      frameSessionEventV2,
		SessionID: event.SessionID,
		Seq:       event.Seq,
		EventType: event.EventType,
		Level:     event.Level,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	}

	switch event.EventType {
	case models.SessionEventAgentDelta, models.SessionEventAgentFinal:
		var body struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(event.Payload, &body)
		frame.Content = body.Content
		frame.EventType = ""
		frame.Level = ""
		if event.EventType == models.SessionEventAgentDelta {
			frame.Type = frameAgentDelta
			frame.Payload = nil
		} else {
			frame.Type = frameAgentFinal
		}
	}
	return frame
}

func (m *ClientManager) sendError(ctx context.Context, conn *websocket.Conn, err error) {
	m.send(ctx, conn, &sessionErrorFrame{
		Type:    frameSessionError,
		Code:    errs.CodeOf(err),
		Message: err.Error(),
	})
}

func (m *ClientManager) send(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send client frame", "error", err)
	}
}
