package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vespid-ai/vespid/pkg/models"
)

// CreateSession inserts an agent session.
func (s *Store) CreateSession(ctx context.Context, sess *models.AgentSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_sessions (id, org_id, engine_id, model, status)
		VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.OrgID, sess.EngineID, sess.Model, sess.Status)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession loads a session within the org scope.
func (s *Store) GetSession(ctx context.Context, orgID, sessionID string) (*models.AgentSession, error) {
	var sess models.AgentSession
	var pinned, pinnedPool *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, engine_id, model, status, pinned_executor,
			pinned_pool, created_at, updated_at
		FROM agent_sessions WHERE org_id = $1 AND id = $2`,
		orgID, sessionID).
		Scan(&sess.ID, &sess.OrgID, &sess.EngineID, &sess.Model, &sess.Status,
			&pinned, &pinnedPool, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.PinnedExecutor = deref(pinned)
	sess.PinnedPool = deref(pinnedPool)
	return &sess, nil
}

// PinSessionExecutor records which executor serves the session.
func (s *Store) PinSessionExecutor(ctx context.Context, orgID, sessionID, executorID, pool string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_sessions
		SET pinned_executor = NULLIF($3, ''), pinned_pool = NULLIF($4, ''),
			updated_at = now()
		WHERE org_id = $1 AND id = $2`,
		orgID, sessionID, executorID, pool)
	if err != nil {
		return fmt.Errorf("failed to pin session executor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseSession marks a session closed. Closed sessions reject sends but
// keep their event stream readable.
func (s *Store) CloseSession(ctx context.Context, orgID, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_sessions SET status = 'closed', updated_at = now()
		WHERE org_id = $1 AND id = $2`,
		orgID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HasSessionMessage reports whether a user message with the given
// idempotency key was already appended. Backs duplicate suppression on
// session_send retries.
func (s *Store) HasSessionMessage(ctx context.Context, orgID, sessionID, idempotencyKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM agent_session_events
			WHERE org_id = $1 AND session_id = $2
				AND event_type = 'user_message'
				AND payload->>'idempotencyKey' = $3
		)`,
		orgID, sessionID, idempotencyKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check session idempotency key: %w", err)
	}
	return exists, nil
}

// AppendSessionEvent assigns the next seq under the session's stream and
// inserts the event. The returned event carries the assigned seq.
func (s *Store) AppendSessionEvent(ctx context.Context, ev *models.SessionEvent) (*models.SessionEvent, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_session_events
			WHERE session_id = $1`,
			ev.SessionID).Scan(&ev.Seq); err != nil {
			return fmt.Errorf("failed to compute next session seq: %w", err)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO agent_session_events
				(session_id, org_id, seq, event_type, level, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at`,
			ev.SessionID, ev.OrgID, ev.Seq, ev.EventType, ev.Level, ev.Payload).
			Scan(&ev.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListSessionEventsAfter returns a session's events after the given seq.
// Used for catch-up on client reconnect.
func (s *Store) ListSessionEventsAfter(ctx context.Context, orgID, sessionID string, afterSeq int) ([]models.SessionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, org_id, seq, event_type, level, payload, created_at
		FROM agent_session_events
		WHERE org_id = $1 AND session_id = $2 AND seq > $3
		ORDER BY seq`,
		orgID, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		if err := rows.Scan(&ev.SessionID, &ev.OrgID, &ev.Seq, &ev.EventType,
			&ev.Level, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
