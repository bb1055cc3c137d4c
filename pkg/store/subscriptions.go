package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vespid-ai/vespid/pkg/models"
)

const subColumns = `id, org_id, workflow_id, type, cron_expr,
	heartbeat_interval_ms, heartbeat_jitter_ms, max_skew_ms, next_fire_at,
	last_triggered_at, last_trigger_key, last_error, enabled, created_at`

// CreateSubscription inserts a trigger subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.TriggerSubscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trigger_subscriptions
			(id, org_id, workflow_id, type, cron_expr, heartbeat_interval_ms,
			 heartbeat_jitter_ms, max_skew_ms, next_fire_at, enabled)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`,
		sub.ID, sub.OrgID, sub.WorkflowID, sub.Type, sub.CronExpr,
		sub.HeartbeatInterval.Milliseconds(), sub.HeartbeatJitter.Milliseconds(),
		sub.MaxSkew.Milliseconds(), sub.NextFireAt, sub.Enabled)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// GetSubscription loads one subscription within the org scope.
func (s *Store) GetSubscription(ctx context.Context, orgID, subID string) (*models.TriggerSubscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subColumns+` FROM trigger_subscriptions WHERE org_id = $1 AND id = $2`,
		orgID, subID)
	return scanSubscription(row)
}

// SystemListDue returns enabled subscriptions with next_fire_at <= now,
// oldest first, across all tenants. This is a scheduler-only path running
// under the system role.
func (s *Store) SystemListDue(ctx context.Context, now time.Time, limit int) ([]*models.TriggerSubscription, error) {
	slog.Debug("Scanning due subscriptions", "event", "rls_bypass", "role", "scheduler")
	rows, err := s.pool.Query(ctx, `
		SELECT `+subColumns+` FROM trigger_subscriptions
		WHERE enabled AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		ORDER BY next_fire_at
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.TriggerSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateSubscriptionSchedule advances a subscription past a fired (or
// failed) slot.
func (s *Store) UpdateSubscriptionSchedule(ctx context.Context, sub *models.TriggerSubscription) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trigger_subscriptions SET
			next_fire_at = $3, last_triggered_at = $4,
			last_trigger_key = NULLIF($5, ''), last_error = NULLIF($6, '')
		WHERE org_id = $1 AND id = $2`,
		sub.OrgID, sub.ID, sub.NextFireAt, sub.LastTriggeredAt,
		sub.LastTriggerKey, sub.LastError)
	if err != nil {
		return fmt.Errorf("failed to update subscription schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscription(row pgx.Row) (*models.TriggerSubscription, error) {
	var sub models.TriggerSubscription
	var cronExpr, lastKey, lastErr *string
	var intervalMs, jitterMs, skewMs *int64
	err := row.Scan(&sub.ID, &sub.OrgID, &sub.WorkflowID, &sub.Type, &cronExpr,
		&intervalMs, &jitterMs, &skewMs, &sub.NextFireAt, &sub.LastTriggeredAt,
		&lastKey, &lastErr, &sub.Enabled, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.CronExpr = deref(cronExpr)
	sub.LastTriggerKey = deref(lastKey)
	sub.LastError = deref(lastErr)
	if intervalMs != nil {
		sub.HeartbeatInterval = time.Duration(*intervalMs) * time.Millisecond
	}
	if jitterMs != nil {
		sub.HeartbeatJitter = time.Duration(*jitterMs) * time.Millisecond
	}
	if skewMs != nil {
		sub.MaxSkew = time.Duration(*skewMs) * time.Millisecond
	}
	return &sub, nil
}
