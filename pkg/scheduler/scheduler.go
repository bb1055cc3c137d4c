// Package scheduler fires trigger subscriptions at most once per slot. Every
// replica polls for due subscriptions; the unique trigger key on runs makes
// concurrent firing safe, so the scheduler needs no leader election.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/store"
	"github.com/vespid-ai/vespid/pkg/workflow"
)

// SubscriptionStore is the store surface the scheduler needs.
type SubscriptionStore interface {
	SystemListDue(ctx context.Context, now time.Time, limit int) ([]*models.TriggerSubscription, error)
	UpdateSubscriptionSchedule(ctx context.Context, sub *models.TriggerSubscription) error
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	DeleteQueuedRun(ctx context.Context, orgID, runID string) error
}

// Scheduler polls due subscriptions and enqueues triggered runs.
type Scheduler struct {
	store       SubscriptionStore
	queue       workflow.JobQueue
	cfg         *config.SchedulerConfig
	maxAttempts int
}

// New creates a scheduler. maxAttempts is the retry budget stamped onto
// triggered runs.
func New(st SubscriptionStore, q workflow.JobQueue, cfg *config.SchedulerConfig, maxAttempts int) *Scheduler {
	return &Scheduler{store: st, queue: q, cfg: cfg, maxAttempts: maxAttempts}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Trigger scheduler started", "poll_interval", s.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Trigger scheduler stopped")
			return
		case <-time.After(s.tickInterval()):
			s.Tick(ctx, time.Now())
		}
	}
}

// tickInterval jitters the poll so replicas spread their scans.
func (s *Scheduler) tickInterval() time.Duration {
	if s.cfg.PollJitter <= 0 {
		return s.cfg.PollInterval
	}
	return s.cfg.PollInterval + rand.N(s.cfg.PollJitter)
}

// Tick processes one batch of due subscriptions.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	subs, err := s.store.SystemListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		slog.Error("Due subscription scan failed", "error", err)
		return
	}
	for _, sub := range subs {
		s.fire(ctx, sub, now)
	}
}

// fire triggers one due slot. The slot's run is created under a unique
// trigger key, so a racing replica loses the insert and skips; if enqueueing
// the run-job fails, the queued run is deleted so the next tick can retry
// the slot cleanly.
func (s *Scheduler) fire(ctx context.Context, sub *models.TriggerSubscription, now time.Time) {
	logger := slog.With("subscription_id", sub.ID, "org_id", sub.OrgID, "type", sub.Type)
	slotTime := sub.NextFireAt.UTC()

	next, err := s.nextFire(sub, now)
	if err != nil {
		deferred := now.Add(s.cfg.InvalidCronDefer)
		sub.NextFireAt = &deferred
		sub.LastError = errs.CodeOf(err)
		if upErr := s.store.UpdateSubscriptionSchedule(ctx, sub); upErr != nil {
			logger.Error("Failed to defer broken subscription", "error", upErr)
		}
		logger.Warn("Subscription schedule is invalid, deferred", "error", err)
		return
	}

	key := models.TriggerKey(sub.Type, sub.ID, slotTime)
	run, err := s.createTriggeredRun(ctx, sub, key, slotTime)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		logger.Debug("Trigger slot already fired", "trigger_key", key)
	case err != nil:
		logger.Error("Failed to create triggered run", "trigger_key", key, "error", err)
		return
	default:
		if err := workflow.EnqueueRun(ctx, s.queue, run); err != nil {
			if delErr := s.store.DeleteQueuedRun(ctx, sub.OrgID, run.ID); delErr != nil {
				logger.Error("Failed to delete stranded queued run", "run_id", run.ID, "error", delErr)
			}
			logger.Error("Trigger queue unavailable, slot will retry", "trigger_key", key, "error", err)
			return
		}
		sub.LastTriggeredAt = &now
		sub.LastTriggerKey = key
		logger.Info("Trigger fired", "trigger_key", key, "run_id", run.ID)
	}

	sub.NextFireAt = &next
	sub.LastError = ""
	if err := s.store.UpdateSubscriptionSchedule(ctx, sub); err != nil {
		logger.Error("Failed to advance subscription schedule", "error", err)
	}
}

func (s *Scheduler) createTriggeredRun(ctx context.Context, sub *models.TriggerSubscription, key string, slotTime time.Time) (*models.WorkflowRun, error) {
	input, err := json.Marshal(map[string]any{
		"trigger": map[string]any{
			"type":           sub.Type,
			"subscriptionId": sub.ID,
			"slotTime":       slotTime.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger input: %w", err)
	}
	run := &models.WorkflowRun{
		ID:          uuid.NewString(),
		OrgID:       sub.OrgID,
		WorkflowID:  sub.WorkflowID,
		Status:      models.RunQueued,
		MaxAttempts: s.maxAttempts,
		TriggerKey:  key,
		TriggeredAt: &slotTime,
		Input:       input,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// InitialNextFire computes a new subscription's first slot. Called by the
// API at create time so the poll loop only ever sees schedulable rows.
func InitialNextFire(sub *models.TriggerSubscription, now time.Time) (time.Time, error) {
	switch sub.Type {
	case models.TriggerCron:
		return nextCronFire(sub.CronExpr, now)
	case models.TriggerHeartbeat:
		return now.UTC().Add(sub.HeartbeatInterval), nil
	default:
		return time.Time{}, errs.Newf(errs.CodeInvalidNodeConfig,
			"subscription type %q is not schedulable", sub.Type)
	}
}

// nextFire computes the subscription's next slot after this one.
func (s *Scheduler) nextFire(sub *models.TriggerSubscription, now time.Time) (time.Time, error) {
	switch sub.Type {
	case models.TriggerCron:
		// Advance from the slot just fired, not from now: a late tick must
		// not swallow the slots between the fired one and the wall clock.
		// Each caught-up slot fires under its own trigger key.
		return nextCronFire(sub.CronExpr, sub.NextFireAt.UTC())

	case models.TriggerHeartbeat:
		// Drift-free under normal operation: the next slot builds on the
		// current one. After an outage longer than maxSkew the schedule
		// rebases on now instead of replaying every missed slot.
		base := sub.NextFireAt.UTC()
		if sub.MaxSkew > 0 && now.Sub(base) > sub.MaxSkew {
			base = now.UTC()
		}
		next := base.Add(sub.HeartbeatInterval)
		if sub.HeartbeatJitter > 0 {
			next = next.Add(rand.N(sub.HeartbeatJitter))
		}
		return next, nil

	default:
		return time.Time{}, errs.Newf(errs.CodeInvalidNodeConfig,
			"subscription type %q is not schedulable", sub.Type)
	}
}
