package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// orphanState tracks orphan recovery metrics (thread-safe).
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanRecovery periodically requeues claimed jobs with stale leases.
// All pods run this independently — the requeue is idempotent.
func (p *WorkerPool) runOrphanRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.recoverOrphans(ctx); err != nil {
				slog.Error("Orphan recovery failed", "error", err)
			}
		}
	}
}

// recoverOrphans returns claimed jobs whose lease expired to pending state.
// Redelivery is safe: run progress is checkpointed per node, so a replayed
// job resumes from the last checkpoint instead of re-executing work.
func (p *WorkerPool) recoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.VisibilityTimeout)

	tag, err := p.queue.pool.Exec(ctx, `
		UPDATE queue_jobs SET state = 'pending', run_at = now(),
			locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE state = 'claimed' AND locked_at < $1`,
		threshold)
	if err != nil {
		return fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}

	recovered := int(tag.RowsAffected())
	if recovered > 0 {
		slog.Warn("Requeued orphaned jobs", "count", recovered)
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.recovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// CleanupStartupOrphans performs a one-time requeue of jobs this pod held
// when it previously crashed. Called once during startup, before the worker
// pool begins processing.
func CleanupStartupOrphans(ctx context.Context, pool *pgxpool.Pool, podID string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE queue_jobs SET state = 'pending', run_at = now(),
			locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE state = 'claimed' AND locked_by LIKE $1`,
		podID+"-worker-%")
	if err != nil {
		return fmt.Errorf("failed to requeue startup orphans: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Warn("Requeued startup orphans from previous run",
			"pod_id", podID,
			"count", n)
	}
	return nil
}
