package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/floorlab/nftindexer/internal/domain"
)

// ExpirySweepJob periodically flips overdue live orders to expired. The
// sweep is a cluster singleton: each tick tries the TTL lock and silently
// skips when another instance holds it.
type ExpirySweepJob struct {
	orders   domain.OrderStore
	locks    domain.LockManager
	next     OrderInfoQueue
	interval time.Duration
	lockTTL  time.Duration
	limit    int
	log      *slog.Logger
	now      func() time.Time
}

// NewExpirySweepJob creates the sweep.
func NewExpirySweepJob(orders domain.OrderStore, locks domain.LockManager, next OrderInfoQueue, interval, lockTTL time.Duration, limit int, log *slog.Logger) *ExpirySweepJob {
	return &ExpirySweepJob{
		orders:   orders,
		locks:    locks,
		next:     next,
		interval: interval,
		lockTTL:  lockTTL,
		limit:    limit,
		log:      log.With("job", "expiry-sweep"),
		now:      time.Now,
	}
}

// Run ticks until ctx is done.
func (j *ExpirySweepJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass, draining until a batch comes back short.
func (j *ExpirySweepJob) Sweep(ctx context.Context) error {
	unlock, err := j.locks.Acquire(ctx, "lock:expiry-sweep", j.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil
		}
		return fmt.Errorf("jobs: expiry lock: %w", err)
	}
	defer unlock()

	for {
		updates, err := j.orders.MarkExpired(ctx, j.now(), j.limit)
		if err != nil {
			return fmt.Errorf("jobs: mark expired: %w", err)
		}
		for _, u := range updates {
			info := domain.NewOrderInfo(u)
			if j.next == nil {
				continue
			}
			if err := j.next.Enqueue(ctx, info.Context, info); err != nil {
				return fmt.Errorf("jobs: enqueue expiry recompute: %w", err)
			}
		}
		if len(updates) > 0 {
			j.log.Info("expired orders", "count", len(updates))
		}
		if len(updates) < j.limit {
			return nil
		}
	}
}
