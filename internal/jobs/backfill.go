package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/floorlab/nftindexer/internal/domain"
	"github.com/floorlab/nftindexer/internal/validator"
)

// BatchProcessor is one resumable unit of backfill work: visit up to limit
// items after cursor and return how many were processed plus the resume
// point. A full batch (processed == limit) signals more work remains.
type BatchProcessor[C any] interface {
	Process(ctx context.Context, cursor C, limit int) (processed int, next C, err error)
}

// BackfillRunner drives a BatchProcessor to completion. Rate-limit errors
// re-run the same cursor after the server-supplied delay, floored at the
// configured minimum, so a restart never skips or double-visits a batch:
// the cursor only advances on success.
type BackfillRunner[C any] struct {
	name           string
	proc           BatchProcessor[C]
	limit          int
	rateLimitFloor time.Duration
	log            *slog.Logger
}

// NewBackfillRunner creates a runner.
func NewBackfillRunner[C any](name string, proc BatchProcessor[C], limit int, rateLimitFloor time.Duration, log *slog.Logger) *BackfillRunner[C] {
	return &BackfillRunner[C]{
		name:           name,
		proc:           proc,
		limit:          limit,
		rateLimitFloor: rateLimitFloor,
		log:            log.With("backfill", name),
	}
}

// Run processes batches from start until a batch comes back short,
// returning the final cursor for persistence.
func (r *BackfillRunner[C]) Run(ctx context.Context, start C) (C, error) {
	cursor := start
	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		processed, next, err := r.proc.Process(ctx, cursor, r.limit)
		if err != nil {
			if rl, ok := domain.AsRateLimit(err); ok {
				delay := rl.RetryAfter
				if delay < r.rateLimitFloor {
					delay = r.rateLimitFloor
				}
				r.log.Warn("rate limited, holding cursor", "delay", delay)
				sleep(ctx, delay)
				continue
			}
			return cursor, fmt.Errorf("jobs: backfill %s: %w", r.name, err)
		}

		cursor = next
		if processed < r.limit {
			return cursor, nil
		}
	}
}

// RevalidationProcessor pages live orders and re-runs the off-chain check
// over each, feeding flipped orders into the recompute queue. Its cursor is
// (updatedAt, id), so every live order is visited exactly once per sweep
// even across restarts.
type RevalidationProcessor struct {
	orders  domain.OrderStore
	checker Checker
	next    OrderInfoQueue
	log     *slog.Logger
}

// NewRevalidationProcessor creates the processor.
func NewRevalidationProcessor(orders domain.OrderStore, checker Checker, next OrderInfoQueue, log *slog.Logger) *RevalidationProcessor {
	return &RevalidationProcessor{
		orders:  orders,
		checker: checker,
		next:    next,
		log:     log.With("backfill", "revalidation"),
	}
}

// Process revalidates one page of live orders.
func (p *RevalidationProcessor) Process(ctx context.Context, cursor domain.OrderCursor, limit int) (int, domain.OrderCursor, error) {
	orders, err := p.orders.ListForRevalidation(ctx, cursor, limit)
	if err != nil {
		return 0, cursor, fmt.Errorf("jobs: list for revalidation: %w", err)
	}

	trig := domain.Trigger{Kind: domain.TriggerRevalidation, TxTimestamp: time.Now().Unix()}
	for _, o := range orders {
		checkErr := p.checker.OffChainCheck(ctx, o, validator.Options{CheckFilledOrCancelled: true})
		if checkErr != nil && !isDiagnosis(checkErr) {
			return 0, cursor, fmt.Errorf("jobs: revalidate %s: %w", o.ID, checkErr)
		}

		fillability, approval, ok := classify(checkErr)
		if !ok {
			continue
		}
		changed, err := p.orders.SetReversibleStatus(ctx, o.ID, fillability, approval)
		if err != nil {
			return 0, cursor, fmt.Errorf("jobs: revalidate set status %s: %w", o.ID, err)
		}
		if changed && p.next != nil {
			info := domain.NewOrderInfo(domain.OrderUpdate{
				ID:         o.ID,
				Kind:       o.Kind,
				Side:       o.Side,
				Maker:      o.Maker,
				TokenSetID: o.TokenSetID,
				Trigger:    trig,
			})
			if err := p.next.Enqueue(ctx, info.Context, info); err != nil {
				return 0, cursor, fmt.Errorf("jobs: enqueue revalidation recompute: %w", err)
			}
		}
	}

	next := cursor
	if len(orders) > 0 {
		last := orders[len(orders)-1]
		next = domain.OrderCursor{UpdatedAt: last.UpdatedAt.Unix(), ID: last.ID}
	}
	return len(orders), next, nil
}
