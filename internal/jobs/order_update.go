package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

// Notifier publishes aggregate changes to downstream consumers.
type Notifier interface {
	AggregateChanged(ctx context.Context, change domain.AggregateChange) error
}

// OrderUpdateJob recomputes the floor-ask / top-bid caches touched by one
// order mutation. The store operations are change-gated, so processing the
// same mutation twice emits nothing the second time.
type OrderUpdateJob struct {
	orders     domain.OrderStore
	sets       domain.TokenSetStore
	aggregates domain.AggregateStore
	notifier   Notifier
	log        *slog.Logger
}

// NewOrderUpdateJob creates the handler. notifier may be nil.
func NewOrderUpdateJob(orders domain.OrderStore, sets domain.TokenSetStore, aggregates domain.AggregateStore, notifier Notifier, log *slog.Logger) *OrderUpdateJob {
	return &OrderUpdateJob{
		orders:     orders,
		sets:       sets,
		aggregates: aggregates,
		notifier:   notifier,
		log:        log.With("job", "order-update"),
	}
}

// Handle resolves the affected token set and side, recomputes the matching
// aggregates and cascades token-level floor changes to the collection.
func (j *OrderUpdateJob) Handle(ctx context.Context, info domain.OrderInfo) error {
	setID := info.TokenSetID
	side := info.Side
	var contract common.Address

	if info.ID != "" {
		o, err := j.orders.GetByID(ctx, info.ID)
		if errors.Is(err, domain.ErrNotFound) {
			j.log.Warn("order vanished before recompute", "order", info.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("jobs: load order %s: %w", info.ID, err)
		}
		setID, side, contract = o.TokenSetID, o.Side, o.Contract
	} else {
		set, err := j.sets.GetByID(ctx, setID)
		if errors.Is(err, domain.ErrNotFound) {
			j.log.Warn("token set vanished before recompute", "tokenSet", setID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("jobs: load token set %s: %w", setID, err)
		}
		contract = set.Contract
	}

	if side == domain.OrderSideSell {
		return j.recomputeAsks(ctx, setID, contract, info.Trigger)
	}
	return j.recomputeBids(ctx, setID, contract, info.Trigger)
}

func (j *OrderUpdateJob) recomputeAsks(ctx context.Context, setID string, contract common.Address, trig domain.Trigger) error {
	changes, err := j.aggregates.RecomputeTokenFloorAsk(ctx, setID, trig)
	if err != nil {
		return fmt.Errorf("jobs: recompute floor ask %s: %w", setID, err)
	}
	if err := j.notify(ctx, changes); err != nil {
		return err
	}

	// Collection floors derive from token floors: only a token-level
	// change can move them.
	if len(changes) == 0 {
		return nil
	}
	change, err := j.aggregates.RecomputeCollectionFloorAsk(ctx, contract, trig)
	if err != nil {
		return fmt.Errorf("jobs: recompute collection floor ask: %w", err)
	}
	if change != nil {
		return j.notify(ctx, []domain.AggregateChange{*change})
	}
	return nil
}

func (j *OrderUpdateJob) recomputeBids(ctx context.Context, setID string, contract common.Address, trig domain.Trigger) error {
	changes, err := j.aggregates.RecomputeTokenTopBid(ctx, setID, trig)
	if err != nil {
		return fmt.Errorf("jobs: recompute top bid %s: %w", setID, err)
	}
	if err := j.notify(ctx, changes); err != nil {
		return err
	}

	if len(changes) == 0 {
		return nil
	}
	change, err := j.aggregates.RecomputeCollectionTopBid(ctx, contract, trig)
	if err != nil {
		return fmt.Errorf("jobs: recompute collection top bid: %w", err)
	}
	if change != nil {
		return j.notify(ctx, []domain.AggregateChange{*change})
	}
	return nil
}

func (j *OrderUpdateJob) notify(ctx context.Context, changes []domain.AggregateChange) error {
	if j.notifier == nil {
		return nil
	}
	for _, c := range changes {
		if err := j.notifier.AggregateChanged(ctx, c); err != nil {
			return fmt.Errorf("jobs: notify change: %w", err)
		}
	}
	return nil
}
