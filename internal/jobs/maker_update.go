package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/floorlab/nftindexer/internal/domain"
	"github.com/floorlab/nftindexer/internal/validator"
)

// Checker classifies off-chain order state; *validator.Validator satisfies
// it.
type Checker interface {
	OffChainCheck(ctx context.Context, o domain.Order, opts validator.Options) error
}

// OrderInfoQueue is where revalidation pushes the orders it actually
// flipped; *Queue[domain.OrderInfo] satisfies it.
type OrderInfoQueue interface {
	Enqueue(ctx context.Context, id string, info domain.OrderInfo) error
}

// MakerUpdateJob revalidates a maker's live orders after a balance or
// approval change. It only ever flips the reversible dimensions
// (fillable/no-balance, approved/no-approval); terminal transitions belong
// to the event engine.
type MakerUpdateJob struct {
	orders  domain.OrderStore
	checker Checker
	next    OrderInfoQueue

	// onChainRecheck enables the RPC approval fallback for negative
	// approval events, where the projection may lag a pre-approval.
	onChainRecheck bool

	log *slog.Logger
}

// NewMakerUpdateJob creates the handler. next may be nil, in which case
// flipped orders are not fed back into the recompute queue.
func NewMakerUpdateJob(orders domain.OrderStore, checker Checker, next OrderInfoQueue, onChainRecheck bool, log *slog.Logger) *MakerUpdateJob {
	return &MakerUpdateJob{
		orders:         orders,
		checker:        checker,
		next:           next,
		onChainRecheck: onChainRecheck,
		log:            log.With("job", "maker-update"),
	}
}

// Handle lists the orders the change can affect, reclassifies each and
// persists the outcome through the terminal-safe status update.
func (j *MakerUpdateJob) Handle(ctx context.Context, info domain.MakerInfo) error {
	var (
		orders []domain.Order
		err    error
	)
	switch info.Kind {
	case domain.MakerBuyBalance:
		orders, err = j.orders.ListLiveBids(ctx, info.Maker, info.Contract)
	case domain.MakerSellBalance:
		orders, err = j.orders.ListLiveListings(ctx, info.Maker, info.Contract, info.TokenID)
	case domain.MakerSellApproval:
		orders, err = j.orders.ListLiveListings(ctx, info.Maker, info.Contract, nil)
	default:
		return fmt.Errorf("jobs: unknown maker side kind %q", info.Kind)
	}
	if err != nil {
		return fmt.Errorf("jobs: list maker orders: %w", err)
	}

	opts := validator.Options{
		OnChainApprovalRecheck: j.onChainRecheck && info.Kind == domain.MakerSellApproval && !info.Approved,
	}

	for _, o := range orders {
		checkErr := j.checker.OffChainCheck(ctx, o, opts)
		if checkErr != nil && !isDiagnosis(checkErr) {
			return fmt.Errorf("jobs: check %s: %w", o.ID, checkErr)
		}

		fillability, approval, ok := classify(checkErr)
		if !ok {
			// Terminal diagnosis: cancellation/fill transitions are the
			// event engine's to make, not revalidation's.
			continue
		}

		changed, err := j.orders.SetReversibleStatus(ctx, o.ID, fillability, approval)
		if err != nil {
			return fmt.Errorf("jobs: set status %s: %w", o.ID, err)
		}
		if !changed || j.next == nil {
			continue
		}

		next := domain.NewOrderInfo(domain.OrderUpdate{
			ID:         o.ID,
			Kind:       o.Kind,
			Side:       o.Side,
			Maker:      o.Maker,
			TokenSetID: o.TokenSetID,
			Trigger:    info.Trigger,
		})
		if err := j.next.Enqueue(ctx, next.Context, next); err != nil {
			return fmt.Errorf("jobs: enqueue recompute %s: %w", o.ID, err)
		}
	}
	return nil
}

// isDiagnosis distinguishes a validator verdict from an infrastructure
// failure; only the latter should retry the job.
func isDiagnosis(err error) bool {
	for _, d := range []error{
		validator.ErrInvalidTarget, validator.ErrCancelled, validator.ErrFilled,
		validator.ErrNoBalance, validator.ErrNoApproval, validator.ErrNoBalanceNoApproval,
	} {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// classify maps a check outcome onto the reversible status dimensions.
// ok is false for terminal outcomes, which revalidation leaves alone.
func classify(err error) (domain.FillabilityStatus, domain.ApprovalStatus, bool) {
	switch {
	case err == nil:
		return domain.FillabilityFillable, domain.ApprovalApproved, true
	case errors.Is(err, validator.ErrNoBalance):
		return domain.FillabilityNoBalance, domain.ApprovalApproved, true
	case errors.Is(err, validator.ErrNoApproval):
		return domain.FillabilityFillable, domain.ApprovalNoApproval, true
	case errors.Is(err, validator.ErrNoBalanceNoApproval):
		return domain.FillabilityNoBalance, domain.ApprovalNoApproval, true
	}
	return "", "", false
}
