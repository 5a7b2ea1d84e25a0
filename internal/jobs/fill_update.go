package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/floorlab/nftindexer/internal/domain"
)

// FillUpdateJob maintains the last-sale satellite cache from recorded
// trades. The upsert keeps only the most recent observation, so replays
// and out-of-order delivery are harmless.
type FillUpdateJob struct {
	aggregates domain.AggregateStore
	log        *slog.Logger
}

// NewFillUpdateJob creates the handler.
func NewFillUpdateJob(aggregates domain.AggregateStore, log *slog.Logger) *FillUpdateJob {
	return &FillUpdateJob{aggregates: aggregates, log: log.With("job", "fill-update")}
}

// Handle refreshes the token's last sale.
func (j *FillUpdateJob) Handle(ctx context.Context, info domain.FillInfo) error {
	err := j.aggregates.UpdateLastSale(ctx, info.Contract, info.TokenID, info.Price, info.Timestamp)
	if err != nil {
		return fmt.Errorf("jobs: update last sale: %w", err)
	}
	return nil
}
