package jobs

import (
	"context"

	"github.com/floorlab/nftindexer/internal/domain"
)

// The fan-out adapters bind typed queues to the batch-shaped interfaces the
// ingest engine expects. Job ids come from the payload contexts, which are
// deterministic, so re-processing a batch cannot enqueue duplicates within
// the dedup window.

// OrderFanout feeds the order-update queue.
type OrderFanout struct {
	Queue *Queue[domain.OrderInfo]
}

func (f OrderFanout) EnqueueOrderInfos(ctx context.Context, infos []domain.OrderInfo) error {
	for _, info := range infos {
		if err := f.Queue.Enqueue(ctx, info.Context, info); err != nil {
			return err
		}
	}
	return nil
}

// MakerFanout feeds the maker-revalidation queue.
type MakerFanout struct {
	Queue *Queue[domain.MakerInfo]
}

func (f MakerFanout) EnqueueMakerInfos(ctx context.Context, infos []domain.MakerInfo) error {
	for _, info := range infos {
		if err := f.Queue.Enqueue(ctx, info.Context, info); err != nil {
			return err
		}
	}
	return nil
}

// FillFanout feeds the fill-update queue.
type FillFanout struct {
	Queue *Queue[domain.FillInfo]
}

func (f FillFanout) EnqueueFillInfos(ctx context.Context, infos []domain.FillInfo) error {
	for _, info := range infos {
		if err := f.Queue.Enqueue(ctx, info.Context, info); err != nil {
			return err
		}
	}
	return nil
}
