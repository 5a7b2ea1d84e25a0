// Package ingest routes decoded event batches into the transactional
// transition engine and fans the resulting mutations out to the job queues.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

// OrderQueue receives aggregate-recompute work for mutated orders.
type OrderQueue interface {
	EnqueueOrderInfos(ctx context.Context, infos []domain.OrderInfo) error
}

// MakerQueue receives revalidation work for makers whose balance or
// approval state changed.
type MakerQueue interface {
	EnqueueMakerInfos(ctx context.Context, infos []domain.MakerInfo) error
}

// FillQueue receives recorded trades for last-sale caches and sale
// notifications.
type FillQueue interface {
	EnqueueFillInfos(ctx context.Context, infos []domain.FillInfo) error
}

// Options tune one ProcessBatch call.
type Options struct {
	// Backfill suppresses downstream job enqueues: historical syncs only
	// need the event rows and projections, not a recompute per ancient
	// mutation. A full recompute follows the backfill.
	Backfill bool
}

// Engine consumes EnhancedEvent batches. Everything it enqueues downstream
// derives from rows the store actually inserted or mutated, which is what
// makes re-delivery of a batch a complete no-op.
type Engine struct {
	store      domain.EventStore
	orderQueue OrderQueue
	makerQueue MakerQueue
	fillQueue  FillQueue
	log        *slog.Logger
}

// New creates an Engine. Queues may be nil; fan-out to a nil queue is
// skipped.
func New(store domain.EventStore, orders OrderQueue, makers MakerQueue, fills FillQueue, log *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		orderQueue: orders,
		makerQueue: makers,
		fillQueue:  fills,
		log:        log.With("component", "ingest"),
	}
}

// ProcessBatch validates and buckets the batch by event kind, applies each
// bucket atomically, then enqueues downstream work for the rows actually
// inserted or mutated.
func (e *Engine) ProcessBatch(ctx context.Context, events []domain.EnhancedEvent, opts Options) error {
	var (
		fills        []domain.FillEvent
		cancels      []domain.CancelEvent
		nonceCancels []domain.NonceCancelEvent
		bulkCancels  []domain.BulkCancelEvent
		approvals    []domain.NftApprovalEvent
		nftTransfers []domain.NftTransferEvent
		ftTransfers  []domain.FtTransferEvent
	)
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		switch ev.Kind {
		case domain.EventKindFill:
			fills = append(fills, *ev.Fill)
		case domain.EventKindCancel:
			cancels = append(cancels, *ev.Cancel)
		case domain.EventKindNonceCancel:
			nonceCancels = append(nonceCancels, *ev.NonceCancel)
		case domain.EventKindBulkCancel:
			bulkCancels = append(bulkCancels, *ev.BulkCancel)
		case domain.EventKindNftApproval:
			approvals = append(approvals, *ev.NftApproval)
		case domain.EventKindNftTransfer:
			nftTransfers = append(nftTransfers, *ev.NftTransfer)
		case domain.EventKindFtTransfer:
			ftTransfers = append(ftTransfers, *ev.FtTransfer)
		}
	}

	var updates []domain.OrderUpdate
	var makerInfos []domain.MakerInfo
	var fillInfos []domain.FillInfo

	if len(fills) > 0 {
		inserted, updated, err := e.store.ApplyFills(ctx, fills)
		if err != nil {
			return fmt.Errorf("ingest: apply fills: %w", err)
		}
		updates = append(updates, updated...)
		for _, f := range inserted {
			fillInfos = append(fillInfos, fillInfo(f))
		}
	}

	if len(cancels) > 0 {
		_, updated, err := e.store.ApplyCancels(ctx, cancels)
		if err != nil {
			return fmt.Errorf("ingest: apply cancels: %w", err)
		}
		updates = append(updates, updated...)
	}

	if len(nonceCancels) > 0 {
		_, updated, err := e.store.ApplyNonceCancels(ctx, nonceCancels)
		if err != nil {
			return fmt.Errorf("ingest: apply nonce cancels: %w", err)
		}
		updates = append(updates, updated...)
	}

	if len(bulkCancels) > 0 {
		_, updated, err := e.store.ApplyBulkCancels(ctx, bulkCancels)
		if err != nil {
			return fmt.Errorf("ingest: apply bulk cancels: %w", err)
		}
		updates = append(updates, updated...)
	}

	if len(approvals) > 0 {
		inserted, err := e.store.ApplyNftApprovals(ctx, approvals)
		if err != nil {
			return fmt.Errorf("ingest: apply nft approvals: %w", err)
		}
		for _, a := range inserted {
			op := a.Operator
			makerInfos = append(makerInfos, domain.MakerInfo{
				Context:   fmt.Sprintf("%s-%s", a.Base.EventID(), a.Owner.Hex()),
				Maker:     a.Owner,
				Kind:      domain.MakerSellApproval,
				Contract:  a.Contract,
				Operator:  &op,
				Approved:  a.Approved,
				Timestamp: a.Base.Timestamp,
				Trigger:   approvalTrigger(a.Base),
			})
		}
	}

	if len(nftTransfers) > 0 {
		inserted, err := e.store.ApplyNftTransfers(ctx, nftTransfers)
		if err != nil {
			return fmt.Errorf("ingest: apply nft transfers: %w", err)
		}
		for _, t := range inserted {
			makerInfos = append(makerInfos, transferMakerInfos(t)...)
		}
	}

	if len(ftTransfers) > 0 {
		inserted, err := e.store.ApplyFtTransfers(ctx, ftTransfers)
		if err != nil {
			return fmt.Errorf("ingest: apply ft transfers: %w", err)
		}
		for _, t := range inserted {
			for _, owner := range []common.Address{t.From, t.To} {
				if owner == (common.Address{}) {
					continue
				}
				makerInfos = append(makerInfos, domain.MakerInfo{
					Context:   fmt.Sprintf("%s-%s", t.Base.EventID(), owner.Hex()),
					Maker:     owner,
					Kind:      domain.MakerBuyBalance,
					Contract:  t.Currency,
					Timestamp: t.Base.Timestamp,
					Trigger:   balanceTrigger(t.Base),
				})
			}
		}
	}

	if opts.Backfill {
		e.log.Debug("backfill batch applied", "events", len(events), "mutated", len(updates))
		return nil
	}
	return e.fanOut(ctx, updates, makerInfos, fillInfos)
}

func (e *Engine) fanOut(ctx context.Context, updates []domain.OrderUpdate, makers []domain.MakerInfo, fills []domain.FillInfo) error {
	if len(updates) > 0 && e.orderQueue != nil {
		infos := make([]domain.OrderInfo, len(updates))
		for i, u := range updates {
			infos[i] = domain.NewOrderInfo(u)
		}
		if err := e.orderQueue.EnqueueOrderInfos(ctx, infos); err != nil {
			return fmt.Errorf("ingest: enqueue order infos: %w", err)
		}
	}
	if len(makers) > 0 && e.makerQueue != nil {
		if err := e.makerQueue.EnqueueMakerInfos(ctx, makers); err != nil {
			return fmt.Errorf("ingest: enqueue maker infos: %w", err)
		}
	}
	if len(fills) > 0 && e.fillQueue != nil {
		if err := e.fillQueue.EnqueueFillInfos(ctx, fills); err != nil {
			return fmt.Errorf("ingest: enqueue fill infos: %w", err)
		}
	}
	return nil
}

// HandleReorg removes every event recorded against the orphaned block.
// Statuses derived from those events stay as they are; the canonical chain
// re-delivers its own events and revalidation corrects the rest.
func (e *Engine) HandleReorg(ctx context.Context, block uint64, blockHash common.Hash) error {
	if err := e.store.RemoveBlockEvents(ctx, block, blockHash); err != nil {
		return fmt.Errorf("ingest: reorg block %d: %w", block, err)
	}
	e.log.Info("removed orphaned block events", "block", block, "blockHash", blockHash)
	return nil
}

func fillInfo(f domain.FillEvent) domain.FillInfo {
	return domain.FillInfo{
		Context:   fmt.Sprintf("fill-%s", f.Base.EventID()),
		OrderID:   f.OrderID,
		OrderSide: f.OrderSide,
		Contract:  f.Contract,
		TokenID:   f.TokenID,
		Amount:    f.Amount,
		Price:     f.Price,
		Maker:     f.Maker,
		Taker:     f.Taker,
		Timestamp: f.Base.Timestamp,
	}
}

func transferMakerInfos(t domain.NftTransferEvent) []domain.MakerInfo {
	var infos []domain.MakerInfo
	for _, owner := range []common.Address{t.From, t.To} {
		if owner == (common.Address{}) {
			continue
		}
		infos = append(infos, domain.MakerInfo{
			Context:   fmt.Sprintf("%s-%s", t.Base.EventID(), owner.Hex()),
			Maker:     owner,
			Kind:      domain.MakerSellBalance,
			Contract:  t.Contract,
			TokenID:   t.TokenID,
			Timestamp: t.Base.Timestamp,
			Trigger:   balanceTrigger(t.Base),
		})
	}
	return infos
}

func approvalTrigger(p domain.BaseEventParams) domain.Trigger {
	return domain.Trigger{
		Kind:        domain.TriggerApproval,
		TxHash:      p.TxHash,
		BlockHash:   p.BlockHash,
		LogIndex:    p.LogIndex,
		BatchIndex:  p.BatchIndex,
		TxTimestamp: p.Timestamp,
	}
}

func balanceTrigger(p domain.BaseEventParams) domain.Trigger {
	t := approvalTrigger(p)
	t.Kind = domain.TriggerBalance
	return t
}
