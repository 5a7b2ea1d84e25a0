package memory

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

func baseTrigger(kind domain.TriggerKind, p domain.BaseEventParams) domain.Trigger {
	return domain.Trigger{
		Kind:        kind,
		TxHash:      p.TxHash,
		BlockHash:   p.BlockHash,
		LogIndex:    p.LogIndex,
		BatchIndex:  p.BatchIndex,
		TxTimestamp: p.Timestamp,
	}
}

func orderUpdate(o *domain.Order, t domain.Trigger) domain.OrderUpdate {
	return domain.OrderUpdate{
		ID:         o.ID,
		Kind:       o.Kind,
		Side:       o.Side,
		Maker:      o.Maker,
		TokenSetID: o.TokenSetID,
		Trigger:    t,
	}
}

// ApplyFills records trades, decrements quantity_remaining and flips
// exhausted orders to filled.
func (s *Store) ApplyFills(_ context.Context, events []domain.FillEvent) ([]domain.FillEvent, []domain.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []domain.FillEvent
	var updated []domain.OrderUpdate
	for _, e := range events {
		if !s.firstSeen("fill_events", e.Base) {
			continue
		}
		s.fills = append(s.fills, e)
		inserted = append(inserted, e)

		o, ok := s.orders[e.OrderID]
		if !ok || !live(o) {
			continue
		}
		amount := e.Amount
		if amount == nil {
			amount = big.NewInt(1)
		}
		if o.QuantityRemaining.Cmp(amount) <= 0 {
			o.QuantityFilled.Add(o.QuantityFilled, o.QuantityRemaining)
			o.QuantityRemaining.SetInt64(0)
			o.Fillability = domain.FillabilityFilled
		} else {
			o.QuantityFilled.Add(o.QuantityFilled, amount)
			o.QuantityRemaining.Sub(o.QuantityRemaining, amount)
		}
		s.touch(o)
		updated = append(updated, orderUpdate(o, baseTrigger(domain.TriggerSale, e.Base)))
	}
	return inserted, updated, nil
}

// ApplyCancels cancels orders individually by id; only live orders flip.
func (s *Store) ApplyCancels(_ context.Context, events []domain.CancelEvent) ([]domain.CancelEvent, []domain.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []domain.CancelEvent
	var updated []domain.OrderUpdate
	for _, e := range events {
		if !s.firstSeen("cancel_events", e.Base) {
			continue
		}
		s.cancels = append(s.cancels, e)
		inserted = append(inserted, e)

		o, ok := s.orders[e.OrderID]
		if !ok || !live(o) {
			continue
		}
		o.Fillability = domain.FillabilityCancelled
		s.touch(o)
		updated = append(updated, orderUpdate(o, baseTrigger(domain.TriggerCancel, e.Base)))
	}
	return inserted, updated, nil
}

// ApplyNonceCancels cancels every live order carrying the exact
// (kind, maker, nonce).
func (s *Store) ApplyNonceCancels(_ context.Context, events []domain.NonceCancelEvent) ([]domain.NonceCancelEvent, []domain.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []domain.NonceCancelEvent
	var updated []domain.OrderUpdate
	for _, e := range events {
		if !s.firstSeen("nonce_cancel_events", e.Base) {
			continue
		}
		s.nonceCancels = append(s.nonceCancels, e)
		inserted = append(inserted, e)

		for _, id := range s.orderSeq {
			o := s.orders[id]
			if o.Kind != e.OrderKind || o.Maker != e.Maker || !live(o) {
				continue
			}
			if o.Nonce == nil || o.Nonce.Cmp(e.Nonce) != 0 {
				continue
			}
			o.Fillability = domain.FillabilityCancelled
			s.touch(o)
			updated = append(updated, orderUpdate(o, baseTrigger(domain.TriggerCancel, e.Base)))
		}
	}
	return inserted, updated, nil
}

// ApplyBulkCancels cancels every live (kind, maker) order with nonce
// strictly below the event's min nonce, optionally scoped to one side.
func (s *Store) ApplyBulkCancels(_ context.Context, events []domain.BulkCancelEvent) ([]domain.BulkCancelEvent, []domain.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []domain.BulkCancelEvent
	var updated []domain.OrderUpdate
	for _, e := range events {
		if !s.firstSeen("bulk_cancel_events", e.Base) {
			continue
		}
		s.bulkCancels = append(s.bulkCancels, e)
		inserted = append(inserted, e)

		for _, id := range s.orderSeq {
			o := s.orders[id]
			if o.Kind != e.OrderKind || o.Maker != e.Maker || !live(o) {
				continue
			}
			if e.Side != nil && o.Side != *e.Side {
				continue
			}
			if o.Nonce == nil || o.Nonce.Cmp(e.MinNonce) >= 0 {
				continue
			}
			o.Fillability = domain.FillabilityCancelled
			s.touch(o)
			updated = append(updated, orderUpdate(o, baseTrigger(domain.TriggerBulkCancel, e.Base)))
		}
	}
	return inserted, updated, nil
}

// ApplyNftApprovals records approval flips and refreshes the approvals
// projection.
func (s *Store) ApplyNftApprovals(_ context.Context, events []domain.NftApprovalEvent) ([]domain.NftApprovalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []domain.NftApprovalEvent
	for _, e := range events {
		if !s.firstSeen("nft_approval_events", e.Base) {
			continue
		}
		inserted = append(inserted, e)
		s.nftApprovals[operatorKey{e.Contract, e.Owner, e.Operator}] = e.Approved
	}
	return inserted, nil
}

// ApplyNftTransfers records transfers and moves balance in the nft_balances
// projection.
func (s *Store) ApplyNftTransfers(_ context.Context, events []domain.NftTransferEvent) ([]domain.NftTransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []domain.NftTransferEvent
	for _, e := range events {
		if !s.firstSeen("nft_transfer_events", e.Base) {
			continue
		}
		inserted = append(inserted, e)

		amount := e.Amount
		if amount == nil {
			amount = big.NewInt(1)
		}
		tid := bigKey(e.TokenID)
		if e.From != (common.Address{}) {
			k := ownerKey{e.Contract, tid, e.From}
			s.nftBalances[k] = sub(s.nftBalances[k], amount)
		}
		if e.To != (common.Address{}) {
			k := ownerKey{e.Contract, tid, e.To}
			s.nftBalances[k] = add(s.nftBalances[k], amount)
		}
	}
	return inserted, nil
}

// ApplyFtTransfers records transfers and moves balance in the ft_balances
// projection.
func (s *Store) ApplyFtTransfers(_ context.Context, events []domain.FtTransferEvent) ([]domain.FtTransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []domain.FtTransferEvent
	for _, e := range events {
		if !s.firstSeen("ft_transfer_events", e.Base) {
			continue
		}
		inserted = append(inserted, e)

		if e.From != (common.Address{}) {
			k := pairKey{e.Currency, e.From}
			s.ftBalances[k] = sub(s.ftBalances[k], e.Amount)
		}
		if e.To != (common.Address{}) {
			k := pairKey{e.Currency, e.To}
			s.ftBalances[k] = add(s.ftBalances[k], e.Amount)
		}
	}
	return inserted, nil
}

// RemoveBlockEvents deletes every event recorded against the orphaned
// (block, blockHash); order statuses are not reverted.
func (s *Store) RemoveBlockEvents(_ context.Context, block uint64, blockHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ref := range s.seen {
		if ref.block == block && ref.blockHash == blockHash {
			delete(s.seen, k)
		}
	}

	keep := s.fills[:0]
	for _, e := range s.fills {
		if e.Base.Block != block || e.Base.BlockHash != blockHash {
			keep = append(keep, e)
		}
	}
	s.fills = keep

	keepCancels := s.cancels[:0]
	for _, e := range s.cancels {
		if e.Base.Block != block || e.Base.BlockHash != blockHash {
			keepCancels = append(keepCancels, e)
		}
	}
	s.cancels = keepCancels

	keepNonce := s.nonceCancels[:0]
	for _, e := range s.nonceCancels {
		if e.Base.Block != block || e.Base.BlockHash != blockHash {
			keepNonce = append(keepNonce, e)
		}
	}
	s.nonceCancels = keepNonce

	keepBulk := s.bulkCancels[:0]
	for _, e := range s.bulkCancels {
		if e.Base.Block != block || e.Base.BlockHash != blockHash {
			keepBulk = append(keepBulk, e)
		}
	}
	s.bulkCancels = keepBulk

	return nil
}

// ListFills pages fill events in (block, logIndex, batchIndex) order,
// strictly after the cursor.
func (s *Store) ListFills(_ context.Context, cursor domain.FillCursor, limit int) ([]domain.FillEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.FillEvent
	for _, e := range s.fills {
		c := domain.FillCursor{Block: e.Base.Block, LogIndex: e.Base.LogIndex, BatchIndex: e.Base.BatchIndex}
		if cursor.Less(c) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a := domain.FillCursor{Block: out[i].Base.Block, LogIndex: out[i].Base.LogIndex, BatchIndex: out[i].Base.BatchIndex}
		b := domain.FillCursor{Block: out[j].Base.Block, LogIndex: out[j].Base.LogIndex, BatchIndex: out[j].Base.BatchIndex}
		return a.Less(b)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func add(a, b *big.Int) *big.Int {
	if a == nil {
		a = new(big.Int)
	}
	return new(big.Int).Add(a, b)
}

func sub(a, b *big.Int) *big.Int {
	if a == nil {
		a = new(big.Int)
	}
	return new(big.Int).Sub(a, b)
}

func bigKey(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Compile-time interface check.
var _ domain.EventStore = (*Store)(nil)
