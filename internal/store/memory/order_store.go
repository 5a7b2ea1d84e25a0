package memory

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

// Create inserts an order; re-creating an existing id is a no-op.
func (s *Store) Create(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return nil
	}
	c := copyOrder(&o)
	if c.QuantityFilled == nil {
		c.QuantityFilled = new(big.Int)
	}
	if c.QuantityRemaining == nil {
		c.QuantityRemaining = big.NewInt(1)
	}
	s.orders[o.ID] = &c
	s.orderSeq = append(s.orderSeq, o.ID)
	s.touch(&c)
	return nil
}

// GetByID retrieves an order by id.
func (s *Store) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return copyOrder(o), nil
}

// SetReversibleStatus writes a revalidation outcome; terminal orders are
// never touched and unchanged writes report false.
func (s *Store) SetReversibleStatus(_ context.Context, id string, fillability domain.FillabilityStatus, approval domain.ApprovalStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || !live(o) {
		return false, nil
	}
	if o.Fillability == fillability && o.Approval == approval {
		return false, nil
	}
	o.Fillability = fillability
	o.Approval = approval
	s.touch(o)
	return true, nil
}

// ListLiveBids returns the maker's live buy orders in the given currency.
func (s *Store) ListLiveBids(_ context.Context, maker, currency common.Address) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.Side == domain.OrderSideBuy && o.Maker == maker && o.Currency == currency && live(o) {
			out = append(out, copyOrder(o))
		}
	}
	return out, nil
}

// setContains resolves token set membership by kind. Callers hold s.mu.
func (s *Store) setContains(setID string, contract common.Address, tokenID *big.Int) bool {
	set, ok := s.tokenSets[setID]
	if !ok {
		return false
	}
	if set.Contract != contract {
		return false
	}
	switch set.Kind {
	case domain.TokenSetKindContract:
		return true
	case domain.TokenSetKindRange:
		return set.RangeStart != nil && set.RangeEnd != nil &&
			tokenID.Cmp(set.RangeStart) >= 0 && tokenID.Cmp(set.RangeEnd) <= 0
	default:
		for _, t := range set.Tokens {
			if t.Contract == contract && t.TokenID.Cmp(tokenID) == 0 {
				return true
			}
		}
		return false
	}
}

// ListLiveListings returns the maker's live sell orders covering the
// token; a nil tokenID matches every listing on the contract.
func (s *Store) ListLiveListings(_ context.Context, maker, contract common.Address, tokenID *big.Int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.Side != domain.OrderSideSell || o.Maker != maker || o.Contract != contract || !live(o) {
			continue
		}
		if tokenID == nil || s.setContains(o.TokenSetID, contract, tokenID) {
			out = append(out, copyOrder(o))
		}
	}
	return out, nil
}

// MarkExpired flips up to limit overdue live orders to expired.
func (s *Store) MarkExpired(_ context.Context, now time.Time, limit int) ([]domain.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var overdue []*domain.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if live(o) && !o.Expiration.IsZero() && !o.Expiration.After(now) {
			overdue = append(overdue, o)
		}
	}
	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].Expiration.Before(overdue[j].Expiration)
	})
	if len(overdue) > limit {
		overdue = overdue[:limit]
	}

	var updates []domain.OrderUpdate
	for _, o := range overdue {
		o.Fillability = domain.FillabilityExpired
		s.touch(o)
		updates = append(updates, domain.OrderUpdate{
			ID:         o.ID,
			Kind:       o.Kind,
			Side:       o.Side,
			Maker:      o.Maker,
			TokenSetID: o.TokenSetID,
			Trigger:    domain.Trigger{Kind: domain.TriggerExpiry, TxTimestamp: now.Unix()},
		})
	}
	return updates, nil
}

// ListForRevalidation pages live orders in (updatedAt, id) order.
func (s *Store) ListForRevalidation(_ context.Context, cursor domain.OrderCursor, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if !live(o) {
			continue
		}
		at := o.UpdatedAt.Unix()
		if at > cursor.UpdatedAt || (at == cursor.UpdatedAt && o.ID > cursor.ID) {
			candidates = append(candidates, o)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.UpdatedAt.Unix() != b.UpdatedAt.Unix() {
			return a.UpdatedAt.Unix() < b.UpdatedAt.Unix()
		}
		return a.ID < b.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]domain.Order, 0, len(candidates))
	for _, o := range candidates {
		out = append(out, copyOrder(o))
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*Store)(nil)
