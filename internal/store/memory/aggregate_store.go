package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

func (s *Store) tokenRow(k tokenKey) *tokenRow {
	row, ok := s.tokens[k]
	if !ok {
		row = &tokenRow{}
		s.tokens[k] = row
	}
	return row
}

func (s *Store) collectionRow(contract common.Address) *collectionRow {
	row, ok := s.collections[contract]
	if !ok {
		row = &collectionRow{}
		s.collections[contract] = row
	}
	return row
}

// bestOrder finds the winning active order covering the token on the given
// side: lowest value for asks, highest for bids, order id as tie break.
func (s *Store) bestOrder(contract common.Address, tokenID *big.Int, side domain.OrderSide) *domain.AggregateValue {
	var best *domain.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.Side != side || !o.Active() || o.Contract != contract {
			continue
		}
		if !s.setContains(o.TokenSetID, contract, tokenID) {
			continue
		}
		// A maker holding the token cannot back its own top bid.
		if side == domain.OrderSideBuy {
			if held, ok := s.nftBalances[ownerKey{contract, bigKey(tokenID), o.Maker}]; ok && held.Sign() > 0 {
				continue
			}
		}
		if best == nil {
			best = o
			continue
		}
		cmp := o.Value.Cmp(best.Value)
		if side == domain.OrderSideSell {
			if cmp < 0 || (cmp == 0 && o.ID < best.ID) {
				best = o
			}
		} else {
			if cmp > 0 || (cmp == 0 && o.ID < best.ID) {
				best = o
			}
		}
	}
	if best == nil {
		return nil
	}
	return &domain.AggregateValue{OrderID: best.ID, Maker: best.Maker, Value: copyBig(best.Value)}
}

// affectedTokens resolves which tokens a recompute for the set must visit.
// Explicit sets carry their membership; contract and range sets cover every
// token the store tracks on the contract, so a mutation on a wide bid
// reaches the token rows that cached it. Callers hold s.mu.
func (s *Store) affectedTokens(set domain.TokenSet) []domain.Token {
	switch set.Kind {
	case domain.TokenSetKindContract, domain.TokenSetKindRange:
		var out []domain.Token
		for k := range s.tokens {
			if k.contract != set.Contract {
				continue
			}
			id, ok := new(big.Int).SetString(k.tokenID, 10)
			if !ok {
				continue
			}
			if set.Kind == domain.TokenSetKindRange {
				if set.RangeStart == nil || set.RangeEnd == nil ||
					id.Cmp(set.RangeStart) < 0 || id.Cmp(set.RangeEnd) > 0 {
					continue
				}
			}
			out = append(out, domain.Token{Contract: k.contract, TokenID: id})
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].TokenID.Cmp(out[j].TokenID) < 0
		})
		return out
	default:
		return set.Tokens
	}
}

func (s *Store) recomputeTokens(tokenSetID string, side domain.OrderSide, kind domain.AggregateKind, trig domain.Trigger) []domain.AggregateChange {
	set, ok := s.tokenSets[tokenSetID]
	if !ok {
		return nil
	}

	var changes []domain.AggregateChange
	for _, t := range s.affectedTokens(set) {
		row := s.tokenRow(tokenKey{t.Contract, bigKey(t.TokenID)})
		prev := row.floorAsk
		if kind == domain.AggregateTopBid {
			prev = row.topBid
		}

		next := s.bestOrder(t.Contract, t.TokenID, side)
		if next.Equal(prev) {
			continue
		}
		if kind == domain.AggregateTopBid {
			row.topBid = next
		} else {
			row.floorAsk = next
		}
		changes = append(changes, domain.AggregateChange{
			Entity:   domain.EntityToken,
			Kind:     kind,
			EntityID: fmt.Sprintf("%s:%s", strings.ToLower(t.Contract.Hex()), bigKey(t.TokenID)),
			Contract: t.Contract,
			TokenID:  t.TokenID,
			Before:   prev,
			After:    next,
			Trigger:  trig,
		})
	}
	return changes
}

// RecomputeTokenFloorAsk recomputes the floor ask of every token the set
// covers, returning only actual changes.
func (s *Store) RecomputeTokenFloorAsk(_ context.Context, tokenSetID string, trig domain.Trigger) ([]domain.AggregateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputeTokens(tokenSetID, domain.OrderSideSell, domain.AggregateFloorAsk, trig), nil
}

// RecomputeTokenTopBid recomputes the top bid of every token the set
// covers, returning only actual changes.
func (s *Store) RecomputeTokenTopBid(_ context.Context, tokenSetID string, trig domain.Trigger) ([]domain.AggregateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputeTokens(tokenSetID, domain.OrderSideBuy, domain.AggregateTopBid, trig), nil
}

func (s *Store) recomputeCollection(contract common.Address, kind domain.AggregateKind, trig domain.Trigger) *domain.AggregateChange {
	var next *domain.AggregateValue
	for k, row := range s.tokens {
		if k.contract != contract {
			continue
		}
		candidate := row.floorAsk
		if kind == domain.AggregateTopBid {
			candidate = row.topBid
		}
		if candidate == nil {
			continue
		}
		if next == nil {
			next = candidate
			continue
		}
		cmp := candidate.Value.Cmp(next.Value)
		if kind == domain.AggregateFloorAsk {
			if cmp < 0 || (cmp == 0 && candidate.OrderID < next.OrderID) {
				next = candidate
			}
		} else {
			if cmp > 0 || (cmp == 0 && candidate.OrderID < next.OrderID) {
				next = candidate
			}
		}
	}

	row := s.collectionRow(contract)
	prev := row.floorAsk
	if kind == domain.AggregateTopBid {
		prev = row.topBid
	}
	if next.Equal(prev) {
		return nil
	}
	if kind == domain.AggregateTopBid {
		row.topBid = next
	} else {
		row.floorAsk = next
	}
	return &domain.AggregateChange{
		Entity:   domain.EntityCollection,
		Kind:     kind,
		EntityID: strings.ToLower(contract.Hex()),
		Contract: contract,
		Before:   prev,
		After:    next,
		Trigger:  trig,
	}
}

// RecomputeCollectionFloorAsk recomputes the collection floor ask from the
// token-level floors; nil when unchanged.
func (s *Store) RecomputeCollectionFloorAsk(_ context.Context, contract common.Address, trig domain.Trigger) (*domain.AggregateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputeCollection(contract, domain.AggregateFloorAsk, trig), nil
}

// RecomputeCollectionTopBid recomputes the collection top bid from the
// token-level top bids; nil when unchanged.
func (s *Store) RecomputeCollectionTopBid(_ context.Context, contract common.Address, trig domain.Trigger) (*domain.AggregateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputeCollection(contract, domain.AggregateTopBid, trig), nil
}

// UpdateLastSale refreshes the token's last-sale cache, keeping the most
// recent observation.
func (s *Store) UpdateLastSale(_ context.Context, contract common.Address, tokenID *big.Int, price *big.Int, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.tokenRow(tokenKey{contract, bigKey(tokenID)})
	if row.lastSaleTimestamp > timestamp {
		return nil
	}
	row.lastSaleValue = copyBig(price)
	row.lastSaleTimestamp = timestamp
	return nil
}

// Compile-time interface check.
var _ domain.AggregateStore = (*Store)(nil)
