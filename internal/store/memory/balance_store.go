package memory

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

func (s *Store) GetContractKind(_ context.Context, contract common.Address) (domain.TokenKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, ok := s.contracts[contract]
	if !ok {
		return "", domain.ErrNotFound
	}
	return kind, nil
}

func (s *Store) SetContractKind(_ context.Context, contract common.Address, kind domain.TokenKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contracts[contract] = kind
	return nil
}

func (s *Store) GetFtBalance(_ context.Context, currency, owner common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.ftBalances[pairKey{currency, owner}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (s *Store) UpsertFtBalance(_ context.Context, currency, owner common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ftBalances[pairKey{currency, owner}] = new(big.Int).Set(amount)
	return nil
}

func (s *Store) GetNftBalance(_ context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.nftBalances[ownerKey{contract, bigKey(tokenID), owner}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (s *Store) UpsertNftBalance(_ context.Context, contract common.Address, tokenID *big.Int, owner common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nftBalances[ownerKey{contract, bigKey(tokenID), owner}] = new(big.Int).Set(amount)
	return nil
}

func (s *Store) GetNftApproval(_ context.Context, contract, owner, operator common.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nftApprovals[operatorKey{contract, owner, operator}], nil
}

func (s *Store) UpsertNftApproval(_ context.Context, contract, owner, operator common.Address, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nftApprovals[operatorKey{contract, owner, operator}] = approved
	return nil
}

func (s *Store) GetFtApproval(_ context.Context, currency, owner, operator common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.ftApprovals[operatorKey{currency, owner, operator}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (s *Store) UpsertFtApproval(_ context.Context, currency, owner, operator common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ftApprovals[operatorKey{currency, owner, operator}] = new(big.Int).Set(amount)
	return nil
}

// GetMinNonce returns the highest bulk-cancel threshold observed for
// (kind, maker); side-scoped events only count for their side.
func (s *Store) GetMinNonce(_ context.Context, kind domain.OrderKind, maker common.Address, side *domain.OrderSide) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := new(big.Int)
	for _, e := range s.bulkCancels {
		if e.OrderKind != kind || e.Maker != maker {
			continue
		}
		if e.Side != nil && (side == nil || *e.Side != *side) {
			continue
		}
		if e.MinNonce.Cmp(max) > 0 {
			max = e.MinNonce
		}
	}
	return new(big.Int).Set(max), nil
}

func (s *Store) IsNonceCancelled(_ context.Context, kind domain.OrderKind, maker common.Address, nonce *big.Int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.nonceCancels {
		if e.OrderKind == kind && e.Maker == maker && e.Nonce.Cmp(nonce) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) IsOrderCancelled(_ context.Context, kind domain.OrderKind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.cancels {
		if e.OrderKind == kind && e.OrderID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetQuantityFilled(_ context.Context, id string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := new(big.Int)
	for _, e := range s.fills {
		if e.OrderID == id && e.Amount != nil {
			total.Add(total, e.Amount)
		}
	}
	return total, nil
}

// Compile-time interface check.
var _ domain.BalanceStore = (*Store)(nil)
