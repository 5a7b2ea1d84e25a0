// Package oracle answers the balance, approval and nonce questions order
// validation asks. Reads are served from the locally ingested projections;
// each read has an explicit fetch-and-update fallback that consults the
// chain and persists the fresh value back, for cases where the projection
// has not observed a state change yet.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

// ErrUnknownKind is returned when a contract answers neither the erc721
// nor the erc1155 ERC165 probe.
var ErrUnknownKind = errors.New("unknown contract kind")

// Oracle layers the on-chain recheck fallback over a BalanceStore
// projection. A nil ChainReader disables the fallback; every FetchAndUpdate
// call then fails and callers fall back to the cached value.
type Oracle struct {
	store domain.BalanceStore
	chain ChainReader
	kinds *KindCache
	log   *slog.Logger
}

// New creates an Oracle. chain may be nil in environments without RPC
// access (tests, offline backfills).
func New(store domain.BalanceStore, chain ChainReader, kinds *KindCache, log *slog.Logger) *Oracle {
	return &Oracle{store: store, chain: chain, kinds: kinds, log: log.With("component", "oracle")}
}

// ContractKind resolves a contract's token kind: TTL cache, then the
// store, then ERC165 detection (persisted on success).
func (o *Oracle) ContractKind(ctx context.Context, contract common.Address) (domain.TokenKind, error) {
	if kind, ok := o.kinds.Get(contract); ok {
		return kind, nil
	}

	kind, err := o.store.GetContractKind(ctx, contract)
	if err == nil {
		o.kinds.Set(contract, kind)
		return kind, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	if o.chain == nil {
		return "", fmt.Errorf("oracle: contract %s kind unknown and no chain reader", contract)
	}
	kind, err = o.chain.DetectKind(ctx, contract)
	if err != nil {
		return "", err
	}
	if err := o.store.SetContractKind(ctx, contract, kind); err != nil {
		return "", err
	}
	o.kinds.Set(contract, kind)
	o.log.Debug("detected contract kind", "contract", contract, "kind", kind)
	return kind, nil
}

// GetFtBalance returns the projected fungible balance.
func (o *Oracle) GetFtBalance(ctx context.Context, currency, owner common.Address) (*big.Int, error) {
	return o.store.GetFtBalance(ctx, currency, owner)
}

// FetchAndUpdateFtBalance reads the balance on chain and persists it.
func (o *Oracle) FetchAndUpdateFtBalance(ctx context.Context, currency, owner common.Address) (*big.Int, error) {
	if o.chain == nil {
		return nil, errors.New("oracle: no chain reader")
	}
	amount, err := o.chain.FtBalance(ctx, currency, owner)
	if err != nil {
		return nil, err
	}
	if err := o.store.UpsertFtBalance(ctx, currency, owner, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// GetNftBalance returns the projected NFT balance.
func (o *Oracle) GetNftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error) {
	return o.store.GetNftBalance(ctx, contract, tokenID, owner)
}

// FetchAndUpdateNftBalance reads the balance on chain and persists it.
func (o *Oracle) FetchAndUpdateNftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error) {
	if o.chain == nil {
		return nil, errors.New("oracle: no chain reader")
	}
	kind, err := o.ContractKind(ctx, contract)
	if err != nil {
		return nil, err
	}
	amount, err := o.chain.NftBalance(ctx, contract, tokenID, owner, kind)
	if err != nil {
		return nil, err
	}
	if err := o.store.UpsertNftBalance(ctx, contract, tokenID, owner, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// GetNftApproval returns the projected operator approval.
func (o *Oracle) GetNftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error) {
	return o.store.GetNftApproval(ctx, contract, owner, operator)
}

// FetchAndUpdateNftApproval reads the approval on chain and persists it.
// This is the path for operators an NFT pre-approves before our projection
// observed any ApprovalForAll log.
func (o *Oracle) FetchAndUpdateNftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error) {
	if o.chain == nil {
		return false, errors.New("oracle: no chain reader")
	}
	approved, err := o.chain.NftApproval(ctx, contract, owner, operator)
	if err != nil {
		return false, err
	}
	if err := o.store.UpsertNftApproval(ctx, contract, owner, operator, approved); err != nil {
		return false, err
	}
	return approved, nil
}

// GetFtApproval returns the projected fungible allowance.
func (o *Oracle) GetFtApproval(ctx context.Context, currency, owner, operator common.Address) (*big.Int, error) {
	return o.store.GetFtApproval(ctx, currency, owner, operator)
}

// FetchAndUpdateFtApproval reads the allowance on chain and persists it.
func (o *Oracle) FetchAndUpdateFtApproval(ctx context.Context, currency, owner, operator common.Address) (*big.Int, error) {
	if o.chain == nil {
		return nil, errors.New("oracle: no chain reader")
	}
	amount, err := o.chain.FtAllowance(ctx, currency, owner, operator)
	if err != nil {
		return nil, err
	}
	if err := o.store.UpsertFtApproval(ctx, currency, owner, operator, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// GetMinNonce returns the highest bulk-cancel threshold for (kind, maker).
func (o *Oracle) GetMinNonce(ctx context.Context, kind domain.OrderKind, maker common.Address, side *domain.OrderSide) (*big.Int, error) {
	return o.store.GetMinNonce(ctx, kind, maker, side)
}

// IsNonceCancelled reports whether the exact nonce was cancelled.
func (o *Oracle) IsNonceCancelled(ctx context.Context, kind domain.OrderKind, maker common.Address, nonce *big.Int) (bool, error) {
	return o.store.IsNonceCancelled(ctx, kind, maker, nonce)
}

// IsOrderCancelled reports whether the order id was individually cancelled.
func (o *Oracle) IsOrderCancelled(ctx context.Context, kind domain.OrderKind, id string) (bool, error) {
	return o.store.IsOrderCancelled(ctx, kind, id)
}

// GetQuantityFilled sums the recorded fill amounts of an order.
func (o *Oracle) GetQuantityFilled(ctx context.Context, id string) (*big.Int, error) {
	return o.store.GetQuantityFilled(ctx, id)
}
