package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderStore persists canonical orders. Orders are never physically
// deleted; cancellation, fill and expiry are status values.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)

	// SetReversibleStatus writes the outcome of a revalidation. The update
	// predicate only flips the reversible dimensions (fillable/no-balance
	// and approved/no-approval); terminal orders are left untouched. It
	// reports whether a row actually changed.
	SetReversibleStatus(ctx context.Context, id string, fillability FillabilityStatus, approval ApprovalStatus) (bool, error)

	// ListLiveBids returns the maker's live buy orders denominated in the
	// given currency.
	ListLiveBids(ctx context.Context, maker, currency common.Address) ([]Order, error)

	// ListLiveListings returns the maker's live sell orders whose token set
	// contains the given token (including contract-wide sets). A nil
	// tokenID matches every listing on the contract.
	ListLiveListings(ctx context.Context, maker, contract common.Address, tokenID *big.Int) ([]Order, error)

	// MarkExpired flips up to limit overdue live orders to expired and
	// returns the mutated set for downstream recompute.
	MarkExpired(ctx context.Context, now time.Time, limit int) ([]OrderUpdate, error)

	// ListForRevalidation pages live orders in (updatedAt, id) order
	// starting strictly after the cursor.
	ListForRevalidation(ctx context.Context, cursor OrderCursor, limit int) ([]Order, error)
}

// EventStore is the transactional transition engine: every Apply method
// inserts its event rows with conflict-free semantics on the shared
// idempotency key and, inside the same transaction, conditionally updates
// matching orders. Duplicate events insert nothing and mutate nothing.
type EventStore interface {
	// ApplyFills records trades, decrements quantity_remaining and flips
	// exhausted orders to filled.
	ApplyFills(ctx context.Context, events []FillEvent) (inserted []FillEvent, updated []OrderUpdate, err error)

	// ApplyCancels cancels orders individually by id.
	ApplyCancels(ctx context.Context, events []CancelEvent) (inserted []CancelEvent, updated []OrderUpdate, err error)

	// ApplyNonceCancels cancels orders carrying the exact (kind, maker,
	// nonce).
	ApplyNonceCancels(ctx context.Context, events []NonceCancelEvent) (inserted []NonceCancelEvent, updated []OrderUpdate, err error)

	// ApplyBulkCancels cancels every live order of (kind, maker) with
	// nonce strictly below the event's min nonce.
	ApplyBulkCancels(ctx context.Context, events []BulkCancelEvent) (inserted []BulkCancelEvent, updated []OrderUpdate, err error)

	// ApplyNftApprovals records approval flips. Order status is not
	// touched here; the maker-revalidation job reacts to inserted events.
	ApplyNftApprovals(ctx context.Context, events []NftApprovalEvent) (inserted []NftApprovalEvent, err error)

	// ApplyNftTransfers records transfers and upserts the nft_balances
	// projection.
	ApplyNftTransfers(ctx context.Context, events []NftTransferEvent) (inserted []NftTransferEvent, err error)

	// ApplyFtTransfers records transfers and upserts the ft_balances
	// projection.
	ApplyFtTransfers(ctx context.Context, events []FtTransferEvent) (inserted []FtTransferEvent, err error)

	// RemoveBlockEvents deletes every event row recorded against the
	// orphaned (block, blockHash). Order statuses are deliberately not
	// reverted; see DESIGN.md.
	RemoveBlockEvents(ctx context.Context, block uint64, blockHash common.Hash) error

	// ListFills pages fill events in cursor order, strictly after cursor.
	ListFills(ctx context.Context, cursor FillCursor, limit int) ([]FillEvent, error)
}

// BalanceStore exposes the locally cached projections of on-chain state
// the oracle reads, plus the idempotent upserts used by ingestion and by
// the on-chain recheck fallback.
type BalanceStore interface {
	GetContractKind(ctx context.Context, contract common.Address) (TokenKind, error)
	SetContractKind(ctx context.Context, contract common.Address, kind TokenKind) error

	GetFtBalance(ctx context.Context, currency, owner common.Address) (*big.Int, error)
	UpsertFtBalance(ctx context.Context, currency, owner common.Address, amount *big.Int) error

	GetNftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error)
	UpsertNftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address, amount *big.Int) error

	GetNftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error)
	UpsertNftApproval(ctx context.Context, contract, owner, operator common.Address, approved bool) error

	GetFtApproval(ctx context.Context, currency, owner, operator common.Address) (*big.Int, error)
	UpsertFtApproval(ctx context.Context, currency, owner, operator common.Address, amount *big.Int) error

	// GetMinNonce returns the highest bulk-cancel threshold observed for
	// (kind, maker), optionally scoped per side; zero when none.
	GetMinNonce(ctx context.Context, kind OrderKind, maker common.Address, side *OrderSide) (*big.Int, error)
	IsNonceCancelled(ctx context.Context, kind OrderKind, maker common.Address, nonce *big.Int) (bool, error)
	IsOrderCancelled(ctx context.Context, kind OrderKind, id string) (bool, error)
	GetQuantityFilled(ctx context.Context, id string) (*big.Int, error)
}

// TokenSetStore persists token sets. Create is idempotent on the
// content-derived id; membership is write-once.
type TokenSetStore interface {
	Create(ctx context.Context, set TokenSet) error
	GetByID(ctx context.Context, id string) (TokenSet, error)
	Tokens(ctx context.Context, id string) ([]Token, error)
}

// AggregateStore recomputes derived floor-ask / top-bid caches from the
// live order set. Every recompute is change-gated: the cache is written and
// a change returned only when the winning order differs from the cached
// one, so duplicate recomputes are free.
type AggregateStore interface {
	RecomputeTokenFloorAsk(ctx context.Context, tokenSetID string, trigger Trigger) ([]AggregateChange, error)
	RecomputeTokenTopBid(ctx context.Context, tokenSetID string, trigger Trigger) ([]AggregateChange, error)
	RecomputeCollectionFloorAsk(ctx context.Context, contract common.Address, trigger Trigger) (*AggregateChange, error)
	RecomputeCollectionTopBid(ctx context.Context, contract common.Address, trigger Trigger) (*AggregateChange, error)

	// UpdateLastSale refreshes the token's last-sale satellite cache when
	// a newer fill is observed.
	UpdateLastSale(ctx context.Context, contract common.Address, tokenID *big.Int, price *big.Int, timestamp int64) error
}
