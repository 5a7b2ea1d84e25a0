package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderKind tags which exchange protocol an order belongs to. The set is
// closed: supporting a new protocol means adding a kind here plus a validator
// implementation, never changing existing ones.
type OrderKind string

const (
	OrderKindSeaport    OrderKind = "seaport"
	OrderKindWyvernV23  OrderKind = "wyvern-v2.3"
	OrderKindLooksRare  OrderKind = "looks-rare"
	OrderKindZeroExV4   OrderKind = "zeroex-v4"
	OrderKindX2Y2       OrderKind = "x2y2"
	OrderKindFoundation OrderKind = "foundation"
)

// OrderSide indicates whether the maker is buying or selling.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// TokenKind is the on-chain standard of an NFT contract.
type TokenKind string

const (
	TokenKindERC721  TokenKind = "erc721"
	TokenKindERC1155 TokenKind = "erc1155"
)

// FillabilityStatus tracks the order lifecycle. The cancelled, filled and
// expired states are terminal; fillable and no-balance flip back and forth
// as maker balances change.
type FillabilityStatus string

const (
	FillabilityFillable  FillabilityStatus = "fillable"
	FillabilityNoBalance FillabilityStatus = "no-balance"
	FillabilityCancelled FillabilityStatus = "cancelled"
	FillabilityFilled    FillabilityStatus = "filled"
	FillabilityExpired   FillabilityStatus = "expired"
)

// Terminal reports whether no further event may move the order back to a
// live state.
func (s FillabilityStatus) Terminal() bool {
	switch s {
	case FillabilityCancelled, FillabilityFilled, FillabilityExpired:
		return true
	}
	return false
}

// ApprovalStatus is the transfer-operator approval dimension of an order,
// orthogonal to fillability and always reversible.
type ApprovalStatus string

const (
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalNoApproval ApprovalStatus = "no-approval"
)

// Order is the canonical record of one marketplace listing or bid,
// normalized across protocols.
type Order struct {
	ID       string // protocol-specific deterministic hash, hex encoded
	Kind     OrderKind
	Side     OrderSide
	Maker    common.Address
	Taker    *common.Address // optional taker restriction
	Currency common.Address  // payment token; zero address for the native coin
	Price    *big.Int        // gross unit price
	Value    *big.Int        // net of fees
	Nonce    *big.Int

	Contract   common.Address
	TokenSetID string
	TokenKind  TokenKind

	QuantityFilled    *big.Int
	QuantityRemaining *big.Int

	Fillability FillabilityStatus
	Approval    ApprovalStatus

	ValidFrom  time.Time
	ValidUntil time.Time // zero means no upper bound
	Expiration time.Time

	// ConduitKey is set for seaport orders only; the transfer operator is
	// derived from it rather than being a fixed exchange address.
	ConduitKey *common.Hash

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Live reports whether the order still participates in aggregates, i.e. it
// has not reached a terminal state.
func (o Order) Live() bool {
	return !o.Fillability.Terminal()
}

// Active reports whether the order is currently fillable and approved.
func (o Order) Active() bool {
	return o.Fillability == FillabilityFillable && o.Approval == ApprovalApproved
}

// Quantity returns the total quantity the order was created for.
func (o Order) Quantity() *big.Int {
	q := new(big.Int)
	if o.QuantityFilled != nil {
		q.Add(q, o.QuantityFilled)
	}
	if o.QuantityRemaining != nil {
		q.Add(q, o.QuantityRemaining)
	}
	return q
}
