package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TriggerKind records what caused an order-state change or a recompute.
type TriggerKind string

const (
	TriggerNewOrder     TriggerKind = "new-order"
	TriggerCancel       TriggerKind = "cancel"
	TriggerBulkCancel   TriggerKind = "bulk-cancel"
	TriggerSale         TriggerKind = "sale"
	TriggerBalance      TriggerKind = "balance-change"
	TriggerApproval     TriggerKind = "approval-change"
	TriggerExpiry       TriggerKind = "expiry"
	TriggerRevalidation TriggerKind = "revalidation"
	TriggerReorg        TriggerKind = "reorg"
)

// Trigger carries the transaction context of the event that caused a
// mutation, for audit rows and change notifications.
type Trigger struct {
	Kind        TriggerKind `json:"kind"`
	TxHash      common.Hash `json:"txHash,omitempty"`
	BlockHash   common.Hash `json:"blockHash,omitempty"`
	LogIndex    uint        `json:"logIndex,omitempty"`
	BatchIndex  uint        `json:"batchIndex,omitempty"`
	TxTimestamp int64       `json:"txTimestamp,omitempty"`
}

// OrderUpdate is returned by the transition engine for every order a
// transactional apply actually mutated. It is the unit of work handed to
// the aggregate recompute queue; a duplicate event yields none.
type OrderUpdate struct {
	ID         string
	Kind       OrderKind
	Side       OrderSide
	Maker      common.Address
	TokenSetID string
	Trigger    Trigger
}

// OrderInfo is the payload of the order-update (aggregate recompute) queue.
// Context is the deterministic dedup id: jobs sharing a context are
// processed at most once while the dedup window holds.
type OrderInfo struct {
	Context string  `json:"context"`
	ID      string  `json:"id,omitempty"`
	Trigger Trigger `json:"trigger"`

	// Set instead of ID for recomputes that are not tied to a specific
	// order, e.g. revalidation sweeps.
	TokenSetID string    `json:"tokenSetId,omitempty"`
	Side       OrderSide `json:"side,omitempty"`
}

// NewOrderInfo builds an OrderInfo for a mutated order.
func NewOrderInfo(u OrderUpdate) OrderInfo {
	return OrderInfo{
		Context: fmt.Sprintf("%s-%s", u.Trigger.Kind, u.ID),
		ID:      u.ID,
		Trigger: u.Trigger,
	}
}

// MakerSideKind says which validation dimension of a maker's orders a
// balance/approval event touches.
type MakerSideKind string

const (
	MakerBuyBalance   MakerSideKind = "buy-balance"
	MakerSellBalance  MakerSideKind = "sell-balance"
	MakerSellApproval MakerSideKind = "sell-approval"
)

// MakerInfo is the payload of the maker-revalidation queue: one maker whose
// balance or approval state changed, scoped to the affected dimension.
type MakerInfo struct {
	Context   string        `json:"context"`
	Maker     common.Address `json:"maker"`
	Kind      MakerSideKind `json:"kind"`
	Contract  common.Address `json:"contract"`
	TokenID   *big.Int      `json:"tokenId,omitempty"`
	Operator  *common.Address `json:"operator,omitempty"`
	Approved  bool          `json:"approved,omitempty"`
	Timestamp int64         `json:"timestamp"`
	Trigger   Trigger       `json:"trigger"`
}

// FillInfo is the payload of the fill-updates queue, feeding last-sale
// caches and sale notifications.
type FillInfo struct {
	Context   string         `json:"context"`
	OrderID   string         `json:"orderId"`
	OrderSide OrderSide      `json:"orderSide"`
	Contract  common.Address `json:"contract"`
	TokenID   *big.Int       `json:"tokenId"`
	Amount    *big.Int       `json:"amount"`
	Price     *big.Int       `json:"price"`
	Maker     common.Address `json:"maker"`
	Taker     common.Address `json:"taker"`
	Timestamp int64          `json:"timestamp"`
}

// FillCursor is the stable resume point for cursor-driven fill processing,
// ordered by (block, logIndex, batchIndex).
type FillCursor struct {
	Block      uint64 `json:"block"`
	LogIndex   uint   `json:"logIndex"`
	BatchIndex uint   `json:"batchIndex"`
}

// Less reports cursor ordering.
func (c FillCursor) Less(o FillCursor) bool {
	if c.Block != o.Block {
		return c.Block < o.Block
	}
	if c.LogIndex != o.LogIndex {
		return c.LogIndex < o.LogIndex
	}
	return c.BatchIndex < o.BatchIndex
}

// OrderCursor is the stable resume point for order revalidation backfills,
// ordered by (updatedAt, id).
type OrderCursor struct {
	UpdatedAt int64  `json:"updatedAt"`
	ID        string `json:"id"`
}
