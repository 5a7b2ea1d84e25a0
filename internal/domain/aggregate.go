package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AggregateEntity names the granularity of a derived cache.
type AggregateEntity string

const (
	EntityToken      AggregateEntity = "token"
	EntityCollection AggregateEntity = "collection"
)

// AggregateKind names the cached value.
type AggregateKind string

const (
	AggregateFloorAsk AggregateKind = "floor-ask"
	AggregateTopBid   AggregateKind = "top-bid"
)

// AggregateValue is one side of a cache comparison: the winning order and
// its value. A nil value means "no qualifying order".
type AggregateValue struct {
	OrderID string         `json:"orderId"`
	Maker   common.Address `json:"maker"`
	Value   *big.Int       `json:"value"`
}

// Equal compares winning order id, maker and value; a recompute writes the
// cache and emits a change only when the two sides differ.
func (v *AggregateValue) Equal(o *AggregateValue) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.OrderID != o.OrderID || v.Maker != o.Maker {
		return false
	}
	if v.Value == nil || o.Value == nil {
		return v.Value == o.Value
	}
	return v.Value.Cmp(o.Value) == 0
}

// AggregateChange is the downstream notification record emitted whenever a
// recompute found the cache stale.
type AggregateChange struct {
	Entity   AggregateEntity `json:"entity"`
	Kind     AggregateKind   `json:"kind"`
	EntityID string          `json:"entityId"` // "contract:tokenId" or contract address
	Contract common.Address  `json:"contract"`
	TokenID  *big.Int        `json:"tokenId,omitempty"`
	Before   *AggregateValue `json:"before"`
	After    *AggregateValue `json:"after"`
	Trigger  Trigger         `json:"trigger"`
}
