package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BaseEventParams locates a decoded log on chain. The tuple
// (Block, BlockHash, TxHash, LogIndex, BatchIndex) is the idempotency key
// shared by every event table: re-ingesting the same log is a no-op.
// BatchIndex disambiguates logs that expand into multiple records, e.g. an
// erc1155 TransferBatch; it starts at 1.
type BaseEventParams struct {
	Address    common.Address
	Block      uint64
	BlockHash  common.Hash
	TxHash     common.Hash
	TxIndex    uint
	LogIndex   uint
	BatchIndex uint
	Timestamp  int64
}

// EventID returns the canonical string form of the idempotency key.
func (p BaseEventParams) EventID() string {
	return fmt.Sprintf("%d-%s-%s-%d-%d", p.Block, p.BlockHash, p.TxHash, p.LogIndex, p.BatchIndex)
}

// EventKind discriminates the event classes the transition engine knows
// how to apply.
type EventKind string

const (
	EventKindFill        EventKind = "fill"
	EventKindCancel      EventKind = "cancel"
	EventKindNonceCancel EventKind = "nonce-cancel"
	EventKindBulkCancel  EventKind = "bulk-cancel"
	EventKindNftApproval EventKind = "nft-approval"
	EventKindNftTransfer EventKind = "nft-transfer"
	EventKindFtTransfer  EventKind = "ft-transfer"
)

// FillEvent records a (partial) execution of an order.
type FillEvent struct {
	OrderKind OrderKind
	OrderID   string
	OrderSide OrderSide
	Maker     common.Address
	Taker     common.Address
	Price     *big.Int
	Contract  common.Address
	TokenID   *big.Int
	Amount    *big.Int
	Base      BaseEventParams
}

// CancelEvent records an on-chain cancellation of a single order by id.
type CancelEvent struct {
	OrderKind OrderKind
	OrderID   string
	Base      BaseEventParams
}

// NonceCancelEvent invalidates every order of the maker carrying the exact
// nonce.
type NonceCancelEvent struct {
	OrderKind OrderKind
	Maker     common.Address
	Nonce     *big.Int
	Base      BaseEventParams
}

// BulkCancelEvent raises the maker's minimum valid nonce: every order of
// that maker and kind with nonce strictly below MinNonce is permanently
// invalidated.
type BulkCancelEvent struct {
	OrderKind OrderKind
	Maker     common.Address
	Side      *OrderSide // some protocols scope bulk cancels per side
	MinNonce  *big.Int
	Base      BaseEventParams
}

// NftApprovalEvent records an ApprovalForAll flip for (owner, operator) on
// an NFT contract.
type NftApprovalEvent struct {
	Contract common.Address
	Owner    common.Address
	Operator common.Address
	Approved bool
	Base     BaseEventParams
}

// NftTransferEvent moves NFT balance between owners. Mints originate from
// the zero address.
type NftTransferEvent struct {
	TokenKind TokenKind
	Contract  common.Address
	From      common.Address
	To        common.Address
	TokenID   *big.Int
	Amount    *big.Int
	Base      BaseEventParams
}

// FtTransferEvent moves fungible balance between owners.
type FtTransferEvent struct {
	Currency common.Address
	From     common.Address
	To       common.Address
	Amount   *big.Int
	Base     BaseEventParams
}

// EnhancedEvent is the input contract from the log-decoding layer: one
// decoded log with exactly one of the payload fields populated according to
// Kind. The engine never parses raw ABI data.
type EnhancedEvent struct {
	Kind EventKind
	Base BaseEventParams

	Fill        *FillEvent
	Cancel      *CancelEvent
	NonceCancel *NonceCancelEvent
	BulkCancel  *BulkCancelEvent
	NftApproval *NftApprovalEvent
	NftTransfer *NftTransferEvent
	FtTransfer  *FtTransferEvent
}

// Validate checks that the payload matches the declared kind.
func (e EnhancedEvent) Validate() error {
	var ok bool
	switch e.Kind {
	case EventKindFill:
		ok = e.Fill != nil
	case EventKindCancel:
		ok = e.Cancel != nil
	case EventKindNonceCancel:
		ok = e.NonceCancel != nil
	case EventKindBulkCancel:
		ok = e.BulkCancel != nil
	case EventKindNftApproval:
		ok = e.NftApproval != nil
	case EventKindNftTransfer:
		ok = e.NftTransfer != nil
	case EventKindFtTransfer:
		ok = e.FtTransfer != nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("event kind %q missing payload", e.Kind)
	}
	return nil
}
