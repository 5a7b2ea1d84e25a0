package validator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

var (
	looksRareTransferManager721  = common.HexToAddress("0xf42aa99F011A1fA7CDA90E5E98b277E306BcA83e")
	looksRareTransferManager1155 = common.HexToAddress("0xFED24eC7E22f573c2e08AEF55aA6797Ca2b3A051")
)

// looksRareFamily combines both cancellation schemes: a min-nonce
// threshold (cancelAllOrdersForSender) and per-nonce cancellation
// (cancelMultipleMakerOrders). The transfer manager differs by token kind.
type looksRareFamily struct{}

func (looksRareFamily) Precheck(o domain.Order) error {
	return nil
}

func (looksRareFamily) CheckNonce(ctx context.Context, orc Oracle, o domain.Order) error {
	if err := checkMinNonceThreshold(ctx, orc, o, nil); err != nil {
		return err
	}
	if o.Nonce == nil {
		return nil
	}
	cancelled, err := orc.IsNonceCancelled(ctx, o.Kind, o.Maker, o.Nonce)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

func (looksRareFamily) Operator(o domain.Order) (common.Address, error) {
	if o.TokenKind == domain.TokenKindERC1155 {
		return looksRareTransferManager1155, nil
	}
	return looksRareTransferManager721, nil
}
