package validator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

var foundationMarket = common.HexToAddress("0xcDA72070E455bb31C7690a170224Ce43623d0B6f")

// foundationFamily only expresses erc721 listings; bids and erc1155 tokens
// have no representation in the protocol. Cancellation is per order id.
type foundationFamily struct{}

func (foundationFamily) Precheck(o domain.Order) error {
	if o.TokenKind != domain.TokenKindERC721 {
		return fmt.Errorf("%w: foundation only trades erc721", ErrInvalidTarget)
	}
	if o.Side != domain.OrderSideSell {
		return fmt.Errorf("%w: foundation has no bids", ErrInvalidTarget)
	}
	return nil
}

func (foundationFamily) CheckNonce(ctx context.Context, orc Oracle, o domain.Order) error {
	cancelled, err := orc.IsOrderCancelled(ctx, o.Kind, o.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

func (foundationFamily) Operator(o domain.Order) (common.Address, error) {
	return foundationMarket, nil
}
