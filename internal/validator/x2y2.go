package validator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

var x2y2Erc721Delegate = common.HexToAddress("0xF849de01B080aDC3A814FaBE1E2087475cF2E354")

// x2y2Family is a single-quantity erc721-only protocol. Cancellation is
// tracked per order id; there is no nonce scheme to check.
type x2y2Family struct{}

func (x2y2Family) Precheck(o domain.Order) error {
	if o.TokenKind != domain.TokenKindERC721 {
		return fmt.Errorf("%w: x2y2 only trades erc721", ErrInvalidTarget)
	}
	return nil
}

func (x2y2Family) CheckNonce(ctx context.Context, orc Oracle, o domain.Order) error {
	cancelled, err := orc.IsOrderCancelled(ctx, o.Kind, o.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

func (x2y2Family) Operator(o domain.Order) (common.Address, error) {
	return x2y2Erc721Delegate, nil
}
