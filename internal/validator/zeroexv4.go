package validator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

var zeroExV4Exchange = common.HexToAddress("0xDef1C0ded9bec7F1a1670819833240f027b25EfF")

// zeroExV4Family covers 0x v4 NFT orders. Bulk cancellation is a
// side-scoped min-nonce threshold; erc1155 orders fill partially, so the
// filled-quantity check compares against the full order amount rather than
// a boolean filled flag.
type zeroExV4Family struct{}

func (zeroExV4Family) Precheck(o domain.Order) error {
	return nil
}

func (zeroExV4Family) CheckNonce(ctx context.Context, orc Oracle, o domain.Order) error {
	side := o.Side
	return checkMinNonceThreshold(ctx, orc, o, &side)
}

func (zeroExV4Family) Operator(o domain.Order) (common.Address, error) {
	return zeroExV4Exchange, nil
}
