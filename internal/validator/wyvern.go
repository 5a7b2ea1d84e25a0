package validator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

var wyvernTokenTransferProxy = common.HexToAddress("0xE5c783EE536cf5E63E792988335c4255169be4E1")

// wyvernFamily covers wyvern v2.3 orders. Bulk cancellation raises a plain
// min-nonce threshold; sell-side transfers go through the maker's
// registry proxy, which we approximate with the shared token transfer
// proxy for the approval read.
type wyvernFamily struct{}

func (wyvernFamily) Precheck(o domain.Order) error {
	return nil
}

func (wyvernFamily) CheckNonce(ctx context.Context, orc Oracle, o domain.Order) error {
	return checkMinNonceThreshold(ctx, orc, o, nil)
}

func (wyvernFamily) Operator(o domain.Order) (common.Address, error) {
	return wyvernTokenTransferProxy, nil
}
