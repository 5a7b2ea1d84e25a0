package validator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/floorlab/nftindexer/internal/domain"
)

var (
	seaportExchange   = common.HexToAddress("0x00000000006c3852cbEf3e08E8dF289169EdE581")
	conduitController = common.HexToAddress("0x00000000F9490004C11Cef243f5400493c00Ad63")

	// keccak256 of the conduit creation code, fixed by the controller.
	conduitCodeHash = common.HexToHash("0x023d904f2503c37715cf7b2d7c504cf5fbfcd277e09a1b8b28f79df54f8f8b23")
)

// seaportFamily implements seaport's counter scheme: incrementCounter
// invalidates every outstanding order at once, so an order is only valid
// while its counter equals the maker's current one, not merely above a
// threshold. Transfer operators are per-order conduits derived from the
// conduit key.
type seaportFamily struct{}

func (seaportFamily) Precheck(o domain.Order) error {
	return nil
}

func (seaportFamily) CheckNonce(ctx context.Context, orc Oracle, o domain.Order) error {
	counter, err := orc.GetMinNonce(ctx, o.Kind, o.Maker, nil)
	if err != nil {
		return err
	}
	if o.Nonce == nil || counter.Cmp(o.Nonce) != 0 {
		return ErrCancelled
	}
	return nil
}

func (seaportFamily) Operator(o domain.Order) (common.Address, error) {
	if o.ConduitKey == nil || *o.ConduitKey == (common.Hash{}) {
		return seaportExchange, nil
	}
	return deriveConduit(*o.ConduitKey), nil
}

// deriveConduit computes the CREATE2 address of the conduit a conduit key
// maps to: keccak256(0xff ++ controller ++ key ++ codeHash)[12:].
func deriveConduit(key common.Hash) common.Address {
	buf := make([]byte, 0, 1+20+32+32)
	buf = append(buf, 0xff)
	buf = append(buf, conduitController.Bytes()...)
	buf = append(buf, key.Bytes()...)
	buf = append(buf, conduitCodeHash.Bytes()...)
	return common.BytesToAddress(crypto.Keccak256(buf)[12:])
}
