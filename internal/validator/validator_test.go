package validator_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
	"github.com/floorlab/nftindexer/internal/validator"
)

type fakeOracle struct {
	kind domain.TokenKind

	ftBalance   *big.Int
	ftAllowance *big.Int
	nftBalance  *big.Int
	nftApproved bool

	chainAllowance *big.Int
	chainApproved  bool
	rechecks       int

	minNonce       *big.Int
	nonceCancelled bool
	orderCancelled bool
	quantityFilled *big.Int
}

func (f *fakeOracle) ContractKind(context.Context, common.Address) (domain.TokenKind, error) {
	return f.kind, nil
}

func (f *fakeOracle) GetFtBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return orZero(f.ftBalance), nil
}

func (f *fakeOracle) GetFtApproval(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return orZero(f.ftAllowance), nil
}

func (f *fakeOracle) FetchAndUpdateFtApproval(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	f.rechecks++
	return orZero(f.chainAllowance), nil
}

func (f *fakeOracle) GetNftBalance(context.Context, common.Address, *big.Int, common.Address) (*big.Int, error) {
	return orZero(f.nftBalance), nil
}

func (f *fakeOracle) GetNftApproval(context.Context, common.Address, common.Address, common.Address) (bool, error) {
	return f.nftApproved, nil
}

func (f *fakeOracle) FetchAndUpdateNftApproval(context.Context, common.Address, common.Address, common.Address) (bool, error) {
	f.rechecks++
	return f.chainApproved, nil
}

func (f *fakeOracle) GetMinNonce(context.Context, domain.OrderKind, common.Address, *domain.OrderSide) (*big.Int, error) {
	return orZero(f.minNonce), nil
}

func (f *fakeOracle) IsNonceCancelled(context.Context, domain.OrderKind, common.Address, *big.Int) (bool, error) {
	return f.nonceCancelled, nil
}

func (f *fakeOracle) IsOrderCancelled(context.Context, domain.OrderKind, string) (bool, error) {
	return f.orderCancelled, nil
}

func (f *fakeOracle) GetQuantityFilled(context.Context, string) (*big.Int, error) {
	return orZero(f.quantityFilled), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

var (
	maker    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	nft      = common.HexToAddress("0x2222222222222222222222222222222222222222")
	weth     = common.HexToAddress("0x3333333333333333333333333333333333333333")
	tokenOne = big.NewInt(1)
)

func listing(kind domain.OrderKind) domain.Order {
	return domain.Order{
		ID:                "0xabc",
		Kind:              kind,
		Side:              domain.OrderSideSell,
		Maker:             maker,
		Currency:          common.Address{},
		Price:             big.NewInt(1000),
		Value:             big.NewInt(980),
		Nonce:             big.NewInt(7),
		Contract:          nft,
		TokenSetID:        domain.SingleTokenSetID(nft, tokenOne),
		TokenKind:         domain.TokenKindERC721,
		QuantityRemaining: big.NewInt(1),
	}
}

func bid(kind domain.OrderKind) domain.Order {
	o := listing(kind)
	o.Side = domain.OrderSideBuy
	o.Currency = weth
	o.TokenSetID = domain.ContractTokenSetID(nft)
	return o
}

func TestOffChainCheckDiagnosisPrecision(t *testing.T) {
	// A maker with neither balance nor approval must classify as the
	// combined failure, never just one of the two.
	tests := []struct {
		name    string
		balance int64
		allow   int64
		want    error
	}{
		{"both missing", 0, 0, validator.ErrNoBalanceNoApproval},
		{"balance only", 2000, 0, validator.ErrNoApproval},
		{"approval only", 0, 2000, validator.ErrNoBalance},
		{"both present", 2000, 2000, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orc := &fakeOracle{
				kind:        domain.TokenKindERC721,
				ftBalance:   big.NewInt(tt.balance),
				ftAllowance: big.NewInt(tt.allow),
				minNonce:    big.NewInt(7), // seaport counter must match
			}
			v := validator.New(orc)

			err := v.OffChainCheck(context.Background(), bid(domain.OrderKindSeaport), validator.Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOffChainCheckTargetMismatch(t *testing.T) {
	orc := &fakeOracle{kind: domain.TokenKindERC1155, minNonce: big.NewInt(7)}
	v := validator.New(orc)

	err := v.OffChainCheck(context.Background(), listing(domain.OrderKindSeaport), validator.Options{})
	if !errors.Is(err, validator.ErrInvalidTarget) {
		t.Fatalf("got %v, want ErrInvalidTarget", err)
	}
}

func TestSeaportCounterEquality(t *testing.T) {
	// Seaport orders are valid only while the maker's counter equals the
	// order's, in both directions.
	tests := []struct {
		name    string
		counter int64
		want    error
	}{
		{"counter behind", 6, validator.ErrCancelled},
		{"counter matches", 7, nil},
		{"counter ahead", 8, validator.ErrCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orc := &fakeOracle{
				kind:        domain.TokenKindERC721,
				minNonce:    big.NewInt(tt.counter),
				nftBalance:  big.NewInt(1),
				nftApproved: true,
			}
			v := validator.New(orc)

			err := v.OffChainCheck(context.Background(), listing(domain.OrderKindSeaport), validator.Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWyvernMinNonceThreshold(t *testing.T) {
	tests := []struct {
		name     string
		minNonce int64
		want     error
	}{
		{"nonce below threshold", 8, validator.ErrCancelled},
		{"nonce at threshold", 7, nil},
		{"threshold behind", 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orc := &fakeOracle{
				kind:        domain.TokenKindERC721,
				minNonce:    big.NewInt(tt.minNonce),
				nftBalance:  big.NewInt(1),
				nftApproved: true,
			}
			v := validator.New(orc)

			err := v.OffChainCheck(context.Background(), listing(domain.OrderKindWyvernV23), validator.Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLooksRarePerNonceCancellation(t *testing.T) {
	orc := &fakeOracle{
		kind:           domain.TokenKindERC721,
		nonceCancelled: true,
		nftBalance:     big.NewInt(1),
		nftApproved:    true,
	}
	v := validator.New(orc)

	err := v.OffChainCheck(context.Background(), listing(domain.OrderKindLooksRare), validator.Options{})
	if !errors.Is(err, validator.ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
}

func TestFilledQuantityCheck(t *testing.T) {
	// An erc1155 order whose recorded fills cover the whole quantity is
	// diagnosed filled when the caller opts into the check.
	o := listing(domain.OrderKindZeroExV4)
	o.TokenKind = domain.TokenKindERC1155
	o.QuantityFilled = big.NewInt(3)
	o.QuantityRemaining = big.NewInt(2)

	orc := &fakeOracle{
		kind:           domain.TokenKindERC1155,
		quantityFilled: big.NewInt(5),
		nftBalance:     big.NewInt(5),
		nftApproved:    true,
	}
	v := validator.New(orc)

	err := v.OffChainCheck(context.Background(), o, validator.Options{CheckFilledOrCancelled: true})
	if !errors.Is(err, validator.ErrFilled) {
		t.Fatalf("got %v, want ErrFilled", err)
	}

	// A partial fill passes.
	orc.quantityFilled = big.NewInt(3)
	if err := v.OffChainCheck(context.Background(), o, validator.Options{CheckFilledOrCancelled: true}); err != nil {
		t.Fatalf("partial fill: %v", err)
	}
}

func TestProtocolShapeConstraints(t *testing.T) {
	t.Run("x2y2 rejects erc1155", func(t *testing.T) {
		o := listing(domain.OrderKindX2Y2)
		o.TokenKind = domain.TokenKindERC1155
		v := validator.New(&fakeOracle{kind: domain.TokenKindERC1155})

		if err := v.OffChainCheck(context.Background(), o, validator.Options{}); !errors.Is(err, validator.ErrInvalidTarget) {
			t.Fatalf("got %v, want ErrInvalidTarget", err)
		}
	})

	t.Run("foundation rejects bids", func(t *testing.T) {
		o := bid(domain.OrderKindFoundation)
		v := validator.New(&fakeOracle{kind: domain.TokenKindERC721})

		if err := v.OffChainCheck(context.Background(), o, validator.Options{}); !errors.Is(err, validator.ErrInvalidTarget) {
			t.Fatalf("got %v, want ErrInvalidTarget", err)
		}
	})
}

func TestOnChainApprovalRecheck(t *testing.T) {
	// Cached approval says no, the chain says yes: with the recheck opted
	// in the order validates and the fallback was actually consulted.
	orc := &fakeOracle{
		kind:          domain.TokenKindERC721,
		minNonce:      big.NewInt(7),
		nftBalance:    big.NewInt(1),
		nftApproved:   false,
		chainApproved: true,
	}
	v := validator.New(orc)

	err := v.OffChainCheck(context.Background(), listing(domain.OrderKindSeaport), validator.Options{OnChainApprovalRecheck: true})
	if err != nil {
		t.Fatalf("with recheck: %v", err)
	}
	if orc.rechecks != 1 {
		t.Fatalf("rechecks = %d, want 1", orc.rechecks)
	}

	// Without the opt-in the cached negative stands.
	orc.rechecks = 0
	err = v.OffChainCheck(context.Background(), listing(domain.OrderKindSeaport), validator.Options{})
	if !errors.Is(err, validator.ErrNoApproval) {
		t.Fatalf("without recheck: got %v, want ErrNoApproval", err)
	}
	if orc.rechecks != 0 {
		t.Fatalf("rechecks = %d, want 0", orc.rechecks)
	}
}

func TestCancelledOrderCheck(t *testing.T) {
	orc := &fakeOracle{
		kind:           domain.TokenKindERC721,
		minNonce:       big.NewInt(7),
		orderCancelled: true,
		nftBalance:     big.NewInt(1),
		nftApproved:    true,
	}
	v := validator.New(orc)

	err := v.OffChainCheck(context.Background(), listing(domain.OrderKindSeaport), validator.Options{CheckFilledOrCancelled: true})
	if !errors.Is(err, validator.ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}

	// The check is opt-in.
	if err := v.OffChainCheck(context.Background(), listing(domain.OrderKindSeaport), validator.Options{}); err != nil {
		t.Fatalf("without opt-in: %v", err)
	}
}
