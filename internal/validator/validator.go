// Package validator classifies off-chain order state per protocol family.
// OffChainCheck is a pure read-only classifier: it never writes order
// status; persisting the outcome is the caller's responsibility.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

// Terminal check outcomes. A nil return from OffChainCheck means the order
// is fillable and approved.
var (
	ErrInvalidTarget       = errors.New("invalid-target")
	ErrCancelled           = errors.New("cancelled")
	ErrFilled              = errors.New("filled")
	ErrNoBalance           = errors.New("no-balance")
	ErrNoApproval          = errors.New("no-approval")
	ErrNoBalanceNoApproval = errors.New("no-balance-no-approval")
)

// Options tune the optional, more expensive parts of a check.
type Options struct {
	// OnChainApprovalRecheck consults the chain when the cached approval
	// is negative, catching operators approved before ingestion observed
	// them. Costs a live RPC round trip.
	OnChainApprovalRecheck bool

	// CheckFilledOrCancelled additionally verifies the order is not
	// already filled or individually cancelled. Skippable when the caller
	// just observed the order's creation.
	CheckFilledOrCancelled bool
}

// Oracle is the read surface the validator needs. *oracle.Oracle satisfies
// it.
type Oracle interface {
	ContractKind(ctx context.Context, contract common.Address) (domain.TokenKind, error)

	GetFtBalance(ctx context.Context, currency, owner common.Address) (*big.Int, error)
	GetFtApproval(ctx context.Context, currency, owner, operator common.Address) (*big.Int, error)
	FetchAndUpdateFtApproval(ctx context.Context, currency, owner, operator common.Address) (*big.Int, error)

	GetNftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error)
	GetNftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error)
	FetchAndUpdateNftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error)

	GetMinNonce(ctx context.Context, kind domain.OrderKind, maker common.Address, side *domain.OrderSide) (*big.Int, error)
	IsNonceCancelled(ctx context.Context, kind domain.OrderKind, maker common.Address, nonce *big.Int) (bool, error)
	IsOrderCancelled(ctx context.Context, kind domain.OrderKind, id string) (bool, error)
	GetQuantityFilled(ctx context.Context, id string) (*big.Int, error)
}

// family is one protocol's contribution to the otherwise uniform pipeline.
type family interface {
	// Precheck rejects order shapes the protocol cannot express.
	Precheck(o domain.Order) error

	// CheckNonce applies the protocol's cancellation scheme.
	CheckNonce(ctx context.Context, orc Oracle, o domain.Order) error

	// Operator resolves the transfer operator approvals must target.
	Operator(o domain.Order) (common.Address, error)
}

// Validator dispatches off-chain checks by order kind. The family set is
// closed; supporting a new protocol means registering a new family here.
type Validator struct {
	oracle   Oracle
	families map[domain.OrderKind]family
}

// New creates a Validator with all six protocol families registered.
func New(orc Oracle) *Validator {
	return &Validator{
		oracle: orc,
		families: map[domain.OrderKind]family{
			domain.OrderKindSeaport:    seaportFamily{},
			domain.OrderKindWyvernV23:  wyvernFamily{},
			domain.OrderKindLooksRare:  looksRareFamily{},
			domain.OrderKindZeroExV4:   zeroExV4Family{},
			domain.OrderKindX2Y2:       x2y2Family{},
			domain.OrderKindFoundation: foundationFamily{},
		},
	}
}

// OffChainCheck runs the uniform pipeline: target check, optional
// cancel/fill check, protocol nonce check, then solvency and approval
// evaluated independently so the caller gets a precise diagnosis.
func (v *Validator) OffChainCheck(ctx context.Context, o domain.Order, opts Options) error {
	fam, ok := v.families[o.Kind]
	if !ok {
		return fmt.Errorf("validator: unsupported order kind %q", o.Kind)
	}

	if err := fam.Precheck(o); err != nil {
		return err
	}
	if err := v.checkTarget(ctx, o); err != nil {
		return err
	}

	if opts.CheckFilledOrCancelled {
		if err := v.checkFilledOrCancelled(ctx, o); err != nil {
			return err
		}
	}

	if err := fam.CheckNonce(ctx, v.oracle, o); err != nil {
		return err
	}

	operator, err := fam.Operator(o)
	if err != nil {
		return err
	}
	return v.checkSolvencyAndApproval(ctx, o, operator, opts)
}

func (v *Validator) checkTarget(ctx context.Context, o domain.Order) error {
	kind, err := v.oracle.ContractKind(ctx, o.Contract)
	if err != nil {
		return err
	}
	if kind != o.TokenKind {
		return fmt.Errorf("%w: contract is %s, order says %s", ErrInvalidTarget, kind, o.TokenKind)
	}
	return nil
}

func (v *Validator) checkFilledOrCancelled(ctx context.Context, o domain.Order) error {
	cancelled, err := v.oracle.IsOrderCancelled(ctx, o.Kind, o.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}

	filled, err := v.oracle.GetQuantityFilled(ctx, o.ID)
	if err != nil {
		return err
	}
	if filled.Cmp(o.Quantity()) >= 0 {
		return ErrFilled
	}
	return nil
}

// checkSolvencyAndApproval evaluates balance and approval independently,
// never short-circuiting, and combines the failures.
func (v *Validator) checkSolvencyAndApproval(ctx context.Context, o domain.Order, operator common.Address, opts Options) error {
	var hasBalance, hasApproval bool

	if o.Side == domain.OrderSideBuy {
		balance, err := v.oracle.GetFtBalance(ctx, o.Currency, o.Maker)
		if err != nil {
			return err
		}
		hasBalance = balance.Cmp(o.Price) >= 0

		allowance, err := v.oracle.GetFtApproval(ctx, o.Currency, o.Maker, operator)
		if err != nil {
			return err
		}
		hasApproval = allowance.Cmp(o.Price) >= 0
		if !hasApproval && opts.OnChainApprovalRecheck {
			allowance, err = v.oracle.FetchAndUpdateFtApproval(ctx, o.Currency, o.Maker, operator)
			if err != nil {
				return err
			}
			hasApproval = allowance.Cmp(o.Price) >= 0
		}
	} else {
		balance, err := v.oracle.GetNftBalance(ctx, o.Contract, tokenIDOf(o), o.Maker)
		if err != nil {
			return err
		}
		remaining := o.QuantityRemaining
		if remaining == nil {
			remaining = big.NewInt(1)
		}
		hasBalance = balance.Cmp(remaining) >= 0

		approved, err := v.oracle.GetNftApproval(ctx, o.Contract, o.Maker, operator)
		if err != nil {
			return err
		}
		if !approved && opts.OnChainApprovalRecheck {
			approved, err = v.oracle.FetchAndUpdateNftApproval(ctx, o.Contract, o.Maker, operator)
			if err != nil {
				return err
			}
		}
		hasApproval = approved
	}

	switch {
	case !hasBalance && !hasApproval:
		return ErrNoBalanceNoApproval
	case !hasBalance:
		return ErrNoBalance
	case !hasApproval:
		return ErrNoApproval
	}
	return nil
}

// tokenIDOf extracts the token id of a single-token listing; nil for wider
// sets, where the balance read degrades to the zero id.
func tokenIDOf(o domain.Order) *big.Int {
	set := o.TokenSetID
	// "token:<contract>:<id>"
	for i := len(set) - 1; i >= 0; i-- {
		if set[i] == ':' {
			if id, ok := new(big.Int).SetString(set[i+1:], 10); ok {
				return id
			}
			return nil
		}
	}
	return nil
}

// checkMinNonceThreshold is the shared bulk-cancel rule: a maker's
// min-nonce strictly above the order nonce invalidates it.
func checkMinNonceThreshold(ctx context.Context, orc Oracle, o domain.Order, side *domain.OrderSide) error {
	minNonce, err := orc.GetMinNonce(ctx, o.Kind, o.Maker, side)
	if err != nil {
		return err
	}
	if o.Nonce != nil && minNonce.Cmp(o.Nonce) > 0 {
		return ErrCancelled
	}
	return nil
}
