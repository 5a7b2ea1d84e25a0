package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floorlab/nftindexer/internal/domain"
)

// BalanceStore implements domain.BalanceStore over the projection tables
// maintained by event ingestion, plus the event-table lookups used during
// order validation (cancellations, nonces, fill totals).
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// GetContractKind returns the detected token kind of a contract.
func (s *BalanceStore) GetContractKind(ctx context.Context, contract common.Address) (domain.TokenKind, error) {
	var kind string
	err := s.pool.QueryRow(ctx,
		`SELECT kind FROM contracts WHERE address = $1`, addrBytes(contract)).Scan(&kind)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: get contract kind: %w", err)
	}
	return domain.TokenKind(kind), nil
}

// SetContractKind records the detected token kind of a contract.
func (s *BalanceStore) SetContractKind(ctx context.Context, contract common.Address, kind domain.TokenKind) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contracts (address, kind) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET kind = EXCLUDED.kind`,
		addrBytes(contract), string(kind))
	if err != nil {
		return fmt.Errorf("postgres: set contract kind: %w", err)
	}
	return nil
}

// GetFtBalance returns the projected fungible balance; zero when no row
// exists.
func (s *BalanceStore) GetFtBalance(ctx context.Context, currency, owner common.Address) (*big.Int, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM ft_balances WHERE contract = $1 AND owner = $2`,
		addrBytes(currency), addrBytes(owner)).Scan(&amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("postgres: get ft balance: %w", err)
	}
	return bigFromString(amount), nil
}

// UpsertFtBalance overwrites the projected fungible balance with an
// authoritative on-chain reading.
func (s *BalanceStore) UpsertFtBalance(ctx context.Context, currency, owner common.Address, amount *big.Int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ft_balances (contract, owner, amount, updated_at)
		VALUES ($1, $2, $3::NUMERIC, NOW())
		ON CONFLICT (contract, owner) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = NOW()`,
		addrBytes(currency), addrBytes(owner), bigString(amount))
	if err != nil {
		return fmt.Errorf("postgres: upsert ft balance: %w", err)
	}
	return nil
}

// GetNftBalance returns the projected NFT balance; zero when no row exists.
func (s *BalanceStore) GetNftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error) {
	var amount string
	err := s.pool.QueryRow(ctx, `
		SELECT amount::TEXT FROM nft_balances
		WHERE contract = $1 AND token_id = $2::NUMERIC AND owner = $3`,
		addrBytes(contract), bigString(tokenID), addrBytes(owner)).Scan(&amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("postgres: get nft balance: %w", err)
	}
	return bigFromString(amount), nil
}

// UpsertNftBalance overwrites the projected NFT balance with an
// authoritative on-chain reading.
func (s *BalanceStore) UpsertNftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address, amount *big.Int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nft_balances (contract, token_id, owner, amount, updated_at)
		VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, NOW())
		ON CONFLICT (contract, token_id, owner) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = NOW()`,
		addrBytes(contract), bigString(tokenID), addrBytes(owner), bigString(amount))
	if err != nil {
		return fmt.Errorf("postgres: upsert nft balance: %w", err)
	}
	return nil
}

// GetNftApproval returns the projected operator approval; false when no row
// exists.
func (s *BalanceStore) GetNftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error) {
	var approved bool
	err := s.pool.QueryRow(ctx, `
		SELECT approved FROM nft_approvals
		WHERE contract = $1 AND owner = $2 AND operator = $3`,
		addrBytes(contract), addrBytes(owner), addrBytes(operator)).Scan(&approved)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("postgres: get nft approval: %w", err)
	}
	return approved, nil
}

// UpsertNftApproval overwrites the projected operator approval.
func (s *BalanceStore) UpsertNftApproval(ctx context.Context, contract, owner, operator common.Address, approved bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nft_approvals (contract, owner, operator, approved, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (contract, owner, operator) DO UPDATE SET
			approved = EXCLUDED.approved,
			updated_at = NOW()`,
		addrBytes(contract), addrBytes(owner), addrBytes(operator), approved)
	if err != nil {
		return fmt.Errorf("postgres: upsert nft approval: %w", err)
	}
	return nil
}

// GetFtApproval returns the projected fungible allowance; zero when no row
// exists.
func (s *BalanceStore) GetFtApproval(ctx context.Context, currency, owner, operator common.Address) (*big.Int, error) {
	var amount string
	err := s.pool.QueryRow(ctx, `
		SELECT amount::TEXT FROM ft_approvals
		WHERE contract = $1 AND owner = $2 AND operator = $3`,
		addrBytes(currency), addrBytes(owner), addrBytes(operator)).Scan(&amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("postgres: get ft approval: %w", err)
	}
	return bigFromString(amount), nil
}

// UpsertFtApproval overwrites the projected fungible allowance.
func (s *BalanceStore) UpsertFtApproval(ctx context.Context, currency, owner, operator common.Address, amount *big.Int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ft_approvals (contract, owner, operator, amount, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC, NOW())
		ON CONFLICT (contract, owner, operator) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = NOW()`,
		addrBytes(currency), addrBytes(owner), addrBytes(operator), bigString(amount))
	if err != nil {
		return fmt.Errorf("postgres: upsert ft approval: %w", err)
	}
	return nil
}

// GetMinNonce returns the highest bulk-cancel threshold observed for
// (kind, maker). Side-scoped events only count when the query asks for that
// side; unscoped events always count. Zero when none.
func (s *BalanceStore) GetMinNonce(ctx context.Context, kind domain.OrderKind, maker common.Address, side *domain.OrderSide) (*big.Int, error) {
	var sideArg *string
	if side != nil {
		v := string(*side)
		sideArg = &v
	}

	var minNonce *string
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(min_nonce)::TEXT FROM bulk_cancel_events
		WHERE order_kind = $1
		  AND maker = $2
		  AND (side IS NULL OR side = $3)`,
		string(kind), addrBytes(maker), sideArg).Scan(&minNonce)
	if err != nil {
		return nil, fmt.Errorf("postgres: get min nonce: %w", err)
	}
	if minNonce == nil {
		return new(big.Int), nil
	}
	return bigFromString(*minNonce), nil
}

// IsNonceCancelled reports whether a nonce-cancel event was recorded for
// the exact (kind, maker, nonce).
func (s *BalanceStore) IsNonceCancelled(ctx context.Context, kind domain.OrderKind, maker common.Address, nonce *big.Int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM nonce_cancel_events
			WHERE order_kind = $1 AND maker = $2 AND nonce = $3::NUMERIC
		)`,
		string(kind), addrBytes(maker), bigString(nonce)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: is nonce cancelled: %w", err)
	}
	return exists, nil
}

// IsOrderCancelled reports whether a cancel event was recorded for the
// order id.
func (s *BalanceStore) IsOrderCancelled(ctx context.Context, kind domain.OrderKind, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM cancel_events
			WHERE order_kind = $1 AND order_id = $2
		)`,
		string(kind), id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: is order cancelled: %w", err)
	}
	return exists, nil
}

// GetQuantityFilled sums the recorded fill amounts of an order.
func (s *BalanceStore) GetQuantityFilled(ctx context.Context, id string) (*big.Int, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::TEXT FROM fill_events WHERE order_id = $1`,
		id).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("postgres: quantity filled: %w", err)
	}
	return bigFromString(total), nil
}

// Compile-time interface check.
var _ domain.BalanceStore = (*BalanceStore)(nil)
