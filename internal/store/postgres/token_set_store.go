package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floorlab/nftindexer/internal/domain"
)

// TokenSetStore implements domain.TokenSetStore. Token set ids are derived
// from their content, so Create is idempotent and membership rows are
// write-once.
type TokenSetStore struct {
	pool *pgxpool.Pool
}

// NewTokenSetStore creates a new TokenSetStore backed by the given pool.
func NewTokenSetStore(pool *pgxpool.Pool) *TokenSetStore {
	return &TokenSetStore{pool: pool}
}

// Create inserts the set and its membership rows. Re-creating an existing
// set is a no-op: the id commits to the membership, so the rows cannot
// differ.
func (s *TokenSetStore) Create(ctx context.Context, set domain.TokenSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var tokenID, rangeStart, rangeEnd *string
	if set.TokenID != nil {
		v := set.TokenID.String()
		tokenID = &v
	}
	if set.RangeStart != nil {
		v := set.RangeStart.String()
		rangeStart = &v
	}
	if set.RangeEnd != nil {
		v := set.RangeEnd.String()
		rangeEnd = &v
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO token_sets (id, kind, contract, token_id, range_start, range_end)
		VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		ON CONFLICT (id) DO NOTHING`,
		set.ID, string(set.Kind), addrBytes(set.Contract), tokenID, rangeStart, rangeEnd)
	if err != nil {
		return fmt.Errorf("postgres: create token set %s: %w", set.ID, err)
	}

	for _, t := range set.Tokens {
		_, err = tx.Exec(ctx, `
			INSERT INTO token_sets_tokens (token_set_id, contract, token_id)
			VALUES ($1, $2, $3::NUMERIC)
			ON CONFLICT DO NOTHING`,
			set.ID, addrBytes(t.Contract), bigString(t.TokenID))
		if err != nil {
			return fmt.Errorf("postgres: create token set member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// GetByID retrieves a token set without its membership rows.
func (s *TokenSetStore) GetByID(ctx context.Context, id string) (domain.TokenSet, error) {
	var set domain.TokenSet
	var kind string
	var contract []byte
	var tokenID, rangeStart, rangeEnd *string

	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, contract, token_id::TEXT, range_start::TEXT, range_end::TEXT
		FROM token_sets WHERE id = $1`, id).
		Scan(&set.ID, &kind, &contract, &tokenID, &rangeStart, &rangeEnd)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.TokenSet{}, domain.ErrNotFound
		}
		return domain.TokenSet{}, fmt.Errorf("postgres: get token set %s: %w", id, err)
	}

	set.Kind = domain.TokenSetKind(kind)
	set.Contract = addrFromBytes(contract)
	set.TokenID = bigFromPtr(tokenID)
	set.RangeStart = bigFromPtr(rangeStart)
	set.RangeEnd = bigFromPtr(rangeEnd)
	return set, nil
}

// Tokens returns the materialized membership of a set. Contract and range
// sets have no explicit rows; callers resolve those by predicate.
func (s *TokenSetStore) Tokens(ctx context.Context, id string) ([]domain.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contract, token_id::TEXT FROM token_sets_tokens
		WHERE token_set_id = $1
		ORDER BY contract, token_id`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: token set members %s: %w", id, err)
	}
	defer rows.Close()

	var tokens []domain.Token
	for rows.Next() {
		var t domain.Token
		var contract []byte
		var tokenID string
		if err := rows.Scan(&contract, &tokenID); err != nil {
			return nil, fmt.Errorf("postgres: scan token set member: %w", err)
		}
		t.Contract = addrFromBytes(contract)
		t.TokenID = bigFromString(tokenID)
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: token set members rows: %w", err)
	}
	return tokens, nil
}

// Compile-time interface check.
var _ domain.TokenSetStore = (*TokenSetStore)(nil)
