package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floorlab/nftindexer/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order. Inserting an order whose id already exists is
// a no-op: order ids are deterministic protocol hashes, so a re-submission
// carries no new information.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, kind, side, maker, taker, currency,
			price, value, nonce, contract, token_set_id, token_kind,
			quantity_filled, quantity_remaining,
			fillability_status, approval_status,
			valid_from, valid_until, expiration, conduit_key,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12,
			$13::NUMERIC, $14::NUMERIC,
			$15, $16,
			$17, $18, $19, $20,
			NOW(), NOW()
		)
		ON CONFLICT (id) DO NOTHING`

	var conduit []byte
	if o.ConduitKey != nil {
		conduit = hashBytes(*o.ConduitKey)
	}
	var validUntil, expiration *time.Time
	if !o.ValidUntil.IsZero() {
		validUntil = &o.ValidUntil
	}
	if !o.Expiration.IsZero() {
		expiration = &o.Expiration
	}

	_, err := s.pool.Exec(ctx, query,
		o.ID, string(o.Kind), string(o.Side),
		addrBytes(o.Maker), addrPtrBytes(o.Taker), addrBytes(o.Currency),
		bigString(o.Price), bigString(o.Value), bigString(o.Nonce),
		addrBytes(o.Contract), o.TokenSetID, string(o.TokenKind),
		bigString(o.QuantityFilled), bigString(o.QuantityRemaining),
		string(o.Fillability), string(o.Approval),
		o.ValidFrom, validUntil, expiration, conduit,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

const orderSelectCols = `id, kind, side, maker, taker, currency,
	price::TEXT, value::TEXT, nonce::TEXT, contract, token_set_id, token_kind,
	quantity_filled::TEXT, quantity_remaining::TEXT,
	fillability_status, approval_status,
	valid_from, valid_until, expiration, conduit_key,
	created_at, updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var kind, side, fillability, approval, tokenKind string
	var maker, taker, currency, contract, conduit []byte
	var price, value, qtyFilled, qtyRemaining string
	var nonce *string
	var validFrom, validUntil, expiration *time.Time

	err := scanner.Scan(
		&o.ID, &kind, &side, &maker, &taker, &currency,
		&price, &value, &nonce, &contract, &o.TokenSetID, &tokenKind,
		&qtyFilled, &qtyRemaining,
		&fillability, &approval,
		&validFrom, &validUntil, &expiration, &conduit,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Kind = domain.OrderKind(kind)
	o.Side = domain.OrderSide(side)
	o.TokenKind = domain.TokenKind(tokenKind)
	o.Fillability = domain.FillabilityStatus(fillability)
	o.Approval = domain.ApprovalStatus(approval)
	o.Maker = addrFromBytes(maker)
	o.Currency = addrFromBytes(currency)
	o.Contract = addrFromBytes(contract)
	if taker != nil {
		a := addrFromBytes(taker)
		o.Taker = &a
	}
	if conduit != nil {
		h := common.BytesToHash(conduit)
		o.ConduitKey = &h
	}
	o.Price = bigFromString(price)
	o.Value = bigFromString(value)
	o.Nonce = bigFromPtr(nonce)
	o.QuantityFilled = bigFromString(qtyFilled)
	o.QuantityRemaining = bigFromString(qtyRemaining)
	if validFrom != nil {
		o.ValidFrom = *validFrom
	}
	if validUntil != nil {
		o.ValidUntil = *validUntil
	}
	if expiration != nil {
		o.Expiration = *expiration
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order by id.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// SetReversibleStatus writes a revalidation outcome. The predicate only
// matches live orders, so terminal states can never be overwritten, and it
// requires an actual change so repeated revalidation is free.
func (s *OrderStore) SetReversibleStatus(ctx context.Context, id string, fillability domain.FillabilityStatus, approval domain.ApprovalStatus) (bool, error) {
	if fillability != domain.FillabilityFillable && fillability != domain.FillabilityNoBalance {
		return false, fmt.Errorf("postgres: %q is not a reversible fillability status", fillability)
	}

	const query = `
		UPDATE orders SET
			fillability_status = $2,
			approval_status = $3,
			updated_at = NOW()
		WHERE id = $1
		  AND fillability_status IN ('fillable', 'no-balance')
		  AND (fillability_status IS DISTINCT FROM $2 OR approval_status IS DISTINCT FROM $3)`

	tag, err := s.pool.Exec(ctx, query, id, string(fillability), string(approval))
	if err != nil {
		return false, fmt.Errorf("postgres: set status %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListLiveBids returns the maker's live buy orders denominated in currency.
func (s *OrderStore) ListLiveBids(ctx context.Context, maker, currency common.Address) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE maker = $1
		   AND currency = $2
		   AND side = 'buy'
		   AND fillability_status IN ('fillable', 'no-balance')`,
		addrBytes(maker), addrBytes(currency))
	if err != nil {
		return nil, fmt.Errorf("postgres: list live bids: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan live bids: %w", err)
	}
	return orders, nil
}

// ListLiveListings returns the maker's live sell orders whose token set
// contains the given token, covering explicit membership rows as well as
// contract-wide and range sets. A nil tokenID matches every listing on the
// contract, which is the shape approval events need.
func (s *OrderStore) ListLiveListings(ctx context.Context, maker, contract common.Address, tokenID *big.Int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders o
		 WHERE o.maker = $1
		   AND o.contract = $2
		   AND o.side = 'sell'
		   AND o.fillability_status IN ('fillable', 'no-balance')
		   AND (
			 $3::NUMERIC IS NULL
			 OR EXISTS (
			   SELECT 1 FROM token_sets_tokens tst
			   WHERE tst.token_set_id = o.token_set_id
				 AND tst.contract = $2
				 AND tst.token_id = $3::NUMERIC
			 )
			 OR EXISTS (
			   SELECT 1 FROM token_sets ts
			   WHERE ts.id = o.token_set_id
				 AND (
				   ts.kind = 'contract'
				   OR (ts.kind = 'range' AND $3::NUMERIC BETWEEN ts.range_start AND ts.range_end)
				 )
			 )
		   )`,
		addrBytes(maker), addrBytes(contract), bigPtrString(tokenID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list live listings: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan live listings: %w", err)
	}
	return orders, nil
}

// MarkExpired flips up to limit overdue live orders to expired and returns
// the mutated set. SKIP LOCKED keeps concurrent sweeps from stepping on
// each other.
func (s *OrderStore) MarkExpired(ctx context.Context, now time.Time, limit int) ([]domain.OrderUpdate, error) {
	const query = `
		WITH overdue AS (
			SELECT id FROM orders
			WHERE fillability_status IN ('fillable', 'no-balance')
			  AND expiration IS NOT NULL
			  AND expiration <= $1
			ORDER BY expiration
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE orders o SET
			fillability_status = 'expired',
			updated_at = NOW()
		FROM overdue
		WHERE o.id = overdue.id
		RETURNING o.id, o.kind, o.side, o.maker, o.token_set_id`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: mark expired: %w", err)
	}
	defer rows.Close()

	var updates []domain.OrderUpdate
	for rows.Next() {
		var u domain.OrderUpdate
		var kind, side string
		var maker []byte
		if err := rows.Scan(&u.ID, &kind, &side, &maker, &u.TokenSetID); err != nil {
			return nil, fmt.Errorf("postgres: scan expired: %w", err)
		}
		u.Kind = domain.OrderKind(kind)
		u.Side = domain.OrderSide(side)
		u.Maker = addrFromBytes(maker)
		u.Trigger = domain.Trigger{Kind: domain.TriggerExpiry, TxTimestamp: now.Unix()}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: mark expired rows: %w", err)
	}
	return updates, nil
}

// ListForRevalidation pages live orders in (updated_at, id) order starting
// strictly after the cursor.
func (s *OrderStore) ListForRevalidation(ctx context.Context, cursor domain.OrderCursor, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE fillability_status IN ('fillable', 'no-balance')
		   AND (updated_at, id) > (to_timestamp($1), $2)
		 ORDER BY updated_at, id
		 LIMIT $3`,
		cursor.UpdatedAt, cursor.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list for revalidation: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan for revalidation: %w", err)
	}
	return orders, nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
