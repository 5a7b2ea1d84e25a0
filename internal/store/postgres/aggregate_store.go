package postgres

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floorlab/nftindexer/internal/domain"
)

// AggregateStore implements domain.AggregateStore. Every recompute derives
// the winning order from the live order set inside a single statement and
// only writes the cache when the winner actually changed (IS DISTINCT FROM
// on the cached order id and value), so duplicate recomputes write nothing
// and return nothing.
type AggregateStore struct {
	pool *pgxpool.Pool
}

// NewAggregateStore creates a new AggregateStore backed by the given pool.
func NewAggregateStore(pool *pgxpool.Pool) *AggregateStore {
	return &AggregateStore{pool: pool}
}

// Predicate shared by every recompute: an order only backs a cache entry
// while it is fully fillable and approved.
const activeOrder = `o.fillability_status = 'fillable' AND o.approval_status = 'approved'`

// tokenMembership matches orders whose token set contains (contract,
// token_id), via explicit membership rows or contract/range predicates.
const tokenMembership = `(
	EXISTS (
		SELECT 1 FROM token_sets_tokens m
		WHERE m.token_set_id = o.token_set_id
		  AND m.contract = z.contract
		  AND m.token_id = z.token_id
	)
	OR EXISTS (
		SELECT 1 FROM token_sets ts
		WHERE ts.id = o.token_set_id
		  AND ts.contract = z.contract
		  AND (
			ts.kind = 'contract'
			OR (ts.kind = 'range' AND z.token_id BETWEEN ts.range_start AND ts.range_end)
		  )
	)
)`

// affectedTokens enumerates the tokens a recompute for the set must visit:
// explicit membership rows for token/list sets, a scan of the tracked
// tokens on the contract for contract and range sets. Without the scan, a
// mutation on a contract-wide bid would never reach the token rows that
// cached it.
const affectedTokens = `
	SELECT contract, token_id FROM token_sets_tokens WHERE token_set_id = $1
	UNION
	SELECT t.contract, t.token_id
	FROM token_sets ts
	JOIN tokens t ON t.contract = ts.contract
	 AND (ts.kind = 'contract'
	   OR (ts.kind = 'range' AND t.token_id BETWEEN ts.range_start AND ts.range_end))
	WHERE ts.id = $1`

func (s *AggregateStore) ensureTokenRows(ctx context.Context, tx pgx.Tx, tokenSetID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO tokens (contract, token_id)
		SELECT contract, token_id FROM token_sets_tokens WHERE token_set_id = $1
		ON CONFLICT (contract, token_id) DO NOTHING`,
		tokenSetID)
	if err != nil {
		return fmt.Errorf("postgres: ensure token rows: %w", err)
	}
	return nil
}

// RecomputeTokenFloorAsk recomputes the floor ask of every token the set
// covers. Changed entries are written together with a
// token_floor_sell_events audit row in the same statement, so cache and
// change log cannot diverge.
func (s *AggregateStore) RecomputeTokenFloorAsk(ctx context.Context, tokenSetID string, trig domain.Trigger) ([]domain.AggregateChange, error) {
	query := `
		WITH z AS (` + affectedTokens + `
		), y AS (
			SELECT z.contract, z.token_id,
				t.floor_sell_id AS prev_id,
				t.floor_sell_value AS prev_value,
				t.floor_sell_maker AS prev_maker,
				w.order_id, w.value, w.maker
			FROM z
			JOIN tokens t ON t.contract = z.contract AND t.token_id = z.token_id
			LEFT JOIN LATERAL (
				SELECT o.id AS order_id, o.value, o.maker
				FROM orders o
				WHERE o.side = 'sell'
				  AND ` + activeOrder + `
				  AND ` + tokenMembership + `
				ORDER BY o.value, o.id
				LIMIT 1
			) w ON TRUE
		), x AS (
			UPDATE tokens t SET
				floor_sell_id = y.order_id,
				floor_sell_value = y.value,
				floor_sell_maker = y.maker,
				updated_at = NOW()
			FROM y
			WHERE t.contract = y.contract AND t.token_id = y.token_id
			  AND (t.floor_sell_id IS DISTINCT FROM y.order_id
				OR t.floor_sell_value IS DISTINCT FROM y.value)
			RETURNING t.contract, t.token_id,
				y.prev_id, y.prev_value, y.prev_maker,
				y.order_id, y.value, y.maker
		), audit AS (
			INSERT INTO token_floor_sell_events
				(kind, contract, token_id, order_id, maker, price, previous_price, tx_hash, tx_timestamp)
			SELECT $2, x.contract, x.token_id, x.order_id, x.maker,
				x.value, x.prev_value, $3, $4
			FROM x
		)
		SELECT contract, token_id::TEXT,
			prev_id, prev_value::TEXT, prev_maker,
			order_id, value::TEXT, maker
		FROM x`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureTokenRows(ctx, tx, tokenSetID); err != nil {
		return nil, err
	}

	var txHash []byte
	if trig.TxHash != (common.Hash{}) {
		txHash = hashBytes(trig.TxHash)
	}
	rows, err := tx.Query(ctx, query, tokenSetID, string(trig.Kind), txHash, trig.TxTimestamp)
	if err != nil {
		return nil, fmt.Errorf("postgres: recompute token floor ask: %w", err)
	}
	changes, err := scanTokenChanges(rows, domain.AggregateFloorAsk, trig)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return changes, nil
}

// RecomputeTokenTopBid recomputes the top bid of every token the set
// covers. Top bids carry no dedicated change log; changes are returned to
// the caller for notification.
func (s *AggregateStore) RecomputeTokenTopBid(ctx context.Context, tokenSetID string, trig domain.Trigger) ([]domain.AggregateChange, error) {
	query := `
		WITH z AS (` + affectedTokens + `
		), y AS (
			SELECT z.contract, z.token_id,
				t.top_buy_id AS prev_id,
				t.top_buy_value AS prev_value,
				t.top_buy_maker AS prev_maker,
				w.order_id, w.value, w.maker
			FROM z
			JOIN tokens t ON t.contract = z.contract AND t.token_id = z.token_id
			LEFT JOIN LATERAL (
				SELECT o.id AS order_id, o.value, o.maker
				FROM orders o
				WHERE o.side = 'buy'
				  AND ` + activeOrder + `
				  AND ` + tokenMembership + `
				  -- A maker holding the token cannot back its own top bid.
				  AND NOT EXISTS (
					SELECT 1 FROM nft_balances nb
					WHERE nb.contract = z.contract
					  AND nb.token_id = z.token_id
					  AND nb.owner = o.maker
					  AND nb.amount > 0
				  )
				ORDER BY o.value DESC, o.id
				LIMIT 1
			) w ON TRUE
		)
		UPDATE tokens t SET
			top_buy_id = y.order_id,
			top_buy_value = y.value,
			top_buy_maker = y.maker,
			updated_at = NOW()
		FROM y
		WHERE t.contract = y.contract AND t.token_id = y.token_id
		  AND (t.top_buy_id IS DISTINCT FROM y.order_id
			OR t.top_buy_value IS DISTINCT FROM y.value)
		RETURNING t.contract, t.token_id::TEXT,
			y.prev_id, y.prev_value::TEXT, y.prev_maker,
			y.order_id, y.value::TEXT, y.maker`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureTokenRows(ctx, tx, tokenSetID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, tokenSetID)
	if err != nil {
		return nil, fmt.Errorf("postgres: recompute token top bid: %w", err)
	}
	changes, err := scanTokenChanges(rows, domain.AggregateTopBid, trig)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return changes, nil
}

func scanTokenChanges(rows pgx.Rows, kind domain.AggregateKind, trig domain.Trigger) ([]domain.AggregateChange, error) {
	defer rows.Close()

	var changes []domain.AggregateChange
	for rows.Next() {
		var contract []byte
		var tokenID string
		var prevID, prevValue, newID, newValue *string
		var prevMaker, newMaker []byte
		err := rows.Scan(&contract, &tokenID, &prevID, &prevValue, &prevMaker, &newID, &newValue, &newMaker)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan aggregate change: %w", err)
		}

		addr := addrFromBytes(contract)
		id := bigFromString(tokenID)
		changes = append(changes, domain.AggregateChange{
			Entity:   domain.EntityToken,
			Kind:     kind,
			EntityID: fmt.Sprintf("%s:%s", strings.ToLower(addr.Hex()), id),
			Contract: addr,
			TokenID:  id,
			Before:   aggregateValue(prevID, prevMaker, prevValue),
			After:    aggregateValue(newID, newMaker, newValue),
			Trigger:  trig,
		})
	}
	return changes, rows.Err()
}

func aggregateValue(id *string, maker []byte, value *string) *domain.AggregateValue {
	if id == nil {
		return nil
	}
	v := &domain.AggregateValue{OrderID: *id}
	if maker != nil {
		v.Maker = addrFromBytes(maker)
	}
	if value != nil {
		v.Value = bigFromString(*value)
	}
	return v
}

// RecomputeCollectionFloorAsk recomputes a collection's floor ask from its
// token-level floors.
func (s *AggregateStore) RecomputeCollectionFloorAsk(ctx context.Context, contract common.Address, trig domain.Trigger) (*domain.AggregateChange, error) {
	const query = `
		WITH y AS (
			SELECT c.contract,
				c.floor_sell_id AS prev_id,
				c.floor_sell_value AS prev_value,
				c.floor_sell_maker AS prev_maker,
				w.order_id, w.value, w.maker
			FROM collections c
			LEFT JOIN LATERAL (
				SELECT t.floor_sell_id AS order_id, t.floor_sell_value AS value, t.floor_sell_maker AS maker
				FROM tokens t
				WHERE t.contract = c.contract
				  AND t.floor_sell_id IS NOT NULL
				ORDER BY t.floor_sell_value
				LIMIT 1
			) w ON TRUE
			WHERE c.contract = $1
		)
		UPDATE collections c SET
			floor_sell_id = y.order_id,
			floor_sell_value = y.value,
			floor_sell_maker = y.maker,
			updated_at = NOW()
		FROM y
		WHERE c.contract = y.contract
		  AND (c.floor_sell_id IS DISTINCT FROM y.order_id
			OR c.floor_sell_value IS DISTINCT FROM y.value)
		RETURNING c.contract,
			y.prev_id, y.prev_value::TEXT, y.prev_maker,
			y.order_id, y.value::TEXT, y.maker`

	return s.recomputeCollection(ctx, contract, domain.AggregateFloorAsk, trig, query)
}

// RecomputeCollectionTopBid recomputes a collection's top bid from its
// token-level top bids.
func (s *AggregateStore) RecomputeCollectionTopBid(ctx context.Context, contract common.Address, trig domain.Trigger) (*domain.AggregateChange, error) {
	const query = `
		WITH y AS (
			SELECT c.contract,
				c.top_buy_id AS prev_id,
				c.top_buy_value AS prev_value,
				c.top_buy_maker AS prev_maker,
				w.order_id, w.value, w.maker
			FROM collections c
			LEFT JOIN LATERAL (
				SELECT t.top_buy_id AS order_id, t.top_buy_value AS value, t.top_buy_maker AS maker
				FROM tokens t
				WHERE t.contract = c.contract
				  AND t.top_buy_id IS NOT NULL
				ORDER BY t.top_buy_value DESC
				LIMIT 1
			) w ON TRUE
			WHERE c.contract = $1
		)
		UPDATE collections c SET
			top_buy_id = y.order_id,
			top_buy_value = y.value,
			top_buy_maker = y.maker,
			updated_at = NOW()
		FROM y
		WHERE c.contract = y.contract
		  AND (c.top_buy_id IS DISTINCT FROM y.order_id
			OR c.top_buy_value IS DISTINCT FROM y.value)
		RETURNING c.contract,
			y.prev_id, y.prev_value::TEXT, y.prev_maker,
			y.order_id, y.value::TEXT, y.maker`

	return s.recomputeCollection(ctx, contract, domain.AggregateTopBid, trig, query)
}

func (s *AggregateStore) recomputeCollection(ctx context.Context, contract common.Address, kind domain.AggregateKind, trig domain.Trigger, query string) (*domain.AggregateChange, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO collections (contract) VALUES ($1)
		ON CONFLICT (contract) DO NOTHING`, addrBytes(contract))
	if err != nil {
		return nil, fmt.Errorf("postgres: ensure collection row: %w", err)
	}

	var addr []byte
	var prevID, prevValue, newID, newValue *string
	var prevMaker, newMaker []byte
	err = tx.QueryRow(ctx, query, addrBytes(contract)).
		Scan(&addr, &prevID, &prevValue, &prevMaker, &newID, &newValue, &newMaker)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Nothing changed.
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("postgres: commit: %w", err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: recompute collection %s: %w", kind, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}

	return &domain.AggregateChange{
		Entity:   domain.EntityCollection,
		Kind:     kind,
		EntityID: strings.ToLower(contract.Hex()),
		Contract: contract,
		Before:   aggregateValue(prevID, prevMaker, prevValue),
		After:    aggregateValue(newID, newMaker, newValue),
		Trigger:  trig,
	}, nil
}

// UpdateLastSale refreshes the token's last-sale satellite cache, keeping
// only the most recent observation.
func (s *AggregateStore) UpdateLastSale(ctx context.Context, contract common.Address, tokenID *big.Int, price *big.Int, timestamp int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (contract, token_id, last_sale_value, last_sale_timestamp, updated_at)
		VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, NOW())
		ON CONFLICT (contract, token_id) DO UPDATE SET
			last_sale_value = EXCLUDED.last_sale_value,
			last_sale_timestamp = EXCLUDED.last_sale_timestamp,
			updated_at = NOW()
		WHERE tokens.last_sale_timestamp IS NULL
		   OR tokens.last_sale_timestamp <= EXCLUDED.last_sale_timestamp`,
		addrBytes(contract), bigString(tokenID), bigString(price), timestamp)
	if err != nil {
		return fmt.Errorf("postgres: update last sale: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.AggregateStore = (*AggregateStore)(nil)
