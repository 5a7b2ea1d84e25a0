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

// EventStore implements domain.EventStore. Every Apply method runs in a
// single transaction: the event rows are inserted with ON CONFLICT DO
// NOTHING on the shared (block_hash, tx_hash, log_index, batch_index) key,
// and the order mutations only happen for rows that actually inserted.
// Replaying a batch therefore inserts nothing and mutates nothing.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

func (s *EventStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, table, cols, placeholders string, args ...any) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+table+` (`+cols+`) VALUES (`+placeholders+`) ON CONFLICT DO NOTHING`,
		args...)
	if err != nil {
		return false, fmt.Errorf("postgres: insert %s: %w", table, err)
	}
	return tag.RowsAffected() > 0, nil
}

func baseArgs(p domain.BaseEventParams) []any {
	return []any{
		addrBytes(p.Address), p.Block, hashBytes(p.BlockHash), hashBytes(p.TxHash),
		p.TxIndex, p.LogIndex, p.BatchIndex, p.Timestamp,
	}
}

const baseCols = `address, block, block_hash, tx_hash, tx_index, log_index, batch_index, timestamp`

func trigger(kind domain.TriggerKind, p domain.BaseEventParams) domain.Trigger {
	return domain.Trigger{
		Kind:        kind,
		TxHash:      p.TxHash,
		BlockHash:   p.BlockHash,
		LogIndex:    p.LogIndex,
		BatchIndex:  p.BatchIndex,
		TxTimestamp: p.Timestamp,
	}
}

func scanOrderUpdates(rows pgx.Rows, t domain.Trigger) ([]domain.OrderUpdate, error) {
	defer rows.Close()

	var updates []domain.OrderUpdate
	for rows.Next() {
		var u domain.OrderUpdate
		var kind, side string
		var maker []byte
		if err := rows.Scan(&u.ID, &kind, &side, &maker, &u.TokenSetID); err != nil {
			return nil, err
		}
		u.Kind = domain.OrderKind(kind)
		u.Side = domain.OrderSide(side)
		u.Maker = addrFromBytes(maker)
		u.Trigger = t
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// ApplyFills records trades, decrements quantity_remaining of the matched
// orders and flips exhausted orders to filled.
func (s *EventStore) ApplyFills(ctx context.Context, events []domain.FillEvent) ([]domain.FillEvent, []domain.OrderUpdate, error) {
	var inserted []domain.FillEvent
	var updated []domain.OrderUpdate

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, e := range events {
			args := []any{
				string(e.OrderKind), e.OrderID, string(e.OrderSide),
				addrBytes(e.Maker), addrBytes(e.Taker), bigString(e.Price),
				addrBytes(e.Contract), bigString(e.TokenID), bigString(e.Amount),
			}
			ok, err := insertEvent(ctx, tx, "fill_events",
				`order_kind, order_id, order_side, maker, taker, price, contract, token_id, amount, `+baseCols,
				`$1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14, $15, $16, $17`,
				append(args, baseArgs(e.Base)...)...)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted = append(inserted, e)

			if e.OrderID == "" {
				continue
			}
			rows, err := tx.Query(ctx, `
				UPDATE orders SET
					quantity_filled = quantity_filled + LEAST(quantity_remaining, $2::NUMERIC),
					quantity_remaining = GREATEST(quantity_remaining - $2::NUMERIC, 0),
					fillability_status = CASE
						WHEN quantity_remaining <= $2::NUMERIC THEN 'filled'
						ELSE fillability_status
					END,
					updated_at = NOW()
				WHERE id = $1
				  AND fillability_status IN ('fillable', 'no-balance')
				RETURNING id, kind, side, maker, token_set_id`,
				e.OrderID, bigString(e.Amount))
			if err != nil {
				return fmt.Errorf("postgres: apply fill %s: %w", e.OrderID, err)
			}
			u, err := scanOrderUpdates(rows, trigger(domain.TriggerSale, e.Base))
			if err != nil {
				return fmt.Errorf("postgres: scan fill update: %w", err)
			}
			updated = append(updated, u...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inserted, updated, nil
}

// ApplyCancels cancels orders individually by id. Only live orders flip:
// a cancel observed after a fill of the same order leaves the filled
// status in place.
func (s *EventStore) ApplyCancels(ctx context.Context, events []domain.CancelEvent) ([]domain.CancelEvent, []domain.OrderUpdate, error) {
	var inserted []domain.CancelEvent
	var updated []domain.OrderUpdate

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, e := range events {
			ok, err := insertEvent(ctx, tx, "cancel_events",
				`order_kind, order_id, `+baseCols,
				`$1, $2, $3, $4, $5, $6, $7, $8, $9, $10`,
				append([]any{string(e.OrderKind), e.OrderID}, baseArgs(e.Base)...)...)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted = append(inserted, e)

			rows, err := tx.Query(ctx, `
				UPDATE orders SET
					fillability_status = 'cancelled',
					updated_at = NOW()
				WHERE id = $1
				  AND fillability_status IN ('fillable', 'no-balance')
				RETURNING id, kind, side, maker, token_set_id`,
				e.OrderID)
			if err != nil {
				return fmt.Errorf("postgres: apply cancel %s: %w", e.OrderID, err)
			}
			u, err := scanOrderUpdates(rows, trigger(domain.TriggerCancel, e.Base))
			if err != nil {
				return fmt.Errorf("postgres: scan cancel update: %w", err)
			}
			updated = append(updated, u...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inserted, updated, nil
}

// ApplyNonceCancels cancels every live order carrying the exact
// (kind, maker, nonce).
func (s *EventStore) ApplyNonceCancels(ctx context.Context, events []domain.NonceCancelEvent) ([]domain.NonceCancelEvent, []domain.OrderUpdate, error) {
	var inserted []domain.NonceCancelEvent
	var updated []domain.OrderUpdate

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, e := range events {
			ok, err := insertEvent(ctx, tx, "nonce_cancel_events",
				`order_kind, maker, nonce, `+baseCols,
				`$1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9, $10, $11`,
				append([]any{string(e.OrderKind), addrBytes(e.Maker), bigString(e.Nonce)}, baseArgs(e.Base)...)...)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted = append(inserted, e)

			rows, err := tx.Query(ctx, `
				UPDATE orders SET
					fillability_status = 'cancelled',
					updated_at = NOW()
				WHERE kind = $1
				  AND maker = $2
				  AND nonce = $3::NUMERIC
				  AND fillability_status IN ('fillable', 'no-balance')
				RETURNING id, kind, side, maker, token_set_id`,
				string(e.OrderKind), addrBytes(e.Maker), bigString(e.Nonce))
			if err != nil {
				return fmt.Errorf("postgres: apply nonce cancel: %w", err)
			}
			u, err := scanOrderUpdates(rows, trigger(domain.TriggerCancel, e.Base))
			if err != nil {
				return fmt.Errorf("postgres: scan nonce cancel update: %w", err)
			}
			updated = append(updated, u...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inserted, updated, nil
}

// ApplyBulkCancels cancels every live order of (kind, maker) with nonce
// strictly below the event's min nonce, optionally scoped to one side.
func (s *EventStore) ApplyBulkCancels(ctx context.Context, events []domain.BulkCancelEvent) ([]domain.BulkCancelEvent, []domain.OrderUpdate, error) {
	var inserted []domain.BulkCancelEvent
	var updated []domain.OrderUpdate

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, e := range events {
			var side *string
			if e.Side != nil {
				v := string(*e.Side)
				side = &v
			}
			ok, err := insertEvent(ctx, tx, "bulk_cancel_events",
				`order_kind, maker, side, min_nonce, `+baseCols,
				`$1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11, $12`,
				append([]any{string(e.OrderKind), addrBytes(e.Maker), side, bigString(e.MinNonce)}, baseArgs(e.Base)...)...)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted = append(inserted, e)

			rows, err := tx.Query(ctx, `
				UPDATE orders SET
					fillability_status = 'cancelled',
					updated_at = NOW()
				WHERE kind = $1
				  AND maker = $2
				  AND nonce < $3::NUMERIC
				  AND ($4::TEXT IS NULL OR side = $4)
				  AND fillability_status IN ('fillable', 'no-balance')
				RETURNING id, kind, side, maker, token_set_id`,
				string(e.OrderKind), addrBytes(e.Maker), bigString(e.MinNonce), side)
			if err != nil {
				return fmt.Errorf("postgres: apply bulk cancel: %w", err)
			}
			u, err := scanOrderUpdates(rows, trigger(domain.TriggerBulkCancel, e.Base))
			if err != nil {
				return fmt.Errorf("postgres: scan bulk cancel update: %w", err)
			}
			updated = append(updated, u...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inserted, updated, nil
}

// ApplyNftApprovals records approval flips and refreshes the nft_approvals
// projection the oracle reads. Order statuses are not touched here; the
// maker-revalidation job reacts to inserted events.
func (s *EventStore) ApplyNftApprovals(ctx context.Context, events []domain.NftApprovalEvent) ([]domain.NftApprovalEvent, error) {
	var inserted []domain.NftApprovalEvent

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, e := range events {
			ok, err := insertEvent(ctx, tx, "nft_approval_events",
				`owner, operator, approved, `+baseCols,
				`$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11`,
				append([]any{addrBytes(e.Owner), addrBytes(e.Operator), e.Approved}, baseArgs(e.Base)...)...)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted = append(inserted, e)

			_, err = tx.Exec(ctx, `
				INSERT INTO nft_approvals (contract, owner, operator, approved, updated_at)
				VALUES ($1, $2, $3, $4, NOW())
				ON CONFLICT (contract, owner, operator) DO UPDATE SET
					approved = EXCLUDED.approved,
					updated_at = NOW()`,
				addrBytes(e.Contract), addrBytes(e.Owner), addrBytes(e.Operator), e.Approved)
			if err != nil {
				return fmt.Errorf("postgres: upsert nft approval: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ApplyNftTransfers records transfers and moves balance in the nft_balances
// projection. Mints and burns skip the zero-address side.
func (s *EventStore) ApplyNftTransfers(ctx context.Context, events []domain.NftTransferEvent) ([]domain.NftTransferEvent, error) {
	var inserted []domain.NftTransferEvent

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, e := range events {
			ok, err := insertEvent(ctx, tx, "nft_transfer_events",
				`kind, "from", "to", token_id, amount, `+baseCols,
				`$1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12, $13`,
				append([]any{string(e.TokenKind), addrBytes(e.From), addrBytes(e.To), bigString(e.TokenID), bigString(e.Amount)}, baseArgs(e.Base)...)...)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted = append(inserted, e)

			if e.From != (common.Address{}) {
				if err := adjustNftBalance(ctx, tx, e.Contract, e.TokenID, e.From, "-", e); err != nil {
					return err
				}
			}
			if e.To != (common.Address{}) {
				if err := adjustNftBalance(ctx, tx, e.Contract, e.TokenID, e.To, "+", e); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func adjustNftBalance(ctx context.Context, tx pgx.Tx, contract common.Address, tokenID *big.Int, owner common.Address, op string, e domain.NftTransferEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO nft_balances (contract, token_id, owner, amount, updated_at)
		VALUES ($1, $2::NUMERIC, $3, `+signedAmount(op)+`, NOW())
		ON CONFLICT (contract, token_id, owner) DO UPDATE SET
			amount = nft_balances.amount `+op+` $4::NUMERIC,
			updated_at = NOW()`,
		addrBytes(contract), bigString(tokenID), addrBytes(owner), bigString(e.Amount))
	if err != nil {
		return fmt.Errorf("postgres: adjust nft balance: %w", err)
	}
	return nil
}

// ApplyFtTransfers records transfers and moves balance in the ft_balances
// projection.
func (s *EventStore) ApplyFtTransfers(ctx context.Context, events []domain.FtTransferEvent) ([]domain.FtTransferEvent, error) {
	var inserted []domain.FtTransferEvent

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, e := range events {
			ok, err := insertEvent(ctx, tx, "ft_transfer_events",
				`"from", "to", amount, `+baseCols,
				`$1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9, $10, $11`,
				append([]any{addrBytes(e.From), addrBytes(e.To), bigString(e.Amount)}, baseArgs(e.Base)...)...)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted = append(inserted, e)

			if e.From != (common.Address{}) {
				if err := adjustFtBalance(ctx, tx, e.Currency, e.From, "-", e); err != nil {
					return err
				}
			}
			if e.To != (common.Address{}) {
				if err := adjustFtBalance(ctx, tx, e.Currency, e.To, "+", e); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func adjustFtBalance(ctx context.Context, tx pgx.Tx, currency, owner common.Address, op string, e domain.FtTransferEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ft_balances (contract, owner, amount, updated_at)
		VALUES ($1, $2, `+signedFtAmount(op)+`, NOW())
		ON CONFLICT (contract, owner) DO UPDATE SET
			amount = ft_balances.amount `+op+` $3::NUMERIC,
			updated_at = NOW()`,
		addrBytes(currency), addrBytes(owner), bigString(e.Amount))
	if err != nil {
		return fmt.Errorf("postgres: adjust ft balance: %w", err)
	}
	return nil
}

func signedAmount(op string) string {
	if op == "-" {
		return `-($4::NUMERIC)`
	}
	return `$4::NUMERIC`
}

func signedFtAmount(op string) string {
	if op == "-" {
		return `-($3::NUMERIC)`
	}
	return `$3::NUMERIC`
}

var eventTables = []string{
	"fill_events",
	"cancel_events",
	"nonce_cancel_events",
	"bulk_cancel_events",
	"nft_approval_events",
	"nft_transfer_events",
	"ft_transfer_events",
}

// RemoveBlockEvents deletes every event row recorded against the orphaned
// (block, blockHash). Order statuses are deliberately not reverted: the
// canonical chain re-delivers its own events, and status flips derived from
// the orphaned branch are corrected by revalidation.
func (s *EventStore) RemoveBlockEvents(ctx context.Context, block uint64, blockHash common.Hash) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, table := range eventTables {
			_, err := tx.Exec(ctx,
				`DELETE FROM `+table+` WHERE block = $1 AND block_hash = $2`,
				block, hashBytes(blockHash))
			if err != nil {
				return fmt.Errorf("postgres: remove %s for block %d: %w", table, block, err)
			}
		}
		return nil
	})
}

// ListFills pages fill events in (block, log_index, batch_index) order,
// strictly after the cursor.
func (s *EventStore) ListFills(ctx context.Context, cursor domain.FillCursor, limit int) ([]domain.FillEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_kind, order_id, order_side, maker, taker, price::TEXT,
			contract, token_id::TEXT, amount::TEXT,
			address, block, block_hash, tx_hash, tx_index, log_index, batch_index, timestamp
		FROM fill_events
		WHERE (block, log_index, batch_index) > ($1, $2, $3)
		ORDER BY block, log_index, batch_index
		LIMIT $4`,
		cursor.Block, cursor.LogIndex, cursor.BatchIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	defer rows.Close()

	var events []domain.FillEvent
	for rows.Next() {
		var e domain.FillEvent
		var kind, side, price, tokenID, amount string
		var maker, taker, contract, address, blockHash, txHash []byte
		err := rows.Scan(
			&kind, &e.OrderID, &side, &maker, &taker, &price,
			&contract, &tokenID, &amount,
			&address, &e.Base.Block, &blockHash, &txHash,
			&e.Base.TxIndex, &e.Base.LogIndex, &e.Base.BatchIndex, &e.Base.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		e.OrderKind = domain.OrderKind(kind)
		e.OrderSide = domain.OrderSide(side)
		e.Maker = addrFromBytes(maker)
		e.Taker = addrFromBytes(taker)
		e.Contract = addrFromBytes(contract)
		e.Price = bigFromString(price)
		e.TokenID = bigFromString(tokenID)
		e.Amount = bigFromString(amount)
		e.Base.Address = addrFromBytes(address)
		e.Base.BlockHash = common.BytesToHash(blockHash)
		e.Base.TxHash = common.BytesToHash(txHash)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return events, nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
