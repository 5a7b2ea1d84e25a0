// Package memory provides in-memory implementations of the domain store
// interfaces with the same transition semantics as the postgres backend.
// It backs tests and local experimentation; nothing persists.
package memory

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

type tokenKey struct {
	contract common.Address
	tokenID  string
}

type ownerKey struct {
	contract common.Address
	tokenID  string
	owner    common.Address
}

type pairKey struct {
	contract common.Address
	owner    common.Address
}

type operatorKey struct {
	contract common.Address
	owner    common.Address
	operator common.Address
}

type tokenRow struct {
	floorAsk *domain.AggregateValue
	topBid   *domain.AggregateValue

	lastSaleValue     *big.Int
	lastSaleTimestamp int64
}

type collectionRow struct {
	floorAsk *domain.AggregateValue
	topBid   *domain.AggregateValue
}

type blockRef struct {
	block     uint64
	blockHash common.Hash
}

// Store holds every projection behind one mutex. A single lock keeps the
// "event insert + order mutation" pairs atomic the way a postgres
// transaction does.
type Store struct {
	mu sync.Mutex

	orders    map[string]*domain.Order
	orderSeq  []string // insertion order, for stable iteration
	tokenSets map[string]domain.TokenSet

	// Event idempotency: one entry per (table, base key) ever applied.
	seen map[string]blockRef

	fills        []domain.FillEvent
	cancels      []domain.CancelEvent
	nonceCancels []domain.NonceCancelEvent
	bulkCancels  []domain.BulkCancelEvent

	contracts    map[common.Address]domain.TokenKind
	ftBalances   map[pairKey]*big.Int
	nftBalances  map[ownerKey]*big.Int
	nftApprovals map[operatorKey]bool
	ftApprovals  map[operatorKey]*big.Int

	tokens      map[tokenKey]*tokenRow
	collections map[common.Address]*collectionRow

	// Logical clock standing in for updated_at: bumped on every order
	// mutation so (updatedAt, id) cursors are deterministic in tests.
	clock int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		orders:       make(map[string]*domain.Order),
		tokenSets:    make(map[string]domain.TokenSet),
		seen:         make(map[string]blockRef),
		contracts:    make(map[common.Address]domain.TokenKind),
		ftBalances:   make(map[pairKey]*big.Int),
		nftBalances:  make(map[ownerKey]*big.Int),
		nftApprovals: make(map[operatorKey]bool),
		ftApprovals:  make(map[operatorKey]*big.Int),
		tokens:       make(map[tokenKey]*tokenRow),
		collections:  make(map[common.Address]*collectionRow),
	}
}

// eventKey carries the full five-field idempotency tuple the event tables
// key on.
func eventKey(table string, p domain.BaseEventParams) string {
	return fmt.Sprintf("%s/%d-%s-%s-%d-%d", table, p.Block, p.BlockHash, p.TxHash, p.LogIndex, p.BatchIndex)
}

// firstSeen records the event under its idempotency key and reports whether
// it was new. Callers hold s.mu.
func (s *Store) firstSeen(table string, p domain.BaseEventParams) bool {
	k := eventKey(table, p)
	if _, ok := s.seen[k]; ok {
		return false
	}
	s.seen[k] = blockRef{block: p.Block, blockHash: p.BlockHash}
	return true
}

func (s *Store) touch(o *domain.Order) {
	s.clock++
	o.UpdatedAt = time.Unix(s.clock, 0)
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyOrder(o *domain.Order) domain.Order {
	c := *o
	c.Price = copyBig(o.Price)
	c.Value = copyBig(o.Value)
	c.Nonce = copyBig(o.Nonce)
	c.QuantityFilled = copyBig(o.QuantityFilled)
	c.QuantityRemaining = copyBig(o.QuantityRemaining)
	return c
}

func live(o *domain.Order) bool {
	return o.Fillability == domain.FillabilityFillable || o.Fillability == domain.FillabilityNoBalance
}
