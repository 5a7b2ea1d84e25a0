package oracle

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

// kindEntry is one cached contract-kind detection.
type kindEntry struct {
	kind    domain.TokenKind
	expires time.Time
}

// KindCache is a TTL cache for contract token-kind lookups. Kinds never
// change on chain, but the TTL bounds the cost of a wrong early detection
// (e.g. a proxy contract observed before initialization).
type KindCache struct {
	mu      sync.Mutex
	entries map[common.Address]kindEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewKindCache creates a cache whose entries live for ttl.
func NewKindCache(ttl time.Duration) *KindCache {
	return &KindCache{
		entries: make(map[common.Address]kindEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached kind, if present and fresh.
func (c *KindCache) Get(contract common.Address) (domain.TokenKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[contract]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, contract)
		return "", false
	}
	return e.kind, true
}

// Set stores a detection.
func (c *KindCache) Set(contract common.Address, kind domain.TokenKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[contract] = kindEntry{kind: kind, expires: c.now().Add(c.ttl)}
}

// Invalidate drops a cached detection.
func (c *KindCache) Invalidate(contract common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, contract)
}
