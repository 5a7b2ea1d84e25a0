package memory

import (
	"context"

	"github.com/floorlab/nftindexer/internal/domain"
)

// Create inserts a token set; re-creating an existing id is a no-op since
// the id commits to the membership.
func (s *Store) CreateTokenSet(ctx context.Context, set domain.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokenSets[set.ID]; ok {
		return nil
	}
	s.tokenSets[set.ID] = set
	return nil
}

func (s *Store) GetTokenSet(_ context.Context, id string) (domain.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tokenSets[id]
	if !ok {
		return domain.TokenSet{}, domain.ErrNotFound
	}
	return set, nil
}

func (s *Store) TokenSetTokens(_ context.Context, id string) ([]domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tokenSets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]domain.Token(nil), set.Tokens...), nil
}

// TokenSets adapts Store to domain.TokenSetStore. The adapter exists
// because Store's own Create/GetByID belong to the order interface.
type TokenSets struct{ *Store }

func (t TokenSets) Create(ctx context.Context, set domain.TokenSet) error {
	return t.CreateTokenSet(ctx, set)
}

func (t TokenSets) GetByID(ctx context.Context, id string) (domain.TokenSet, error) {
	return t.GetTokenSet(ctx, id)
}

func (t TokenSets) Tokens(ctx context.Context, id string) ([]domain.Token, error) {
	return t.TokenSetTokens(ctx, id)
}

// Compile-time interface check.
var _ domain.TokenSetStore = TokenSets{}
