package domain

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TokenSetKind describes how a token set selects its members.
type TokenSetKind string

const (
	TokenSetKindSingle   TokenSetKind = "token"
	TokenSetKindContract TokenSetKind = "contract"
	TokenSetKindRange    TokenSetKind = "range"
	TokenSetKindList     TokenSetKind = "list"
)

// Token identifies one NFT.
type Token struct {
	Contract common.Address
	TokenID  *big.Int
}

// TokenSet groups the tokens an order applies to. Sets are immutable once
// created: membership cannot be edited, a different membership yields a
// different id.
type TokenSet struct {
	ID       string
	Kind     TokenSetKind
	Contract common.Address

	// Single-token sets.
	TokenID *big.Int

	// Range sets (inclusive bounds).
	RangeStart *big.Int
	RangeEnd   *big.Int

	// Explicit list sets. The id commits to the membership via a keccak
	// hash, so two lists with the same members share an id.
	Tokens []Token
}

// SingleTokenSetID builds the id of a single-token set.
func SingleTokenSetID(contract common.Address, tokenID *big.Int) string {
	return fmt.Sprintf("token:%s:%s", strings.ToLower(contract.Hex()), tokenID)
}

// ContractTokenSetID builds the id of a contract-wide set.
func ContractTokenSetID(contract common.Address) string {
	return fmt.Sprintf("contract:%s", strings.ToLower(contract.Hex()))
}

// RangeTokenSetID builds the id of an inclusive token-id range set.
func RangeTokenSetID(contract common.Address, start, end *big.Int) string {
	return fmt.Sprintf("range:%s:%s:%s", strings.ToLower(contract.Hex()), start, end)
}

// ListTokenSetID derives the content-addressed id of an explicit list set.
// Members are sorted before hashing so the id is independent of input order.
func ListTokenSetID(tokens []Token) string {
	members := make([]string, len(tokens))
	for i, t := range tokens {
		members[i] = strings.ToLower(t.Contract.Hex()) + ":" + t.TokenID.String()
	}
	sort.Strings(members)

	h := crypto.Keccak256Hash([]byte(strings.Join(members, ",")))
	return "list:" + h.Hex()
}

// NewSingleTokenSet builds a single-token set with a derived id.
func NewSingleTokenSet(contract common.Address, tokenID *big.Int) TokenSet {
	return TokenSet{
		ID:       SingleTokenSetID(contract, tokenID),
		Kind:     TokenSetKindSingle,
		Contract: contract,
		TokenID:  tokenID,
		Tokens:   []Token{{Contract: contract, TokenID: tokenID}},
	}
}

// NewContractTokenSet builds a contract-wide set with a derived id.
func NewContractTokenSet(contract common.Address) TokenSet {
	return TokenSet{
		ID:       ContractTokenSetID(contract),
		Kind:     TokenSetKindContract,
		Contract: contract,
	}
}

// NewRangeTokenSet builds an inclusive range set with a derived id.
func NewRangeTokenSet(contract common.Address, start, end *big.Int) TokenSet {
	return TokenSet{
		ID:         RangeTokenSetID(contract, start, end),
		Kind:       TokenSetKindRange,
		Contract:   contract,
		RangeStart: start,
		RangeEnd:   end,
	}
}

// NewListTokenSet builds an explicit list set with a content-derived id.
// All tokens must share a contract.
func NewListTokenSet(contract common.Address, tokens []Token) TokenSet {
	return TokenSet{
		ID:       ListTokenSetID(tokens),
		Kind:     TokenSetKindList,
		Contract: contract,
		Tokens:   tokens,
	}
}

// SingleToken reports whether the set is a single-token set, which is the
// only granularity that feeds token-level floor caches directly.
func (ts TokenSet) SingleToken() bool {
	return ts.Kind == TokenSetKindSingle
}
