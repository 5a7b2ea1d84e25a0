package postgres

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Addresses and hashes are stored as BYTEA; big integers travel as text and
// are cast to NUMERIC(78,0) by postgres (and back with ::TEXT on reads).

func addrBytes(a common.Address) []byte {
	return a.Bytes()
}

func addrPtrBytes(a *common.Address) []byte {
	if a == nil {
		return nil
	}
	return a.Bytes()
}

func addrFromBytes(b []byte) common.Address {
	return common.BytesToAddress(b)
}

func hashBytes(h common.Hash) []byte {
	return h.Bytes()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigPtrString(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func bigFromString(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func bigFromPtr(s *string) *big.Int {
	if s == nil {
		return nil
	}
	return bigFromString(*s)
}
