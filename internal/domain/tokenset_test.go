package domain_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

var (
	contractA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	contractB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestSingleTokenSetID(t *testing.T) {
	id := domain.SingleTokenSetID(contractA, big.NewInt(42))
	want := "token:0x00000000000000000000000000000000000000aa:42"
	if id != want {
		t.Errorf("got %q, want %q", id, want)
	}
}

func TestListTokenSetID_OrderIndependent(t *testing.T) {
	a := domain.Token{Contract: contractA, TokenID: big.NewInt(1)}
	b := domain.Token{Contract: contractA, TokenID: big.NewInt(2)}

	id1 := domain.ListTokenSetID([]domain.Token{a, b})
	id2 := domain.ListTokenSetID([]domain.Token{b, a})
	if id1 != id2 {
		t.Errorf("list id should be order independent: %q != %q", id1, id2)
	}

	c := domain.Token{Contract: contractB, TokenID: big.NewInt(1)}
	id3 := domain.ListTokenSetID([]domain.Token{a, c})
	if id3 == id1 {
		t.Error("different membership must yield a different id")
	}
}

func TestFillabilityTerminal(t *testing.T) {
	cases := []struct {
		status   domain.FillabilityStatus
		terminal bool
	}{
		{domain.FillabilityFillable, false},
		{domain.FillabilityNoBalance, false},
		{domain.FillabilityCancelled, true},
		{domain.FillabilityFilled, true},
		{domain.FillabilityExpired, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("%s: Terminal() = %v, want %v", tc.status, got, tc.terminal)
		}
	}
}

func TestEnhancedEventValidate(t *testing.T) {
	ev := domain.EnhancedEvent{Kind: domain.EventKindFill}
	if err := ev.Validate(); err == nil {
		t.Error("fill event without payload should fail validation")
	}

	ev.Fill = &domain.FillEvent{}
	if err := ev.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	ev.Kind = "bogus"
	if err := ev.Validate(); err == nil {
		t.Error("unknown kind should fail validation")
	}
}

func TestAggregateValueEqual(t *testing.T) {
	v1 := &domain.AggregateValue{OrderID: "a", Value: big.NewInt(10)}
	v2 := &domain.AggregateValue{OrderID: "a", Value: big.NewInt(10)}
	v3 := &domain.AggregateValue{OrderID: "a", Value: big.NewInt(11)}

	if !v1.Equal(v2) {
		t.Error("identical values should compare equal")
	}
	if v1.Equal(v3) {
		t.Error("different values should not compare equal")
	}
	if v1.Equal(nil) {
		t.Error("non-nil should not equal nil")
	}
	var empty *domain.AggregateValue
	if !empty.Equal(nil) {
		t.Error("nil should equal nil")
	}
}

func TestFillCursorLess(t *testing.T) {
	a := domain.FillCursor{Block: 10, LogIndex: 2, BatchIndex: 1}
	b := domain.FillCursor{Block: 10, LogIndex: 3, BatchIndex: 1}
	c := domain.FillCursor{Block: 11}

	if !a.Less(b) || !b.Less(c) || b.Less(a) {
		t.Error("cursor ordering broken")
	}
}
