package ingest_test

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/floorlab/nftindexer/internal/domain"
	"github.com/floorlab/nftindexer/internal/ingest"
	"github.com/floorlab/nftindexer/internal/store/memory"
)

type capture struct {
	orderInfos []domain.OrderInfo
	makerInfos []domain.MakerInfo
	fillInfos  []domain.FillInfo
}

func (c *capture) EnqueueOrderInfos(_ context.Context, infos []domain.OrderInfo) error {
	c.orderInfos = append(c.orderInfos, infos...)
	return nil
}

func (c *capture) EnqueueMakerInfos(_ context.Context, infos []domain.MakerInfo) error {
	c.makerInfos = append(c.makerInfos, infos...)
	return nil
}

func (c *capture) EnqueueFillInfos(_ context.Context, infos []domain.FillInfo) error {
	c.fillInfos = append(c.fillInfos, infos...)
	return nil
}

func (c *capture) reset() {
	c.orderInfos = nil
	c.makerInfos = nil
	c.fillInfos = nil
}

var (
	maker = common.HexToAddress("0x1111111111111111111111111111111111111111")
	taker = common.HexToAddress("0x9999999999999999999999999999999999999999")
	nft   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func base(block uint64, logIndex uint) domain.BaseEventParams {
	return domain.BaseEventParams{
		Address:    nft,
		Block:      block,
		BlockHash:  crypto.Keccak256Hash([]byte(fmt.Sprintf("block-%d", block))),
		TxHash:     crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d-%d", block, logIndex))),
		LogIndex:   logIndex,
		BatchIndex: 1,
		Timestamp:  1700000000 + int64(block),
	}
}

func newEngine(t *testing.T, store *memory.Store) (*ingest.Engine, *capture) {
	t.Helper()
	q := &capture{}
	return ingest.New(store, q, q, q, slog.Default()), q
}

func seedOrder(t *testing.T, store *memory.Store, id string, nonce int64) {
	t.Helper()
	tokenID := big.NewInt(1)
	set := domain.NewSingleTokenSet(nft, tokenID)
	if err := (memory.TokenSets{Store: store}).Create(context.Background(), set); err != nil {
		t.Fatalf("create token set: %v", err)
	}
	err := store.Create(context.Background(), domain.Order{
		ID:                id,
		Kind:              domain.OrderKindWyvernV23,
		Side:              domain.OrderSideSell,
		Maker:             maker,
		Price:             big.NewInt(1000),
		Value:             big.NewInt(980),
		Nonce:             big.NewInt(nonce),
		Contract:          nft,
		TokenSetID:        set.ID,
		TokenKind:         domain.TokenKindERC721,
		QuantityRemaining: big.NewInt(1),
		Fillability:       domain.FillabilityFillable,
		Approval:          domain.ApprovalApproved,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
}

func TestProcessBatchIdempotent(t *testing.T) {
	store := memory.New()
	eng, q := newEngine(t, store)
	seedOrder(t, store, "0xa", 1)

	batch := []domain.EnhancedEvent{{
		Kind: domain.EventKindCancel,
		Base: base(100, 1),
		Cancel: &domain.CancelEvent{
			OrderKind: domain.OrderKindWyvernV23,
			OrderID:   "0xa",
			Base:      base(100, 1),
		},
	}}

	if err := eng.ProcessBatch(context.Background(), batch, ingest.Options{}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if len(q.orderInfos) != 1 {
		t.Fatalf("first apply enqueued %d order infos, want 1", len(q.orderInfos))
	}

	// Replaying the identical batch inserts nothing, mutates nothing,
	// enqueues nothing.
	q.reset()
	if err := eng.ProcessBatch(context.Background(), batch, ingest.Options{}); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(q.orderInfos) != 0 {
		t.Fatalf("replay enqueued %d order infos, want 0", len(q.orderInfos))
	}

	o, err := store.GetByID(context.Background(), "0xa")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Fillability != domain.FillabilityCancelled {
		t.Fatalf("fillability = %s, want cancelled", o.Fillability)
	}
}

func TestBulkCancelStrictThreshold(t *testing.T) {
	store := memory.New()
	eng, q := newEngine(t, store)
	for i, nonce := range []int64{3, 5, 7, 9} {
		seedOrder(t, store, fmt.Sprintf("0x%d", i), nonce)
	}

	batch := []domain.EnhancedEvent{{
		Kind: domain.EventKindBulkCancel,
		Base: base(200, 1),
		BulkCancel: &domain.BulkCancelEvent{
			OrderKind: domain.OrderKindWyvernV23,
			Maker:     maker,
			MinNonce:  big.NewInt(7),
			Base:      base(200, 1),
		},
	}}
	if err := eng.ProcessBatch(context.Background(), batch, ingest.Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Strictly below the threshold: nonces 3 and 5 cancel, 7 and 9 stay.
	want := map[int64]domain.FillabilityStatus{
		3: domain.FillabilityCancelled,
		5: domain.FillabilityCancelled,
		7: domain.FillabilityFillable,
		9: domain.FillabilityFillable,
	}
	for i, nonce := range []int64{3, 5, 7, 9} {
		o, err := store.GetByID(context.Background(), fmt.Sprintf("0x%d", i))
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if o.Fillability != want[nonce] {
			t.Errorf("nonce %d: fillability = %s, want %s", nonce, o.Fillability, want[nonce])
		}
	}
	if len(q.orderInfos) != 2 {
		t.Fatalf("enqueued %d order infos, want 2", len(q.orderInfos))
	}
}

func TestNonceCancelExactMatch(t *testing.T) {
	store := memory.New()
	eng, _ := newEngine(t, store)
	seedOrder(t, store, "0xa", 5)
	seedOrder(t, store, "0xb", 6)

	batch := []domain.EnhancedEvent{{
		Kind: domain.EventKindNonceCancel,
		Base: base(300, 1),
		NonceCancel: &domain.NonceCancelEvent{
			OrderKind: domain.OrderKindWyvernV23,
			Maker:     maker,
			Nonce:     big.NewInt(5),
			Base:      base(300, 1),
		},
	}}
	if err := eng.ProcessBatch(context.Background(), batch, ingest.Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	a, _ := store.GetByID(context.Background(), "0xa")
	b, _ := store.GetByID(context.Background(), "0xb")
	if a.Fillability != domain.FillabilityCancelled {
		t.Errorf("nonce 5: fillability = %s, want cancelled", a.Fillability)
	}
	if b.Fillability != domain.FillabilityFillable {
		t.Errorf("nonce 6: fillability = %s, want fillable", b.Fillability)
	}
}

func TestMonotonicCancellation(t *testing.T) {
	store := memory.New()
	eng, q := newEngine(t, store)
	seedOrder(t, store, "0xa", 1)

	fill := []domain.EnhancedEvent{{
		Kind: domain.EventKindFill,
		Base: base(400, 1),
		Fill: &domain.FillEvent{
			OrderKind: domain.OrderKindWyvernV23,
			OrderID:   "0xa",
			OrderSide: domain.OrderSideSell,
			Maker:     maker,
			Taker:     taker,
			Price:     big.NewInt(1000),
			Contract:  nft,
			TokenID:   big.NewInt(1),
			Amount:    big.NewInt(1),
			Base:      base(400, 1),
		},
	}}
	if err := eng.ProcessBatch(context.Background(), fill, ingest.Options{}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	o, _ := store.GetByID(context.Background(), "0xa")
	if o.Fillability != domain.FillabilityFilled {
		t.Fatalf("after fill: fillability = %s, want filled", o.Fillability)
	}

	// A later cancel event inserts its row but cannot touch a filled
	// order, and no recompute is enqueued for it.
	q.reset()
	cancel := []domain.EnhancedEvent{{
		Kind: domain.EventKindCancel,
		Base: base(401, 1),
		Cancel: &domain.CancelEvent{
			OrderKind: domain.OrderKindWyvernV23,
			OrderID:   "0xa",
			Base:      base(401, 1),
		},
	}}
	if err := eng.ProcessBatch(context.Background(), cancel, ingest.Options{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	o, _ = store.GetByID(context.Background(), "0xa")
	if o.Fillability != domain.FillabilityFilled {
		t.Fatalf("after cancel: fillability = %s, want filled", o.Fillability)
	}
	if len(q.orderInfos) != 0 {
		t.Fatalf("cancel of filled order enqueued %d order infos, want 0", len(q.orderInfos))
	}
}

func TestPartialFillExhaustion(t *testing.T) {
	store := memory.New()
	eng, _ := newEngine(t, store)

	set := domain.NewSingleTokenSet(nft, big.NewInt(1))
	_ = memory.TokenSets{Store: store}.Create(context.Background(), set)
	err := store.Create(context.Background(), domain.Order{
		ID:                "0xp",
		Kind:              domain.OrderKindZeroExV4,
		Side:              domain.OrderSideSell,
		Maker:             maker,
		Price:             big.NewInt(100),
		Value:             big.NewInt(95),
		Nonce:             big.NewInt(1),
		Contract:          nft,
		TokenSetID:        set.ID,
		TokenKind:         domain.TokenKindERC1155,
		QuantityRemaining: big.NewInt(5),
		Fillability:       domain.FillabilityFillable,
		Approval:          domain.ApprovalApproved,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	fillAt := func(block uint64, amount int64) []domain.EnhancedEvent {
		return []domain.EnhancedEvent{{
			Kind: domain.EventKindFill,
			Base: base(block, 1),
			Fill: &domain.FillEvent{
				OrderKind: domain.OrderKindZeroExV4,
				OrderID:   "0xp",
				OrderSide: domain.OrderSideSell,
				Maker:     maker,
				Taker:     taker,
				Price:     big.NewInt(100),
				Contract:  nft,
				TokenID:   big.NewInt(1),
				Amount:    big.NewInt(amount),
				Base:      base(block, 1),
			},
		}}
	}

	if err := eng.ProcessBatch(context.Background(), fillAt(500, 3), ingest.Options{}); err != nil {
		t.Fatalf("partial fill: %v", err)
	}
	o, _ := store.GetByID(context.Background(), "0xp")
	if o.Fillability != domain.FillabilityFillable {
		t.Fatalf("after partial fill: fillability = %s, want fillable", o.Fillability)
	}
	if o.QuantityRemaining.Int64() != 2 {
		t.Fatalf("quantity remaining = %s, want 2", o.QuantityRemaining)
	}

	if err := eng.ProcessBatch(context.Background(), fillAt(501, 2), ingest.Options{}); err != nil {
		t.Fatalf("exhausting fill: %v", err)
	}
	o, _ = store.GetByID(context.Background(), "0xp")
	if o.Fillability != domain.FillabilityFilled {
		t.Fatalf("after exhausting fill: fillability = %s, want filled", o.Fillability)
	}
	if o.QuantityRemaining.Sign() != 0 {
		t.Fatalf("quantity remaining = %s, want 0", o.QuantityRemaining)
	}
}

func TestReorgRemovalKeepsStatus(t *testing.T) {
	store := memory.New()
	eng, _ := newEngine(t, store)
	seedOrder(t, store, "0xa", 1)

	b := base(600, 1)
	batch := []domain.EnhancedEvent{{
		Kind: domain.EventKindCancel,
		Base: b,
		Cancel: &domain.CancelEvent{
			OrderKind: domain.OrderKindWyvernV23,
			OrderID:   "0xa",
			Base:      b,
		},
	}}
	if err := eng.ProcessBatch(context.Background(), batch, ingest.Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := eng.HandleReorg(context.Background(), b.Block, b.BlockHash); err != nil {
		t.Fatalf("reorg: %v", err)
	}

	// Status stays: removal only deletes event rows.
	o, _ := store.GetByID(context.Background(), "0xa")
	if o.Fillability != domain.FillabilityCancelled {
		t.Fatalf("after reorg: fillability = %s, want cancelled", o.Fillability)
	}

	// The cancellation marker is gone from the event tables.
	cancelled, err := store.IsOrderCancelled(context.Background(), domain.OrderKindWyvernV23, "0xa")
	if err != nil {
		t.Fatalf("is cancelled: %v", err)
	}
	if cancelled {
		t.Fatal("cancel event still present after reorg removal")
	}
}

func TestBackfillSkipsFanOut(t *testing.T) {
	store := memory.New()
	eng, q := newEngine(t, store)
	seedOrder(t, store, "0xa", 1)

	batch := []domain.EnhancedEvent{{
		Kind: domain.EventKindCancel,
		Base: base(700, 1),
		Cancel: &domain.CancelEvent{
			OrderKind: domain.OrderKindWyvernV23,
			OrderID:   "0xa",
			Base:      base(700, 1),
		},
	}}
	if err := eng.ProcessBatch(context.Background(), batch, ingest.Options{Backfill: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	o, _ := store.GetByID(context.Background(), "0xa")
	if o.Fillability != domain.FillabilityCancelled {
		t.Fatalf("fillability = %s, want cancelled", o.Fillability)
	}
	if len(q.orderInfos)+len(q.makerInfos)+len(q.fillInfos) != 0 {
		t.Fatal("backfill batch enqueued downstream work")
	}
}
