package jobs_test

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
	"github.com/floorlab/nftindexer/internal/jobs"
	"github.com/floorlab/nftindexer/internal/store/memory"
	"github.com/floorlab/nftindexer/internal/validator"
)

var (
	testContract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testMaker    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testCurrency = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type captureQueue struct {
	infos []domain.OrderInfo
}

func (q *captureQueue) Enqueue(_ context.Context, _ string, info domain.OrderInfo) error {
	q.infos = append(q.infos, info)
	return nil
}

type captureNotifier struct {
	changes []domain.AggregateChange
}

func (n *captureNotifier) AggregateChanged(_ context.Context, c domain.AggregateChange) error {
	n.changes = append(n.changes, c)
	return nil
}

// fakeChecker returns a scripted verdict per order id.
type fakeChecker struct {
	verdicts map[string]error
}

func (c *fakeChecker) OffChainCheck(_ context.Context, o domain.Order, _ validator.Options) error {
	return c.verdicts[o.ID]
}

type fakeLocks struct {
	held     bool
	acquires int
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	l.acquires++
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

func seedListing(t *testing.T, store *memory.Store, id string, tokenID, value int64) domain.Order {
	t.Helper()
	ctx := context.Background()

	set := domain.NewSingleTokenSet(testContract, big.NewInt(tokenID))
	if err := store.CreateTokenSet(ctx, set); err != nil {
		t.Fatal(err)
	}
	o := domain.Order{
		ID:                id,
		Kind:              domain.OrderKindSeaport,
		Side:              domain.OrderSideSell,
		Maker:             testMaker,
		Currency:          testCurrency,
		Price:             big.NewInt(value),
		Value:             big.NewInt(value),
		Nonce:             big.NewInt(0),
		Contract:          testContract,
		TokenSetID:        set.ID,
		TokenKind:         domain.TokenKindERC721,
		QuantityRemaining: big.NewInt(1),
		Fillability:       domain.FillabilityFillable,
		Approval:          domain.ApprovalApproved,
	}
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	return o
}

func seedBid(t *testing.T, store *memory.Store, id, tokenSetID string, maker common.Address, value int64) domain.Order {
	t.Helper()
	o := domain.Order{
		ID:                id,
		Kind:              domain.OrderKindSeaport,
		Side:              domain.OrderSideBuy,
		Maker:             maker,
		Currency:          testCurrency,
		Price:             big.NewInt(value),
		Value:             big.NewInt(value),
		Nonce:             big.NewInt(0),
		Contract:          testContract,
		TokenSetID:        tokenSetID,
		TokenKind:         domain.TokenKindERC721,
		QuantityRemaining: big.NewInt(1),
		Fillability:       domain.FillabilityFillable,
		Approval:          domain.ApprovalApproved,
	}
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	return o
}

// pageProcessor walks a fixed number of items with an int cursor, recording
// every cursor it was handed. rateLimitAt triggers one rate-limit error the
// first time that cursor is presented.
type pageProcessor struct {
	total       int
	rateLimitAt int
	limited     bool
	cursors     []int
}

func (p *pageProcessor) Process(_ context.Context, cursor int, limit int) (int, int, error) {
	p.cursors = append(p.cursors, cursor)
	if p.rateLimitAt == cursor && !p.limited {
		p.limited = true
		return 0, cursor, &domain.RateLimitError{RetryAfter: time.Millisecond}
	}
	n := p.total - cursor
	if n > limit {
		n = limit
	}
	return n, cursor + n, nil
}

func TestBackfillRunnerAdvancesCursorOnSuccess(t *testing.T) {
	proc := &pageProcessor{total: 25, rateLimitAt: -1}
	runner := jobs.NewBackfillRunner[int]("pages", proc, 10, time.Millisecond, slog.Default())

	final, err := runner.Run(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if final != 25 {
		t.Fatalf("final cursor = %d, want 25", final)
	}
	// 10 + 10 + 5: the short batch terminates the run.
	want := []int{0, 10, 20}
	if len(proc.cursors) != len(want) {
		t.Fatalf("cursors = %v, want %v", proc.cursors, want)
	}
	for i := range want {
		if proc.cursors[i] != want[i] {
			t.Fatalf("cursors = %v, want %v", proc.cursors, want)
		}
	}
}

func TestBackfillRunnerHoldsCursorOnRateLimit(t *testing.T) {
	proc := &pageProcessor{total: 20, rateLimitAt: 10}
	runner := jobs.NewBackfillRunner[int]("pages", proc, 10, time.Millisecond, slog.Default())

	final, err := runner.Run(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if final != 20 {
		t.Fatalf("final cursor = %d, want 20", final)
	}
	// Cursor 10 presented twice: once rate limited, once retried.
	want := []int{0, 10, 10, 20}
	if len(proc.cursors) != len(want) {
		t.Fatalf("cursors = %v, want %v", proc.cursors, want)
	}
	for i := range want {
		if proc.cursors[i] != want[i] {
			t.Fatalf("cursors = %v, want %v", proc.cursors, want)
		}
	}
}

func TestBackfillRunnerResumesFromCursor(t *testing.T) {
	proc := &pageProcessor{total: 30, rateLimitAt: -1}
	runner := jobs.NewBackfillRunner[int]("pages", proc, 10, time.Millisecond, slog.Default())

	// Simulate a restart: run the first batch's worth, then resume from the
	// cursor it returned.
	mid, err := runner.Run(context.Background(), 20)
	if err != nil {
		t.Fatal(err)
	}
	if mid != 30 {
		t.Fatalf("resumed final cursor = %d, want 30", mid)
	}
	for _, c := range proc.cursors {
		if c < 20 {
			t.Fatalf("resumed run revisited cursor %d before the start point", c)
		}
	}
}

func TestOrderUpdateChangeGate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	o := seedListing(t, store, "0xaaa", 1, 100)

	notifier := &captureNotifier{}
	job := jobs.NewOrderUpdateJob(store, memory.TokenSets{Store: store}, store, notifier, slog.Default())

	info := domain.NewOrderInfo(domain.OrderUpdate{
		ID:         o.ID,
		Kind:       o.Kind,
		Side:       o.Side,
		Maker:      o.Maker,
		TokenSetID: o.TokenSetID,
		Trigger:    domain.Trigger{Kind: domain.TriggerNewOrder},
	})
	if err := job.Handle(ctx, info); err != nil {
		t.Fatal(err)
	}

	// Token floor plus the collection cascade.
	if len(notifier.changes) != 2 {
		t.Fatalf("first recompute emitted %d changes, want 2", len(notifier.changes))
	}
	tok := notifier.changes[0]
	if tok.Entity != domain.EntityToken || tok.Kind != domain.AggregateFloorAsk {
		t.Fatalf("unexpected first change: %+v", tok)
	}
	if tok.After == nil || tok.After.OrderID != o.ID || tok.After.Value.Int64() != 100 {
		t.Fatalf("floor ask not set to the listing: %+v", tok.After)
	}
	if notifier.changes[1].Entity != domain.EntityCollection {
		t.Fatalf("second change should be the collection cascade: %+v", notifier.changes[1])
	}

	// Same mutation again: the cache already matches, nothing is emitted.
	notifier.changes = nil
	if err := job.Handle(ctx, info); err != nil {
		t.Fatal(err)
	}
	if len(notifier.changes) != 0 {
		t.Fatalf("replay emitted %d changes, want 0", len(notifier.changes))
	}
}

func TestOrderUpdateFloorImprovesThenHolds(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	first := seedListing(t, store, "0xaaa", 1, 100)
	second := seedListing(t, store, "0xbbb", 1, 80)

	notifier := &captureNotifier{}
	job := jobs.NewOrderUpdateJob(store, memory.TokenSets{Store: store}, store, notifier, slog.Default())

	handle := func(o domain.Order) {
		t.Helper()
		info := domain.NewOrderInfo(domain.OrderUpdate{
			ID: o.ID, Kind: o.Kind, Side: o.Side, Maker: o.Maker,
			TokenSetID: o.TokenSetID,
			Trigger:    domain.Trigger{Kind: domain.TriggerNewOrder},
		})
		if err := job.Handle(ctx, info); err != nil {
			t.Fatal(err)
		}
	}

	handle(first)
	notifier.changes = nil

	// The cheaper listing takes the floor.
	handle(second)
	if len(notifier.changes) != 2 {
		t.Fatalf("emitted %d changes, want 2", len(notifier.changes))
	}
	if got := notifier.changes[0].After.OrderID; got != second.ID {
		t.Fatalf("floor winner = %s, want %s", got, second.ID)
	}

	// Recomputing for the more expensive listing changes nothing.
	notifier.changes = nil
	handle(first)
	if len(notifier.changes) != 0 {
		t.Fatalf("emitted %d changes, want 0", len(notifier.changes))
	}
}

func TestOrderUpdateContractWideBidCancel(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	single := domain.NewSingleTokenSet(testContract, big.NewInt(1))
	wide := domain.NewContractTokenSet(testContract)
	for _, set := range []domain.TokenSet{single, wide} {
		if err := store.CreateTokenSet(ctx, set); err != nil {
			t.Fatal(err)
		}
	}
	tokenBid := seedBid(t, store, "0xbid-single", single.ID, testMaker, 50)
	wideBid := seedBid(t, store, "0xbid-wide", wide.ID, testMaker, 100)

	notifier := &captureNotifier{}
	job := jobs.NewOrderUpdateJob(store, memory.TokenSets{Store: store}, store, notifier, slog.Default())

	// The collection-wide bid wins the token's top bid through the
	// single-token recompute.
	info := domain.NewOrderInfo(domain.OrderUpdate{
		ID: tokenBid.ID, Kind: tokenBid.Kind, Side: tokenBid.Side, Maker: tokenBid.Maker,
		TokenSetID: tokenBid.TokenSetID,
		Trigger:    domain.Trigger{Kind: domain.TriggerNewOrder},
	})
	if err := job.Handle(ctx, info); err != nil {
		t.Fatal(err)
	}
	if len(notifier.changes) == 0 || notifier.changes[0].After == nil ||
		notifier.changes[0].After.OrderID != wideBid.ID {
		t.Fatalf("wide bid should win the top bid: %+v", notifier.changes)
	}

	// Cancelling the wide bid must reach the token rows that cached it even
	// though the contract set carries no explicit membership.
	_, updates, err := store.ApplyCancels(ctx, []domain.CancelEvent{{
		OrderKind: wideBid.Kind,
		OrderID:   wideBid.ID,
		Base: domain.BaseEventParams{
			Block:     10,
			BlockHash: common.HexToHash("0x10"),
			TxHash:    common.HexToHash("0xabc"),
			LogIndex:  1,
			Timestamp: 1700000000,
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 {
		t.Fatalf("cancel mutated %d orders, want 1", len(updates))
	}

	notifier.changes = nil
	if err := job.Handle(ctx, domain.NewOrderInfo(updates[0])); err != nil {
		t.Fatal(err)
	}
	if len(notifier.changes) == 0 {
		t.Fatal("cancelled wide bid left the top-bid cache stale")
	}
	tok := notifier.changes[0]
	if tok.Before == nil || tok.Before.OrderID != wideBid.ID {
		t.Fatalf("cache did not hold the wide bid before the cancel: %+v", tok.Before)
	}
	if tok.After == nil || tok.After.OrderID != tokenBid.ID {
		t.Fatalf("top bid = %+v, want the surviving token bid %s", tok.After, tokenBid.ID)
	}
}

func TestTopBidSkipsOwnerBid(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	owner := common.HexToAddress("0x4444444444444444444444444444444444444444")
	set := domain.NewSingleTokenSet(testContract, big.NewInt(7))
	if err := store.CreateTokenSet(ctx, set); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertNftBalance(ctx, testContract, big.NewInt(7), owner, big.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	ownerBid := seedBid(t, store, "0xbid-owner", set.ID, owner, 120)
	otherBid := seedBid(t, store, "0xbid-other", set.ID, testMaker, 90)

	notifier := &captureNotifier{}
	job := jobs.NewOrderUpdateJob(store, memory.TokenSets{Store: store}, store, notifier, slog.Default())

	info := domain.NewOrderInfo(domain.OrderUpdate{
		ID: ownerBid.ID, Kind: ownerBid.Kind, Side: ownerBid.Side, Maker: ownerBid.Maker,
		TokenSetID: ownerBid.TokenSetID,
		Trigger:    domain.Trigger{Kind: domain.TriggerNewOrder},
	})
	if err := job.Handle(ctx, info); err != nil {
		t.Fatal(err)
	}

	if len(notifier.changes) == 0 {
		t.Fatal("recompute emitted no change")
	}
	got := notifier.changes[0].After
	if got == nil || got.OrderID != otherBid.ID {
		t.Fatalf("top bid = %+v, want %s: the owner's own bid must not back the cache", got, otherBid.ID)
	}
}

func TestMakerUpdateFlipsReversibleStatus(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	o := seedListing(t, store, "0xaaa", 1, 100)

	checker := &fakeChecker{verdicts: map[string]error{o.ID: validator.ErrNoBalance}}
	next := &captureQueue{}
	job := jobs.NewMakerUpdateJob(store, checker, next, false, slog.Default())

	info := domain.MakerInfo{
		Context:  "evt-1",
		Maker:    testMaker,
		Kind:     domain.MakerSellBalance,
		Contract: testContract,
		TokenID:  big.NewInt(1),
		Trigger:  domain.Trigger{Kind: domain.TriggerBalance},
	}
	if err := job.Handle(ctx, info); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetByID(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fillability != domain.FillabilityNoBalance {
		t.Fatalf("fillability = %s, want no-balance", got.Fillability)
	}
	if len(next.infos) != 1 {
		t.Fatalf("enqueued %d recomputes, want 1", len(next.infos))
	}

	// Balance restored: flips back and feeds another recompute.
	checker.verdicts[o.ID] = nil
	next.infos = nil
	if err := job.Handle(ctx, info); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetByID(ctx, o.ID)
	if got.Fillability != domain.FillabilityFillable {
		t.Fatalf("fillability = %s, want fillable", got.Fillability)
	}
	if len(next.infos) != 1 {
		t.Fatalf("enqueued %d recomputes, want 1", len(next.infos))
	}

	// Unchanged verdict: no write, no recompute.
	next.infos = nil
	if err := job.Handle(ctx, info); err != nil {
		t.Fatal(err)
	}
	if len(next.infos) != 0 {
		t.Fatalf("unchanged revalidation enqueued %d recomputes, want 0", len(next.infos))
	}
}

func TestMakerUpdateLeavesTerminalDiagnosisAlone(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	o := seedListing(t, store, "0xaaa", 1, 100)

	checker := &fakeChecker{verdicts: map[string]error{o.ID: validator.ErrCancelled}}
	next := &captureQueue{}
	job := jobs.NewMakerUpdateJob(store, checker, next, false, slog.Default())

	info := domain.MakerInfo{
		Context:  "evt-1",
		Maker:    testMaker,
		Kind:     domain.MakerSellBalance,
		Contract: testContract,
		TokenID:  big.NewInt(1),
	}
	if err := job.Handle(ctx, info); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetByID(ctx, o.ID)
	if got.Fillability != domain.FillabilityFillable {
		t.Fatalf("terminal verdict flipped status to %s", got.Fillability)
	}
	if len(next.infos) != 0 {
		t.Fatalf("terminal verdict enqueued %d recomputes, want 0", len(next.infos))
	}
}

func TestMakerUpdateRetriesOnInfrastructureError(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	o := seedListing(t, store, "0xaaa", 1, 100)

	checker := &fakeChecker{verdicts: map[string]error{o.ID: errors.New("rpc timeout")}}
	job := jobs.NewMakerUpdateJob(store, checker, &captureQueue{}, false, slog.Default())

	err := job.Handle(ctx, domain.MakerInfo{
		Maker:    testMaker,
		Kind:     domain.MakerSellBalance,
		Contract: testContract,
		TokenID:  big.NewInt(1),
	})
	if err == nil {
		t.Fatal("infrastructure failure should bubble up for a retry")
	}
	got, _ := store.GetByID(ctx, o.ID)
	if got.Fillability != domain.FillabilityFillable {
		t.Fatalf("failed check mutated status to %s", got.Fillability)
	}
}

func TestExpirySweep(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	o := seedListing(t, store, "0xaaa", 1, 100)
	expired := seedExpiredListing(t, store, "0xbbb", 2, 90)

	next := &captureQueue{}
	locks := &fakeLocks{}
	job := jobs.NewExpirySweepJob(store, locks, next, time.Minute, time.Minute, 10, slog.Default())

	if err := job.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetByID(ctx, expired.ID)
	if got.Fillability != domain.FillabilityExpired {
		t.Fatalf("overdue order fillability = %s, want expired", got.Fillability)
	}
	live, _ := store.GetByID(ctx, o.ID)
	if live.Fillability != domain.FillabilityFillable {
		t.Fatalf("order without expiration flipped to %s", live.Fillability)
	}
	if len(next.infos) != 1 {
		t.Fatalf("enqueued %d recomputes, want 1", len(next.infos))
	}
	if next.infos[0].Trigger.Kind != domain.TriggerExpiry {
		t.Fatalf("trigger = %s, want expiry", next.infos[0].Trigger.Kind)
	}
}

func TestExpirySweepSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	expired := seedExpiredListing(t, store, "0xaaa", 1, 100)

	next := &captureQueue{}
	locks := &fakeLocks{held: true}
	job := jobs.NewExpirySweepJob(store, locks, next, time.Minute, time.Minute, 10, slog.Default())

	if err := job.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if locks.acquires != 1 {
		t.Fatalf("acquires = %d, want 1", locks.acquires)
	}
	got, _ := store.GetByID(ctx, expired.ID)
	if got.Fillability != domain.FillabilityFillable {
		t.Fatalf("sweep ran despite held lock: %s", got.Fillability)
	}
	if len(next.infos) != 0 {
		t.Fatalf("sweep enqueued %d recomputes despite held lock", len(next.infos))
	}
}

func seedExpiredListing(t *testing.T, store *memory.Store, id string, tokenID, value int64) domain.Order {
	t.Helper()
	ctx := context.Background()

	set := domain.NewSingleTokenSet(testContract, big.NewInt(tokenID))
	if err := store.CreateTokenSet(ctx, set); err != nil {
		t.Fatal(err)
	}
	o := domain.Order{
		ID:                id,
		Kind:              domain.OrderKindSeaport,
		Side:              domain.OrderSideSell,
		Maker:             testMaker,
		Currency:          testCurrency,
		Price:             big.NewInt(value),
		Value:             big.NewInt(value),
		Nonce:             big.NewInt(0),
		Contract:          testContract,
		TokenSetID:        set.ID,
		TokenKind:         domain.TokenKindERC721,
		QuantityRemaining: big.NewInt(1),
		Fillability:       domain.FillabilityFillable,
		Approval:          domain.ApprovalApproved,
		Expiration:        time.Now().Add(-time.Hour),
	}
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestRevalidationProcessorPages(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := seedListing(t, store, "0xaaa", 1, 100)
	b := seedListing(t, store, "0xbbb", 2, 90)
	c := seedListing(t, store, "0xccc", 3, 80)

	checker := &fakeChecker{verdicts: map[string]error{c.ID: validator.ErrNoApproval}}
	next := &captureQueue{}
	proc := jobs.NewRevalidationProcessor(store, checker, next, slog.Default())

	var cursor domain.OrderCursor
	processed, cursor, err := proc.Process(ctx, cursor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if processed != 2 {
		t.Fatalf("first page processed = %d, want 2", processed)
	}

	processed, _, err = proc.Process(ctx, cursor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if processed != 1 {
		t.Fatalf("second page processed = %d, want 1", processed)
	}

	// Only the flipped order fed the recompute queue.
	if len(next.infos) != 1 {
		t.Fatalf("enqueued %d recomputes, want 1", len(next.infos))
	}
	if next.infos[0].ID != c.ID {
		t.Fatalf("recompute for %s, want %s", next.infos[0].ID, c.ID)
	}
	got, _ := store.GetByID(ctx, c.ID)
	if got.Approval != domain.ApprovalNoApproval {
		t.Fatalf("approval = %s, want no-approval", got.Approval)
	}
	for _, id := range []string{a.ID, b.ID} {
		o, _ := store.GetByID(ctx, id)
		if o.Fillability != domain.FillabilityFillable || o.Approval != domain.ApprovalApproved {
			t.Fatalf("order %s should be untouched: %s/%s", id, o.Fillability, o.Approval)
		}
	}
}
