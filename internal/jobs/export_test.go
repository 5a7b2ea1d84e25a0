package jobs_test

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/floorlab/nftindexer/internal/domain"
	"github.com/floorlab/nftindexer/internal/jobs"
	"github.com/floorlab/nftindexer/internal/store/memory"
)

type fakeBlobs struct {
	objects map[string]string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string]string)}
}

func (b *fakeBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = string(body)
	return nil
}

func (b *fakeBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func (b *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	body, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (b *fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for path, body := range b.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(body))})
		}
	}
	return infos, nil
}

func (b *fakeBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := b.objects[path]
	return ok, nil
}

// denyLimiter refuses every request.
type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

func (denyLimiter) Wait(context.Context, string) error { return nil }

func seedFills(t *testing.T, store *memory.Store, count int) {
	t.Helper()
	events := make([]domain.FillEvent, count)
	for i := range events {
		block := uint64(100 + i)
		events[i] = domain.FillEvent{
			OrderKind: domain.OrderKindSeaport,
			OrderID:   "0xaaa",
			OrderSide: domain.OrderSideSell,
			Maker:     testMaker,
			Taker:     common.HexToAddress("0x4444444444444444444444444444444444444444"),
			Price:     big.NewInt(100),
			Contract:  testContract,
			TokenID:   big.NewInt(1),
			Amount:    big.NewInt(1),
			Base: domain.BaseEventParams{
				Address:    testContract,
				Block:      block,
				BlockHash:  crypto.Keccak256Hash([]byte{byte(i), 1}),
				TxHash:     crypto.Keccak256Hash([]byte{byte(i), 2}),
				LogIndex:   1,
				BatchIndex: 1,
				Timestamp:  int64(1_700_000_000 + i),
			},
		}
	}
	if _, _, err := store.ApplyFills(context.Background(), events); err != nil {
		t.Fatal(err)
	}
}

func TestFillExporterWritesCSV(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedFills(t, store, 3)

	blobs := newFakeBlobs()
	exporter := jobs.NewFillExporter(store, blobs, nil, nil, "exports", 0, slog.Default())

	processed, next, err := exporter.Process(ctx, domain.FillCursor{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if processed != 3 {
		t.Fatalf("processed = %d, want 3", processed)
	}
	if next.Block != 102 {
		t.Fatalf("next cursor block = %d, want 102", next.Block)
	}

	if len(blobs.objects) != 1 {
		t.Fatalf("wrote %d objects, want 1", len(blobs.objects))
	}
	for path, body := range blobs.objects {
		if !strings.HasPrefix(path, "exports/fills-0-0-0") {
			t.Fatalf("object key %q not derived from the starting cursor", path)
		}
		lines := strings.Split(strings.TrimSpace(body), "\n")
		if len(lines) != 4 { // header + 3 rows
			t.Fatalf("csv has %d lines, want 4:\n%s", len(lines), body)
		}
		if !strings.HasPrefix(lines[0], "block,tx_hash") {
			t.Fatalf("missing header: %q", lines[0])
		}
	}
}

func TestFillExporterSkipsExistingObject(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedFills(t, store, 2)

	blobs := newFakeBlobs()
	blobs.objects["exports/fills-0-0-0.csv"] = "already here"

	exporter := jobs.NewFillExporter(store, blobs, blobs, nil, "exports", 0, slog.Default())
	processed, next, err := exporter.Process(ctx, domain.FillCursor{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if processed != 2 {
		t.Fatalf("processed = %d, want 2", processed)
	}
	if next.Block != 101 {
		t.Fatalf("next cursor block = %d, want 101", next.Block)
	}
	if blobs.objects["exports/fills-0-0-0.csv"] != "already here" {
		t.Fatal("existing object was overwritten")
	}
}

func TestFillExporterRateLimited(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedFills(t, store, 1)

	exporter := jobs.NewFillExporter(store, newFakeBlobs(), nil, denyLimiter{}, "exports", 1, slog.Default())
	_, cursor, err := exporter.Process(ctx, domain.FillCursor{}, 10)
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if _, ok := domain.AsRateLimit(err); !ok {
		t.Fatalf("error is not a rate limit: %v", err)
	}
	if cursor != (domain.FillCursor{}) {
		t.Fatalf("rate limit moved the cursor: %+v", cursor)
	}
}
