package jobs

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/floorlab/nftindexer/internal/domain"
)

// FillExporter is a BatchProcessor that drains fill events into CSV
// objects in cold storage. One object per batch, keyed by the batch's
// cursor range, so a re-run of the same cursor overwrites the same object
// instead of duplicating data.
type FillExporter struct {
	events  domain.EventStore
	blobs   domain.BlobWriter
	reader  domain.BlobReader
	limiter domain.RateLimiter
	prefix  string

	// uploadsPerMinute throttles writes against the blob store; exceeding
	// it surfaces as a RateLimitError the backfill runner knows how to
	// hold the cursor for.
	uploadsPerMinute int

	log *slog.Logger
}

// NewFillExporter creates the exporter. reader may be nil, which disables
// the skip-if-present check on re-runs; limiter may be nil to disable
// throttling.
func NewFillExporter(events domain.EventStore, blobs domain.BlobWriter, reader domain.BlobReader, limiter domain.RateLimiter, prefix string, uploadsPerMinute int, log *slog.Logger) *FillExporter {
	return &FillExporter{
		events:           events,
		blobs:            blobs,
		reader:           reader,
		limiter:          limiter,
		prefix:           prefix,
		uploadsPerMinute: uploadsPerMinute,
		log:              log.With("backfill", "fill-export"),
	}
}

// Process exports one page of fills.
func (e *FillExporter) Process(ctx context.Context, cursor domain.FillCursor, limit int) (int, domain.FillCursor, error) {
	if e.limiter != nil && e.uploadsPerMinute > 0 {
		allowed, err := e.limiter.Allow(ctx, "export:fills", e.uploadsPerMinute, time.Minute)
		if err != nil {
			return 0, cursor, fmt.Errorf("jobs: export limiter: %w", err)
		}
		if !allowed {
			return 0, cursor, &domain.RateLimitError{RetryAfter: time.Minute}
		}
	}

	fills, err := e.events.ListFills(ctx, cursor, limit)
	if err != nil {
		return 0, cursor, fmt.Errorf("jobs: export list fills: %w", err)
	}
	if len(fills) == 0 {
		return 0, cursor, nil
	}

	last := fills[len(fills)-1]
	next := domain.FillCursor{
		Block:      last.Base.Block,
		LogIndex:   last.Base.LogIndex,
		BatchIndex: last.Base.BatchIndex,
	}
	key := fmt.Sprintf("%s/fills-%d-%d-%d.csv", e.prefix, cursor.Block, cursor.LogIndex, cursor.BatchIndex)

	if e.reader != nil {
		exists, err := e.reader.Exists(ctx, key)
		if err != nil {
			return 0, cursor, fmt.Errorf("jobs: export head %s: %w", key, err)
		}
		if exists {
			// A previous run already wrote this range; just advance.
			e.log.Info("export already present, skipping", "key", key)
			return len(fills), next, nil
		}
	}

	data, err := encodeFills(fills)
	if err != nil {
		return 0, cursor, err
	}
	if err := e.blobs.Put(ctx, key, bytes.NewReader(data), "text/csv"); err != nil {
		return 0, cursor, fmt.Errorf("jobs: export put %s: %w", key, err)
	}
	e.log.Info("exported fills", "key", key, "count", len(fills))
	return len(fills), next, nil
}

var exportHeader = []string{
	"block", "tx_hash", "log_index", "batch_index", "timestamp",
	"order_kind", "order_id", "order_side", "maker", "taker",
	"contract", "token_id", "amount", "price",
}

func encodeFills(fills []domain.FillEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, fmt.Errorf("jobs: export encode: %w", err)
	}
	for _, f := range fills {
		record := []string{
			strconv.FormatUint(f.Base.Block, 10),
			f.Base.TxHash.Hex(),
			strconv.FormatUint(uint64(f.Base.LogIndex), 10),
			strconv.FormatUint(uint64(f.Base.BatchIndex), 10),
			strconv.FormatInt(f.Base.Timestamp, 10),
			string(f.OrderKind),
			f.OrderID,
			string(f.OrderSide),
			f.Maker.Hex(),
			f.Taker.Hex(),
			f.Contract.Hex(),
			f.TokenID.String(),
			f.Amount.String(),
			f.Price.String(),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("jobs: export encode: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("jobs: export encode: %w", err)
	}
	return buf.Bytes(), nil
}
