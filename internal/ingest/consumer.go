package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/floorlab/nftindexer/internal/domain"
)

// DefaultStream is where the log-decoding layer appends its records.
const DefaultStream = "events:decoded"

// ReorgNotice identifies an orphaned block whose events must be removed.
type ReorgNotice struct {
	Block     uint64      `json:"block"`
	BlockHash common.Hash `json:"blockHash"`
}

// streamRecord is one entry on the decoded-events stream: either a batch of
// decoded logs or a reorg notice.
type streamRecord struct {
	Events   []domain.EnhancedEvent `json:"events,omitempty"`
	Reorg    *ReorgNotice           `json:"reorg,omitempty"`
	Backfill bool                   `json:"backfill,omitempty"`
}

// StreamConsumer drains the decoded-events stream and feeds records through
// the engine. Processing is at-least-once: the read position only advances
// after a record is applied, and the engine's idempotent transitions make
// re-delivery harmless.
type StreamConsumer struct {
	bus    domain.SignalBus
	engine *Engine
	stream string
	poll   time.Duration
	log    *slog.Logger
}

// NewStreamConsumer creates a consumer. stream may be empty to use
// DefaultStream.
func NewStreamConsumer(bus domain.SignalBus, engine *Engine, stream string, poll time.Duration, log *slog.Logger) *StreamConsumer {
	if stream == "" {
		stream = DefaultStream
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &StreamConsumer{
		bus:    bus,
		engine: engine,
		stream: stream,
		poll:   poll,
		log:    log.With("component", "consumer", "stream", stream),
	}
}

// Run consumes until ctx is done.
func (c *StreamConsumer) Run(ctx context.Context) error {
	lastID := "0"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.bus.StreamRead(ctx, c.stream, lastID, 32)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("stream read failed", "error", err)
			c.sleep(ctx)
			continue
		}
		if len(msgs) == 0 {
			c.sleep(ctx)
			continue
		}

		for _, msg := range msgs {
			if err := c.apply(ctx, msg.Payload); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Hold the read position so the record is retried.
				c.log.Error("apply failed, retrying", "id", msg.ID, "error", err)
				c.sleep(ctx)
				break
			}
			lastID = msg.ID
		}
	}
}

func (c *StreamConsumer) apply(ctx context.Context, payload []byte) error {
	var rec streamRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		// Malformed records would fail forever; drop with a trace.
		c.log.Error("dropping malformed record", "error", err)
		return nil
	}

	if rec.Reorg != nil {
		return c.engine.HandleReorg(ctx, rec.Reorg.Block, rec.Reorg.BlockHash)
	}
	if len(rec.Events) == 0 {
		return nil
	}
	return c.engine.ProcessBatch(ctx, rec.Events, Options{Backfill: rec.Backfill})
}

func (c *StreamConsumer) sleep(ctx context.Context) {
	t := time.NewTimer(c.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
