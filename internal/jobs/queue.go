// Package jobs contains the asynchronous half of the indexer: stream-backed
// work queues, the aggregate recompute and maker revalidation handlers, the
// expiry sweep, and the cursor-driven backfill controller.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/floorlab/nftindexer/internal/domain"
)

// envelope wraps every queued payload with delivery bookkeeping.
type envelope struct {
	ID        string          `json:"id"`
	Attempt   int             `json:"attempt"`
	NotBefore int64           `json:"notBefore,omitempty"` // unix seconds
	Error     string          `json:"error,omitempty"`     // set on dead letters
	Payload   json.RawMessage `json:"payload"`
}

// QueueConfig tunes one queue instance.
type QueueConfig struct {
	Name        string
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	DedupWindow time.Duration

	// PollInterval bounds the idle read loop; mainly shortened in tests.
	PollInterval time.Duration
}

func (c *QueueConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Queue is a typed at-least-once job queue over a durable stream.
// Deterministic job ids are deduplicated at enqueue time within the dedup
// window; failed jobs retry with exponential backoff until MaxAttempts,
// then move to the <name>:dead stream for inspection or replay.
type Queue[T any] struct {
	bus     domain.SignalBus
	dedup   domain.Deduper
	cfg     QueueConfig
	handler func(ctx context.Context, payload T) error
	log     *slog.Logger
}

// NewQueue creates a queue. dedup may be nil, which disables enqueue-time
// deduplication (every job runs).
func NewQueue[T any](bus domain.SignalBus, dedup domain.Deduper, cfg QueueConfig, handler func(ctx context.Context, payload T) error, log *slog.Logger) *Queue[T] {
	cfg.defaults()
	return &Queue[T]{
		bus:     bus,
		dedup:   dedup,
		cfg:     cfg,
		handler: handler,
		log:     log.With("queue", cfg.Name),
	}
}

func (q *Queue[T]) stream() string {
	return "jobs:" + q.cfg.Name
}

// deadStream holds exhausted jobs with their final attempt count and error.
func (q *Queue[T]) deadStream() string {
	return q.stream() + ":dead"
}

// Enqueue appends one job. Jobs sharing an id are dropped while the dedup
// window holds; the first enqueue wins.
func (q *Queue[T]) Enqueue(ctx context.Context, id string, payload T) error {
	if q.dedup != nil && q.cfg.DedupWindow > 0 {
		first, err := q.dedup.FirstSeen(ctx, q.cfg.Name+":"+id, q.cfg.DedupWindow)
		if err != nil {
			return fmt.Errorf("jobs: dedup %s: %w", id, err)
		}
		if !first {
			return nil
		}
	}
	return q.append(ctx, envelope{ID: id}, payload)
}

func (q *Queue[T]) append(ctx context.Context, env envelope, payload T) error {
	return q.appendTo(ctx, q.stream(), env, payload)
}

func (q *Queue[T]) appendTo(ctx context.Context, stream string, env envelope, payload T) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jobs: marshal %s: %w", env.ID, err)
	}
	env.Payload = raw

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("jobs: marshal envelope %s: %w", env.ID, err)
	}
	if err := q.bus.StreamAppend(ctx, stream, data); err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", env.ID, err)
	}
	return nil
}

// Run consumes the stream until ctx is done. Jobs dispatch concurrently up
// to the configured bound; a delayed retry whose time has not come is
// re-appended rather than blocking the consumer.
func (q *Queue[T]) Run(ctx context.Context) error {
	lastID := "0"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := q.bus.StreamRead(ctx, q.stream(), lastID, q.cfg.Concurrency*2)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("stream read failed", "error", err)
			sleep(ctx, q.cfg.PollInterval)
			continue
		}
		if len(msgs) == 0 {
			sleep(ctx, q.cfg.PollInterval)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(q.cfg.Concurrency)
		for _, msg := range msgs {
			lastID = msg.ID
			payload := msg.Payload
			g.Go(func() error {
				q.process(gctx, payload)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (q *Queue[T]) process(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		q.log.Error("dropping malformed envelope", "error", err)
		return
	}

	if env.NotBefore > time.Now().Unix() {
		// Not due yet: push it back and let a later read pick it up.
		var payload T
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			if err := q.append(ctx, env, payload); err != nil {
				q.log.Error("requeue of delayed job failed", "job", env.ID, "error", err)
			}
		}
		sleep(ctx, q.cfg.PollInterval)
		return
	}

	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		q.log.Error("dropping malformed payload", "job", env.ID, "error", err)
		return
	}

	err := q.handler(ctx, payload)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	env.Attempt++
	if env.Attempt >= q.cfg.MaxAttempts {
		q.log.Error("job exhausted retries", "job", env.ID, "attempts", env.Attempt, "error", err)
		env.Error = err.Error()
		if derr := q.appendTo(ctx, q.deadStream(), env, payload); derr != nil {
			q.log.Error("dead letter append failed", "job", env.ID, "error", derr)
		}
		return
	}

	backoff := q.cfg.BackoffBase << (env.Attempt - 1)
	env.NotBefore = time.Now().Add(backoff).Unix()
	q.log.Warn("job failed, retrying", "job", env.ID, "attempt", env.Attempt, "backoff", backoff, "error", err)
	if err := q.append(ctx, env, payload); err != nil {
		q.log.Error("requeue failed", "job", env.ID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
