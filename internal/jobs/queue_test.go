package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/floorlab/nftindexer/internal/domain"
	"github.com/floorlab/nftindexer/internal/jobs"
)

// memBus is an in-memory stand-in for the redis signal bus: streams are
// slices with monotonically increasing numeric ids.
type memBus struct {
	mu      sync.Mutex
	seq     int
	streams map[string][]domain.StreamMessage
	pubs    map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{
		streams: make(map[string][]domain.StreamMessage),
		pubs:    make(map[string][][]byte),
	}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs[channel] = append(b.pubs[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.Itoa(b.seq),
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (b *memBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	after, _ := strconv.Atoi(lastID)
	var out []domain.StreamMessage
	for _, msg := range b.streams[stream] {
		id, _ := strconv.Atoi(msg.ID)
		if id > after {
			out = append(out, msg)
		}
		if len(out) == count {
			break
		}
	}
	return out, nil
}

// memDeduper is a map-backed Deduper; TTLs never expire within a test.
type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) FirstSeen(_ context.Context, key string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type payload struct {
	Value string `json:"value"`
}

func TestQueueDedupByJobID(t *testing.T) {
	bus := newMemBus()

	var mu sync.Mutex
	var handled []string
	q := jobs.NewQueue(bus, &memDeduper{}, jobs.QueueConfig{
		Name:         "test",
		Concurrency:  1,
		DedupWindow:  time.Minute,
		PollInterval: time.Millisecond,
	}, func(_ context.Context, p payload) error {
		mu.Lock()
		handled = append(handled, p.Value)
		mu.Unlock()
		return nil
	}, slog.Default())

	ctx := context.Background()
	// Same job id twice, different id once.
	if err := q.Enqueue(ctx, "job-a", payload{Value: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "job-a", payload{Value: "duplicate"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "job-b", payload{Value: "second"}); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = q.Run(runCtx)

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 {
		t.Fatalf("handled %d jobs, want 2 (dedup should drop the duplicate): %v", len(handled), handled)
	}
	for _, v := range handled {
		if v == "duplicate" {
			t.Fatal("deduplicated job was executed")
		}
	}
}

func TestQueueRetriesUntilExhausted(t *testing.T) {
	bus := newMemBus()

	var mu sync.Mutex
	attempts := 0
	q := jobs.NewQueue(bus, nil, jobs.QueueConfig{
		Name:         "flaky",
		Concurrency:  1,
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		PollInterval: time.Millisecond,
	}, func(context.Context, payload) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("boom")
	}, slog.Default())

	ctx := context.Background()
	if err := q.Enqueue(ctx, "job", payload{Value: "x"}); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = q.Run(runCtx)

	mu.Lock()
	if attempts != 3 {
		mu.Unlock()
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	mu.Unlock()

	// The exhausted job moves to the dead stream with its final state.
	bus.mu.Lock()
	dead := bus.streams["jobs:flaky:dead"]
	bus.mu.Unlock()
	if len(dead) != 1 {
		t.Fatalf("dead stream holds %d entries, want 1", len(dead))
	}
	var env struct {
		ID      string `json:"id"`
		Attempt int    `json:"attempt"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(dead[0].Payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.ID != "job" || env.Attempt != 3 || env.Error != "boom" {
		t.Fatalf("dead letter = %+v, want id=job attempt=3 error=boom", env)
	}
}

func TestQueueRecoversAfterHandlerSuccess(t *testing.T) {
	bus := newMemBus()

	var mu sync.Mutex
	attempts := 0
	q := jobs.NewQueue(bus, nil, jobs.QueueConfig{
		Name:         "recovering",
		Concurrency:  1,
		MaxAttempts:  5,
		BackoffBase:  time.Millisecond,
		PollInterval: time.Millisecond,
	}, func(_ context.Context, p payload) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, slog.Default())

	ctx := context.Background()
	if err := q.Enqueue(ctx, "job", payload{Value: "x"}); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = q.Run(runCtx)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (two failures then success)", attempts)
	}
}
