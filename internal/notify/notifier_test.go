package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/floorlab/nftindexer/internal/domain"
)

type fakeSink struct {
	name     string
	err      error
	received []domain.AggregateChange
}

func (s *fakeSink) Publish(_ context.Context, c domain.AggregateChange) error {
	s.received = append(s.received, c)
	return s.err
}

func (s *fakeSink) Name() string { return s.name }

func TestNotifierKindFilter(t *testing.T) {
	sink := &fakeSink{name: "a"}
	n := New([]Sink{sink}, []domain.AggregateKind{domain.AggregateFloorAsk}, slog.Default())

	ctx := context.Background()
	if err := n.AggregateChanged(ctx, domain.AggregateChange{Kind: domain.AggregateTopBid}); err != nil {
		t.Fatal(err)
	}
	if len(sink.received) != 0 {
		t.Fatalf("filtered kind reached the sink")
	}
	if err := n.AggregateChanged(ctx, domain.AggregateChange{Kind: domain.AggregateFloorAsk}); err != nil {
		t.Fatal(err)
	}
	if len(sink.received) != 1 {
		t.Fatalf("allowed kind did not reach the sink")
	}
}

func TestNotifierSinkFailureDoesNotBlockOthers(t *testing.T) {
	bad := &fakeSink{name: "bad", err: errors.New("down")}
	good := &fakeSink{name: "good"}
	n := New([]Sink{bad, good}, nil, slog.Default())

	err := n.AggregateChanged(context.Background(), domain.AggregateChange{Kind: domain.AggregateFloorAsk})
	if err == nil {
		t.Fatal("expected combined error")
	}
	if len(good.received) != 1 {
		t.Fatalf("healthy sink skipped after failing sink")
	}
}
