package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/floorlab/nftindexer/internal/domain"
)

// BusSink publishes change records as JSON on the signal bus, one channel
// per entity granularity (e.g. "changes:token", "changes:collection") so
// consumers can subscribe to just the level they need.
type BusSink struct {
	bus    domain.SignalBus
	prefix string
}

// NewBusSink creates a BusSink publishing under the given channel prefix.
func NewBusSink(bus domain.SignalBus, prefix string) *BusSink {
	if prefix == "" {
		prefix = "changes"
	}
	return &BusSink{bus: bus, prefix: prefix}
}

// Publish serializes the change and emits it on the entity's channel.
func (s *BusSink) Publish(ctx context.Context, change domain.AggregateChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("bus: marshal change: %w", err)
	}
	channel := s.prefix + ":" + string(change.Entity)
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Name returns the sink identifier.
func (s *BusSink) Name() string {
	return "bus"
}
