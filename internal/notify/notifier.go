// Package notify fans aggregate cache changes out to downstream consumers.
// Changes are dispatched to all registered sinks (signal bus, log, etc.) and
// can be filtered by aggregate kind so consumers receive only the updates
// they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floorlab/nftindexer/internal/domain"
)

// Sink is the interface each delivery channel must implement.
type Sink interface {
	// Publish delivers one aggregate change record.
	Publish(ctx context.Context, change domain.AggregateChange) error
	// Name returns a human-readable identifier for the sink (e.g. "bus").
	Name() string
}

// Notifier dispatches aggregate changes to one or more Sinks. It maintains a
// set of allowed aggregate kinds; changes of other kinds are dropped. An
// empty kind list allows everything.
type Notifier struct {
	sinks  []Sink
	kinds  map[domain.AggregateKind]bool
	logger *slog.Logger
}

// New creates a Notifier delivering to the given sinks. Only changes whose
// kind appears in kinds are forwarded; if kinds is empty, all pass.
func New(sinks []Sink, kinds []domain.AggregateKind, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.AggregateKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return &Notifier{
		sinks:  sinks,
		kinds:  allowed,
		logger: logger.With(slog.String("component", "notifier")),
	}
}

// AggregateChanged dispatches one change to every sink. Errors from
// individual sinks are collected and returned as a combined error; a single
// sink failure does not prevent delivery to the remaining sinks.
func (n *Notifier) AggregateChanged(ctx context.Context, change domain.AggregateChange) error {
	if len(n.kinds) > 0 && !n.kinds[change.Kind] {
		n.logger.DebugContext(ctx, "change filtered out",
			slog.String("kind", string(change.Kind)),
		)
		return nil
	}
	if len(n.sinks) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.sinks {
		if err := s.Publish(ctx, change); err != nil {
			n.logger.ErrorContext(ctx, "sink failed",
				slog.String("sink", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "change published",
				slog.String("sink", s.Name()),
				slog.String("entity", change.EntityID),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sink(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
