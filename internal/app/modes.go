package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/floorlab/nftindexer/internal/domain"
	"github.com/floorlab/nftindexer/internal/ingest"
	"github.com/floorlab/nftindexer/internal/jobs"
)

// workers bundles the queue consumers and the ingest engine built for a
// running mode.
type workers struct {
	engine   *ingest.Engine
	consumer *ingest.StreamConsumer
	orderQ   *jobs.Queue[domain.OrderInfo]
	makerQ   *jobs.Queue[domain.MakerInfo]
	fillQ    *jobs.Queue[domain.FillInfo]
	expiry   *jobs.ExpirySweepJob
}

// buildWorkers constructs the job handlers, their queues and the ingest
// engine feeding them.
func (a *App) buildWorkers(deps *Dependencies) *workers {
	jc := a.cfg.Jobs

	orderJob := jobs.NewOrderUpdateJob(deps.Orders, deps.TokenSets, deps.Aggregates, deps.Notifier, a.logger)
	orderQ := jobs.NewQueue(deps.SignalBus, deps.Deduper, jobs.QueueConfig{
		Name:        "order-updates",
		Concurrency: jc.OrderUpdateConcurrency,
		MaxAttempts: jc.MaxAttempts,
		BackoffBase: jc.BackoffBase.Duration,
		DedupWindow: jc.DedupWindow.Duration,
	}, orderJob.Handle, a.logger)

	makerJob := jobs.NewMakerUpdateJob(deps.Orders, deps.Validator, orderQ, a.cfg.Engine.OnChainApprovalRecheck, a.logger)
	makerQ := jobs.NewQueue(deps.SignalBus, deps.Deduper, jobs.QueueConfig{
		Name:        "maker-updates",
		Concurrency: jc.MakerUpdateConcurrency,
		MaxAttempts: jc.MaxAttempts,
		BackoffBase: jc.BackoffBase.Duration,
		DedupWindow: jc.DedupWindow.Duration,
	}, makerJob.Handle, a.logger)

	fillJob := jobs.NewFillUpdateJob(deps.Aggregates, a.logger)
	fillQ := jobs.NewQueue(deps.SignalBus, deps.Deduper, jobs.QueueConfig{
		Name:        "fill-updates",
		Concurrency: jc.OrderUpdateConcurrency,
		MaxAttempts: jc.MaxAttempts,
		BackoffBase: jc.BackoffBase.Duration,
		DedupWindow: jc.DedupWindow.Duration,
	}, fillJob.Handle, a.logger)

	engine := ingest.New(deps.Events,
		jobs.OrderFanout{Queue: orderQ},
		jobs.MakerFanout{Queue: makerQ},
		jobs.FillFanout{Queue: fillQ},
		a.logger,
	)
	consumer := ingest.NewStreamConsumer(deps.SignalBus, engine, "", 0, a.logger)

	expiry := jobs.NewExpirySweepJob(deps.Orders, deps.LockManager, orderQ,
		jc.ExpiryInterval.Duration, a.cfg.Engine.LockTTL(), a.cfg.Engine.BatchLimit, a.logger)

	return &workers{
		engine:   engine,
		consumer: consumer,
		orderQ:   orderQ,
		makerQ:   makerQ,
		fillQ:    fillQ,
		expiry:   expiry,
	}
}

// IndexMode runs the decoded-event consumer, the three job queues and the
// expiry sweep.
func (a *App) IndexMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting index mode")

	g, ctx := errgroup.WithContext(ctx)
	w := a.buildWorkers(deps)

	g.Go(func() error { return w.consumer.Run(ctx) })
	g.Go(func() error { return w.orderQ.Run(ctx) })
	g.Go(func() error { return w.makerQ.Run(ctx) })
	g.Go(func() error { return w.fillQ.Run(ctx) })
	g.Go(func() error { return w.expiry.Run(ctx) })

	if a.cfg.Export.Enabled {
		g.Go(func() error { return a.runExportLoop(ctx, deps) })
	}

	return g.Wait()
}

// FullMode is IndexMode plus the periodic export regardless of the export
// toggle.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	w := a.buildWorkers(deps)

	g.Go(func() error { return w.consumer.Run(ctx) })
	g.Go(func() error { return w.orderQ.Run(ctx) })
	g.Go(func() error { return w.makerQ.Run(ctx) })
	g.Go(func() error { return w.fillQ.Run(ctx) })
	g.Go(func() error { return w.expiry.Run(ctx) })
	if deps.BlobWriter != nil {
		g.Go(func() error { return a.runExportLoop(ctx, deps) })
	}

	return g.Wait()
}

// ExportMode runs one fill-export sweep from the genesis cursor and exits.
// Already-exported ranges are skipped, so re-runs only upload new data.
func (a *App) ExportMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting export mode")
	if deps.BlobWriter == nil {
		return fmt.Errorf("export mode requires s3 configuration")
	}
	_, err := a.runExportOnce(ctx, deps)
	return err
}

// RevalidateMode sweeps every live order through the off-chain check once
// and exits. Flipped orders land on the order-updates queue for the next
// index run to recompute.
func (a *App) RevalidateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting revalidate mode")

	orderJob := jobs.NewOrderUpdateJob(deps.Orders, deps.TokenSets, deps.Aggregates, deps.Notifier, a.logger)
	orderQ := jobs.NewQueue(deps.SignalBus, deps.Deduper, jobs.QueueConfig{
		Name:        "order-updates",
		Concurrency: a.cfg.Jobs.OrderUpdateConcurrency,
		MaxAttempts: a.cfg.Jobs.MaxAttempts,
		BackoffBase: a.cfg.Jobs.BackoffBase.Duration,
		DedupWindow: a.cfg.Jobs.DedupWindow.Duration,
	}, orderJob.Handle, a.logger)

	proc := jobs.NewRevalidationProcessor(deps.Orders, deps.Validator, orderQ, a.logger)
	runner := jobs.NewBackfillRunner[domain.OrderCursor]("revalidation", proc,
		a.cfg.Engine.BatchLimit, a.cfg.Engine.RateLimitFloor(), a.logger)

	cursor, err := runner.Run(ctx, domain.OrderCursor{})
	if err != nil {
		return fmt.Errorf("revalidate mode: %w", err)
	}
	a.logger.InfoContext(ctx, "revalidation sweep complete",
		slog.Int64("cursor_updated_at", cursor.UpdatedAt),
		slog.String("cursor_id", cursor.ID),
	)
	return nil
}

func (a *App) runExportOnce(ctx context.Context, deps *Dependencies) (domain.FillCursor, error) {
	exporter := jobs.NewFillExporter(deps.Events, deps.BlobWriter, deps.BlobReader,
		deps.RateLimiter, a.cfg.Export.Prefix, 30, a.logger)
	runner := jobs.NewBackfillRunner[domain.FillCursor]("fill-export", exporter,
		a.cfg.Engine.BatchLimit, a.cfg.Engine.RateLimitFloor(), a.logger)

	cursor, err := runner.Run(ctx, domain.FillCursor{})
	if err != nil {
		return cursor, fmt.Errorf("fill export: %w", err)
	}
	a.logger.InfoContext(ctx, "fill export complete",
		slog.Uint64("cursor_block", cursor.Block))
	return cursor, nil
}

func (a *App) runExportLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Export.Interval.Duration
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.runExportOnce(ctx, deps); err != nil {
				a.logger.ErrorContext(ctx, "export sweep failed",
					slog.String("error", err.Error()))
			}
		}
	}
}
