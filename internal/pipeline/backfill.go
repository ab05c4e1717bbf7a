package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trendbot/internal/eventbus"
	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

// Backfill reads engagement metrics for published items once they are old
// enough for the figures to have settled, oldest first. Reads are spaced
// by MetricsSpacing to respect the platform's read-quota.
type Backfill struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	ledger storage.Ledger
	reader MetricsReader

	nowFn func() time.Time
}

func NewBackfill(cfg Config, log logx.Logger, bus eventbus.Bus, ledger storage.Ledger, reader MetricsReader) *Backfill {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Backfill{cfg: cfg, log: log, bus: bus, ledger: ledger, reader: reader, nowFn: time.Now}
}

// Run performs one back-fill pass. A deleted post is skipped without
// counting as an error; any other read failure is counted and the pass
// continues with the next item.
func (b *Backfill) Run(ctx context.Context) (BackfillSummary, error) {
	now := b.nowFn()
	items, err := b.ledger.ItemsNeedingMetrics(ctx, b.cfg.MetricsMinAge, now)
	if err != nil {
		return BackfillSummary{}, fmt.Errorf("list published items: %w", err)
	}

	var sum BackfillSummary
	gate := NewRateGate(b.cfg.MetricsSpacing)
	for _, it := range items {
		if err := gate.Wait(ctx); err != nil {
			return sum, err
		}

		sum.Processed++
		m, err := b.reader.ReadMetrics(ctx, it.PostID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				b.log.Info("published post gone, skipping",
					logx.String("item", it.ExternalID), logx.String("post_id", it.PostID))
				continue
			}
			if cerr := ctx.Err(); cerr != nil {
				return sum, cerr
			}
			sum.Errors++
			b.log.Warn("metrics read failed", logx.String("item", it.ExternalID), logx.Err(err))
			continue
		}

		if err := b.ledger.MarkMetricsCollected(ctx, it.ExternalID, m, b.nowFn()); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return sum, cerr
			}
			sum.Errors++
			b.log.Warn("metrics persist failed", logx.String("item", it.ExternalID), logx.Err(err))
			continue
		}
		sum.Collected++
		b.log.Debug("metrics collected",
			logx.String("item", it.ExternalID),
			logx.Float64("engagement", m.EngagementScore()))
	}

	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: "metrics.summary", Data: sum})
	}
	b.log.Info("metrics back-fill finished",
		logx.Int("processed", sum.Processed),
		logx.Int("collected", sum.Collected),
		logx.Int("errors", sum.Errors))
	return sum, nil
}
