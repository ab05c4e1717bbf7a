package pipeline

import (
	"context"
	"time"

	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

// collect fetches candidates group by group. A failing group is logged and
// skipped, never fatal; fetches are spaced by GroupPause to stay polite to
// the source API. Every fetched item is persisted immediately so a later
// crash cannot lose the raw candidate.
func (e *Engine) collect(ctx context.Context, st *runState) error {
	var kept []storage.Item
	for i, group := range e.cfg.Groups {
		if i > 0 {
			select {
			case <-time.After(e.cfg.GroupPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		items, err := e.deps.Source.Fetch(ctx, group, e.cfg.PerGroupLimit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warn("group fetch failed", logx.String("group", group), logx.Err(err))
			continue
		}

		for _, it := range items {
			it.RunID = st.run.ID
			it.Group = group
			it.CollectedAt = st.now
			it.Status = storage.StatusCollected
			if err := e.ledger.SaveItem(ctx, it); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.log.Warn("item save failed", logx.String("item", it.ExternalID), logx.Err(err))
				st.run.Counters.Failed++
				continue
			}
			kept = append(kept, it)
		}
		e.log.Debug("group collected", logx.String("group", group), logx.Int("items", len(items)))
	}

	st.items = kept
	st.run.Counters.Collected = len(kept)
	e.log.Info("collection finished", logx.Int("items", len(kept)))
	return nil
}
