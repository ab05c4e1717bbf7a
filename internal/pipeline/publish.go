package pipeline

import (
	"context"

	logx "trendbot/pkg/logx"
)

// publishStage posts the generated items sequentially, highest score
// first, spaced by PublishSpacing. A rejected post drops only its own
// item; cancellation mid-stage fails the current item and the run.
func (e *Engine) publishStage(ctx context.Context, st *runState) error {
	gate := NewRateGate(e.cfg.PublishSpacing)
	for _, it := range st.items {
		if err := gate.Wait(ctx); err != nil {
			e.failItem(ctx, st, it.ExternalID, "publish interrupted: "+err.Error())
			return err
		}

		id, url, err := e.deps.Publisher.Publish(ctx, it.GeneratedText)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				e.failItem(ctx, st, it.ExternalID, "publish interrupted: "+err.Error())
				return cerr
			}
			e.failItem(ctx, st, it.ExternalID, "publish: "+err.Error())
			continue
		}

		if err := e.ledger.MarkPublished(ctx, it.ExternalID, id, url, e.nowFn()); err != nil {
			e.log.Warn("publish not persisted", logx.String("item", it.ExternalID), logx.Err(err))
		}
		st.run.Counters.Published++
		e.log.Info("item published",
			logx.String("item", it.ExternalID),
			logx.String("post_id", id),
			logx.Float64("score", it.Score))
	}
	return nil
}
