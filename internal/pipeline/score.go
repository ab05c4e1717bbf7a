package pipeline

import (
	"context"
	"errors"
	"sort"

	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

// score evaluates every collected item against one shared time snapshot,
// persists the verdicts, and narrows the working set to the passing items
// ordered by descending score.
//
// An item whose status already moved past "collected" (a duplicate picked
// up again from an earlier run) trips the ledger's transition guard and is
// silently dropped from this run.
func (e *Engine) score(ctx context.Context, st *runState) error {
	passed := make([]storage.Item, 0, len(st.items))
	scored := 0
	for _, it := range st.items {
		if err := ctx.Err(); err != nil {
			return err
		}

		s, ok := e.scorer.Score(it, st.now)
		if err := e.ledger.MarkScored(ctx, it.ExternalID, s, ok); err != nil {
			if errors.Is(err, storage.ErrStaleTransition) {
				e.log.Debug("item already processed, skipping", logx.String("item", it.ExternalID))
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warn("score persist failed", logx.String("item", it.ExternalID), logx.Err(err))
			st.run.Counters.Failed++
			continue
		}

		scored++
		it.Status = storage.StatusScored
		it.Score = s
		it.Passed = ok
		if ok {
			passed = append(passed, it)
		}
	}

	sort.SliceStable(passed, func(i, j int) bool { return passed[i].Score > passed[j].Score })
	st.items = passed
	st.run.Counters.Scored = scored
	e.log.Info("scoring finished", logx.Int("scored", scored), logx.Int("passed", len(passed)))
	return nil
}
