package pipeline

import (
	"context"
	"strings"

	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

// generate produces post text for every passing item with a bounded
// fan-out. A failed generation drops only its own item; the survivors keep
// their score order for publishing.
func (e *Engine) generate(ctx context.Context, st *runState) error {
	results := runBounded(ctx, st.items, e.cfg.GenerateConcurrency, e.deps.Generator.Generate)
	if err := ctx.Err(); err != nil {
		return err
	}

	kept := make([]storage.Item, 0, len(st.items))
	for _, it := range st.items {
		res := results[it.ExternalID]
		if res.err != nil {
			e.failItem(ctx, st, it.ExternalID, "generate: "+res.err.Error())
			continue
		}
		text := truncatePost(res.text, e.cfg.MaxPostLength)
		if strings.TrimSpace(text) == "" {
			e.failItem(ctx, st, it.ExternalID, "generate: empty output")
			continue
		}
		if err := e.ledger.MarkGenerated(ctx, it.ExternalID, text); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.failItem(ctx, st, it.ExternalID, "generate persist: "+err.Error())
			continue
		}

		it.Status = storage.StatusGenerated
		it.GeneratedText = text
		kept = append(kept, it)
	}

	st.items = kept
	st.run.Counters.Generated = len(kept)
	e.log.Info("generation finished", logx.Int("generated", len(kept)))
	return nil
}

// truncatePost enforces the platform length cap: over-long text keeps the
// leading max-3 runes and gains a "..." suffix.
func truncatePost(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
