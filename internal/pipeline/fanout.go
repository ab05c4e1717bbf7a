package pipeline

import (
	"context"
	"fmt"
	"sync"

	"trendbot/internal/storage"
)

type genResult struct {
	text string
	err  error
}

// runBounded executes fn for every item with at most limit concurrent calls.
// Failures are isolated per item: an error or panic in fn becomes that
// item's result and never affects its siblings. Results are keyed by
// external id so callers can re-walk items in their original order.
func runBounded(ctx context.Context, items []storage.Item, limit int, fn func(context.Context, storage.Item) (string, error)) map[string]genResult {
	if limit <= 0 {
		limit = 1
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]genResult, len(items))
	)
	permits := make(chan struct{}, limit)

	for _, it := range items {
		select {
		case permits <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			results[it.ExternalID] = genResult{err: ctx.Err()}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(it storage.Item) {
			defer wg.Done()
			defer func() { <-permits }()

			text, err := func() (text string, err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("panic: %v", r)
					}
				}()
				return fn(ctx, it)
			}()

			mu.Lock()
			results[it.ExternalID] = genResult{text: text, err: err}
			mu.Unlock()
		}(it)
	}

	wg.Wait()
	return results
}
