package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"trendbot/internal/storage"
)

func TestRunBoundedRespectsLimit(t *testing.T) {
	t.Parallel()
	items := make([]storage.Item, 8)
	for i := range items {
		items[i] = storage.Item{ExternalID: fmt.Sprintf("it-%d", i)}
	}

	var inFlight, peak atomic.Int32
	results := runBounded(context.Background(), items, 3, func(context.Context, storage.Item) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})

	if got := peak.Load(); got > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", got)
	}
	if len(results) != len(items) {
		t.Fatalf("results = %d, want %d", len(results), len(items))
	}
	for id, res := range results {
		if res.err != nil || res.text != "ok" {
			t.Fatalf("item %s: %+v", id, res)
		}
	}
}

func TestRunBoundedIsolatesFailures(t *testing.T) {
	t.Parallel()
	items := []storage.Item{
		{ExternalID: "good"},
		{ExternalID: "errors"},
		{ExternalID: "panics"},
	}
	boom := errors.New("boom")

	results := runBounded(context.Background(), items, 2, func(_ context.Context, it storage.Item) (string, error) {
		switch it.ExternalID {
		case "errors":
			return "", boom
		case "panics":
			panic("unexpected nil")
		}
		return "fine", nil
	})

	if res := results["good"]; res.err != nil || res.text != "fine" {
		t.Fatalf("good item affected by siblings: %+v", res)
	}
	if res := results["errors"]; !errors.Is(res.err, boom) {
		t.Fatalf("errors item: %+v", res)
	}
	res := results["panics"]
	if res.err == nil || !strings.Contains(res.err.Error(), "panic") {
		t.Fatalf("panic not captured as item error: %+v", res)
	}
}

func TestRateGateSpacing(t *testing.T) {
	t.Parallel()
	const spacing = 25 * time.Millisecond
	g := NewRateGate(spacing)
	ctx := context.Background()

	start := time.Now()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > spacing/2 {
		t.Fatalf("first wait blocked %v, want immediate", elapsed)
	}
	for i := 0; i < 2; i++ {
		if err := g.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 2*spacing-5*time.Millisecond {
		t.Fatalf("3 grants took %v, want >= %v", elapsed, 2*spacing)
	}
}

func TestRateGateCancellation(t *testing.T) {
	t.Parallel()
	g := NewRateGate(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	cancel()
	if err := g.Wait(ctx); err == nil {
		t.Fatalf("wait on cancelled context must fail")
	}
}
