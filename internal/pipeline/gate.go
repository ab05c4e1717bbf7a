package pipeline

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateGate spaces successive operations by a fixed wall-clock interval.
// The first Wait returns immediately; each later Wait blocks until the
// interval since the previous grant has elapsed, so a sequence of N calls
// incurs N-1 pauses and none after the last.
type RateGate struct {
	lim *rate.Limiter
}

func NewRateGate(spacing time.Duration) *RateGate {
	if spacing <= 0 {
		return &RateGate{}
	}
	return &RateGate{lim: rate.NewLimiter(rate.Every(spacing), 1)}
}

func (g *RateGate) Wait(ctx context.Context) error {
	if g == nil || g.lim == nil {
		return ctx.Err()
	}
	return g.lim.Wait(ctx)
}
