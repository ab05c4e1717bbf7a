// Package monitor periodically checks the health of the pipeline system:
// ledger reachability, trailing 24h success rate, consecutive run failures
// and run staleness. Findings are published as "monitor.alert" bus events.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trendbot/internal/eventbus"
	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

// Thresholds are the runtime-tunable alert boundaries.
type Thresholds struct {
	// MinSuccessRate24h alerts when the trailing 24h run success rate drops
	// below it. Only applied once enough runs exist to be meaningful.
	MinSuccessRate24h float64

	// MaxConsecutiveFailures alerts when the latest N runs all failed.
	MaxConsecutiveFailures int

	// MaxRunAge alerts when no run has started for this long.
	MaxRunAge time.Duration
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MinSuccessRate24h <= 0 || t.MinSuccessRate24h > 1 {
		t.MinSuccessRate24h = 0.8
	}
	if t.MaxConsecutiveFailures <= 0 {
		t.MaxConsecutiveFailures = 3
	}
	if t.MaxRunAge <= 0 {
		t.MaxRunAge = 30 * time.Minute
	}
	return t
}

type Config struct {
	Enabled    bool
	Interval   time.Duration // default 60s
	Thresholds Thresholds
}

// Alert is the payload of a "monitor.alert" bus event.
type Alert struct {
	Check  string    `json:"check"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// alertCooldown suppresses repeats of an unchanged finding so a broken
// night doesn't flood the notifier.
const alertCooldown = 30 * time.Minute

type Service struct {
	mu         sync.Mutex
	cfg        Config
	thresholds Thresholds

	log    logx.Logger
	bus    eventbus.Bus
	ledger storage.Ledger

	lastAlert map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}

	nowFn func() time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, ledger storage.Ledger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		thresholds: cfg.Thresholds.withDefaults(),
		log:        log,
		bus:        bus,
		ledger:     ledger,
		lastAlert:  map[string]time.Time{},
		nowFn:      time.Now,
	}
}

// Thresholds returns the current alert boundaries.
func (s *Service) Thresholds() Thresholds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholds
}

// SetThresholds swaps the alert boundaries at runtime.
func (s *Service) SetThresholds(t Thresholds) {
	t = t.withDefaults()
	s.mu.Lock()
	s.thresholds = t
	s.mu.Unlock()
	s.log.Info("monitor thresholds updated",
		logx.Float64("min_success_rate", t.MinSuccessRate24h),
		logx.Int("max_consecutive_failures", t.MaxConsecutiveFailures),
		logx.Duration("max_run_age", t.MaxRunAge))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done, s.cfg.Interval)
	s.log.Info("monitor started", logx.Duration("interval", s.cfg.Interval))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) loop(ctx context.Context, done chan struct{}, interval time.Duration) {
	defer close(done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.check(ctx)
		}
	}
}

// check runs every probe once. Probes are independent; one failing never
// hides the others.
func (s *Service) check(ctx context.Context) {
	now := s.nowFn()
	th := s.Thresholds()

	if s.ledger == nil {
		return
	}
	if err := s.ledger.Ping(ctx); err != nil {
		s.raise(now, "storage", fmt.Sprintf("ledger unreachable: %v", err))
		// The remaining probes all need the ledger.
		return
	}

	if stats, err := s.ledger.Stats24h(ctx, now); err != nil {
		s.log.Warn("stats probe failed", logx.Err(err))
	} else if stats.Runs >= 3 && stats.SuccessRate < th.MinSuccessRate24h {
		s.raise(now, "success_rate",
			fmt.Sprintf("24h success rate %.0f%% below %.0f%% (%d/%d runs)",
				stats.SuccessRate*100, th.MinSuccessRate24h*100, stats.Succeeded, stats.Runs))
	}

	runs, err := s.ledger.RecentRuns(ctx, th.MaxConsecutiveFailures)
	if err != nil {
		s.log.Warn("recent runs probe failed", logx.Err(err))
		return
	}
	if len(runs) == 0 {
		return
	}

	if latest := runs[0]; now.Sub(latest.StartedAt) > th.MaxRunAge {
		s.raise(now, "staleness",
			fmt.Sprintf("no run started for %s (last: %s)",
				now.Sub(latest.StartedAt).Round(time.Second), latest.ID))
	}

	if len(runs) >= th.MaxConsecutiveFailures {
		allFailed := true
		for _, r := range runs {
			if r.Outcome != "failed" {
				allFailed = false
				break
			}
		}
		if allFailed {
			s.raise(now, "consecutive_failures",
				fmt.Sprintf("last %d runs all failed (latest: %s)", len(runs), runs[0].Error))
		}
	}
}

func (s *Service) raise(now time.Time, check, detail string) {
	s.mu.Lock()
	last, seen := s.lastAlert[check]
	if seen && now.Sub(last) < alertCooldown {
		s.mu.Unlock()
		return
	}
	s.lastAlert[check] = now
	s.mu.Unlock()

	s.log.Warn("health check failed", logx.String("check", check), logx.String("detail", detail))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "monitor.alert", Data: Alert{Check: check, Detail: detail, At: now}})
	}
}
