// Package notifier forwards pipeline outcomes, skipped triggers, back-fill
// summaries and monitor alerts to a Telegram chat.
//
// It is send-only: events flow from the bus through a bounded queue and a
// rate-limited sender goroutine. When the queue is full, events are dropped
// rather than backpressuring publishers.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"trendbot/internal/eventbus"
	"trendbot/internal/monitor"
	"trendbot/internal/pipeline"
	rtsup "trendbot/internal/runtime/supervisor"
	"trendbot/internal/scheduler"
	logx "trendbot/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64

	// RatePerSec caps outgoing messages; Telegram throttles ~1/s per chat.
	RatePerSec int
	QueueSize  int
}

// sender is the slice of the Telegram bot API the service needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	limiter *rate.Limiter
	bot     sender

	queue   chan string
	sup     *rtsup.Supervisor
	unsub   func()
	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start connects to Telegram and begins forwarding events.
// It is a no-op when the notifier is disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.queue != nil {
		return nil
	}

	if s.bot == nil {
		b, err := tele.NewBot(tele.Settings{Token: s.cfg.Token})
		if err != nil {
			return fmt.Errorf("notifier: telegram login: %w", err)
		}
		s.bot = b
	}

	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub
	s.queue = make(chan string, s.cfg.QueueSize)
	queue := s.queue

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Delivery trouble must never take the app down.
		rtsup.WithCancelOnError(false),
	)
	// The loops restart with backoff if delivery code panics; they only
	// return cleanly at shutdown.
	s.sup.GoRestart("events", func(c context.Context) error {
		s.eventLoop(c, events, queue)
		return nil
	})
	s.sup.GoRestart("sender", func(c context.Context) error {
		s.sendLoop(c, queue)
		return nil
	})

	s.log.Info("notifier started", logx.Int64("chat_id", s.cfg.ChatID))
	return nil
}

// Stop halts event intake and waits for the sender, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	unsub := s.unsub
	sup := s.sup
	s.unsub, s.sup, s.queue = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event, queue chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, ok := formatEvent(ev)
			if !ok {
				continue
			}
			select {
			case queue <- msg:
			default:
				s.dropped.Add(1)
				s.log.Warn("notification dropped, queue full", logx.String("event", ev.Type))
			}
		}
	}
}

func (s *Service) sendLoop(ctx context.Context, queue <-chan string) {
	to := tele.ChatID(s.cfg.ChatID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := s.bot.Send(to, msg); err != nil {
				s.log.Warn("telegram send failed", logx.Err(err))
			}
		}
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func formatEvent(ev eventbus.Event) (string, bool) {
	switch ev.Type {
	case "run.completed":
		e, ok := ev.Data.(pipeline.RunEvent)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("✅ run %s completed in %s\ncollected %d · scored %d · generated %d · published %d · failed %d",
			e.RunID, e.Duration.Round(time.Second),
			e.Counters.Collected, e.Counters.Scored, e.Counters.Generated,
			e.Counters.Published, e.Counters.Failed), true

	case "run.failed":
		e, ok := ev.Data.(pipeline.RunEvent)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("❌ run %s failed after %s: %s",
			e.RunID, e.Duration.Round(time.Second), e.Error), true

	case "job.skipped":
		e, ok := ev.Data.(scheduler.SkipEvent)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("⏭ job %q skipped: trigger aged %s (grace %s)",
			e.Job, e.Age.Round(time.Second), e.Grace), true

	case "metrics.summary":
		e, ok := ev.Data.(pipeline.BackfillSummary)
		if !ok || (e.Collected == 0 && e.Errors == 0) {
			return "", false
		}
		return fmt.Sprintf("📊 metrics back-fill: %d processed, %d collected, %d errors",
			e.Processed, e.Collected, e.Errors), true

	case "monitor.alert":
		e, ok := ev.Data.(monitor.Alert)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("🚨 %s: %s", e.Check, e.Detail), true
	}
	return "", false
}
