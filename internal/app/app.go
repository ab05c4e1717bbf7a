package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"trendbot/internal/eventbus"
	"trendbot/internal/generate"
	"trendbot/internal/monitor"
	"trendbot/internal/notifier"
	"trendbot/internal/pipeline"
	"trendbot/internal/publish/twitter"
	"trendbot/internal/scheduler"
	"trendbot/internal/source/reddit"
	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

// App wires the ledger, the pipeline, the scheduler and the side services
// together and owns their lifecycle.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	ledger storage.Ledger

	deps   pipeline.Deps
	reader pipeline.MetricsReader

	// mu guards the rebuildable pipeline pair; job closures always go
	// through currentEngine/currentBackfill so a hot-reload swap is picked
	// up by the next trigger.
	mu       sync.Mutex
	engine   *pipeline.Engine
	backfill *pipeline.Backfill

	sched *scheduler.Service
	mon   *monitor.Service
	notif *notifier.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	ledger, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("ledger opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	src, err := reddit.New(reddit.Config{
		ClientID:     cfg.Reddit.ClientID,
		ClientSecret: cfg.Reddit.ClientSecret,
		UserAgent:    cfg.Reddit.UserAgent,
	}, log.With(logx.String("comp", "reddit")))
	if err != nil {
		return nil, err
	}
	gen, err := generate.NewClaude(generate.Config{
		APIKey:    cfg.Anthropic.APIKey,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
	}, log.With(logx.String("comp", "claude")))
	if err != nil {
		return nil, err
	}
	pub, err := twitter.New(twitter.Config{
		BearerToken: cfg.Twitter.BearerToken,
		Username:    cfg.Twitter.Username,
	}, log.With(logx.String("comp", "twitter")))
	if err != nil {
		return nil, err
	}

	pcfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		ledger:  ledger,
		deps:    pipeline.Deps{Source: src, Generator: gen, Publisher: pub},
		reader:  pub,
	}
	a.applyPipeline(pcfg)

	a.sched = scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, log.With(logx.String("comp", "scheduler")), bus)

	js, err := mapJobSettings(cfg)
	if err != nil {
		return nil, err
	}
	keepDays, snapDays, err := mapRetention(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.registerJobs(js, keepDays, snapDays); err != nil {
		return nil, err
	}

	a.mon = monitor.New(mcfg, log.With(logx.String("comp", "monitor")), bus, ledger)
	a.notif = notifier.New(ncfg, log.With(logx.String("comp", "notifier")), bus)

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	if err := a.notif.Start(a.sup.Context()); err != nil {
		return err
	}
	a.mon.Start(a.sup.Context())
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.Enabled {
		a.sched.Start()
	}

	// Debug visibility into everything crossing the bus.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running components.
// Sections that cannot change live get a restart-required warning instead.
func (a *App) applyReload(ctx context.Context, old, cfg *Config) {
	if old == nil || cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if cfg.Storage != old.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if cfg.Reddit != old.Reddit || cfg.Anthropic != old.Anthropic || cfg.Twitter != old.Twitter {
		a.log.Warn("collaborator credentials changed; restart required for changes to take effect")
	}
	if telegramChanged(old, cfg) {
		a.log.Warn("telegram config changed; restart required for changes to take effect")
	}

	// Pipeline tuning applies to the next run; a run in flight keeps the
	// config it started with.
	if pcfg, err := mapPipelineConfig(cfg); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else {
		a.applyPipeline(pcfg)
	}

	js, jsErr := mapJobSettings(cfg)
	keepDays, snapDays, retErr := mapRetention(cfg)
	switch {
	case jsErr != nil:
		a.log.Warn("invalid scheduler config; keeping previous jobs", logx.Err(jsErr))
	case retErr != nil:
		a.log.Warn("invalid retention config; keeping previous jobs", logx.Err(retErr))
	default:
		if err := a.registerJobs(js, keepDays, snapDays); err != nil {
			a.log.Warn("job re-registration failed", logx.Err(err))
		}
	}

	a.sched.Apply(scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone})
	switch {
	case old.Scheduler.Enabled && !cfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !old.Scheduler.Enabled && cfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start()
	}

	if mcfg, err := mapMonitorConfig(cfg); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		if cfg.Monitor != nil {
			a.mon.SetThresholds(mcfg.Thresholds)
		}
		if monitorEnabled(old) != monitorEnabled(cfg) {
			a.log.Warn("monitor enable state changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding
	// immediately, then drain component by component with its own bound.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("monitor", time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.ledger.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// ---- jobs ----

func (a *App) registerJobs(js jobSettings, keepDays, snapDays int) error {
	if err := a.sched.AddInterval("pipeline", js.pipelineEvery, js.pipelineGrace, func(ctx context.Context) error {
		_, err := a.currentEngine().Run(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := a.sched.AddInterval("metrics", js.metricsEvery, js.metricsGrace, func(ctx context.Context) error {
		_, err := a.currentBackfill().Run(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := a.sched.AddInterval("snapshot", js.snapshotEvery, 30*time.Minute, func(ctx context.Context) error {
		return a.ledger.CreateSnapshot(ctx, time.Now().UTC())
	}); err != nil {
		return err
	}
	return a.sched.AddDaily("cleanup", js.cleanupAt, time.Hour, func(ctx context.Context) error {
		removed, err := a.ledger.Cleanup(ctx, keepDays, snapDays, time.Now().UTC())
		if err != nil {
			return err
		}
		a.log.Info("retention cleanup done", logx.Int64("rows_removed", removed))
		return nil
	})
}

func (a *App) applyPipeline(pcfg pipeline.Config) {
	a.mu.Lock()
	a.engine = pipeline.New(pcfg, a.log.With(logx.String("comp", "pipeline")), a.bus, a.ledger, a.deps)
	a.backfill = pipeline.NewBackfill(pcfg, a.log.With(logx.String("comp", "metrics")), a.bus, a.ledger, a.reader)
	a.mu.Unlock()
}

func (a *App) currentEngine() *pipeline.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine
}

func (a *App) currentBackfill() *pipeline.Backfill {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backfill
}

// ---- control surface ----

// TriggerJob queues an immediate execution of a named job, coalescing with
// any pending trigger.
func (a *App) TriggerJob(name string) error { return a.sched.RunNow(name) }

func (a *App) PauseJob(name string) error  { return a.sched.Pause(name) }
func (a *App) ResumeJob(name string) error { return a.sched.Resume(name) }

// Jobs reports the scheduler's current view of every registered job.
func (a *App) Jobs() scheduler.Snapshot { return a.sched.Snapshot() }

func (a *App) RunStatus(ctx context.Context, runID string) (storage.Run, bool, error) {
	return a.ledger.GetRun(ctx, runID)
}

func (a *App) RecentRuns(ctx context.Context, limit int) ([]storage.Run, error) {
	return a.ledger.RecentRuns(ctx, limit)
}

func (a *App) Stats(ctx context.Context) (storage.Stats, error) {
	return a.ledger.Stats24h(ctx, time.Now().UTC())
}

func (a *App) Thresholds() monitor.Thresholds     { return a.mon.Thresholds() }
func (a *App) SetThresholds(t monitor.Thresholds) { a.mon.SetThresholds(t) }

// DroppedNotifications reports events discarded by the notifier queue.
func (a *App) DroppedNotifications() uint64 { return a.notif.Dropped() }

// ---- validation ----

func validateConfig(cfg *Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPipelineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJobSettings(cfg); err != nil {
		return err
	}
	if _, _, err := mapRetention(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func telegramChanged(old, cfg *Config) bool {
	switch {
	case old.Telegram == nil && cfg.Telegram == nil:
		return false
	case old.Telegram == nil || cfg.Telegram == nil:
		return true
	default:
		return *old.Telegram != *cfg.Telegram
	}
}

func monitorEnabled(cfg *Config) bool {
	return cfg.Monitor != nil && cfg.Monitor.Enabled
}
