// Package scheduler triggers named recurring jobs on cron specs and
// serializes their execution.
//
// Every job owns one runner goroutine and a single-slot pending channel.
// A trigger that arrives while the job is executing parks in the slot; a
// newer trigger replaces an older parked one, so bursts coalesce into at
// most one queued execution. When the runner picks a trigger up it drops
// it instead if it aged past the job's misfire grace. Two executions of
// the same job can therefore never overlap. Re-registering a name updates
// the job in place, so the runner, a parked trigger and the counters all
// survive a config reload.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"trendbot/internal/eventbus"
	logx "trendbot/pkg/logx"
)

// ErrUnknownJob is returned by job-addressed calls for an unregistered name.
var ErrUnknownJob = errors.New("unknown job")

type jobDef struct {
	name    string
	pending chan time.Time

	entryID cron.EntryID // guarded by Service.mu

	paused  atomic.Bool
	running atomic.Bool

	// mu guards the rebindable fields and the stats. Re-registration swaps
	// spec, grace and run in place so the runner and counters survive.
	mu           sync.Mutex
	spec         string
	grace        time.Duration
	run          func(ctx context.Context) error
	counters     JobCounters
	lastStart    time.Time
	lastDuration time.Duration
	lastErr      string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	jobs   map[string]*jobDef

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	nowFn func() time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*jobDef{},
		nowFn:  time.Now,
	}
}

// AddInterval registers (or replaces) a job fired every interval.
func (s *Service) AddInterval(name string, every, grace time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("job %q: interval must be positive", name)
	}
	return s.add(name, fmt.Sprintf("@every %s", every.String()), grace, job)
}

// AddDaily registers (or replaces) a job fired once a day at HH:MM in the
// scheduler's timezone.
func (s *Service) AddDaily(name, atHHMM string, grace time.Duration, job func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", m, h), grace, job)
}

func (s *Service) add(name, spec string, grace time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if job == nil {
		return fmt.Errorf("job %q: func required", name)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %q: bad spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert in place. The existing runner goroutine, pending slot and
	// counters stay; only the trigger binding and the func change. An
	// execution already in flight therefore keeps serializing with the
	// next trigger, which picks up the new func and grace.
	if d, ok := s.jobs[name]; ok {
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
			d.entryID = 0
		}
		d.mu.Lock()
		d.spec, d.grace, d.run = spec, grace, job
		d.mu.Unlock()
		if s.started {
			s.bindLocked(d)
		}
		s.log.Debug("job updated", logx.String("job", name), logx.String("spec", spec), logx.Duration("grace", grace))
		return nil
	}

	d := &jobDef{
		name:    name,
		spec:    spec,
		grace:   grace,
		run:     job,
		pending: make(chan time.Time, 1),
	}
	s.jobs[name] = d

	if s.started {
		s.bindLocked(d)
		s.startRunnerLocked(d)
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", spec), logx.Duration("grace", grace))
	return nil
}

// Remove unregisters a job and stops triggering it.
// An execution already in flight is not interrupted.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.dropLocked(d)
	delete(s.jobs, name)
	s.log.Debug("job removed", logx.String("job", name))
	return true
}

// Start begins firing triggers and launches the per-job runners.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.jobs {
		s.bindLocked(d)
		s.startRunnerLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering, cancels in-flight executions and waits for the
// runners, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.cancel = nil
	for _, d := range s.jobs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the runtime config. A timezone change rebinds every trigger
// under the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if !s.started || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}

	<-s.c.Stop().Done()
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.jobs {
		s.bindLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler rebound", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
}

// RunNow queues an immediate execution for the job, coalescing with any
// already-parked trigger. It works on paused jobs; pausing stops the clock,
// not the operator.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	d, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	d.offer(s.nowFn())
	s.log.Info("manual trigger", logx.String("job", name))
	return nil
}

// Pause makes the job ignore scheduled triggers until Resume.
func (s *Service) Pause(name string) error { return s.setPaused(name, true) }

// Resume re-enables scheduled triggers for a paused job.
func (s *Service) Resume(name string) error { return s.setPaused(name, false) }

func (s *Service) setPaused(name string, paused bool) error {
	s.mu.Lock()
	d, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	d.paused.Store(paused)
	s.log.Info("job pause state changed", logx.String("job", name), logx.Bool("paused", paused))
	return nil
}

// Snapshot returns the current view of every job, sorted by name.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	for _, d := range s.jobs {
		info := JobInfo{
			Name:    d.name,
			Paused:  d.paused.Load(),
			Running: d.running.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		d.mu.Lock()
		info.Spec = d.spec
		info.Grace = d.grace
		info.Counters = d.counters
		info.LastStart = d.lastStart
		info.LastDuration = d.lastDuration
		info.LastError = d.lastErr
		d.mu.Unlock()
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })
	return snap
}

// ---- internals ----

// bindLocked registers d's cron entry. Call with s.mu held and s.c live.
func (s *Service) bindLocked(d *jobDef) {
	d.mu.Lock()
	spec := d.spec
	d.mu.Unlock()
	eid, err := s.c.AddJob(spec, cron.FuncJob(func() {
		if d.paused.Load() {
			s.log.Debug("trigger ignored, job paused", logx.String("job", d.name))
			return
		}
		if replaced := d.offer(s.nowFn()); replaced {
			s.log.Debug("stale trigger superseded", logx.String("job", d.name))
		}
	}))
	if err != nil {
		// The expression was validated at registration; this is unreachable
		// short of a parser change.
		s.log.Error("cron bind failed", logx.String("job", d.name), logx.Err(err))
		return
	}
	d.entryID = eid
}

func (s *Service) startRunnerLocked(d *jobDef) {
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runner(ctx, d)
	}()
}

func (s *Service) dropLocked(d *jobDef) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
	// The runner exits with runCtx on Stop; a removed job's runner keeps
	// draining a channel nothing feeds, which is harmless until then.
	d.paused.Store(true)
}

// pickupSlop absorbs goroutine scheduling delay so a zero grace still lets
// an idle job start immediately while dropping triggers that truly waited.
const pickupSlop = 250 * time.Millisecond

func (s *Service) runner(ctx context.Context, d *jobDef) {
	for {
		select {
		case <-ctx.Done():
			return
		case firedAt := <-d.pending:
			d.mu.Lock()
			grace, run := d.grace, d.run
			d.mu.Unlock()
			if age := s.nowFn().Sub(firedAt); age > grace+pickupSlop {
				s.skip(d, firedAt, age, grace)
				continue
			}
			s.execute(ctx, d, run)
		}
	}
}

func (s *Service) skip(d *jobDef, firedAt time.Time, age, grace time.Duration) {
	d.mu.Lock()
	d.counters.Skipped++
	d.mu.Unlock()
	s.log.Warn("trigger skipped, aged past grace",
		logx.String("job", d.name),
		logx.Duration("age", age),
		logx.Duration("grace", grace))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.skipped", Data: SkipEvent{
			Job: d.name, FiredAt: firedAt, Age: age, Grace: grace,
		}})
	}
}

func (s *Service) execute(ctx context.Context, d *jobDef, run func(ctx context.Context) error) {
	d.running.Store(true)
	defer d.running.Store(false)

	start := s.nowFn()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return run(ctx)
	}()
	took := s.nowFn().Sub(start)

	d.mu.Lock()
	d.counters.Runs++
	d.lastStart = start
	d.lastDuration = took
	if err != nil {
		d.counters.Failures++
		d.lastErr = err.Error()
	} else {
		d.counters.Successes++
		d.lastErr = ""
	}
	d.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", logx.String("job", d.name), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Debug("job finished", logx.String("job", d.name), logx.Duration("took", took))
}

// offer parks a trigger in the single pending slot. A newer trigger
// replaces an older parked one and reports the replacement.
func (d *jobDef) offer(firedAt time.Time) (replaced bool) {
	for {
		select {
		case d.pending <- firedAt:
			return replaced
		default:
		}
		select {
		case <-d.pending:
			replaced = true
		default:
		}
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
