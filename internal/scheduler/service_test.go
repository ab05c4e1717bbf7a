package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trendbot/internal/eventbus"
	logx "trendbot/pkg/logx"
)

func newTestService(t *testing.T, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(Config{Enabled: true}, logx.Nop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func jobInfo(t *testing.T, s *Service, name string) JobInfo {
	t.Helper()
	for _, j := range s.Snapshot().Jobs {
		if j.Name == name {
			return j
		}
	}
	t.Fatalf("job %q missing from snapshot", name)
	return JobInfo{}
}

func TestNoOverlapAndCoalescing(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var (
		inFlight, peak, total atomic.Int32
		started               = make(chan struct{}, 16)
		release               = make(chan struct{})
	)
	job := func(ctx context.Context) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		total.Add(1)
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		inFlight.Add(-1)
		return nil
	}
	if err := s.AddInterval("pipeline", time.Hour, time.Minute, job); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start()

	if err := s.RunNow("pipeline"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	<-started

	// Everything offered while the job is in flight collapses into at most
	// one parked trigger.
	for i := 0; i < 5; i++ {
		if err := s.RunNow("pipeline"); err != nil {
			t.Fatalf("RunNow %d: %v", i, err)
		}
	}
	close(release)
	<-started

	waitFor(t, 2*time.Second, func() bool { return inFlight.Load() == 0 }, "runs to drain")
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrency = %d, want 1", got)
	}
	if got := total.Load(); got != 2 {
		t.Fatalf("total executions = %d, want 2 (initial + one coalesced)", got)
	}
}

func TestReRegisterKeepsSerializationAndCounters(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var inFlight, peak atomic.Int32
	enter := func() {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	var (
		started1 = make(chan struct{})
		release1 = make(chan struct{})
		started2 = make(chan struct{})
	)
	if err := s.AddInterval("pipeline", time.Hour, time.Minute, func(ctx context.Context) error {
		enter()
		defer inFlight.Add(-1)
		close(started1)
		select {
		case <-release1:
		case <-ctx.Done():
		}
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start()
	if err := s.RunNow("pipeline"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	<-started1

	// A config reload re-registers the job while the old func is still
	// executing. The new func must not start until the old one returns.
	if err := s.AddInterval("pipeline", 30*time.Minute, time.Minute, func(ctx context.Context) error {
		enter()
		defer inFlight.Add(-1)
		close(started2)
		return nil
	}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if err := s.RunNow("pipeline"); err != nil {
		t.Fatalf("RunNow after update: %v", err)
	}
	select {
	case <-started2:
		t.Fatalf("updated func ran while the previous execution was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release1)
	select {
	case <-started2:
	case <-time.After(2 * time.Second):
		t.Fatalf("parked trigger never ran the updated func")
	}
	waitFor(t, 2*time.Second, func() bool {
		return jobInfo(t, s, "pipeline").Counters.Runs == 2
	}, "both executions counted")

	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrency = %d, want 1", got)
	}
	info := jobInfo(t, s, "pipeline")
	if info.Counters.Successes != 2 {
		t.Fatalf("counters lost across re-registration: %+v", info.Counters)
	}
	if info.Spec != "@every 30m0s" {
		t.Fatalf("spec = %q, want the updated interval", info.Spec)
	}
}

func TestMisfireGraceSkipsStaleTrigger(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := newTestService(t, bus)
	var runs atomic.Int32
	if err := s.AddInterval("pipeline", time.Hour, time.Minute, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start()

	// A trigger that fired ten minutes ago against a one-minute grace.
	s.mu.Lock()
	d := s.jobs["pipeline"]
	s.mu.Unlock()
	d.offer(time.Now().Add(-10 * time.Minute))

	waitFor(t, 2*time.Second, func() bool {
		return jobInfo(t, s, "pipeline").Counters.Skipped == 1
	}, "skip counter")
	if got := runs.Load(); got != 0 {
		t.Fatalf("stale trigger executed %d times", got)
	}

	select {
	case e := <-events:
		if e.Type != "job.skipped" {
			t.Fatalf("event type = %q, want job.skipped", e.Type)
		}
		se, ok := e.Data.(SkipEvent)
		if !ok || se.Job != "pipeline" || se.Age < 10*time.Minute {
			t.Fatalf("skip event = %+v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no job.skipped event published")
	}

	// A fresh trigger still executes.
	if err := s.RunNow("pipeline"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 }, "fresh trigger run")
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	var runs atomic.Int32
	if err := s.AddInterval("ticker", 30*time.Millisecond, time.Minute, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start()
	if err := s.Pause("ticker"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("paused job ran %d times", got)
	}
	if !jobInfo(t, s, "ticker").Paused {
		t.Fatalf("snapshot does not show job paused")
	}

	if err := s.Resume("ticker"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 1 }, "resumed job to fire")
}

func TestRunNowUnknownJob(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	s.Start()
	if err := s.RunNow("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
	if err := s.Pause("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Pause err = %v, want ErrUnknownJob", err)
	}
}

func TestCountersTrackOutcomes(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var mu sync.Mutex
	fail := true
	if err := s.AddInterval("flaky", time.Hour, time.Minute, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return errors.New("source down")
		}
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start()

	if err := s.RunNow("flaky"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return jobInfo(t, s, "flaky").Counters.Runs == 1
	}, "first run")
	if info := jobInfo(t, s, "flaky"); info.Counters.Failures != 1 || info.LastError == "" {
		t.Fatalf("after failure: %+v", info)
	}

	if err := s.RunNow("flaky"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return jobInfo(t, s, "flaky").Counters.Runs == 2
	}, "second run")
	info := jobInfo(t, s, "flaky")
	if info.Counters.Successes != 1 || info.Counters.Failures != 1 || info.LastError != "" {
		t.Fatalf("after recovery: %+v", info)
	}
}

func TestAddDailyValidatesAndBinds(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	if err := s.AddDaily("cleanup", "25:00", time.Hour, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("invalid HH:MM accepted")
	}
	if err := s.AddDaily("cleanup", "02:00", time.Hour, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	s.Start()

	info := jobInfo(t, s, "cleanup")
	if info.Spec != "0 2 * * *" {
		t.Fatalf("spec = %q", info.Spec)
	}
	if info.Next.IsZero() {
		t.Fatalf("next fire time not set after Start")
	}
	if info.Next.Hour() != 2 || info.Next.Minute() != 0 {
		t.Fatalf("next fire = %v, want 02:00", info.Next)
	}
}

func TestJobPanicCountsAsFailure(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	if err := s.AddInterval("boomer", time.Hour, time.Minute, func(context.Context) error {
		panic("nil deref")
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start()
	if err := s.RunNow("boomer"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return jobInfo(t, s, "boomer").Counters.Failures == 1
	}, "panic recorded as failure")
}
