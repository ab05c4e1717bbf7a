// Package pipeline runs the collect → score → generate → publish cycle and
// the engagement metrics back-fill over previously published items.
//
// One Engine.Run call is one complete cycle. Stage transitions are
// conditional: any stage that leaves the working set empty completes the run
// early without touching downstream collaborators. Collaborator failures are
// absorbed per item; only cancellation, panics, or a ledger that cannot
// record the run abort the whole cycle.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trendbot/internal/eventbus"
	"trendbot/internal/scoring"
	"trendbot/internal/storage"
	logx "trendbot/pkg/logx"
)

// Deps are the engine's external collaborators.
type Deps struct {
	Source    Source
	Generator Generator
	Publisher Publisher
}

// Engine executes one full pipeline cycle per Run call. It owns no
// goroutines between runs; concurrency exists only inside the generation
// stage's bounded fan-out.
type Engine struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	ledger storage.Ledger
	scorer *scoring.Engine
	deps   Deps

	nowFn func() time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, ledger storage.Ledger, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		ledger: ledger,
		scorer: scoring.New(scoring.Config{MinScore: cfg.MinScore, GroupMultipliers: cfg.GroupMultipliers}),
		deps:   deps,
		nowFn:  time.Now,
	}
}

// runState carries the working set across the stages of a single run.
// now is the scoring snapshot; every item in the run ages against the
// same instant.
type runState struct {
	run   storage.Run
	now   time.Time
	items []storage.Item
}

// Run executes one pipeline cycle and returns the terminal run record.
// The returned error is nil for a completed run even when individual items
// failed along the way.
func (e *Engine) Run(ctx context.Context) (storage.Run, error) {
	started := e.nowFn()
	st := &runState{
		run: storage.Run{
			ID:        newRunID(started),
			StartedAt: started,
			Stage:     string(StageIdle),
			MinScore:  e.scorer.MinScore(),
			Groups:    e.cfg.Groups,
		},
		now: started,
	}
	log := e.log.With(logx.String("run_id", st.run.ID))

	if err := e.ledger.CreateRun(ctx, st.run); err != nil {
		return st.run, fmt.Errorf("create run: %w", err)
	}
	e.emit("run.started", RunEvent{RunID: st.run.ID, Stage: string(StageCollecting)})
	log.Info("run started", logx.Float64("min_score", st.run.MinScore), logx.Any("groups", st.run.Groups))

	var runErr error
	stage := StageCollecting
	for stage != StageCompleted && stage != StageFailed {
		st.run.Stage = string(stage)
		if err := e.ledger.UpdateRunStage(ctx, st.run.ID, string(stage), st.run.Counters); err != nil {
			log.Warn("stage update not persisted", logx.String("stage", string(stage)), logx.Err(err))
		}
		next, err := e.step(ctx, stage, st)
		if err != nil {
			runErr = err
			stage = StageFailed
			continue
		}
		stage = next
	}

	return e.finalize(ctx, st, log, runErr)
}

// step runs one stage and decides the next one. A panic inside a stage is
// a run-level failure, never a crashed process.
func (e *Engine) step(ctx context.Context, stage Stage, st *runState) (next Stage, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = StageFailed, fmt.Errorf("%s stage panic: %v", stage, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return StageFailed, err
	}

	switch stage {
	case StageCollecting:
		err = e.collect(ctx, st)
	case StageScoring:
		err = e.score(ctx, st)
	case StageGenerating:
		err = e.generate(ctx, st)
	case StagePublishing:
		err = e.publishStage(ctx, st)
	default:
		return StageCompleted, nil
	}
	if err != nil {
		return StageFailed, err
	}
	return nextStage(stage, len(st.items)), nil
}

// nextStage is the transition table. Intermediate stages short-circuit to
// Completed when nothing remains in the working set; Publishing always
// completes the run.
func nextStage(cur Stage, remaining int) Stage {
	switch cur {
	case StageCollecting:
		if remaining == 0 {
			return StageCompleted
		}
		return StageScoring
	case StageScoring:
		if remaining == 0 {
			return StageCompleted
		}
		return StageGenerating
	case StageGenerating:
		if remaining == 0 {
			return StageCompleted
		}
		return StagePublishing
	default:
		return StageCompleted
	}
}

func (e *Engine) finalize(ctx context.Context, st *runState, log logx.Logger, runErr error) (storage.Run, error) {
	done := e.nowFn()
	st.run.CompletedAt = done
	if runErr != nil {
		st.run.Stage = string(StageFailed)
		st.run.Outcome = "failed"
		st.run.Error = runErr.Error()
	} else {
		st.run.Stage = string(StageCompleted)
		st.run.Outcome = "success"
	}

	// The run context may already be cancelled; the terminal record must
	// land in the ledger regardless.
	wctx, cancel := detach(ctx, 5*time.Second)
	defer cancel()
	if err := e.ledger.CompleteRun(wctx, st.run.ID, st.run.Counters, st.run.Outcome, st.run.Error, done); err != nil {
		log.Error("run completion not persisted", logx.Err(err))
	}

	ev := RunEvent{
		RunID:    st.run.ID,
		Stage:    st.run.Stage,
		Counters: st.run.Counters,
		Outcome:  st.run.Outcome,
		Error:    st.run.Error,
		Duration: done.Sub(st.run.StartedAt),
	}
	if runErr != nil {
		e.emit("run.failed", ev)
		log.Error("run failed", logx.Err(runErr), logx.Duration("took", ev.Duration))
	} else {
		e.emit("run.completed", ev)
		log.Info("run completed",
			logx.Int("collected", st.run.Counters.Collected),
			logx.Int("scored", st.run.Counters.Scored),
			logx.Int("generated", st.run.Counters.Generated),
			logx.Int("published", st.run.Counters.Published),
			logx.Int("failed", st.run.Counters.Failed),
			logx.Duration("took", ev.Duration))
	}
	return st.run, runErr
}

// failItem records an item-level failure and bumps the run's failed counter.
func (e *Engine) failItem(ctx context.Context, st *runState, id, reason string) {
	st.run.Counters.Failed++
	wctx, cancel := detach(ctx, 3*time.Second)
	defer cancel()
	if err := e.ledger.MarkItemFailed(wctx, id, reason); err != nil {
		e.log.Warn("item failure not persisted", logx.String("item", id), logx.Err(err))
	}
	e.log.Warn("item failed", logx.String("item", id), logx.String("reason", reason))
}

func (e *Engine) emit(typ string, data any) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// detach returns ctx itself while it is live, or a fresh bounded context
// once it has been cancelled, so terminal writes still go through.
func detach(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.Background(), max)
}

func newRunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%d", uuid.NewString()[:8], now.Unix())
}
