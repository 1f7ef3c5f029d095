// Package pipeline drives a run through its stages: search, import, analyze,
// generate_sites, generate_messages and send. Every stage reads and writes
// progress through the store, so a stage can resume in a different process
// from the one that ran the previous stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/continuation"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// outcome tells the dispatcher what follows a successful stage pass.
type outcome int

const (
	// advance moves to the next enabled stage, or completes the run.
	advance outcome = iota
	// repeat schedules the same stage again for the remaining backlog.
	repeat
	// finished completes the run without running later stages.
	finished
)

type stageFunc func(ctx context.Context, run *model.Run) (outcome, error)

// Orchestrator dispatches stages and owns the run lifecycle.
type Orchestrator struct {
	store      store.Store
	c          Collaborators
	cfg        config.PipelineConfig
	rateLimit  resilience.RateLimitConfig
	staleAfter time.Duration
	reapEvery  time.Duration
	gate       Gate
	scheduler  Scheduler
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithScheduler sets the continuation channel. Without one, stages are
// chained synchronously in the calling goroutine.
func WithScheduler(s Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

// WithGate throttles the reaper sweep triggered by List.
func WithGate(g Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithSleep replaces the timer used for send pacing and rate-limit backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(cfg *config.Config, st store.Store, c Collaborators, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store: st,
		c:     c,
		cfg:   cfg.Pipeline,
		rateLimit: resilience.FromRateLimitConfig(
			cfg.RateLimit.MaxRetries, cfg.RateLimit.ScheduleSecs, cfg.RateLimit.MaxJitterMs,
		),
		staleAfter: cfg.Reaper.StaleAfter(),
		reapEvery:  time.Duration(cfg.Reaper.MinIntervalSec) * time.Second,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	if o.staleAfter <= 0 {
		o.staleAfter = 20 * time.Minute
	}
	for _, opt := range opts {
		opt(o)
	}
	o.rateLimit = o.rateLimit.WithSleep(o.sleep)
	if o.scheduler == nil {
		o.scheduler = inlineScheduler{o: o}
	}
	return o
}

// SetScheduler replaces the continuation channel. Drivers that call back
// into ProcessStage are built after the orchestrator and bound here.
func (o *Orchestrator) SetScheduler(s Scheduler) {
	o.scheduler = s
}

// ProcessStage runs one stage of a run and hands off whatever follows.
// Stage errors never escape: a rate limit leaves the run running with a
// pause entry, anything else fails the run. The returned error is set only
// when that outcome could not be recorded.
func (o *Orchestrator) ProcessStage(ctx context.Context, runID string, stage model.Stage) (err error) {
	log := zap.L().With(zap.String("run_id", runID), zap.String("stage", string(stage)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline: stage panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = o.settle(ctx, runID, stage, eris.Errorf("pipeline: panic in %s: %v", stage, r))
		}
	}()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load run %s", runID)
	}
	if run.Status != model.RunStatusRunning {
		log.Info("pipeline: run not running, skipping stage", zap.String("status", string(run.Status)))
		return nil
	}

	return o.settle(ctx, runID, stage, o.runStage(ctx, run, stage))
}

func (o *Orchestrator) runStage(ctx context.Context, run *model.Run, stage model.Stage) error {
	fn := o.handler(stage)
	if fn == nil {
		return eris.Errorf("pipeline: unknown stage %q", stage)
	}
	if err := o.store.SetRunStage(ctx, run.ID, stage.Label()); err != nil {
		return err
	}

	start := o.now()
	out, err := fn(ctx, run)
	if err != nil {
		return err
	}
	zap.L().Info("pipeline: stage pass complete",
		zap.String("run_id", run.ID),
		zap.String("stage", string(stage)),
		zap.Duration("duration", o.now().Sub(start)),
	)

	switch out {
	case repeat:
		return o.handoff(ctx, run.ID, stage)
	case finished:
		return o.complete(ctx, run.ID)
	}
	next, ok := model.NextStage(stage, run.Config)
	if !ok {
		return o.complete(ctx, run.ID)
	}
	return o.handoff(ctx, run.ID, next)
}

func (o *Orchestrator) handler(stage model.Stage) stageFunc {
	switch stage {
	case model.StageSearch:
		return o.stageSearch
	case model.StageImport:
		return o.stageImport
	case model.StageAnalyze:
		return o.stageAnalyze
	case model.StageGenerateSites:
		return o.stageGenerateSites
	case model.StageGenerateMessages:
		return o.stageGenerateMessages
	case model.StageSend:
		return o.stageSend
	}
	return nil
}

// settle records the outcome of a failed stage pass.
func (o *Orchestrator) settle(ctx context.Context, runID string, stage model.Stage, err error) error {
	if err == nil {
		return nil
	}
	log := zap.L().With(zap.String("run_id", runID), zap.String("stage", string(stage)))

	switch {
	case errors.Is(err, store.ErrRunNotActive):
		log.Info("pipeline: run left running state mid-stage", zap.Error(err))
		return nil

	case ctx.Err() != nil:
		// Shutdown. The run stays running for retry or the reaper.
		log.Warn("pipeline: stage interrupted", zap.Error(err))
		return nil

	case resilience.IsRateLimit(err):
		log.Warn("pipeline: rate limited, pausing run", zap.Error(err))
		entry := model.ErrorEntry{
			Stage:   string(stage),
			Step:    "dispatch",
			Code:    model.CodeRateLimitPause,
			Message: pauseMessage(err),
		}
		return o.ignoreInactive(o.appendError(ctx, runID, entry))
	}

	log.Error("pipeline: stage failed", zap.Error(err))
	entry := model.ErrorEntry{
		At:      o.now(),
		Stage:   string(stage),
		Step:    "dispatch",
		Code:    model.CodeStageFatal,
		Message: err.Error(),
	}
	if ferr := o.store.FailRun(ctx, runID, entry); ferr != nil {
		return o.ignoreInactive(ferr)
	}
	o.notify(ctx, runID)
	return nil
}

func pauseMessage(err error) string {
	if hint := resilience.RetryAfterFrom(err); hint > 0 {
		return fmt.Sprintf("paused after rate limit (retry after %s): %v", hint, err)
	}
	return fmt.Sprintf("paused after rate limit: %v", err)
}

// handoff schedules the next unit of work. A loop-detected channel falls
// back to running the stage in this process.
func (o *Orchestrator) handoff(ctx context.Context, runID string, stage model.Stage) error {
	err := o.scheduler.Schedule(ctx, runID, stage)
	if errors.Is(err, continuation.ErrLoopDetected) {
		zap.L().Warn("pipeline: continuation loop detected, continuing in process",
			zap.String("run_id", runID), zap.String("stage", string(stage)))
		return o.ProcessStage(ctx, runID, stage)
	}
	if err != nil {
		return eris.Wrapf(err, "pipeline: schedule %s", stage)
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, runID string) error {
	if err := o.store.CompleteRun(ctx, runID); err != nil {
		return err
	}
	zap.L().Info("pipeline: run completed", zap.String("run_id", runID))
	o.notify(ctx, runID)
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, runID string) {
	if o.c.Notifier == nil {
		return
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		zap.L().Warn("pipeline: load run for notification", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if err := o.c.Notifier.RunFinished(ctx, run); err != nil {
		zap.L().Warn("pipeline: notify run finished", zap.String("run_id", runID), zap.Error(err))
	}
}

func (o *Orchestrator) appendError(ctx context.Context, runID string, entry model.ErrorEntry) error {
	if entry.At.IsZero() {
		entry.At = o.now()
	}
	return o.store.AppendRunError(ctx, runID, entry)
}

func (o *Orchestrator) ignoreInactive(err error) error {
	if errors.Is(err, store.ErrRunNotActive) {
		return nil
	}
	return err
}

// limiter returns the rate-limit retry config for one collaborator call.
func (o *Orchestrator) limiter(service, operation string) resilience.RateLimitConfig {
	cfg := o.rateLimit
	cfg.OnRetry = resilience.RateLimitLogger(service, operation)
	return cfg
}

// inlineScheduler runs the next stage synchronously.
type inlineScheduler struct {
	o *Orchestrator
}

func (s inlineScheduler) Schedule(ctx context.Context, runID string, stage model.Stage) error {
	return s.o.ProcessStage(ctx, runID, stage)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
