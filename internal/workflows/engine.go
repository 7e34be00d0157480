package workflows

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/store"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tracing"
)

var ErrEngineClosed = errors.New("engine is not accepting new analyses")

// terminalWriteTimeout bounds the final store write when the run context is gone
const terminalWriteTimeout = 5 * time.Second

// EventSink receives progress events for a request
type EventSink interface {
	Publish(requestID string, evt streaming.Event) streaming.Event
}

// CompletionHook runs once per Run after the request stops making progress.
// final is nil when the run aborted before a terminal state could be read back.
type CompletionHook func(ctx context.Context, requestID string, final *state.AnalysisState)

// Options configures an Engine
type Options struct {
	Store    store.Store
	Cache    cache.Cache
	Registry *registry.StageRegistry
	Retry    RetryPolicy
	// StrictDependencies makes Run return a *registry.DependencyError in addition
	// to failing the request when a stage input is missing.
	StrictDependencies bool
	Events             EventSink
	Hooks              []CompletionHook
	Logger             *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Engine drives analysis requests through the registered stages
type Engine struct {
	store    store.Store
	cache    cache.Cache
	registry *registry.StageRegistry
	events   EventSink
	strict   bool
	logger   *zap.Logger
	policy   atomic.Pointer[RetryPolicy]

	hooksMu sync.RWMutex
	hooks   []CompletionHook

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine validates the stage registry and builds an engine
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine requires a stage registry")
	}
	if err := opts.Registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stage registry: %w", err)
	}
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.now == nil {
		opts.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.sleep == nil {
		opts.sleep = sleepContext
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    opts.Store,
		cache:    opts.Cache,
		registry: opts.Registry,
		events:   opts.Events,
		strict:   opts.StrictDependencies,
		logger:   opts.Logger,
		hooks:    append([]CompletionHook(nil), opts.Hooks...),
		now:      opts.now,
		sleep:    opts.sleep,
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
	e.UpdatePolicy(opts.Retry)
	return e, nil
}

// Policy returns the retry policy currently in force
func (e *Engine) Policy() RetryPolicy {
	return *e.policy.Load()
}

// UpdatePolicy replaces the retry policy; attempts already sleeping keep the old one
func (e *Engine) UpdatePolicy(p RetryPolicy) {
	p = p.Normalize()
	e.policy.Store(&p)
	e.logger.Info("Retry policy updated",
		zap.Int("max_attempts", p.MaxAttempts),
		zap.Duration("initial_backoff", p.InitialBackoff),
		zap.Duration("max_backoff", p.MaxBackoff),
		zap.Float64("multiplier", p.Multiplier),
		zap.Duration("stage_timeout", p.StageTimeout),
	)
}

// OnComplete registers a hook for runs started from now on
func (e *Engine) OnComplete(hook CompletionHook) {
	e.hooksMu.Lock()
	e.hooks = append(e.hooks, hook)
	e.hooksMu.Unlock()
}

// Stages exposes the pipeline order for status views
func (e *Engine) Stages() []state.StageName {
	return e.registry.Names()
}

// Submit creates a pending request and runs it in the background.
// The run outlives ctx; only Close stops it.
func (e *Engine) Submit(ctx context.Context, product string, params state.Params) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return "", ErrEngineClosed
	}

	s, err := e.store.Create(ctx, product, params)
	if err != nil {
		return "", err
	}
	metrics.AnalysesSubmitted.WithLabelValues(s.Params.AnalysisType).Inc()
	e.logger.Info("Analysis submitted",
		zap.String("request_id", s.RequestID),
		zap.String("product", s.ProductName),
		zap.String("analysis_type", s.Params.AnalysisType),
	)

	e.wg.Add(1)
	go func(id string) {
		defer e.wg.Done()
		if err := e.Run(e.baseCtx, id); err != nil {
			e.logger.Error("Analysis run aborted", zap.String("request_id", id), zap.Error(err))
		}
	}(s.RequestID)

	return s.RequestID, nil
}

// Wait blocks until every run started by Submit has returned
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops intake. Runs in progress continue until ctx expires, then are cancelled.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// Run drives one pending request to a terminal state.
// Tool failures are recorded on the request and never returned; only store
// errors and, in strict mode, dependency errors are. A store error after the
// request started still leaves it failed whenever the store accepts that write.
func (e *Engine) Run(ctx context.Context, id string) (err error) {
	var final *state.AnalysisState
	defer func() { e.runHooks(ctx, id, final) }()

	logger := e.logger.With(zap.String("request_id", id))
	started := e.now()

	s, err := e.store.Update(ctx, id, func(st *state.AnalysisState) error {
		return st.Start(e.now())
	})
	if err != nil {
		return err
	}

	metrics.AnalysesInFlight.Inc()
	defer metrics.AnalysesInFlight.Dec()

	ctx, span := tracing.StartAnalysisSpan(ctx, id, s.ProductName)
	defer func() { tracing.EndSpan(span, err) }()

	logger.Info("Analysis started",
		zap.String("product", s.ProductName),
		zap.String("traceparent", tracing.W3CTraceparent(ctx)),
	)
	e.publish(id, streaming.Event{Type: streaming.EventAnalysisStarted, Message: s.ProductName})

	stages := e.registry.Stages()
	for _, stage := range stages {
		next, stageErr := e.runStage(ctx, logger, s, stage)
		if next == nil {
			return stageErr
		}
		s = next
		if s.Status == state.StatusFailed {
			final = s
			e.finish(logger, s, started)
			return stageErr
		}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	s, err = e.store.Update(wctx, id, func(st *state.AnalysisState) error {
		return st.Complete(e.now())
	})
	cancel()
	if err != nil {
		var last state.StageName
		if len(stages) > 0 {
			last = stages[len(stages)-1].Name
		}
		failed, ferr := e.failOnStore(ctx, logger, id, last, fmt.Errorf("failed to complete analysis: %w", err))
		if failed != nil {
			final = failed
			e.finish(logger, failed, started)
		}
		return ferr
	}
	final = s
	e.finish(logger, s, started)
	return nil
}

// runStage executes one stage. It returns the latest snapshot, which is failed
// when the stage could not produce output, and an error only for store
// failures or strict-mode dependency violations.
func (e *Engine) runStage(ctx context.Context, logger *zap.Logger, s *state.AnalysisState, stage registry.Stage) (*state.AnalysisState, error) {
	stageStart := e.now()
	defer func() {
		metrics.RecordStageMetrics(string(stage.Name), e.now().Sub(stageStart).Seconds())
	}()

	in, missing := tools.BuildInput(s, stage.Requires)
	if len(missing) > 0 {
		depErr := &registry.DependencyError{Stage: stage.Name, Missing: missing[0]}
		metrics.RecordToolError(string(stage.Name), string(state.KindDependencyMissing))
		failed, err := e.fail(ctx, s.RequestID, state.StageError{
			Stage:   stage.Name,
			Kind:    state.KindDependencyMissing,
			Message: depErr.Error(),
		})
		if err != nil {
			return nil, err
		}
		if e.strict {
			return failed, depErr
		}
		return failed, nil
	}

	id := s.RequestID
	s, err := e.store.Update(ctx, id, func(st *state.AnalysisState) error {
		return st.EnterStage(stage.Name, e.now())
	})
	if err != nil {
		return e.failOnStore(ctx, logger, id, stage.Name, fmt.Errorf("failed to enter %s: %w", stage.Name, err))
	}
	toolName := stage.Tool.Name()
	e.publish(s.RequestID, streaming.Event{Type: streaming.EventStageStarted, Stage: string(stage.Name), Message: toolName})

	var fp string
	if stage.CacheTTL > 0 {
		if fp, err = cache.Fingerprint(toolName, in); err != nil {
			logger.Warn("Skipping cache for stage", zap.String("stage", string(stage.Name)), zap.Error(err))
		} else if cached, ok := e.cache.Lookup(ctx, fp); ok && resultMatches(cached, stage.Name) {
			logger.Debug("Stage served from cache", zap.String("stage", string(stage.Name)))
			e.publish(s.RequestID, streaming.Event{Type: streaming.EventStageCacheHit, Stage: string(stage.Name)})
			committed, err := e.commit(ctx, logger, s.RequestID, stage, cached, 0, true)
			if err != nil {
				return e.failOnStore(ctx, logger, s.RequestID, stage.Name, err)
			}
			return committed, nil
		}
	}

	result, attempts, invokeErr := e.invoke(ctx, logger, s.RequestID, stage, in)
	if invokeErr != nil {
		kind := tools.KindOf(invokeErr)
		if ctx.Err() != nil {
			kind = state.KindTransient
		}
		logger.Warn("Stage failed",
			zap.String("stage", string(stage.Name)),
			zap.String("kind", string(kind)),
			zap.Int("attempts", attempts),
			zap.Error(invokeErr),
		)
		failed, err := e.fail(ctx, s.RequestID, state.StageError{
			Stage:    stage.Name,
			Kind:     kind,
			Message:  invokeErr.Error(),
			Attempts: attempts,
		})
		return failed, err
	}

	committed, err := e.commit(ctx, logger, s.RequestID, stage, result, attempts, false)
	if err != nil {
		return e.failOnStore(ctx, logger, s.RequestID, stage.Name, err)
	}
	if fp != "" {
		e.cache.Store(ctx, fp, result, stage.CacheTTL)
	}
	return committed, nil
}

// invoke calls the stage tool until it succeeds, fails permanently, or runs out of attempts
func (e *Engine) invoke(ctx context.Context, logger *zap.Logger, id string, stage registry.Stage, in tools.Input) (state.StageResult, int, error) {
	policy := e.Policy()
	for attempt := 1; ; attempt++ {
		result, err := e.attempt(ctx, stage, in, attempt, policy.StageTimeout)
		if err == nil {
			metrics.RecordStageAttempt(string(stage.Name), "success")
			return result, attempt, nil
		}

		kind := tools.KindOf(err)
		metrics.RecordStageAttempt(string(stage.Name), "error")
		metrics.RecordToolError(string(stage.Name), string(kind))

		if ctx.Err() != nil {
			return state.StageResult{}, attempt, ctx.Err()
		}
		if !tools.Retryable(kind) || attempt >= policy.MaxAttempts {
			return state.StageResult{}, attempt, err
		}

		delay := policy.Backoff(attempt)
		logger.Info("Retrying stage",
			zap.String("stage", string(stage.Name)),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		e.publish(id, streaming.Event{
			Type:    streaming.EventStageRetry,
			Stage:   string(stage.Name),
			Attempt: attempt,
			Message: err.Error(),
		})
		if err := e.sleep(ctx, delay); err != nil {
			return state.StageResult{}, attempt, err
		}
		// Pick up hot-reloaded limits between attempts
		policy = e.Policy()
	}
}

type attemptResult struct {
	result state.StageResult
	err    error
}

// attempt runs the tool once under its own deadline. A tool that ignores
// cancellation is abandoned when the deadline passes.
func (e *Engine) attempt(ctx context.Context, stage registry.Stage, in tools.Input, attempt int, timeout time.Duration) (state.StageResult, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx, span := tracing.StartStageSpan(actx, string(stage.Name), stage.Tool.Name(), attempt)

	done := make(chan attemptResult, 1)
	go func() {
		var out attemptResult
		defer func() {
			if r := recover(); r != nil {
				out = attemptResult{err: tools.Permanent(stage.Tool.Name(), fmt.Errorf("tool panicked: %v", r))}
			}
			done <- out
		}()
		out.result, out.err = stage.Tool.Execute(actx, in)
	}()

	var res attemptResult
	select {
	case res = <-done:
	case <-actx.Done():
		res = attemptResult{err: fmt.Errorf("%s: %w", stage.Tool.Name(), actx.Err())}
	}

	if res.err == nil && !resultMatches(res.result, stage.Name) {
		res.err = tools.Permanent(stage.Tool.Name(), fmt.Errorf("%w: expected %s payload", state.ErrResultMismatch, stage.Name))
	}
	tracing.EndSpan(span, res.err)
	return res.result, res.err
}

func (e *Engine) commit(ctx context.Context, logger *zap.Logger, id string, stage registry.Stage, result state.StageResult, attempts int, cacheHit bool) (*state.AnalysisState, error) {
	s, err := e.store.Update(ctx, id, func(st *state.AnalysisState) error {
		now := e.now()
		return st.Commit(state.StageOutput{
			Stage:       stage.Name,
			Result:      result,
			Attempts:    attempts,
			CacheHit:    cacheHit,
			CompletedAt: now,
		}, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit %s output: %w", stage.Name, err)
	}
	logger.Info("Stage completed",
		zap.String("stage", string(stage.Name)),
		zap.Int("attempts", attempts),
		zap.Bool("cache_hit", cacheHit),
	)
	e.publish(id, streaming.Event{Type: streaming.EventStageCompleted, Stage: string(stage.Name), Attempt: attempts})
	return s, nil
}

// fail records the terminal error. The write survives cancellation of ctx.
func (e *Engine) fail(ctx context.Context, id string, serr state.StageError) (*state.AnalysisState, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	s, err := e.store.Update(wctx, id, func(st *state.AnalysisState) error {
		return st.Fail(serr, e.now())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record stage failure: %w", err)
	}
	return s, nil
}

// failOnStore records a store error that interrupted a running request so it
// still ends terminal. cause is always returned.
func (e *Engine) failOnStore(ctx context.Context, logger *zap.Logger, id string, stage state.StageName, cause error) (*state.AnalysisState, error) {
	logger.Error("Store write failed during run", zap.String("stage", string(stage)), zap.Error(cause))
	failed, err := e.fail(ctx, id, state.StageError{
		Stage:   stage,
		Kind:    state.KindTransient,
		Message: cause.Error(),
	})
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return failed, cause
}

func (e *Engine) finish(logger *zap.Logger, s *state.AnalysisState, started time.Time) {
	duration := e.now().Sub(started)
	metrics.RecordAnalysisMetrics(string(s.Status), duration.Seconds())

	if s.Status == state.StatusCompleted {
		logger.Info("Analysis completed", zap.Duration("duration", duration), zap.Int("outputs", len(s.Outputs)))
		e.publish(s.RequestID, streaming.Event{Type: streaming.EventAnalysisCompleted})
		return
	}
	fields := []zap.Field{zap.Duration("duration", duration)}
	msg := "analysis failed"
	if s.Error != nil {
		fields = append(fields, zap.String("stage", string(s.Error.Stage)), zap.String("kind", string(s.Error.Kind)))
		msg = s.Error.Error()
	}
	logger.Warn("Analysis failed", fields...)
	e.publish(s.RequestID, streaming.Event{Type: streaming.EventAnalysisFailed, Message: msg})
}

func (e *Engine) publish(id string, evt streaming.Event) {
	if e.events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now()
	}
	e.events.Publish(id, evt)
}

func (e *Engine) runHooks(ctx context.Context, id string, final *state.AnalysisState) {
	e.hooksMu.RLock()
	hooks := append([]CompletionHook(nil), e.hooks...)
	e.hooksMu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Completion hook panicked", zap.String("request_id", id), zap.Any("panic", r))
				}
			}()
			hook(hctx, id, final.Clone())
		}()
	}
}

func resultMatches(r state.StageResult, name state.StageName) bool {
	got, err := r.Stage()
	return err == nil && got == name
}
