package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/reelflow/internal/engine"
	"github.com/rendis/reelflow/internal/logging"
	"github.com/rendis/reelflow/internal/pipeline"
	"github.com/rendis/reelflow/internal/render"
	"github.com/rendis/reelflow/internal/schedule"
	"github.com/rendis/reelflow/internal/store"
	"github.com/rendis/reelflow/pkg/schema"
)

// renderBackend is the breaker key for the render queue.
const renderBackend = "render"

// DefaultTickInterval is how often the scheduler scans for due workflows.
const DefaultTickInterval = 60 * time.Second

// Runner executes one workflow run. Satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, def *schema.WorkflowDefinition, workflowID string) (*pipeline.Result, error)
}

// Definitions resolves and reconciles workflow definitions. Satisfied by
// *catalog.Catalog.
type Definitions interface {
	Get(ctx context.Context, ownerID, id string) (*schema.WorkflowDefinition, error)
	Sync(ctx context.Context, ownerID string, defs []*schema.WorkflowDefinition) (*schema.ValidationResult, error)
}

// Interrupter stops whatever the render backend is currently executing.
type Interrupter interface {
	Interrupt(ctx context.Context) bool
}

// DispatchOutcome tells the caller of Activate or ExecuteNow what happened.
type DispatchOutcome string

const (
	// DispatchStarted means a worker picked up the run.
	DispatchStarted DispatchOutcome = "started"
	// DispatchDeferred means the pool was full; the next tick starts the run.
	DispatchDeferred DispatchOutcome = "deferred"
)

// Config tunes the scheduler.
type Config struct {
	TickInterval time.Duration
	// PoolSize bounds concurrent runs. 0 means unbounded.
	PoolSize int
	Breaker  *engine.CircuitBreakerRegistry
}

type runKey struct {
	ownerID    string
	workflowID string
}

// Scheduler polls workflow states and dispatches due runs. It also owns the
// control operations (activate, cancel, ...) so that every dispatch path goes
// through the same run gate.
type Scheduler struct {
	store    store.Store
	defs     Definitions
	runner   Runner
	render   Interrupter
	pool     *engine.RunPool
	breaker  *engine.CircuitBreakerRegistry
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	// runs holds every worker of this process, from reservation until the
	// worker returns. A cancelled run stays here until it actually stops.
	runsMu sync.Mutex
	runs   map[runKey]context.CancelFunc
}

// NewScheduler creates a new Scheduler. render may be nil.
func NewScheduler(s store.Store, defs Definitions, runner Runner, render Interrupter, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Breaker == nil {
		cfg.Breaker = engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig())
	}
	return &Scheduler{
		store:    s,
		defs:     defs,
		runner:   runner,
		render:   render,
		pool:     engine.NewRunPool(cfg.PoolSize),
		breaker:  cfg.Breaker,
		logger:   logger,
		interval: cfg.TickInterval,
		now:      time.Now,
		runs:     make(map[runKey]context.CancelFunc),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches every active workflow that is due. It returns once the
// scan and dispatch pass is complete.
func (s *Scheduler) tick(ctx context.Context) {
	active := true
	states, err := s.store.ListStates(ctx, schema.StateFilter{Active: &active})
	if err != nil {
		s.logger.Error("failed to list workflow states", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	for _, st := range states {
		if ctx.Err() != nil {
			return
		}
		key := runKey{st.OwnerID, st.WorkflowID}
		if !st.Due(now) || s.inFlight(key) {
			continue
		}
		if err := s.breaker.AllowRequest(renderBackend); err != nil {
			s.logger.Warn("render backend unavailable, dispatch paused", slog.String("error", err.Error()))
			return
		}
		if !s.dispatchDue(ctx, key) {
			s.breaker.ReleaseProbe(renderBackend)
		}
		if s.poolFull() {
			s.logger.Info("run pool full, remaining workflows wait for the next tick")
			return
		}
	}
}

// retireOrphan deactivates an active state whose definition no longer
// exists, so later ticks stop considering it.
func (s *Scheduler) retireOrphan(ctx context.Context, key runKey) {
	_, err := s.store.UpdateState(ctx, key.ownerID, key.workflowID, schema.StatePatch{
		IsActive:  schema.Ptr(false),
		LastError: schema.Ptr("definition not found; workflow deactivated"),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to deactivate workflow without definition", slog.String("error", err.Error()))
		return
	}
	s.logger.WarnContext(ctx, "deactivated workflow without definition")
}

// dispatchDue acquires and starts one scheduled run. It reports whether a
// worker was started.
func (s *Scheduler) dispatchDue(ctx context.Context, key runKey) bool {
	wctx := logging.WithIDs(ctx, key.ownerID, key.workflowID)
	def, err := s.defs.Get(wctx, key.ownerID, key.workflowID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			s.retireOrphan(wctx, key)
			return false
		}
		s.logger.WarnContext(wctx, "skipping workflow, definition lookup failed", slog.String("error", err.Error()))
		return false
	}
	runCtx, ok := s.reserve(key)
	if !ok {
		return false
	}
	acquired, err := s.store.AcquireRun(wctx, key.ownerID, key.workflowID, schema.StatePatch{})
	if err != nil || !acquired {
		s.release(key)
		if err != nil {
			s.logger.ErrorContext(wctx, "failed to acquire run", slog.String("error", err.Error()))
		}
		return false
	}
	if err := s.submit(runCtx, key, def); err != nil {
		s.unlock(wctx, key, nil)
		return false
	}
	s.logger.InfoContext(wctx, "scheduled run dispatched")
	return true
}

// Activate marks a workflow active and runs it immediately. A workflow that
// is already running yields CONFLICT and never a second execution.
func (s *Scheduler) Activate(ctx context.Context, ownerID, workflowID string) (DispatchOutcome, error) {
	return s.startNow(ctx, ownerID, workflowID, schema.StatePatch{
		IsActive:               schema.Ptr(true),
		Cancelled:              schema.Ptr(false),
		ClearNextExecutionTime: true,
	})
}

// ExecuteNow runs a workflow outside its schedule without changing isActive.
func (s *Scheduler) ExecuteNow(ctx context.Context, ownerID, workflowID string) (DispatchOutcome, error) {
	return s.startNow(ctx, ownerID, workflowID, schema.StatePatch{
		Cancelled: schema.Ptr(false),
	})
}

func (s *Scheduler) startNow(ctx context.Context, ownerID, workflowID string, patch schema.StatePatch) (DispatchOutcome, error) {
	ctx = logging.WithIDs(ctx, ownerID, workflowID)
	key := runKey{ownerID, workflowID}

	st, err := s.store.GetState(ctx, ownerID, workflowID)
	if err != nil {
		return "", err
	}
	if st.IsRunning {
		return "", alreadyRunning(workflowID)
	}
	def, err := s.defs.Get(ctx, ownerID, workflowID)
	if err != nil {
		return "", err
	}

	runCtx, ok := s.reserve(key)
	if !ok {
		return "", schema.NewError(schema.ErrCodeConflict, "previous run is still stopping").WithWorkflow(workflowID)
	}
	acquired, err := s.store.AcquireRun(ctx, ownerID, workflowID, patch)
	if err != nil {
		s.release(key)
		return "", err
	}
	if !acquired {
		s.release(key)
		return "", alreadyRunning(workflowID)
	}

	if err := s.submit(runCtx, key, def); err != nil {
		if !errors.Is(err, engine.ErrPoolFull) || (patch.IsActive == nil && !st.IsActive) {
			s.unlock(ctx, key, nil)
			return "", poolErr(err, workflowID)
		}
		s.unlock(ctx, key, schema.Ptr(s.now().UTC()))
		s.logger.InfoContext(ctx, "run pool full, run deferred to next tick")
		return DispatchDeferred, nil
	}
	s.logger.InfoContext(ctx, "run dispatched")
	return DispatchStarted, nil
}

// Deactivate stops future scheduling. An in-flight run finishes normally.
func (s *Scheduler) Deactivate(ctx context.Context, ownerID, workflowID string) error {
	_, err := s.store.UpdateState(ctx, ownerID, workflowID, schema.StatePatch{IsActive: schema.Ptr(false)})
	return err
}

// DeactivateAll deactivates every active workflow of ownerID and returns how
// many were changed.
func (s *Scheduler) DeactivateAll(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "owner id is required")
	}
	active := true
	states, err := s.store.ListStates(ctx, schema.StateFilter{OwnerID: ownerID, Active: &active})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range states {
		if err := s.Deactivate(ctx, ownerID, st.WorkflowID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Cancel stops a running workflow. The state is released at once and the
// next run is pushed one interval out; the worker itself stops at its next
// poll boundary.
func (s *Scheduler) Cancel(ctx context.Context, ownerID, workflowID string) (*schema.WorkflowState, error) {
	ctx = logging.WithIDs(ctx, ownerID, workflowID)
	st, err := s.store.GetState(ctx, ownerID, workflowID)
	if err != nil {
		return nil, err
	}
	if !st.IsRunning {
		return nil, schema.NewError(schema.ErrCodeConflict, "workflow is not running").WithWorkflow(workflowID)
	}

	def, err := s.defs.Get(ctx, ownerID, workflowID)
	if err != nil {
		def = &schema.WorkflowDefinition{ID: workflowID}
	}
	next := schedule.After(def, s.now().UTC())
	st, err = s.store.UpdateState(ctx, ownerID, workflowID, schema.StatePatch{
		Cancelled:         schema.Ptr(true),
		IsRunning:         schema.Ptr(false),
		NextExecutionTime: &next,
		ExecutionPhase:    schema.Ptr(schema.PhaseNone),
	})
	if err != nil {
		return nil, err
	}

	if s.render != nil && !s.render.Interrupt(ctx) {
		s.logger.WarnContext(ctx, "render interrupt failed")
	}
	s.runsMu.Lock()
	if cancel, ok := s.runs[runKey{ownerID, workflowID}]; ok {
		cancel()
	}
	s.runsMu.Unlock()

	s.logger.InfoContext(ctx, "workflow cancelled", slog.Time("next_execution", next))
	return st, nil
}

// Status returns the persisted state of one workflow.
func (s *Scheduler) Status(ctx context.Context, ownerID, workflowID string) (*schema.WorkflowState, error) {
	return s.store.GetState(ctx, ownerID, workflowID)
}

// StatusAll returns every state owned by ownerID.
func (s *Scheduler) StatusAll(ctx context.Context, ownerID string) ([]*schema.WorkflowState, error) {
	return s.store.ListStates(ctx, schema.StateFilter{OwnerID: ownerID})
}

// Sync replaces the owner's definitions after validating all of them.
func (s *Scheduler) Sync(ctx context.Context, ownerID string, defs []*schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	return s.defs.Sync(ctx, ownerID, defs)
}

// RecoverStale clears isRunning on workflows left running by a previous
// process. It must run before Start.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	running := true
	states, err := s.store.ListStates(ctx, schema.StateFilter{Running: &running})
	if err != nil {
		return 0, fmt.Errorf("list running workflows: %w", err)
	}

	recovered := 0
	for _, st := range states {
		if s.inFlight(runKey{st.OwnerID, st.WorkflowID}) {
			continue
		}
		_, err := s.store.UpdateState(ctx, st.OwnerID, st.WorkflowID, schema.StatePatch{
			IsRunning:      schema.Ptr(false),
			ExecutionPhase: schema.Ptr(schema.PhaseNone),
			LastError:      schema.Ptr("interrupted by restart"),
		})
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered stale runs", slog.Int("count", recovered))
	}
	return recovered, nil
}

// PoolMetrics reports the run pool counters.
func (s *Scheduler) PoolMetrics() engine.PoolMetrics {
	return s.pool.Metrics()
}

// BackendState reports the render breaker state.
func (s *Scheduler) BackendState() map[string]any {
	s.breaker.GetState(renderBackend)
	return s.breaker.GetStats(renderBackend)
}

// Stop shuts down the loop, cancels every in-flight run and waits for the
// workers to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
	}
	s.mu.Unlock()

	s.runsMu.Lock()
	for _, cancel := range s.runs {
		cancel()
	}
	s.runsMu.Unlock()
	s.pool.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) submit(runCtx context.Context, key runKey, def *schema.WorkflowDefinition) error {
	err := s.pool.TrySubmit(runCtx, func(ctx context.Context) error {
		return s.execute(ctx, key, def)
	})
	if err != nil {
		s.release(key)
	}
	return err
}

// execute wraps one pipeline run. Whatever happens, the workflow is not left
// marked running and its reservation is dropped.
func (s *Scheduler) execute(ctx context.Context, key runKey, def *schema.WorkflowDefinition) (err error) {
	defer s.release(key)
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodePipelineAbort, "run panicked: %v", r).WithWorkflow(key.workflowID)
			s.logger.Error("run panicked",
				slog.String("owner_id", key.ownerID),
				slog.String("workflow_id", key.workflowID),
				slog.Any("panic", r),
			)
		}
		s.settle(key, err)
	}()

	_, err = s.runner.Run(ctx, def, key.workflowID)
	return err
}

func (s *Scheduler) settle(key runKey, runErr error) {
	switch {
	case runErr == nil:
		s.breaker.RecordSuccess(renderBackend)
	case render.IsBackendOffline(runErr):
		if st := s.breaker.RecordFailure(renderBackend); st == engine.CircuitOpen {
			s.logger.Warn("render backend marked offline", slog.Any("stats", s.breaker.GetStats(renderBackend)))
		}
	case pipeline.IsCancelled(runErr):
	default:
		s.breaker.RecordSuccess(renderBackend)
	}

	ctx := logging.WithIDs(context.Background(), key.ownerID, key.workflowID)
	st, err := s.store.GetState(ctx, key.ownerID, key.workflowID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read state after run", slog.String("error", err.Error()))
		return
	}
	if !st.IsRunning {
		return
	}
	patch := schema.StatePatch{
		IsRunning:      schema.Ptr(false),
		ExecutionPhase: schema.Ptr(schema.PhaseNone),
	}
	if runErr != nil {
		patch.LastError = schema.Ptr(runErr.Error())
	}
	if _, err := s.store.UpdateState(ctx, key.ownerID, key.workflowID, patch); err != nil {
		s.logger.ErrorContext(ctx, "failed to release run", slog.String("error", err.Error()))
	}
}

// unlock releases a run gate taken by AcquireRun when no worker started.
// A non-nil next schedules the run for the following tick.
func (s *Scheduler) unlock(ctx context.Context, key runKey, next *time.Time) {
	patch := schema.StatePatch{IsRunning: schema.Ptr(false), NextExecutionTime: next}
	if _, err := s.store.UpdateState(context.WithoutCancel(ctx), key.ownerID, key.workflowID, patch); err != nil {
		s.logger.ErrorContext(ctx, "failed to release run gate", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) reserve(key runKey) (context.Context, bool) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if _, ok := s.runs[key]; ok {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.runs[key] = cancel
	return ctx, true
}

func (s *Scheduler) release(key runKey) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if cancel, ok := s.runs[key]; ok {
		cancel()
		delete(s.runs, key)
	}
}

func (s *Scheduler) inFlight(key runKey) bool {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	_, ok := s.runs[key]
	return ok
}

func (s *Scheduler) poolFull() bool {
	m := s.pool.Metrics()
	return m.Capacity > 0 && m.Active >= int64(m.Capacity)
}

func alreadyRunning(workflowID string) error {
	return schema.NewError(schema.ErrCodeConflict, "workflow is already running").WithWorkflow(workflowID)
}

func poolErr(err error, workflowID string) error {
	if errors.Is(err, engine.ErrPoolFull) {
		return schema.NewError(schema.ErrCodePoolFull, "run pool is full").WithWorkflow(workflowID).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "dispatch refused: %v", err).WithWorkflow(workflowID).WithCause(err)
}
