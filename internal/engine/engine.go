package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/intensity/internal/behavior"
	"github.com/lazypower/intensity/internal/progression"
)

// Store is the persistence contract the engine needs. internal/store and
// internal/store/pgstore both satisfy it.
type Store interface {
	progression.Store

	GetProfile(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error)
	GetOrCreate(ctx context.Context, agentID string, t behavior.Type, defaults behavior.Params, now time.Time) (*behavior.Profile, error)
	UpdateParameters(ctx context.Context, agentID string, t behavior.Type, params behavior.Params) (*behavior.Profile, error)
	CommitTrigger(ctx context.Context, p *behavior.Profile, entry behavior.TriggerLogEntry, aggregate behavior.AggregateFunc) (behavior.ProgressionState, error)
	Commit(ctx context.Context, p *behavior.Profile, aggregate behavior.AggregateFunc) (behavior.ProgressionState, error)
	Delete(ctx context.Context, agentID string, t behavior.Type) error
	QueryByBehavior(ctx context.Context, agentID string, t behavior.Type, q behavior.HistoryQuery) ([]behavior.TriggerLogEntry, error)
	GetProgression(ctx context.Context, agentID string) (behavior.ProgressionState, error)
	DeleteProgression(ctx context.Context, agentID string) error
}

// StateCache is an optional read-through cache of progression states.
type StateCache interface {
	Get(ctx context.Context, agentID string) (behavior.ProgressionState, bool)
	Set(ctx context.Context, state behavior.ProgressionState)
	Invalidate(ctx context.Context, agentID string)
}

// Clock supplies the current time for decay projection and admin operations.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Options configures an Engine. Zero values pick sensible defaults.
type Options struct {
	Clock  Clock
	Logger *zap.Logger
	Cache  StateCache
	// Defaults returns the seed parameters for a new profile.
	Defaults func(behavior.Type) behavior.Params

	StoreTimeout       time.Duration
	IdleTimeout        time.Duration
	MaxConflictRetries int
}

const (
	defaultIdleTimeout        = 5 * time.Minute
	defaultMaxConflictRetries = 3
)

// Result is the outcome of one applied trigger.
type Result struct {
	AgentID       string               `json:"agent_id"`
	BehaviorType  behavior.Type        `json:"behavior_type"`
	Intensity     float64              `json:"intensity"`
	Phase         int                  `json:"phase"`
	PreviousPhase int                  `json:"previous_phase"`

	// SafetyLevel classifies this behavior's intensity alone. The agent-level
	// level, taken over the maximum of all active behaviors, comes from
	// GetSafetySnapshot.
	SafetyLevel behavior.SafetyLevel `json:"safety_level"`
	TriggerID   string               `json:"trigger_id"`
}

// BatchItem is the per-event outcome of SubmitBatch. Exactly one of Result
// and Err is set.
type BatchItem struct {
	Result *Result
	Err    error
}

// Engine applies triggers and serves agent state. Every mutation for an agent
// runs on that agent's worker goroutine, so profile writes and the agent's
// progression recompute never interleave within a process. Across processes
// the store's version check serializes writers.
type Engine struct {
	store    Store
	agg      *progression.Aggregator
	cache    StateCache
	clock    Clock
	logger   *zap.Logger
	defaults func(behavior.Type) behavior.Params

	storeTimeout time.Duration
	idleTimeout  time.Duration
	maxRetries   int

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New creates an Engine over store.
func New(store Store, opts Options) *Engine {
	e := &Engine{
		store:        store,
		cache:        opts.Cache,
		clock:        opts.Clock,
		logger:       opts.Logger,
		defaults:     opts.Defaults,
		storeTimeout: opts.StoreTimeout,
		idleTimeout:  opts.IdleTimeout,
		maxRetries:   opts.MaxConflictRetries,
		workers:      make(map[string]*worker),
		quit:         make(chan struct{}),
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.defaults == nil {
		e.defaults = func(behavior.Type) behavior.Params { return behavior.DefaultParams() }
	}
	if e.idleTimeout <= 0 {
		e.idleTimeout = defaultIdleTimeout
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaultMaxConflictRetries
	}
	e.agg = progression.NewAggregator(store, func(p *behavior.Profile, now time.Time) {
		ApplyTimeDecay(p, now)
	}, e.logger)
	return e
}

// Close stops every agent worker after its current job. Calls waiting to be
// scheduled fail with ErrStorageUnavailable.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()
	e.wg.Wait()
}

// --- per-agent workers ---

type worker struct {
	agentID string
	jobs    chan func()
	pending int // guarded by Engine.mu
}

// do runs fn on the agent's worker and waits for it to finish.
func (e *Engine) do(ctx context.Context, agentID string, fn func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine closed", behavior.ErrStorageUnavailable)
	}
	w, ok := e.workers[agentID]
	if !ok {
		w = &worker{agentID: agentID, jobs: make(chan func())}
		e.workers[agentID] = w
		e.wg.Add(1)
		go e.run(w)
	}
	w.pending++
	e.mu.Unlock()

	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}
	select {
	case w.jobs <- job:
	case <-ctx.Done():
		e.release(w)
		return ctx.Err()
	case <-e.quit:
		e.release(w)
		return fmt.Errorf("%w: engine closed", behavior.ErrStorageUnavailable)
	}
	<-done
	return nil
}

func (e *Engine) release(w *worker) {
	e.mu.Lock()
	w.pending--
	e.mu.Unlock()
}

// run executes an agent's jobs in order. The worker retires once it has been
// idle for idleTimeout with nothing pending.
func (e *Engine) run(w *worker) {
	defer e.wg.Done()
	idle := time.NewTimer(e.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case job := <-w.jobs:
			job()
			e.release(w)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.idleTimeout)
		case <-idle.C:
			e.mu.Lock()
			if w.pending == 0 {
				delete(e.workers, w.agentID)
				e.mu.Unlock()
				e.logger.Debug("agent worker retired", zap.String("agent", w.agentID))
				return
			}
			e.mu.Unlock()
			idle.Reset(e.idleTimeout)
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout > 0 {
		return context.WithTimeout(ctx, e.storeTimeout)
	}
	return context.WithCancel(ctx)
}

// storageErr passes taxonomy errors through and reports anything else as
// ErrStorageUnavailable.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, behavior.ErrInvalidArgument),
		errors.Is(err, behavior.ErrNotFound),
		errors.Is(err, behavior.ErrStaleEvent),
		errors.Is(err, behavior.ErrStorageUnavailable):
		return err
	}
	return fmt.Errorf("%w: %s: %w", behavior.ErrStorageUnavailable, op, err)
}

func validateKey(agentID string, t behavior.Type) error {
	if strings.TrimSpace(agentID) == "" {
		return fmt.Errorf("%w: agent_id required", behavior.ErrInvalidArgument)
	}
	if !t.Valid() {
		return fmt.Errorf("%w: unknown behavior type %q", behavior.ErrInvalidArgument, t)
	}
	return nil
}

// --- entry points ---

// SubmitTrigger decays the event's profile to OccurredAt, applies the
// trigger and commits profile, log entry and progression state together.
// A missing profile is created from the configured defaults.
func (e *Engine) SubmitTrigger(ctx context.Context, ev behavior.TriggerEvent) (Result, error) {
	if err := ValidateEvent(ev); err != nil {
		return Result{}, err
	}
	var (
		res Result
		err error
	)
	if derr := e.do(ctx, ev.AgentID, func() { res, err = e.submit(ctx, ev) }); derr != nil {
		return Result{}, derr
	}
	return res, err
}

func (e *Engine) submit(ctx context.Context, ev behavior.TriggerEvent) (Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := e.submitOnce(ctx, ev)
		if !errors.Is(err, behavior.ErrVersionConflict) {
			return res, err
		}
		if attempt >= e.maxRetries {
			return Result{}, fmt.Errorf("%w: %d conflicting writes on %s/%s",
				behavior.ErrStorageUnavailable, attempt+1, ev.AgentID, ev.BehaviorType)
		}
		e.logger.Debug("version conflict, re-reading profile",
			zap.String("agent", ev.AgentID),
			zap.String("behavior", string(ev.BehaviorType)),
			zap.Int("attempt", attempt+1))
	}
}

func (e *Engine) submitOnce(ctx context.Context, ev behavior.TriggerEvent) (Result, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	p, err := e.store.GetProfile(sctx, ev.AgentID, ev.BehaviorType)
	switch {
	case errors.Is(err, behavior.ErrNotFound):
		params := e.defaults(ev.BehaviorType)
		if err := params.Validate(); err != nil {
			return Result{}, err
		}
		p = behavior.NewProfile(ev.AgentID, ev.BehaviorType, params, ev.OccurredAt)
	case err != nil:
		return Result{}, storageErr("load profile", err)
	}

	if err := CheckStale(p, ev); err != nil {
		return Result{}, err
	}

	// Mutate a copy so a failed commit leaves nothing behind.
	work := p.Clone()
	prev := work.CurrentPhase
	ApplyTimeDecay(work, ev.OccurredAt)
	entry, err := ApplyTrigger(work, ev)
	if err != nil {
		return Result{}, err
	}

	state, err := e.store.CommitTrigger(sctx, work, entry, progression.Build)
	if errors.Is(err, behavior.ErrVersionConflict) {
		return Result{}, err
	}
	if err != nil {
		e.logger.Warn("trigger commit failed",
			zap.String("agent", ev.AgentID),
			zap.String("behavior", string(ev.BehaviorType)),
			zap.Error(err))
		return Result{}, storageErr("commit trigger", err)
	}

	if e.cache != nil {
		e.cache.Set(ctx, state)
	}
	if work.CurrentPhase != prev {
		e.logger.Info("phase transition",
			zap.String("agent", ev.AgentID),
			zap.String("behavior", string(ev.BehaviorType)),
			zap.Int("from", prev),
			zap.Int("to", work.CurrentPhase))
	}
	e.logger.Debug("trigger applied",
		zap.String("agent", ev.AgentID),
		zap.String("behavior", string(ev.BehaviorType)),
		zap.Float64("weight", ev.Weight),
		zap.Float64("intensity", work.CurrentIntensity),
		zap.Int("phase", work.CurrentPhase))

	return Result{
		AgentID:       ev.AgentID,
		BehaviorType:  ev.BehaviorType,
		Intensity:     work.CurrentIntensity,
		Phase:         work.CurrentPhase,
		PreviousPhase: prev,
		SafetyLevel:   behavior.DeriveSafetyLevel(work.CurrentIntensity),
		TriggerID:     entry.ID,
	}, nil
}

// SubmitBatch applies the triggers of one classified message. Events are
// grouped per agent and applied in input order within each agent; agents run
// concurrently. Per-event failures land in the matching BatchItem. A storage
// failure stops the batch and is also returned; events it left unprocessed
// carry that error.
func (e *Engine) SubmitBatch(ctx context.Context, events []behavior.TriggerEvent) ([]BatchItem, error) {
	items := make([]BatchItem, len(events))
	groups := make(map[string][]int)
	var order []string
	for i, ev := range events {
		if err := ValidateEvent(ev); err != nil {
			items[i].Err = err
			continue
		}
		if _, ok := groups[ev.AgentID]; !ok {
			order = append(order, ev.AgentID)
		}
		groups[ev.AgentID] = append(groups[ev.AgentID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range order {
		idx := groups[agentID]
		g.Go(func() error {
			for _, i := range idx {
				res, err := e.SubmitTrigger(gctx, events[i])
				if err != nil {
					items[i].Err = err
					if errors.Is(err, behavior.ErrStorageUnavailable) || gctx.Err() != nil {
						return err
					}
					continue
				}
				items[i].Result = &res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i := range items {
			if items[i].Result == nil && items[i].Err == nil {
				items[i].Err = fmt.Errorf("batch aborted: %w", err)
			}
		}
		return items, err
	}
	return items, nil
}

// GetAgentState returns the agent's stored progression state without
// mutating anything.
func (e *Engine) GetAgentState(ctx context.Context, agentID string) (behavior.ProgressionState, error) {
	if strings.TrimSpace(agentID) == "" {
		return behavior.ProgressionState{}, fmt.Errorf("%w: agent_id required", behavior.ErrInvalidArgument)
	}
	if e.cache != nil {
		if state, ok := e.cache.Get(ctx, agentID); ok {
			return state, nil
		}
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	state, err := e.store.GetProgression(sctx, agentID)
	if err != nil {
		return behavior.ProgressionState{}, storageErr("get progression", err)
	}
	if e.cache != nil {
		e.cache.Set(ctx, state)
	}
	return state, nil
}

// GetSafetySnapshot classifies the agent with every profile decayed to now.
func (e *Engine) GetSafetySnapshot(ctx context.Context, agentID string) (behavior.SafetySnapshot, error) {
	if strings.TrimSpace(agentID) == "" {
		return behavior.SafetySnapshot{}, fmt.Errorf("%w: agent_id required", behavior.ErrInvalidArgument)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	snap, err := e.agg.GetSafetySnapshot(sctx, agentID, e.clock.Now())
	if err != nil {
		return behavior.SafetySnapshot{}, storageErr("safety snapshot", err)
	}
	return snap, nil
}

// Profile returns the stored profile, not projected to now, so callers see
// the lastUpdated a resubmission must follow.
func (e *Engine) Profile(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error) {
	if err := validateKey(agentID, t); err != nil {
		return nil, err
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	p, err := e.store.GetProfile(sctx, agentID, t)
	if err != nil {
		return nil, storageErr("get profile", err)
	}
	return p, nil
}

// EnsureProfile seeds a profile from the configured defaults if it does not
// exist yet and returns the stored profile.
func (e *Engine) EnsureProfile(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error) {
	if err := validateKey(agentID, t); err != nil {
		return nil, err
	}
	var (
		p   *behavior.Profile
		err error
	)
	derr := e.do(ctx, agentID, func() {
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()
		now := e.clock.Now()
		p, err = e.store.GetOrCreate(sctx, agentID, t, e.defaults(t), now)
		if err != nil {
			err = storageErr("get or create profile", err)
			return
		}
		err = e.recompute(sctx, agentID, now)
	})
	if derr != nil {
		return nil, derr
	}
	return p, err
}

// UpdateParameters replaces a profile's tunables. The new rates govern every
// later decay, including the gap since the profile's last update.
func (e *Engine) UpdateParameters(ctx context.Context, agentID string, t behavior.Type, params behavior.Params) (*behavior.Profile, error) {
	if err := validateKey(agentID, t); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	var (
		p   *behavior.Profile
		err error
	)
	derr := e.do(ctx, agentID, func() {
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()
		p, err = e.store.UpdateParameters(sctx, agentID, t, params)
		if err != nil {
			err = storageErr("update parameters", err)
			return
		}
		e.logger.Info("parameters updated",
			zap.String("agent", agentID),
			zap.String("behavior", string(t)))
		err = e.recompute(sctx, agentID, e.clock.Now())
	})
	if derr != nil {
		return nil, derr
	}
	return p, err
}

// ResetBehavior returns a behavior to its base intensity, closing the open
// phase entry if the phase changes.
func (e *Engine) ResetBehavior(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error) {
	if err := validateKey(agentID, t); err != nil {
		return nil, err
	}
	var (
		out *behavior.Profile
		err error
	)
	derr := e.do(ctx, agentID, func() {
		for attempt := 0; ; attempt++ {
			out, err = e.resetOnce(ctx, agentID, t)
			if !errors.Is(err, behavior.ErrVersionConflict) {
				return
			}
			if attempt >= e.maxRetries {
				err = fmt.Errorf("%w: %d conflicting writes on %s/%s",
					behavior.ErrStorageUnavailable, attempt+1, agentID, t)
				return
			}
		}
	})
	if derr != nil {
		return nil, derr
	}
	return out, err
}

func (e *Engine) resetOnce(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	p, err := e.store.GetProfile(sctx, agentID, t)
	if err != nil {
		return nil, storageErr("load profile", err)
	}
	work := p.Clone()
	prev := work.CurrentPhase
	ResetProfile(work, e.clock.Now())

	state, err := e.store.Commit(sctx, work, progression.Build)
	if errors.Is(err, behavior.ErrVersionConflict) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("commit reset", err)
	}
	if e.cache != nil {
		e.cache.Set(ctx, state)
	}
	e.logger.Info("behavior reset",
		zap.String("agent", agentID),
		zap.String("behavior", string(t)),
		zap.Int("from", prev),
		zap.Int("to", work.CurrentPhase))
	return work, nil
}

// DeleteBehavior removes a behavior and its trigger log. The agent's
// progression state is rebuilt, or dropped with its last behavior.
func (e *Engine) DeleteBehavior(ctx context.Context, agentID string, t behavior.Type) error {
	if err := validateKey(agentID, t); err != nil {
		return err
	}
	var err error
	derr := e.do(ctx, agentID, func() {
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()
		if err = e.store.Delete(sctx, agentID, t); err != nil {
			err = storageErr("delete profile", err)
			return
		}
		if e.cache != nil {
			e.cache.Invalidate(ctx, agentID)
		}
		remaining, lerr := e.store.ListProfiles(sctx, agentID)
		if lerr != nil {
			err = storageErr("list profiles", lerr)
			return
		}
		if len(remaining) == 0 {
			if perr := e.store.DeleteProgression(sctx, agentID); perr != nil {
				err = storageErr("delete progression", perr)
			}
			return
		}
		err = e.recompute(sctx, agentID, e.clock.Now())
	})
	if derr != nil {
		return derr
	}
	return err
}

func (e *Engine) recompute(ctx context.Context, agentID string, now time.Time) error {
	state, err := e.agg.Recompute(ctx, agentID, now)
	if err != nil {
		return storageErr("recompute progression", err)
	}
	if e.cache != nil {
		e.cache.Set(ctx, state)
	}
	return nil
}

// History returns a behavior's trigger log, oldest first.
func (e *Engine) History(ctx context.Context, agentID string, t behavior.Type, q behavior.HistoryQuery) ([]behavior.TriggerLogEntry, error) {
	if err := validateKey(agentID, t); err != nil {
		return nil, err
	}
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", behavior.ErrInvalidArgument)
	}
	if q.AfterSeq < 0 || (q.AfterSeq > 0 && q.Since.IsZero()) {
		return nil, fmt.Errorf("%w: cursor sequence needs a since time", behavior.ErrInvalidArgument)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.store.GetProfile(sctx, agentID, t); err != nil {
		return nil, storageErr("get profile", err)
	}
	entries, err := e.store.QueryByBehavior(sctx, agentID, t, q)
	if err != nil {
		return nil, storageErr("query history", err)
	}
	return entries, nil
}

// Curve replays a behavior's trigger log into an intensity curve ending now.
func (e *Engine) Curve(ctx context.Context, agentID string, t behavior.Type) ([]CurvePoint, error) {
	if err := validateKey(agentID, t); err != nil {
		return nil, err
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	p, err := e.store.GetProfile(sctx, agentID, t)
	if err != nil {
		return nil, storageErr("get profile", err)
	}
	entries, err := e.store.QueryByBehavior(sctx, agentID, t, behavior.HistoryQuery{})
	if err != nil {
		return nil, storageErr("query history", err)
	}
	return Replay(t, p.Params, p.CreatedAt, entries, e.clock.Now()), nil
}

// Analytics summarizes every agent, projected to now.
func (e *Engine) Analytics(ctx context.Context) (progression.Summary, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	s, err := e.agg.Analytics(sctx, e.clock.Now())
	if err != nil {
		return progression.Summary{}, storageErr("analytics", err)
	}
	return s, nil
}
