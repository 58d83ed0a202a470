package engine

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/semaphore"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

// engineImpl runs each instance on its own goroutine. Nested instances run
// inline on their parent's goroutine.
type engineImpl struct {
	defs     *definitionRegistry
	store    persistence.Store
	events   persistence.EventStore
	observer api.Observer
	metrics  *api.BasicMetrics
	logger   *slog.Logger
	clock    api.Clock

	slots              *semaphore.Weighted
	capacity           int
	inFlight           atomic.Int64
	admissionTimeout   time.Duration
	defaultStepTimeout time.Duration

	mu        sync.RWMutex
	instances map[string]*instance
	closed    bool
	closing   chan struct{}
	wg        sync.WaitGroup
}

var (
	_ api.Engine            = (*engineImpl)(nil)
	_ api.SubworkflowRunner = (*engineImpl)(nil)
)

// Config describes how to construct an engine.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	Logger      *slog.Logger
	Clock       api.Clock

	// MaxConcurrentWorkflows caps running top-level instances. Zero means
	// unlimited.
	MaxConcurrentWorkflows int

	// AdmissionTimeout bounds how long StartWorkflow waits for a slot.
	// Zero fails immediately when the engine is saturated.
	AdmissionTimeout time.Duration

	// DefaultStepTimeout applies to steps without their own timeout.
	DefaultStepTimeout time.Duration
}

func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.NewInMemoryPersistence())
}

// NewSQLiteEngine persists instances, checkpoints and history in db.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	inst, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Persistence{
		Instances: inst,
		Events:    events,
	}), nil
}

// NewPostgresEngine persists instances in Postgres. History stays in memory.
func NewPostgresEngine(ctx context.Context, db *sql.DB) (api.Engine, error) {
	inst, err := persistence.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Persistence{
		Instances: inst,
		Events:    persistence.NewMemoryEventStore(),
	}), nil
}

// NewRedisEngine persists instances in Redis under the "sagaflow:" prefix.
func NewRedisEngine(client *redis.Client) api.Engine {
	return NewEngine(persistence.Persistence{
		Instances: persistence.NewRedisStore(client, "sagaflow:"),
		Events:    persistence.NewMemoryEventStore(),
	})
}

// NewMongoEngine persists instances in the given MongoDB database.
func NewMongoEngine(client *mongo.Client, database string) api.Engine {
	return NewEngine(persistence.Persistence{
		Instances: persistence.NewMongoStore(client, database),
		Events:    persistence.NewMemoryEventStore(),
	})
}

// NewEngine returns an engine with default settings on top of p.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	p := cfg.Persistence
	if p.Instances == nil && p.Events == nil {
		p = persistence.NewInMemoryPersistence()
	}
	if p.Instances == nil {
		p.Instances = persistence.NewMemoryStore()
	}
	if p.Events == nil {
		p.Events = persistence.NoopEventStore{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = api.SystemClock{}
	}

	e := &engineImpl{
		defs:               newDefinitionRegistry(),
		store:              p.Instances,
		events:             p.Events,
		metrics:            &api.BasicMetrics{},
		logger:             logger,
		clock:              clock,
		capacity:           cfg.MaxConcurrentWorkflows,
		admissionTimeout:   cfg.AdmissionTimeout,
		defaultStepTimeout: cfg.DefaultStepTimeout,
		instances:          make(map[string]*instance),
		closing:            make(chan struct{}),
	}
	if cfg.MaxConcurrentWorkflows > 0 {
		e.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkflows))
	}

	observers := []api.Observer{e.metrics, cfg.Observer}
	if _, noop := p.Events.(persistence.NoopEventStore); !noop {
		observers = append(observers, api.NewEventObserver(p.Events, clock, func(err error) {
			logger.Warn("append workflow event", "error", err)
		}))
	}
	e.observer = api.NewCompositeObserver(observers...)
	return e
}

func (e *engineImpl) RegisterWorkflow(def *api.WorkflowDefinition) error {
	return e.defs.Register(def)
}

func (e *engineImpl) StartWorkflow(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	if e.isClosed() {
		return "", api.ErrEngineClosed
	}
	def, err := e.defs.Get(workflowID)
	if err != nil {
		return "", err
	}
	if err := e.admit(ctx); err != nil {
		return "", err
	}

	inst := e.createInstance(def, input)
	if err := e.store.SaveInstance(ctx, inst.record()); err != nil {
		e.release()
		return "", &api.PersistenceError{Op: "save instance", Err: err}
	}
	e.track(inst)

	e.observer.OnWorkflowStart(ctx, inst.ref())
	inst.markStarted(e.clock.Now())
	// a cancel may already have claimed the instance; the run loop sees it
	_ = e.transition(ctx, inst, api.StatusRunning)

	e.launch(ctx, inst)
	return inst.id, nil
}

func (e *engineImpl) createInstance(def *api.WorkflowDefinition, input map[string]any) *instance {
	id := uuid.NewString()
	wctx := api.NewWorkflowContext(def.ID, id, input, api.WithNow(e.clock.Now))
	return newInstance(id, def, wctx, e.clock.Now())
}

// runContext derives the run context of an instance: detached from the
// caller's cancellation for top-level runs and bounded by the workflow
// timeout.
func runContext(parent context.Context, def *api.WorkflowDefinition) (context.Context, context.CancelFunc) {
	if def.Timeout > 0 {
		return context.WithTimeout(parent, def.Timeout)
	}
	return context.WithCancel(parent)
}

// launch runs a top-level instance on its own goroutine. The instance must
// hold an admission slot; it is released when the goroutine exits.
func (e *engineImpl) launch(ctx context.Context, inst *instance) {
	runCtx, cancel := runContext(context.WithoutCancel(ctx), inst.def)

	inst.mu.Lock()
	inst.cancelRun = cancel
	cancelled := inst.cancelRequested
	inst.mu.Unlock()
	if cancelled {
		cancel()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(inst.done)
		defer e.release()
		defer cancel()
		e.run(runCtx, inst)
	}()
}

func (e *engineImpl) admit(ctx context.Context) error {
	if e.slots == nil {
		e.inFlight.Add(1)
		return nil
	}
	if e.slots.TryAcquire(1) {
		e.inFlight.Add(1)
		return nil
	}
	if e.admissionTimeout <= 0 {
		return &api.EngineCapacityError{Limit: e.capacity}
	}

	start := e.clock.Now()
	waitCtx, cancel := context.WithTimeout(ctx, e.admissionTimeout)
	defer cancel()
	if err := e.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &api.EngineCapacityError{Limit: e.capacity, Waited: e.clock.Now().Sub(start)}
	}
	e.inFlight.Add(1)
	return nil
}

func (e *engineImpl) release() {
	e.inFlight.Add(-1)
	if e.slots != nil {
		e.slots.Release(1)
	}
}

func (e *engineImpl) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *engineImpl) track(inst *instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances[inst.id] = inst
}

// trackIfAbsent registers inst unless another goroutine already made the
// same instance resident, in which case that one is returned.
func (e *engineImpl) trackIfAbsent(inst *instance) (*instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.instances[inst.id]; ok {
		return existing, false
	}
	e.instances[inst.id] = inst
	return inst, true
}

func (e *engineImpl) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instances, id)
}

func (e *engineImpl) resident(id string) (*instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[id]
	return inst, ok
}

func (e *engineImpl) residents() []*instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	return out
}

func (e *engineImpl) load(ctx context.Context, id string) (*api.InstanceRecord, error) {
	rec, err := e.store.LoadInstance(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		return nil, &api.PersistenceError{Op: "load instance", Err: err}
	}
	return rec, nil
}

// persist hands the instance to the store. Failures are logged; the run
// itself never stops because the store is unavailable.
func (e *engineImpl) persist(ctx context.Context, inst *instance) {
	if err := e.store.SaveInstance(context.WithoutCancel(ctx), inst.record()); err != nil {
		e.logger.Error("persist instance",
			"workflow_id", inst.def.ID,
			"instance_id", inst.id,
			"error", err,
		)
	}
}

func (e *engineImpl) transition(ctx context.Context, inst *instance, to api.Status) error {
	inst.mu.Lock()
	from, err := inst.setStateLocked(to, e.clock.Now())
	inst.mu.Unlock()
	if err != nil {
		return err
	}
	e.observer.OnStateChange(ctx, inst.ref(), from, to)
	e.persist(ctx, inst)
	return nil
}

func (e *engineImpl) GetWorkflowStatus(ctx context.Context, instanceID string) (*api.InstanceRecord, error) {
	if inst, ok := e.resident(instanceID); ok {
		return inst.record(), nil
	}
	return e.load(ctx, instanceID)
}

func (e *engineImpl) CancelWorkflow(ctx context.Context, instanceID string) error {
	inst, ok := e.resident(instanceID)
	if !ok {
		return e.cancelStored(ctx, instanceID)
	}

	inst.mu.Lock()
	from, err := inst.setStateLocked(api.StatusCancelled, e.clock.Now())
	if err != nil {
		inst.mu.Unlock()
		return err
	}
	inst.cancelRequested = true
	cancel := inst.cancelRun
	inst.mu.Unlock()

	e.observer.OnStateChange(ctx, inst.ref(), from, api.StatusCancelled)
	e.persist(ctx, inst)
	if cancel != nil {
		cancel()
	}

	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelStored cancels an instance that only exists in the store. It is
// compensated on the caller's goroutine and never takes an admission slot.
func (e *engineImpl) cancelStored(ctx context.Context, id string) error {
	if e.isClosed() {
		return api.ErrEngineClosed
	}
	rec, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	switch rec.State {
	case api.StatusPaused:
	case api.StatusRunning, api.StatusPending:
		pauseRecordInPlace(rec, e.clock.Now())
	default:
		return fmt.Errorf("%w: %s -> %s", api.ErrInvalidTransition, rec.State, api.StatusCancelled)
	}
	def, err := e.defs.Get(rec.WorkflowID)
	if err != nil {
		return err
	}

	inst, fresh := e.trackIfAbsent(restoreInstance(rec, def, e.clock.Now))
	if !fresh {
		return e.CancelWorkflow(ctx, id)
	}
	defer close(inst.done)

	ref := inst.ref()
	inst.mu.Lock()
	from, err := inst.setStateLocked(api.StatusCancelled, e.clock.Now())
	inst.cancelRequested = true
	inst.mu.Unlock()
	if err != nil {
		e.untrack(id)
		return err
	}
	e.observer.OnStateChange(ctx, ref, from, api.StatusCancelled)
	e.persist(ctx, inst)

	inst.setError(api.ErrCancelled)
	e.observer.OnWorkflowFailed(ctx, ref, api.ErrCancelled)
	if def.Strategy() != api.CompensateNone {
		_ = e.runCompensation(ctx, inst)
	}
	inst.markFinished(e.clock.Now())
	e.persist(ctx, inst)
	return nil
}

func (e *engineImpl) PauseWorkflow(ctx context.Context, instanceID string) error {
	inst, ok := e.resident(instanceID)
	if !ok {
		rec, err := e.load(ctx, instanceID)
		if err != nil {
			return err
		}
		if rec.State != api.StatusRunning {
			return fmt.Errorf("%w: %s -> %s", api.ErrInvalidTransition, rec.State, api.StatusPaused)
		}
		// persisted as running but nobody executes it here
		return e.pauseRecord(ctx, rec)
	}

	inst.mu.Lock()
	from, err := inst.setStateLocked(api.StatusPaused, e.clock.Now())
	if err == nil {
		inst.gate = make(chan struct{})
	}
	inst.mu.Unlock()
	if err != nil {
		return err
	}

	e.observer.OnStateChange(ctx, inst.ref(), from, api.StatusPaused)
	e.persist(ctx, inst)
	return nil
}

func (e *engineImpl) ResumeWorkflow(ctx context.Context, instanceID string) error {
	inst, err := e.residentOrRehydrated(ctx, instanceID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	from, err := inst.setStateLocked(api.StatusRunning, e.clock.Now())
	if err == nil && inst.gate != nil {
		close(inst.gate)
		inst.gate = nil
	}
	inst.mu.Unlock()
	if err != nil {
		return err
	}

	e.observer.OnStateChange(ctx, inst.ref(), from, api.StatusRunning)
	e.persist(ctx, inst)
	return nil
}

// residentOrRehydrated returns the resident instance, or loads a paused (or
// stuck running) one from the store and parks it, paused, on a new run
// goroutine. Only ResumeWorkflow uses it, so only resuming needs a slot.
func (e *engineImpl) residentOrRehydrated(ctx context.Context, id string) (*instance, error) {
	if inst, ok := e.resident(id); ok {
		return inst, nil
	}
	if e.isClosed() {
		return nil, api.ErrEngineClosed
	}

	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case api.StatusPaused:
	case api.StatusRunning, api.StatusPending:
		pauseRecordInPlace(rec, e.clock.Now())
	default:
		return nil, fmt.Errorf("%w: instance %s is %s", api.ErrInvalidTransition, id, rec.State)
	}

	def, err := e.defs.Get(rec.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := e.admit(ctx); err != nil {
		return nil, err
	}

	inst, fresh := e.trackIfAbsent(restoreInstance(rec, def, e.clock.Now))
	if !fresh {
		e.release()
		return inst, nil
	}
	e.logger.Info("rehydrated instance",
		"workflow_id", def.ID,
		"instance_id", id,
		"step_index", rec.CurrentStepIndex,
	)
	e.launch(ctx, inst)
	return inst, nil
}

// pauseRecordInPlace marks a persisted record PAUSED, passing through
// RUNNING when it never left PENDING.
func pauseRecordInPlace(rec *api.InstanceRecord, at time.Time) {
	if rec.State == api.StatusPending {
		rec.Transitions = append(rec.Transitions, api.StateTransition{From: api.StatusPending, To: api.StatusRunning, At: at})
		rec.State = api.StatusRunning
	}
	rec.Transitions = append(rec.Transitions, api.StateTransition{From: rec.State, To: api.StatusPaused, At: at})
	rec.State = api.StatusPaused
	rec.UpdatedAt = at
}

func (e *engineImpl) pauseRecord(ctx context.Context, rec *api.InstanceRecord) error {
	from := rec.State
	pauseRecordInPlace(rec, e.clock.Now())
	if err := e.store.SaveInstance(ctx, rec); err != nil {
		return &api.PersistenceError{Op: "save instance", Err: err}
	}
	e.observer.OnStateChange(ctx, rec.Ref(), from, api.StatusPaused)
	return nil
}

func (e *engineImpl) Wait(ctx context.Context, instanceID string) (*api.InstanceRecord, error) {
	inst, ok := e.resident(instanceID)
	if !ok {
		rec, err := e.load(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if !rec.State.IsTerminal() {
			return rec, fmt.Errorf("instance %s is %s and not running in this engine", instanceID, rec.State)
		}
		return rec, nil
	}

	select {
	case <-inst.done:
		return inst.record(), nil
	case <-ctx.Done():
		return inst.record(), ctx.Err()
	}
}

func (e *engineImpl) ListWorkflows(ctx context.Context, filter api.ListFilter) ([]*api.InstanceRecord, error) {
	storeFilter := filter
	storeFilter.Limit = 0
	stored, err := e.store.ListInstances(ctx, storeFilter)
	if err != nil {
		return nil, &api.PersistenceError{Op: "list instances", Err: err}
	}

	byID := make(map[string]*api.InstanceRecord, len(stored))
	for _, rec := range stored {
		byID[rec.InstanceID] = rec
	}
	for _, inst := range e.residents() {
		rec := inst.record()
		if filter.Matches(rec) {
			byID[rec.InstanceID] = rec
		} else {
			delete(byID, rec.InstanceID)
		}
	}

	out := make([]*api.InstanceRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b *api.InstanceRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.InstanceID, b.InstanceID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (e *engineImpl) DryRun(ctx context.Context, workflowID string, input map[string]any) error {
	def, err := e.defs.Get(workflowID)
	if err != nil {
		return err
	}

	wctx := api.NewWorkflowContext(def.ID, "dry-run", input, api.WithNow(e.clock.Now))
	var problems []string
	for _, step := range def.Steps {
		err := step.Validate(wctx)
		if err == nil {
			continue
		}
		var ve *api.ValidationError
		if errors.As(err, &ve) {
			problems = append(problems, ve.Problems...)
			continue
		}
		problems = append(problems, fmt.Sprintf("step %q: %v", step.ID(), err))
	}
	if len(problems) > 0 {
		return &api.ValidationError{WorkflowID: def.ID, Problems: problems}
	}
	return nil
}

func (e *engineImpl) History(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	events, err := e.events.ListEvents(ctx, instanceID)
	if err != nil {
		return nil, &api.PersistenceError{Op: "list events", Err: err}
	}
	return events, nil
}

func (e *engineImpl) Checkpoint(ctx context.Context, instanceID, name string) (api.Checkpoint, error) {
	if inst, ok := e.resident(instanceID); ok {
		if cp, ok := inst.wctx.Checkpoint(name); ok {
			return cp, nil
		}
	}
	cp, err := e.store.LoadCheckpoint(ctx, instanceID, name)
	if err != nil {
		if errors.Is(err, persistence.ErrCheckpointNotFound) {
			return api.Checkpoint{}, fmt.Errorf("%w: %s/%s", api.ErrCheckpointNotFound, instanceID, name)
		}
		return api.Checkpoint{}, &api.PersistenceError{Op: "load checkpoint", Err: err}
	}
	return cp, nil
}

func (e *engineImpl) GetMetrics() api.MetricsSnapshot {
	snap := api.MetricsSnapshot{
		BasicMetricsSnapshot: e.metrics.Snapshot(),
		Capacity:             e.capacity,
	}
	for _, inst := range e.residents() {
		snap.Resident++
		switch inst.currentState() {
		case api.StatusRunning:
			snap.Running++
		case api.StatusPaused:
			snap.Paused++
		}
	}
	if e.capacity > 0 {
		snap.Available = max(e.capacity-int(e.inFlight.Load()), 0)
	}
	return snap
}

// Shutdown stops accepting work and interrupts running instances. They keep
// their RUNNING or PAUSED state in the store so RecoverStuckInstances can pick
// them up later.
func (e *engineImpl) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.closing)
	}
	live := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		live = append(live, inst)
	}
	e.mu.Unlock()

	for _, inst := range live {
		inst.shutdown.Store(true)
		inst.mu.Lock()
		cancel := inst.cancelRun
		inst.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
