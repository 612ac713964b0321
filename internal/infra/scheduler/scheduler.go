// Package scheduler runs queued generation tasks one at a time.
//
// Core concepts:
//   - Single flight: the store's claim statement never moves a task to
//     running while another one is running, and the loop runs one task
//     at a time on top of that.
//   - FIFO: tasks are claimed oldest first. There are no priorities and no
//     automatic retries.
//   - Cancellation: a task's context is cancelled with a cause, either by
//     Cancel/GlobalStop in this process or by the watcher noticing that
//     another process failed or deleted the task.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/adapter"
	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/events"
	"github.com/ktstudio/ktstudio/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the scheduler loop.
type Config struct {
	PollInterval     time.Duration // idle sleep between claims (default 2s)
	RefreshInterval  time.Duration // watcher re-read of the running task (default 2s)
	ErrorBackoff     time.Duration // sleep after a loop error (default 5s)
	InterruptTimeout time.Duration // bound on backend interrupt calls (default 2s)

	// Timeouts is the wall-clock budget per kind. Zero means unbounded.
	Timeouts map[domain.TaskKind]time.Duration
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		RefreshInterval:  2 * time.Second,
		ErrorBackoff:     5 * time.Second,
		InterruptTimeout: 2 * time.Second,
		Timeouts: map[domain.TaskKind]time.Duration{
			domain.KindPromptGen:      5 * time.Minute,
			domain.KindScenePrompt:    5 * time.Minute,
			domain.KindVideoPrompt:    5 * time.Minute,
			domain.KindBaseImage:      10 * time.Minute,
			domain.KindSceneBase:      10 * time.Minute,
			domain.KindMultiView:      30 * time.Minute,
			domain.KindSceneComposite: 60 * time.Minute,
			domain.KindVideoRender:    60 * time.Minute,
			domain.KindStoryExtract:   10 * time.Minute,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	if c.InterruptTimeout <= 0 {
		c.InterruptTimeout = def.InterruptTimeout
	}
	return c
}

// ─── Collaborators ──────────────────────────────────────────────────────────

// Store is the task store plus the system log used for task control entries.
type Store interface {
	domain.TaskStore
	AppendLog(ctx context.Context, entry domain.SystemLog) error
}

// Backend is the part of the generation backend the scheduler controls directly.
type Backend interface {
	Interrupt(ctx context.Context) error
	ClearQueue(ctx context.Context) error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithEvents publishes task lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// WithMetrics enables or disables Prometheus updates. Enabled by default.
func WithMetrics(enabled bool) Option {
	return func(s *Scheduler) { s.metrics = enabled }
}

// ─── Scheduler ──────────────────────────────────────────────────────────────

// inflight is the task currently executing in this process.
type inflight struct {
	id     int64
	cancel context.CancelCauseFunc
	// interrupted is set once the backend has been told to drop this job.
	interrupted atomic.Bool
}

// Scheduler claims queued tasks and runs them through registered adapters.
type Scheduler struct {
	cfg     Config
	store   Store
	backend Backend
	log     *zap.Logger
	now     func() time.Time
	events  events.Publisher
	metrics bool

	mu       sync.Mutex
	adapters map[domain.TaskKind]adapter.Adapter
	current  *inflight
	stop     context.CancelFunc
	done     chan struct{}

	wake chan struct{}

	// Stats
	totalEnqueued  atomic.Int64
	totalStarted   atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	totalCancelled atomic.Int64
}

// New creates a scheduler. backend may be nil when nothing needs interrupting.
func New(cfg Config, store Store, backend Backend, log *zap.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		store:    store,
		backend:  backend,
		log:      log,
		now:      time.Now,
		metrics:  true,
		adapters: make(map[domain.TaskKind]adapter.Adapter),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds an adapter to a kind, replacing any previous one.
func (s *Scheduler) Register(kind domain.TaskKind, a adapter.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[kind] = a
}

func (s *Scheduler) adapterFor(kind domain.TaskKind) (adapter.Adapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[kind]
	return a, ok
}

// ─── Enqueue ────────────────────────────────────────────────────────────────

// Enqueue validates and inserts a queued task.
func (s *Scheduler) Enqueue(ctx context.Context, kind domain.TaskKind, owner domain.Owner, payload domain.Payload) (*domain.Task, error) {
	t, err := domain.NewTask(kind, owner, payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.totalEnqueued.Add(1)
	s.log.Info("task queued", zap.Int64("task_id", t.ID), zap.String("kind", string(kind)))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t, nil
}

// ─── Run Loop ───────────────────────────────────────────────────────────────

// Start runs the loop in the background until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(ctx)
	}()
}

// Stop ends the loop and waits for it. An in-flight task is cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	s.log.Info("scheduler started", zap.Duration("poll_interval", s.cfg.PollInterval))
	for {
		ran, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			s.log.Info("scheduler stopped")
			return
		}
		var wait time.Duration
		switch {
		case err != nil:
			s.log.Error("scheduler loop error", zap.Error(err))
			wait = s.cfg.ErrorBackoff
		case !ran:
			wait = s.cfg.PollInterval
		}
		if wait == 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce claims the oldest queued task and runs it to a terminal state.
// It reports false when nothing was queued.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	task, err := s.store.ClaimNextQueued(ctx, s.now())
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	s.execute(ctx, task)
	return true, nil
}

func (s *Scheduler) execute(ctx context.Context, task *domain.Task) {
	log := s.log.With(zap.Int64("task_id", task.ID), zap.String("kind", string(task.Kind)))
	store := context.WithoutCancel(ctx)
	started := s.now()
	s.totalStarted.Add(1)

	a, ok := s.adapterFor(task.Kind)
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrNoAdapter, task.Kind)
		log.Error("task has no adapter")
		s.fail(store, log, task, err, nil, started)
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if d := s.cfg.Timeouts[task.Kind]; d > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, d, fmt.Errorf("%w after %s", domain.ErrTimeout, d))
		defer cancelTimeout()
	}

	cur := &inflight{id: task.ID, cancel: cancel}
	s.setCurrent(cur)
	defer s.setCurrent(nil)

	watchDone := make(chan struct{})
	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		s.watch(runCtx, task.ID, cancel, watchDone)
	}()

	if s.metrics {
		metrics.TasksActive.Set(1)
		if !task.CreatedAt.IsZero() {
			metrics.TaskQueueWait.Observe(started.Sub(task.CreatedAt).Seconds())
		}
	}
	s.publish(events.Event{TaskID: task.ID, Type: events.TaskStarted, Data: map[string]any{"kind": string(task.Kind)}})
	log.Info("task started")

	res, err := s.run(runCtx, a, task, &taskSink{s: s, ctx: store, id: task.ID, log: log})

	close(watchDone)
	watchWG.Wait()

	// A timeout, an external cancel or shutdown leaves the job running on the
	// backend unless someone tells it to stop.
	if runCtx.Err() != nil && cur.interrupted.CompareAndSwap(false, true) {
		log.Info("interrupting backend job", zap.NamedError("cause", context.Cause(runCtx)))
		s.interrupt(store)
	}
	if s.metrics {
		metrics.TasksActive.Set(0)
		metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(s.now().Sub(started).Seconds())
	}

	if err != nil {
		s.fail(store, log, task, err, res, started)
		return
	}
	applied, cerr := s.store.CompleteTask(store, task.ID, res, s.now())
	switch {
	case cerr != nil:
		log.Error("complete task", zap.Error(cerr))
	case !applied:
		log.Info("task finished after external termination, result dropped")
	default:
		s.totalCompleted.Add(1)
		if s.metrics {
			metrics.TasksCompleted.WithLabelValues(string(task.Kind)).Inc()
		}
		s.publish(events.Event{TaskID: task.ID, Type: events.TaskDone, Progress: 100})
		log.Info("task done", zap.Duration("took", s.now().Sub(started)))
	}
}

// run calls the adapter, turning a panic into an internal error.
func (s *Scheduler) run(ctx context.Context, a adapter.Adapter, task *domain.Task, sink adapter.Sink) (res domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return a.Run(ctx, task, sink)
}

func (s *Scheduler) fail(ctx context.Context, log *zap.Logger, task *domain.Task, err error, res domain.Result, started time.Time) {
	kind := domain.ClassifyError(err)
	applied, ferr := s.store.FailTask(ctx, task.ID, err.Error(), kind, res, s.now())
	switch {
	case ferr != nil:
		log.Error("fail task", zap.Error(ferr))
	case !applied:
		// Cancelled, stopped or deleted from outside; that write stands.
		log.Info("task already terminated externally", zap.Error(err))
	default:
		s.totalFailed.Add(1)
		if s.metrics {
			metrics.TasksFailed.WithLabelValues(string(task.Kind), string(kind)).Inc()
		}
		s.publish(events.Event{TaskID: task.ID, Type: events.TaskFailed, Data: map[string]any{
			"error": err.Error(), "error_kind": string(kind),
		}})
		log.Warn("task failed", zap.String("error_kind", string(kind)), zap.Error(err),
			zap.Duration("took", s.now().Sub(started)))
	}
}

// watch re-reads the running task and cancels it when another process has
// failed or deleted it.
func (s *Scheduler) watch(ctx context.Context, id int64, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t, err := s.store.GetTask(context.WithoutCancel(ctx), id)
		if err != nil {
			s.log.Debug("watcher read failed", zap.Int64("task_id", id), zap.Error(err))
			continue
		}
		switch {
		case t == nil:
			cancel(fmt.Errorf("%w: task %d was deleted", domain.ErrCancelled, id))
			return
		case t.Status == domain.TaskFailed:
			cause := fmt.Errorf("%w: %s", domain.ErrCancelled, t.Error)
			if t.ErrorKind == domain.ErrorKindOperatorStop {
				cause = domain.StopError
			}
			cancel(cause)
			return
		}
	}
}

func (s *Scheduler) setCurrent(f *inflight) {
	s.mu.Lock()
	s.current = f
	s.mu.Unlock()
}

// cancelCurrent cancels the in-flight task when id matches, or any in-flight
// task when id is 0. It reports whether a task was cancelled.
func (s *Scheduler) cancelCurrent(id int64, cause error) bool {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil || (id != 0 && cur.id != id) {
		return false
	}
	cur.cancel(cause)
	return true
}

// claimInterrupt marks the in-flight task (id 0 matches any) as interrupted
// by the caller. It returns the task when the caller owns the interrupt.
func (s *Scheduler) claimInterrupt(id int64) *inflight {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil || (id != 0 && cur.id != id) || !cur.interrupted.CompareAndSwap(false, true) {
		return nil
	}
	return cur
}

// ─── Cancellation ───────────────────────────────────────────────────────────

// Cancel fails a queued or running task and stops it if it is executing.
// It reports false when the task had already finished.
func (s *Scheduler) Cancel(ctx context.Context, id int64) (bool, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, fmt.Errorf("%w: %d", domain.ErrTaskNotFound, id)
	}
	if t.IsTerminal() {
		return false, nil
	}
	owned := s.claimInterrupt(id)
	applied, err := s.store.ForceFail(ctx, id, domain.MsgCancelledByUser, domain.ErrorKindCancelled, s.now())
	if err != nil || !applied {
		if owned != nil {
			owned.interrupted.Store(false)
		}
		if err != nil {
			return false, fmt.Errorf("cancel task %d: %w", id, err)
		}
		return false, nil
	}
	s.totalCancelled.Add(1)
	if s.metrics {
		metrics.TasksFailed.WithLabelValues(string(t.Kind), string(domain.ErrorKindCancelled)).Inc()
	}

	local := s.cancelCurrent(id, fmt.Errorf("%w: %s", domain.ErrCancelled, domain.MsgCancelledByUser))
	if owned != nil || (!local && t.Status == domain.TaskRunning) {
		s.interrupt(ctx)
	}
	s.publish(events.Event{TaskID: id, Type: events.TaskFailed, Data: map[string]any{
		"error": domain.MsgCancelledByUser, "error_kind": string(domain.ErrorKindCancelled),
	}})
	s.log.Info("task cancelled", zap.Int64("task_id", id), zap.String("was", string(t.Status)))
	return true, nil
}

// GlobalStop interrupts the backend, clears its queue and fails every queued
// or running task. It returns the stopped task ids.
func (s *Scheduler) GlobalStop(ctx context.Context) ([]int64, error) {
	s.claimInterrupt(0)
	s.interrupt(ctx)
	s.clearQueue(ctx)

	ids, err := s.store.ForceFailActive(ctx, domain.MsgGlobalStop, domain.ErrorKindOperatorStop, s.now())
	if err != nil {
		return nil, err
	}
	s.cancelCurrent(0, domain.StopError)
	s.totalCancelled.Add(int64(len(ids)))

	entry := domain.SystemLog{
		Module:  "Task Control",
		Title:   "STOP",
		Content: fmt.Sprintf("Global stop: %d task(s) stopped %v", len(ids), ids),
		Level:   domain.LogWarning,
	}
	if err := s.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Warn("write stop log entry", zap.Error(err))
	}
	for _, id := range ids {
		s.publish(events.Event{TaskID: id, Type: events.TaskFailed, Data: map[string]any{
			"error": domain.MsgGlobalStop, "error_kind": string(domain.ErrorKindOperatorStop),
		}})
	}
	s.log.Warn("global stop", zap.Int64s("task_ids", ids))
	return ids, nil
}

func (s *Scheduler) interrupt(ctx context.Context) {
	if s.backend == nil {
		return
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.InterruptTimeout)
	defer cancel()
	if err := s.backend.Interrupt(ictx); err != nil {
		s.log.Warn("backend interrupt failed", zap.Error(err))
	}
}

func (s *Scheduler) clearQueue(ctx context.Context) {
	if s.backend == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.InterruptTimeout)
	defer cancel()
	if err := s.backend.ClearQueue(cctx); err != nil {
		s.log.Warn("backend queue clear failed", zap.Error(err))
	}
}

// ─── Events ─────────────────────────────────────────────────────────────────

func (s *Scheduler) publish(ev events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ev); err != nil {
		s.log.Debug("publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// taskSink persists adapter progress and partial results for one task.
type taskSink struct {
	s   *Scheduler
	ctx context.Context
	id  int64
	log *zap.Logger
}

func (k *taskSink) Progress(percent, eta int) {
	if err := k.s.store.UpdateProgress(k.ctx, k.id, percent, eta); err != nil {
		k.log.Debug("update progress", zap.Error(err))
	}
	k.s.publish(events.Event{TaskID: k.id, Type: events.Progress, Progress: percent, ETA: eta})
}

func (k *taskSink) Partial(r domain.Result) {
	if err := k.s.store.SaveResult(k.ctx, k.id, r); err != nil {
		k.log.Warn("save partial result", zap.Error(err))
	}
}

func (k *taskSink) Publish(typ events.Type, data map[string]any) {
	k.s.publish(events.Event{TaskID: k.id, Type: typ, Data: data})
}

// ─── Stats & Inspection ─────────────────────────────────────────────────────

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Enqueued      int64 `json:"enqueued"`
	Started       int64 `json:"started"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Cancelled     int64 `json:"cancelled"`
	Running       int   `json:"running"`
	CurrentTaskID int64 `json:"current_task_id,omitempty"`
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Enqueued:  s.totalEnqueued.Load(),
		Started:   s.totalStarted.Load(),
		Completed: s.totalCompleted.Load(),
		Failed:    s.totalFailed.Load(),
		Cancelled: s.totalCancelled.Load(),
	}
	s.mu.Lock()
	if s.current != nil {
		st.Running = 1
		st.CurrentTaskID = s.current.id
	}
	s.mu.Unlock()
	return st
}

// Current returns the id of the task executing in this process, or 0.
func (s *Scheduler) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.id
}
