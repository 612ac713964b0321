package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ktstudio/ktstudio/internal/adapter"
	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/events"
	"github.com/ktstudio/ktstudio/internal/infra/sqlite"
)

// ═══════════════════════════════════════════════════════════════════════════
// Scheduler Tests
// ═══════════════════════════════════════════════════════════════════════════

type fakeBackend struct {
	interrupts atomic.Int32
	clears     atomic.Int32
	err        error
}

func (b *fakeBackend) Interrupt(ctx context.Context) error {
	b.interrupts.Add(1)
	return b.err
}

func (b *fakeBackend) ClearQueue(ctx context.Context) error {
	b.clears.Add(1)
	return b.err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types(taskID int64) []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		if ev.TaskID == taskID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type harness struct {
	s       *Scheduler
	db      *sqlite.DB
	backend *fakeBackend
	events  *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 10 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	h := &harness{db: db, backend: &fakeBackend{}, events: &recorder{}}
	h.s = New(cfg, db, h.backend, nil, WithEvents(h.events), WithMetrics(false))
	return h
}

func (h *harness) enqueue(t *testing.T, kind domain.TaskKind, owner domain.Owner) *domain.Task {
	t.Helper()
	task, err := h.s.Enqueue(context.Background(), kind, owner, nil)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	return task
}

func (h *harness) get(t *testing.T, id int64) *domain.Task {
	t.Helper()
	task, err := h.db.GetTask(context.Background(), id)
	if err != nil || task == nil {
		t.Fatalf("GetTask(%d) = %v, %v", id, task, err)
	}
	return task
}

func character(id int64) domain.Owner { return domain.Owner{CharacterID: id} }

func ok(r domain.Result) adapter.Func {
	return func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		return r, nil
	}
}

// blocking returns an adapter that signals started and then waits for its
// context to end.
func blocking(started chan<- int64) adapter.Func {
	return func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		started <- task.ID
		<-ctx.Done()
		return nil, domain.ContextError(ctx)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Enqueue ────────────────────────────────────────────────────────────────

func TestEnqueue_Validates(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.s.Enqueue(context.Background(), domain.KindBaseImage, domain.Owner{SceneID: 1}, nil); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Errorf("wrong owner: err = %v, want ErrInvalidPayload", err)
	}
	if _, err := h.s.Enqueue(context.Background(), "NOPE", character(1), nil); !errors.Is(err, domain.ErrUnknownKind) {
		t.Errorf("unknown kind: err = %v, want ErrUnknownKind", err)
	}

	task := h.enqueue(t, domain.KindPromptGen, character(1))
	if task.ID == 0 || task.Status != domain.TaskQueued {
		t.Errorf("task = %+v, want queued with id", task)
	}
	if got := h.s.Stats().Enqueued; got != 1 {
		t.Errorf("Stats().Enqueued = %d, want 1", got)
	}
}

// ─── Run Loop ───────────────────────────────────────────────────────────────

func TestRunOnce_FIFO(t *testing.T) {
	h := newHarness(t, Config{})
	var order []int64
	h.s.Register(domain.KindPromptGen, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		order = append(order, task.ID)
		return domain.PromptResult{PromptPos: "p"}, nil
	}))

	a := h.enqueue(t, domain.KindPromptGen, character(1))
	b := h.enqueue(t, domain.KindPromptGen, character(2))
	c := h.enqueue(t, domain.KindPromptGen, character(3))

	for i := 0; i < 3; i++ {
		ran, err := h.s.RunOnce(context.Background())
		if err != nil || !ran {
			t.Fatalf("RunOnce() #%d = %v, %v", i, ran, err)
		}
	}
	if ran, _ := h.s.RunOnce(context.Background()); ran {
		t.Error("RunOnce() on empty queue should report false")
	}

	want := []int64{a.ID, b.ID, c.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	got := h.get(t, b.ID)
	if got.Status != domain.TaskDone || got.Progress != 100 || got.CompletedAt.IsZero() {
		t.Errorf("task = %+v, want done at 100 with completed_at", got)
	}
	if pr, _ := got.Result.(domain.PromptResult); pr.PromptPos != "p" {
		t.Errorf("result = %#v", got.Result)
	}
	if st := h.s.Stats(); st.Completed != 3 || st.Started != 3 || st.Running != 0 {
		t.Errorf("Stats() = %+v", st)
	}
	types := h.events.types(a.ID)
	if len(types) != 2 || types[0] != events.TaskStarted || types[1] != events.TaskDone {
		t.Errorf("events = %v, want [task_started task_done]", types)
	}
}

func TestRunOnce_FailureIsClassified(t *testing.T) {
	h := newHarness(t, Config{})
	partial := domain.ViewsResult{Views: map[string]string{"close": "c.png"}, Expected: 8}
	h.s.Register(domain.KindMultiView, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		return partial, domain.Backendf(nil, "node 31: OOM")
	}))
	h.s.Register(domain.KindBaseImage, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		return nil, domain.Preconditionf("character has no prompt")
	}))

	mv := h.enqueue(t, domain.KindMultiView, character(1))
	bi := h.enqueue(t, domain.KindBaseImage, character(1))
	h.s.RunOnce(context.Background())
	h.s.RunOnce(context.Background())

	got := h.get(t, mv.ID)
	if got.Status != domain.TaskFailed || got.ErrorKind != domain.ErrorKindBackend {
		t.Errorf("multi-view = %s/%s, want failed/backend", got.Status, got.ErrorKind)
	}
	if vr, _ := got.Result.(domain.ViewsResult); vr.Views["close"] != "c.png" {
		t.Errorf("partial result lost: %#v", got.Result)
	}
	if got := h.get(t, bi.ID); got.ErrorKind != domain.ErrorKindPrecondition || !strings.Contains(got.Error, "no prompt") {
		t.Errorf("base image = %s %q, want precondition", got.ErrorKind, got.Error)
	}
	if st := h.s.Stats(); st.Failed != 2 {
		t.Errorf("Stats().Failed = %d, want 2", st.Failed)
	}
}

func TestRunOnce_PartialResultKeptWhenAdapterReturnsNil(t *testing.T) {
	h := newHarness(t, Config{})
	h.s.Register(domain.KindMultiView, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		sink.Partial(domain.ViewsResult{Views: map[string]string{"wide": "w.png"}, Expected: 8})
		return nil, domain.Backendf(nil, "lost")
	}))
	task := h.enqueue(t, domain.KindMultiView, character(1))
	h.s.RunOnce(context.Background())

	if vr, _ := h.get(t, task.ID).Result.(domain.ViewsResult); vr.Views["wide"] != "w.png" {
		t.Errorf("result = %#v, want the saved partial", h.get(t, task.ID).Result)
	}
}

func TestRunOnce_NoAdapter(t *testing.T) {
	h := newHarness(t, Config{})
	task := h.enqueue(t, domain.KindVideoRender, domain.Owner{VideoID: 1})
	h.s.RunOnce(context.Background())

	got := h.get(t, task.ID)
	if got.Status != domain.TaskFailed || got.ErrorKind != domain.ErrorKindInternal {
		t.Errorf("task = %s/%s, want failed/internal", got.Status, got.ErrorKind)
	}
}

func TestRunOnce_AdapterPanic(t *testing.T) {
	h := newHarness(t, Config{})
	h.s.Register(domain.KindPromptGen, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		panic("boom")
	}))
	task := h.enqueue(t, domain.KindPromptGen, character(1))
	h.s.RunOnce(context.Background())

	if got := h.get(t, task.ID); got.Status != domain.TaskFailed || !strings.Contains(got.Error, "boom") {
		t.Errorf("task = %s %q, want failed with panic message", got.Status, got.Error)
	}
}

func TestRunOnce_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, Config{})
	var mid int
	h.s.Register(domain.KindBaseImage, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		sink.Progress(30, 10)
		sink.Progress(20, 5)
		cur, _ := h.db.GetTask(ctx, task.ID)
		mid = cur.Progress
		return domain.ImageResult{ImagePath: "a.png"}, nil
	}))
	task := h.enqueue(t, domain.KindBaseImage, character(1))
	h.s.RunOnce(context.Background())

	if mid != 30 {
		t.Errorf("progress while running = %d, want 30", mid)
	}
	if got := h.get(t, task.ID).Progress; got != 100 {
		t.Errorf("final progress = %d, want 100", got)
	}
	if n := len(h.events.types(task.ID)); n != 4 {
		t.Errorf("events = %v, want started, 2 progress, done", h.events.types(task.ID))
	}
}

func TestRunOnce_Timeout(t *testing.T) {
	h := newHarness(t, Config{Timeouts: map[domain.TaskKind]time.Duration{domain.KindPromptGen: 30 * time.Millisecond}})
	h.s.Register(domain.KindPromptGen, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		<-ctx.Done()
		return nil, domain.ContextError(ctx)
	}))
	task := h.enqueue(t, domain.KindPromptGen, character(1))
	h.s.RunOnce(context.Background())

	if got := h.get(t, task.ID); got.ErrorKind != domain.ErrorKindTimeout {
		t.Errorf("error kind = %q (%s), want timeout", got.ErrorKind, got.Error)
	}
	if n := h.backend.interrupts.Load(); n != 1 {
		t.Errorf("interrupts = %d, want 1: a timed-out job must not keep running on the backend", n)
	}
}

func TestRunOnce_FinishedTaskIsNotInterrupted(t *testing.T) {
	h := newHarness(t, Config{})
	h.s.Register(domain.KindPromptGen, ok(domain.PromptResult{}))
	h.s.Register(domain.KindBaseImage, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		return nil, domain.Backendf(nil, "node 3: OOM")
	}))
	h.enqueue(t, domain.KindPromptGen, character(1))
	h.enqueue(t, domain.KindBaseImage, character(1))
	h.s.RunOnce(context.Background())
	h.s.RunOnce(context.Background())

	if n := h.backend.interrupts.Load(); n != 0 {
		t.Errorf("interrupts = %d, want 0 for tasks that ended on their own", n)
	}
}

// ─── Cancellation ───────────────────────────────────────────────────────────

func TestCancel_Queued(t *testing.T) {
	h := newHarness(t, Config{})
	called := false
	h.s.Register(domain.KindPromptGen, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		called = true
		return nil, nil
	}))
	task := h.enqueue(t, domain.KindPromptGen, character(1))

	cancelled, err := h.s.Cancel(context.Background(), task.ID)
	if err != nil || !cancelled {
		t.Fatalf("Cancel() = %v, %v", cancelled, err)
	}
	if ran, _ := h.s.RunOnce(context.Background()); ran || called {
		t.Error("a cancelled queued task must never run")
	}
	got := h.get(t, task.ID)
	if got.Status != domain.TaskFailed || got.ErrorKind != domain.ErrorKindCancelled || got.Error != domain.MsgCancelledByUser {
		t.Errorf("task = %+v", got)
	}
	if !got.StartedAt.IsZero() {
		t.Error("a cancelled queued task never passes through running")
	}
	if h.backend.interrupts.Load() != 0 {
		t.Error("cancelling a queued task must not interrupt the backend")
	}

	if again, err := h.s.Cancel(context.Background(), task.ID); again || err != nil {
		t.Errorf("second Cancel() = %v, %v, want false, nil", again, err)
	}
	if _, err := h.s.Cancel(context.Background(), 999); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Cancel(missing) err = %v, want ErrTaskNotFound", err)
	}
}

func TestCancel_Running(t *testing.T) {
	h := newHarness(t, Config{RefreshInterval: time.Hour})
	started := make(chan int64, 1)
	var cause error
	h.s.Register(domain.KindBaseImage, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		started <- task.ID
		<-ctx.Done()
		cause = domain.ContextError(ctx)
		return nil, cause
	}))
	task := h.enqueue(t, domain.KindBaseImage, character(1))

	done := make(chan struct{})
	go func() {
		h.s.RunOnce(context.Background())
		close(done)
	}()
	<-started
	if h.s.Current() != task.ID {
		t.Errorf("Current() = %d, want %d", h.s.Current(), task.ID)
	}
	if cancelled, err := h.s.Cancel(context.Background(), task.ID); err != nil || !cancelled {
		t.Fatalf("Cancel() = %v, %v", cancelled, err)
	}
	<-done

	if !errors.Is(cause, domain.ErrCancelled) {
		t.Errorf("adapter saw %v, want ErrCancelled", cause)
	}
	got := h.get(t, task.ID)
	if got.Status != domain.TaskFailed || got.Error != domain.MsgCancelledByUser {
		t.Errorf("task = %s %q, want the cancel message to stand", got.Status, got.Error)
	}
	if h.backend.interrupts.Load() != 1 {
		t.Errorf("interrupts = %d, want 1", h.backend.interrupts.Load())
	}
	if st := h.s.Stats(); st.Cancelled != 1 || st.Failed != 0 {
		t.Errorf("Stats() = %+v, want 1 cancelled and no failure recorded by the loop", st)
	}
}

func TestCancel_InterruptFailureIsNotReturned(t *testing.T) {
	h := newHarness(t, Config{RefreshInterval: time.Hour})
	h.backend.err = errors.New("backend down")
	started := make(chan int64, 1)
	h.s.Register(domain.KindBaseImage, blocking(started))
	task := h.enqueue(t, domain.KindBaseImage, character(1))

	done := make(chan struct{})
	go func() {
		h.s.RunOnce(context.Background())
		close(done)
	}()
	<-started
	if _, err := h.s.Cancel(context.Background(), task.ID); err != nil {
		t.Errorf("Cancel() error = %v, want nil", err)
	}
	<-done
}

func TestWatcher_ExternalFailureCancelsTask(t *testing.T) {
	h := newHarness(t, Config{RefreshInterval: 10 * time.Millisecond})
	started := make(chan int64, 1)
	var cause error
	h.s.Register(domain.KindSceneBase, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		started <- task.ID
		<-ctx.Done()
		cause = domain.ContextError(ctx)
		return nil, cause
	}))
	task := h.enqueue(t, domain.KindSceneBase, domain.Owner{SceneID: 1})

	done := make(chan struct{})
	go func() {
		h.s.RunOnce(context.Background())
		close(done)
	}()
	<-started
	// Another process writes the cancellation straight to the store.
	if _, err := h.db.ForceFail(context.Background(), task.ID, "elsewhere", domain.ErrorKindCancelled, time.Now()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never cancelled the task")
	}
	if !errors.Is(cause, domain.ErrCancelled) {
		t.Errorf("adapter saw %v, want ErrCancelled", cause)
	}
	if n := h.backend.interrupts.Load(); n != 1 {
		t.Errorf("interrupts = %d, want 1 after an external cancel", n)
	}
}

func TestWatcher_DeletedTaskIsTolerated(t *testing.T) {
	h := newHarness(t, Config{RefreshInterval: 10 * time.Millisecond})
	started := make(chan int64, 1)
	h.s.Register(domain.KindBaseImage, blocking(started))
	task := h.enqueue(t, domain.KindBaseImage, character(7))

	done := make(chan struct{})
	go func() {
		h.s.RunOnce(context.Background())
		close(done)
	}()
	<-started
	if _, err := h.db.DeleteTasks(context.Background(), character(7), false); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never noticed the deleted task")
	}
	if got, _ := h.db.GetTask(context.Background(), task.ID); got != nil {
		t.Errorf("deleted task came back: %+v", got)
	}
}

func TestGlobalStop(t *testing.T) {
	h := newHarness(t, Config{RefreshInterval: time.Hour})
	started := make(chan int64, 1)
	var cause error
	h.s.Register(domain.KindMultiView, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		started <- task.ID
		<-ctx.Done()
		cause = domain.ContextError(ctx)
		return nil, cause
	}))
	running := h.enqueue(t, domain.KindMultiView, character(1))
	q1 := h.enqueue(t, domain.KindMultiView, character(2))
	q2 := h.enqueue(t, domain.KindMultiView, character(3))

	done := make(chan struct{})
	go func() {
		h.s.RunOnce(context.Background())
		close(done)
	}()
	<-started

	ids, err := h.s.GlobalStop(context.Background())
	if err != nil {
		t.Fatalf("GlobalStop() error: %v", err)
	}
	<-done
	if len(ids) != 3 {
		t.Errorf("stopped ids = %v, want 3", ids)
	}
	if !errors.Is(cause, domain.ErrOperatorStop) || !errors.Is(cause, domain.ErrCancelled) {
		t.Errorf("adapter saw %v, want operator stop", cause)
	}
	for _, id := range []int64{running.ID, q1.ID, q2.ID} {
		got := h.get(t, id)
		if !got.Stopped() || got.Error != domain.MsgGlobalStop {
			t.Errorf("task %d = %s/%s %q, want operator stop", id, got.Status, got.ErrorKind, got.Error)
		}
	}
	if h.backend.interrupts.Load() != 1 || h.backend.clears.Load() != 1 {
		t.Errorf("interrupts=%d clears=%d, want 1 each", h.backend.interrupts.Load(), h.backend.clears.Load())
	}
	logs, err := h.db.ListLogs(context.Background(), 10)
	if err != nil || len(logs) != 1 || logs[0].Module != "Task Control" || logs[0].Title != "STOP" {
		t.Errorf("system log = %+v, %v", logs, err)
	}
	if ran, _ := h.s.RunOnce(context.Background()); ran {
		t.Error("nothing should be left to claim after a global stop")
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestStartStop_SingleFlight(t *testing.T) {
	h := newHarness(t, Config{})
	var active, peak atomic.Int32
	h.s.Register(domain.KindPromptGen, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return domain.PromptResult{}, nil
	}))

	h.s.Start(context.Background())
	h.s.Start(context.Background()) // second Start is a no-op
	defer h.s.Stop()

	var wg sync.WaitGroup
	for i := 1; i <= 6; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := h.s.Enqueue(context.Background(), domain.KindPromptGen, character(id), nil); err != nil {
				t.Errorf("Enqueue() error: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	waitFor(t, "all tasks done", func() bool { return h.s.Stats().Completed == 6 })
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
	h.s.Stop()
	h.s.Stop() // idempotent
}

func TestStop_CancelsInFlightTask(t *testing.T) {
	h := newHarness(t, Config{RefreshInterval: time.Hour})
	started := make(chan int64, 1)
	h.s.Register(domain.KindBaseImage, blocking(started))
	task := h.enqueue(t, domain.KindBaseImage, character(1))

	h.s.Start(context.Background())
	<-started
	h.s.Stop()

	if got := h.get(t, task.ID); got.Status != domain.TaskFailed || got.ErrorKind != domain.ErrorKindCancelled {
		t.Errorf("task = %s/%s, want failed/cancelled", got.Status, got.ErrorKind)
	}
	if n := h.backend.interrupts.Load(); n != 1 {
		t.Errorf("interrupts = %d, want 1", n)
	}
}

func TestWithClock(t *testing.T) {
	h := newHarness(t, Config{})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.s = New(Config{}, h.db, nil, nil, WithClock(func() time.Time { return fixed }), WithMetrics(false))
	h.s.Register(domain.KindPromptGen, ok(domain.PromptResult{}))
	task := h.enqueue(t, domain.KindPromptGen, character(1))
	h.s.RunOnce(context.Background())

	got := h.get(t, task.ID)
	if !got.StartedAt.Equal(fixed) || !got.CompletedAt.Equal(fixed) {
		t.Errorf("started=%v completed=%v, want %v", got.StartedAt, got.CompletedAt, fixed)
	}
}
