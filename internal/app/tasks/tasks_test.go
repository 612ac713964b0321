package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ktstudio/ktstudio/internal/adapter"
	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/scheduler"
	"github.com/ktstudio/ktstudio/internal/infra/sqlite"
)

func newTestService(t *testing.T) (*Service, *scheduler.Scheduler, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sched := scheduler.New(scheduler.Config{RefreshInterval: time.Hour}, db, nil, nil, scheduler.WithMetrics(false))
	return NewService(db, sched, nil), sched, db
}

func mustCreate(t *testing.T, s *Service, kind domain.TaskKind, owner domain.Owner) *domain.Task {
	t.Helper()
	task, err := s.Create(context.Background(), kind, owner, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return task
}

func TestGet_NotFound(t *testing.T) {
	s, _, _ := newTestService(t)
	if _, err := s.Get(context.Background(), 42); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Get() err = %v, want ErrTaskNotFound", err)
	}
}

func TestList_FiltersByOwner(t *testing.T) {
	s, _, _ := newTestService(t)
	mustCreate(t, s, domain.KindPromptGen, domain.Owner{CharacterID: 1})
	mustCreate(t, s, domain.KindBaseImage, domain.Owner{CharacterID: 1})
	mustCreate(t, s, domain.KindSceneBase, domain.Owner{SceneID: 2})

	got, err := s.List(context.Background(), domain.TaskFilter{Owner: domain.Owner{CharacterID: 1}})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List() = %d tasks, want 2", len(got))
	}
	got, _ = s.List(context.Background(), domain.TaskFilter{Kind: domain.KindSceneBase})
	if len(got) != 1 || got[0].Owner.SceneID != 2 {
		t.Errorf("List(kind) = %+v", got)
	}
}

func TestStatusOf(t *testing.T) {
	s, sched, _ := newTestService(t)
	sched.Register(domain.KindMultiView, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		return domain.ViewsResult{Views: map[string]string{"wide": "w.png", "close": "c.png"}, Expected: 8}, nil
	}))
	mv := mustCreate(t, s, domain.KindMultiView, domain.Owner{CharacterID: 1})
	queued := mustCreate(t, s, domain.KindPromptGen, domain.Owner{CharacterID: 1})
	if _, err := sched.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := s.StatusOf(context.Background(), []int64{mv.ID, queued.ID, 999, mv.ID})
	if err != nil {
		t.Fatalf("StatusOf() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("StatusOf() = %d entries, want 2", len(got))
	}
	st := got[mv.ID]
	if st.Status != domain.TaskDone || st.Progress != 100 || st.CompletedAt == nil {
		t.Errorf("multi-view status = %+v", st)
	}
	if len(st.ViewsStatus) != 2 || st.ViewsStatus[0] != "close" {
		t.Errorf("views_status = %v, want [close wide]", st.ViewsStatus)
	}
	if q := got[queued.ID]; q.Status != domain.TaskQueued || q.StartedAt != nil {
		t.Errorf("queued status = %+v", q)
	}
}

func TestClearLogs_KeepsActiveTasks(t *testing.T) {
	s, sched, _ := newTestService(t)
	sched.Register(domain.KindPromptGen, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		return domain.PromptResult{}, nil
	}))
	owner := domain.Owner{CharacterID: 3}
	done := mustCreate(t, s, domain.KindPromptGen, owner)
	sched.RunOnce(context.Background())
	queued := mustCreate(t, s, domain.KindPromptGen, owner)

	n, err := s.ClearLogs(context.Background(), owner)
	if err != nil || n != 1 {
		t.Fatalf("ClearLogs() = %d, %v, want 1", n, err)
	}
	if _, err := s.Get(context.Background(), done.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Error("finished task should be gone")
	}
	if _, err := s.Get(context.Background(), queued.ID); err != nil {
		t.Errorf("queued task should remain: %v", err)
	}
	if _, err := s.ClearLogs(context.Background(), domain.Owner{}); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Errorf("ClearLogs(no owner) err = %v", err)
	}
}

func TestForceReset_CancelsInFlightTask(t *testing.T) {
	s, sched, _ := newTestService(t)
	started := make(chan struct{})
	var cause error
	sched.Register(domain.KindBaseImage, adapter.Func(func(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
		close(started)
		<-ctx.Done()
		cause = domain.ContextError(ctx)
		return nil, cause
	}))
	owner := domain.Owner{CharacterID: 5}
	mustCreate(t, s, domain.KindBaseImage, owner)
	mustCreate(t, s, domain.KindBaseImage, owner)
	other := mustCreate(t, s, domain.KindBaseImage, domain.Owner{CharacterID: 6})

	finished := make(chan struct{})
	go func() {
		sched.RunOnce(context.Background())
		close(finished)
	}()
	<-started

	n, err := s.ForceReset(context.Background(), owner)
	if err != nil || n != 2 {
		t.Fatalf("ForceReset() = %d, %v, want 2", n, err)
	}
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight task was not cancelled")
	}
	if !errors.Is(cause, domain.ErrCancelled) {
		t.Errorf("adapter saw %v, want ErrCancelled", cause)
	}
	if _, err := s.Get(context.Background(), other.ID); err != nil {
		t.Errorf("other entity's task should survive: %v", err)
	}
}

func TestCancelAndGlobalStop(t *testing.T) {
	s, _, _ := newTestService(t)
	a := mustCreate(t, s, domain.KindPromptGen, domain.Owner{CharacterID: 1})
	mustCreate(t, s, domain.KindPromptGen, domain.Owner{CharacterID: 2})

	if ok, err := s.Cancel(context.Background(), a.ID); !ok || err != nil {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	ids, err := s.GlobalStop(context.Background())
	if err != nil || len(ids) != 1 {
		t.Fatalf("GlobalStop() = %v, %v, want the one remaining task", ids, err)
	}
	got, _ := s.Get(context.Background(), ids[0])
	if !got.Stopped() {
		t.Errorf("task = %s/%s, want operator stop", got.Status, got.ErrorKind)
	}
}
