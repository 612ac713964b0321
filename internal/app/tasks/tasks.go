// Package tasks is the task query and control surface used by the HTTP API,
// the CLI and the batch supervisor. Nothing outside the scheduler touches
// task rows except through this service.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 100

// Scheduler is the control side of the task scheduler.
type Scheduler interface {
	Enqueue(ctx context.Context, kind domain.TaskKind, owner domain.Owner, payload domain.Payload) (*domain.Task, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	GlobalStop(ctx context.Context) ([]int64, error)
	Current() int64
}

// Service manages task creation, queries and control.
type Service struct {
	store domain.TaskStore
	sched Scheduler
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a task service.
func NewService(store domain.TaskStore, sched Scheduler, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, sched: sched, log: log, now: time.Now}
}

// Create validates and queues a task.
func (s *Service) Create(ctx context.Context, kind domain.TaskKind, owner domain.Owner, payload domain.Payload) (*domain.Task, error) {
	return s.sched.Enqueue(ctx, kind, owner, payload)
}

// Get returns a task or ErrTaskNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %d", domain.ErrTaskNotFound, id)
	}
	return t, nil
}

// List returns tasks matching f, newest first.
func (s *Service) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	return s.store.ListTasks(ctx, f)
}

// ─── Status ─────────────────────────────────────────────────────────────────

// Status is the compact per-task view polled by clients.
type Status struct {
	ID             int64             `json:"id"`
	Kind           domain.TaskKind   `json:"kind"`
	Status         domain.TaskStatus `json:"status"`
	Progress       int               `json:"progress"`
	ETASeconds     int               `json:"eta_seconds"`
	Error          string            `json:"error,omitempty"`
	ErrorKind      domain.ErrorKind  `json:"error_kind,omitempty"`
	RunSeconds     int64             `json:"run_seconds,omitempty"` // while running
	DurationMs     int64             `json:"duration_ms,omitempty"` // once terminal
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ViewsStatus    []string          `json:"views_status,omitempty"`    // finished views of a multi-view task
	CompositeSteps int               `json:"composite_steps,omitempty"` // committed steps of a composite
}

// StatusOf reads several tasks at once. Unknown ids are omitted.
func (s *Service) StatusOf(ctx context.Context, ids []int64) (map[int64]Status, error) {
	out := make(map[int64]Status, len(ids))
	now := s.now()
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		t, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read task %d: %w", id, err)
		}
		if t == nil {
			continue
		}
		out[id] = statusOf(t, now)
	}
	return out, nil
}

func statusOf(t *domain.Task, now time.Time) Status {
	st := Status{
		ID:         t.ID,
		Kind:       t.Kind,
		Status:     t.Status,
		Progress:   t.Progress,
		ETASeconds: t.ETASeconds,
		Error:      t.Error,
		ErrorKind:  t.ErrorKind,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		st.StartedAt = &started
		if t.Status == domain.TaskRunning {
			st.RunSeconds = int64(now.Sub(t.StartedAt).Seconds())
		}
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		st.CompletedAt = &completed
		st.DurationMs = t.Duration().Milliseconds()
	}
	switch r := t.Result.(type) {
	case domain.ViewsResult:
		for v := range r.Views {
			st.ViewsStatus = append(st.ViewsStatus, v)
		}
		sort.Strings(st.ViewsStatus)
	case domain.CompositeResult:
		st.CompositeSteps = len(r.Steps)
	}
	return st
}

// ─── Control ────────────────────────────────────────────────────────────────

// Cancel fails a queued or running task. It reports false when the task had
// already finished.
func (s *Service) Cancel(ctx context.Context, id int64) (bool, error) {
	return s.sched.Cancel(ctx, id)
}

// GlobalStop stops every queued and running task.
func (s *Service) GlobalStop(ctx context.Context) ([]int64, error) {
	return s.sched.GlobalStop(ctx)
}

// ClearLogs deletes an entity's finished tasks.
func (s *Service) ClearLogs(ctx context.Context, owner domain.Owner) (int64, error) {
	if owner.IsZero() {
		return 0, fmt.Errorf("%w: owner required", domain.ErrInvalidPayload)
	}
	n, err := s.store.DeleteTasks(ctx, owner, true)
	if err != nil {
		return 0, err
	}
	s.log.Info("cleared task history", zap.Any("owner", owner), zap.Int64("deleted", n))
	return n, nil
}

// ForceReset deletes every task of an entity. The in-flight task, when it
// belongs to the entity, is cancelled first so the scheduler lets go of it.
func (s *Service) ForceReset(ctx context.Context, owner domain.Owner) (int64, error) {
	if owner.IsZero() {
		return 0, fmt.Errorf("%w: owner required", domain.ErrInvalidPayload)
	}
	if cur := s.sched.Current(); cur != 0 {
		t, err := s.store.GetTask(ctx, cur)
		if err == nil && t != nil && owns(owner, t.Owner) {
			if _, err := s.sched.Cancel(ctx, cur); err != nil {
				s.log.Warn("cancel in-flight task before reset", zap.Int64("task_id", cur), zap.Error(err))
			}
		}
	}
	n, err := s.store.DeleteTasks(ctx, owner, false)
	if err != nil {
		return 0, err
	}
	s.log.Warn("force reset tasks", zap.Any("owner", owner), zap.Int64("deleted", n))
	return n, nil
}

// owns reports whether every reference set in filter matches o.
func owns(filter, o domain.Owner) bool {
	match := func(want, got int64) bool { return want == 0 || want == got }
	return match(filter.ProjectID, o.ProjectID) &&
		match(filter.CharacterID, o.CharacterID) &&
		match(filter.SceneID, o.SceneID) &&
		match(filter.VideoID, o.VideoID)
}
