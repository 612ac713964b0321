package adapter

import (
	"context"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// WithEntityStatus wraps an adapter so a failure marks the owning entity
// failed. A scene with committed composite steps keeps merging, so its
// intermediate image stays meaningful.
func (e *Env) WithEntityStatus(a Adapter) Adapter {
	return Func(func(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
		res, err := a.Run(ctx, task, sink)
		if err != nil {
			// The task context may already be cancelled.
			e.markFailed(context.WithoutCancel(ctx), task)
		}
		return res, err
	})
}

func (e *Env) markFailed(ctx context.Context, task *domain.Task) {
	var err error
	o := task.Owner
	switch {
	case o.CharacterID != 0:
		err = e.Store.SetCharacterStatus(ctx, o.CharacterID, domain.CharacterFailed)
	case o.SceneID != 0:
		var s *domain.Scene
		if s, err = e.Store.GetScene(ctx, o.SceneID); err == nil {
			status := domain.SceneFailed
			if s.PartiallyMerged() {
				status = domain.SceneMerging
			}
			err = e.Store.SetSceneStatus(ctx, s.ID, status)
		}
	case o.VideoID != 0:
		err = e.Store.SetVideoStatus(ctx, o.VideoID, domain.VideoFailed)
	}
	if err != nil {
		e.Log.Warn("could not mark entity failed", zap.Int64("task_id", task.ID), zap.Error(err))
	}
}
