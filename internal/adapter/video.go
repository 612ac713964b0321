package adapter

import (
	"context"
	"fmt"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Image-to-Video ─────────────────────────────────────────────────────────

// VideoRender renders a clip from the scene's final composite.
func (e *Env) VideoRender(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
	p, _ := task.Payload.(domain.VideoRenderPayload)
	v, err := e.Store.GetVideo(ctx, task.Owner.VideoID)
	if err != nil {
		return nil, err
	}
	s, err := e.Store.GetScene(ctx, v.SceneID)
	if err != nil {
		return nil, err
	}
	if s.FinalImagePath == "" {
		return nil, domain.Preconditionf("scene %d has no final composite", s.ID)
	}
	if !e.Exists(s.FinalImagePath) {
		return nil, domain.Preconditionf("scene %d final image missing on disk", s.ID)
	}
	proj, err := e.Store.GetProject(ctx, s.ProjectID)
	if err != nil {
		return nil, err
	}
	b, err := e.load(WorkflowVideo)
	if err != nil {
		return nil, err
	}
	if err := domain.ContextError(ctx); err != nil {
		return nil, err
	}
	if err := e.Store.SetVideoStatus(ctx, v.ID, domain.VideoGenerating); err != nil {
		return nil, err
	}
	image, err := e.upload(ctx, s.FinalImagePath, "final image")
	if err != nil {
		return nil, err
	}

	b.set(nodeVideoImage, "image", image)
	b.set(nodeVideoPos, "text", v.PromptPos)
	b.set(nodeVideoNeg, "text", v.PromptNeg)
	b.set(nodeVideoParams, "width", orInt(p.Width, e.Defaults.VideoWidth))
	b.set(nodeVideoParams, "height", orInt(p.Height, e.Defaults.VideoHeight))
	b.set(nodeVideoParams, "length", orInt(p.Length, e.Defaults.VideoLength))
	b.set(nodeVideoFPS, "fps", orInt(p.FPS, e.Defaults.VideoFPS))
	b.set(nodeVideoSeed, "noise_seed", e.Seed(p.Seed))
	b.set(nodeVideoSave, "filename_prefix", fmt.Sprintf("video_%d_%s", task.ID, suffix()))

	tr := NewTracker(1, e.now)
	h, err := e.execute(ctx, b, singleProgress(tr, sink))
	if err != nil {
		return nil, err
	}
	path, err := e.collect(ctx, h, nodeVideoSave, e.sceneDir(proj, s, "video"))
	if err != nil {
		return nil, err
	}

	if v, err = e.Store.GetVideo(ctx, v.ID); err != nil {
		return nil, err
	}
	v.VideoPath = path
	v.Status = domain.VideoCompleted
	if err := e.Store.UpdateVideo(ctx, v); err != nil {
		return nil, fmt.Errorf("save video: %w", err)
	}
	return domain.VideoResult{VideoPath: path}, nil
}
