package adapter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Text-to-Image ──────────────────────────────────────────────────────────

type imageJob struct {
	pos, neg      string
	width, height int
	seed          int64
	dir           string
}

// renderImage runs the text-to-image workflow and returns the stored path
// of its first image.
func (e *Env) renderImage(ctx context.Context, task *domain.Task, job imageJob, sink Sink) (string, error) {
	b, err := e.load(WorkflowBase)
	if err != nil {
		return "", err
	}
	b.set(nodeBasePos, "value", job.pos)
	b.set(nodeBaseNeg, "text", job.neg)
	b.set(nodeBaseSize, "width", job.width)
	b.set(nodeBaseSize, "height", job.height)
	b.tune(nodeBaseSize, "batch_size", 1)
	b.set(nodeBaseSeed, "seed", job.seed)
	b.set(nodeBaseSave, "filename_prefix", fmt.Sprintf("%d_%s", task.ID, suffix()))

	tr := NewTracker(1, e.now)
	h, err := e.execute(ctx, b, singleProgress(tr, sink))
	if err != nil {
		return "", err
	}
	return e.collect(ctx, h, nodeBaseSave, job.dir)
}

// BaseImage renders a character's base portrait.
func (e *Env) BaseImage(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
	p, _ := task.Payload.(domain.BaseImagePayload)
	c, err := e.Store.GetCharacter(ctx, task.Owner.CharacterID)
	if err != nil {
		return nil, err
	}
	if c.PromptPos == "" {
		return nil, domain.Preconditionf("character %d has no positive prompt", c.ID)
	}
	proj, err := e.Store.GetProject(ctx, c.ProjectID)
	if err != nil {
		return nil, err
	}
	style, err := e.style(ctx, c.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SetCharacterStatus(ctx, c.ID, domain.CharacterGenerating); err != nil {
		return nil, err
	}

	job := imageJob{
		pos:    joinPrompt(stylePos(style), c.PromptPos),
		neg:    joinPrompt(styleNeg(style), c.PromptNeg),
		width:  orInt(p.Width, e.Defaults.Width),
		height: orInt(p.Height, e.Defaults.Height),
		seed:   e.Seed(p.Seed),
		dir:    e.characterDir(proj, c, "base"),
	}
	path, err := e.renderImage(ctx, task, job, sink)
	if err != nil {
		return nil, err
	}

	if c, err = e.Store.GetCharacter(ctx, c.ID); err != nil {
		return nil, err
	}
	c.BaseImagePath = path
	c.Status = domain.CharacterDone
	if err := e.Store.UpdateCharacter(ctx, c); err != nil {
		return nil, fmt.Errorf("save base image: %w", err)
	}
	e.Log.Info("base image generated", zap.Int64("character_id", c.ID), zap.String("path", path))
	return domain.ImageResult{For: domain.KindBaseImage, ImagePath: path}, nil
}

// SceneBase renders a scene background.
func (e *Env) SceneBase(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
	p, _ := task.Payload.(domain.SceneBasePayload)
	s, err := e.Store.GetScene(ctx, task.Owner.SceneID)
	if err != nil {
		return nil, err
	}
	if s.PromptPos == "" {
		return nil, domain.Preconditionf("scene %d has no positive prompt", s.ID)
	}
	proj, err := e.Store.GetProject(ctx, s.ProjectID)
	if err != nil {
		return nil, err
	}
	style, err := e.style(ctx, s.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SetSceneStatus(ctx, s.ID, domain.SceneGenerating); err != nil {
		return nil, err
	}

	job := imageJob{
		pos:    joinPrompt(stylePos(style), s.PromptPos),
		neg:    joinPrompt(styleNeg(style), s.PromptNeg),
		width:  orInt(p.Width, e.Defaults.Width),
		height: orInt(p.Height, e.Defaults.Height),
		seed:   e.Seed(p.Seed),
		dir:    e.sceneDir(proj, s, "base"),
	}
	path, err := e.renderImage(ctx, task, job, sink)
	if err != nil {
		return nil, err
	}

	if s, err = e.Store.GetScene(ctx, s.ID); err != nil {
		return nil, err
	}
	s.BaseImagePath = path
	s.Status = domain.SceneGenerated
	if err := e.Store.UpdateScene(ctx, s); err != nil {
		return nil, fmt.Errorf("save scene base: %w", err)
	}
	return domain.ImageResult{For: domain.KindSceneBase, ImagePath: path}, nil
}

func stylePos(s *domain.StylePreset) string {
	if s == nil {
		return ""
	}
	return s.StylePos
}

func styleNeg(s *domain.StylePreset) string {
	if s == nil {
		return ""
	}
	return s.StyleNeg
}
