package adapter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Prompt Generation ──────────────────────────────────────────────────────

// PromptGen writes planner prompts onto a character and marks it ready.
func (e *Env) PromptGen(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
	c, err := e.Store.GetCharacter(ctx, task.Owner.CharacterID)
	if err != nil {
		return nil, err
	}
	style, err := e.style(ctx, c.ProjectID)
	if err != nil {
		return nil, err
	}
	sink.Progress(10, 0)

	ps, err := e.Planner.CharacterPrompts(ctx, domain.CharacterBrief{
		Name: c.Name, Sex: c.Sex, Mark: c.Mark, Desc: c.Desc, Style: style,
	})
	if err != nil {
		return nil, err
	}

	// Re-read so a concurrent edit of other fields is not lost.
	if c, err = e.Store.GetCharacter(ctx, c.ID); err != nil {
		return nil, err
	}
	c.PromptPos, c.PromptNeg = ps.PromptPos, ps.PromptNeg
	if c.Status != domain.CharacterDone {
		c.Status = domain.CharacterReady
	}
	if err := e.Store.UpdateCharacter(ctx, c); err != nil {
		return nil, fmt.Errorf("save character prompts: %w", err)
	}
	e.Log.Info("character prompts generated",
		zap.Int64("character_id", c.ID), zap.Int("total_tokens", ps.Usage.TotalTokens))

	return domain.PromptResult{For: domain.KindPromptGen, PromptPos: ps.PromptPos, PromptNeg: ps.PromptNeg, Usage: ps.Usage}, nil
}

// ScenePrompt writes planner prompts onto a scene.
func (e *Env) ScenePrompt(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
	s, err := e.Store.GetScene(ctx, task.Owner.SceneID)
	if err != nil {
		return nil, err
	}
	style, err := e.style(ctx, s.ProjectID)
	if err != nil {
		return nil, err
	}
	cast, err := e.Store.SceneCharacters(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("load scene characters: %w", err)
	}
	names := make([]string, 0, len(cast))
	for _, c := range cast {
		names = append(names, c.Name)
	}
	if err := e.Store.SetSceneStatus(ctx, s.ID, domain.SceneGeneratingPrompt); err != nil {
		return nil, err
	}
	sink.Progress(10, 0)

	ps, err := e.Planner.ScenePrompts(ctx, domain.SceneBrief{
		Name: s.Name, SceneType: s.SceneType, BaseDesc: s.BaseDesc,
		Episode: s.Episode, Shot: s.Shot, Characters: names, Style: style,
	})
	if err != nil {
		return nil, err
	}

	if s, err = e.Store.GetScene(ctx, s.ID); err != nil {
		return nil, err
	}
	s.PromptPos, s.PromptNeg = ps.PromptPos, ps.PromptNeg
	s.Status = domain.SceneGeneratedPrompt
	if err := e.Store.UpdateScene(ctx, s); err != nil {
		return nil, fmt.Errorf("save scene prompts: %w", err)
	}
	return domain.PromptResult{For: domain.KindScenePrompt, PromptPos: ps.PromptPos, PromptNeg: ps.PromptNeg, Usage: ps.Usage}, nil
}

// VideoPrompt builds video prompts from the merged scene's video context.
// The video keeps its status; only the prompts change.
func (e *Env) VideoPrompt(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
	v, err := e.Store.GetVideo(ctx, task.Owner.VideoID)
	if err != nil {
		return nil, err
	}
	s, err := e.Store.GetScene(ctx, v.SceneID)
	if err != nil {
		return nil, err
	}
	if s.FinalImagePath == "" || s.VideoContext == nil {
		return nil, domain.Preconditionf("scene %d has no final composite", s.ID)
	}
	style, err := e.style(ctx, v.ProjectID)
	if err != nil {
		return nil, err
	}
	sink.Progress(10, 0)

	ps, err := e.Planner.VideoPrompts(ctx, domain.VideoBrief{SceneName: s.Name, Context: *s.VideoContext, Style: style})
	if err != nil {
		return nil, err
	}
	if v, err = e.Store.GetVideo(ctx, v.ID); err != nil {
		return nil, err
	}
	v.PromptPos, v.PromptNeg = ps.PromptPos, ps.PromptNeg
	if err := e.Store.UpdateVideo(ctx, v); err != nil {
		return nil, fmt.Errorf("save video prompts: %w", err)
	}
	return domain.VideoPromptResult{PromptPos: ps.PromptPos, PromptNeg: ps.PromptNeg, Usage: ps.Usage}, nil
}
