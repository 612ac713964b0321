package adapter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Story Extraction ───────────────────────────────────────────────────────

// StoryExtract asks the planner for characters and scenes in a story and
// inserts them as drafts. Characters already in the project are reused by
// name, never duplicated.
func (e *Env) StoryExtract(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
	p, _ := task.Payload.(domain.StoryExtractPayload)
	proj, err := e.Store.GetProject(ctx, task.Owner.ProjectID)
	if err != nil {
		return nil, err
	}
	style, err := e.style(ctx, proj.ID)
	if err != nil {
		return nil, err
	}
	existing, err := e.Store.ListCharacters(ctx, proj.ID)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	byName := make(map[string]int64, len(existing))
	names := make([]string, 0, len(existing))
	for _, c := range existing {
		byName[nameKey(c.Name)] = c.ID
		names = append(names, c.Name)
	}
	sink.Progress(10, 0)

	assets, err := e.Planner.StoryAssets(ctx, domain.StoryBrief{
		Story:              p.Story,
		EpisodeStart:       p.EpisodeStart,
		EpisodeEnd:         p.EpisodeEnd,
		ExistingCharacters: names,
		Style:              style,
	})
	if err != nil {
		return nil, err
	}
	sink.Progress(60, 0)

	res := domain.StoryResult{Usage: assets.Usage}
	for _, d := range assets.Characters {
		key := nameKey(d.Name)
		if key == "" || byName[key] != 0 {
			continue
		}
		if err := domain.ContextError(ctx); err != nil {
			return res, err
		}
		c := &domain.Character{
			ProjectID: proj.ID, Name: strings.TrimSpace(d.Name),
			Sex: d.Sex, Mark: d.Mark, Desc: d.Desc, Status: domain.CharacterDraft,
		}
		if err := e.Store.CreateCharacter(ctx, c); err != nil {
			return res, fmt.Errorf("create character %q: %w", d.Name, err)
		}
		byName[key] = c.ID
		res.CharactersCreated++
		sink.Partial(res)
	}

	for _, d := range assets.Scenes {
		if err := domain.ContextError(ctx); err != nil {
			return res, err
		}
		s := &domain.Scene{
			ProjectID: proj.ID, Name: d.Name, SceneType: d.SceneType, BaseDesc: d.BaseDesc,
			Episode: d.Episode, Shot: d.Shot, Status: domain.SceneDraft,
		}
		seen := map[int64]bool{}
		for _, n := range d.Characters {
			if id := byName[nameKey(n)]; id != 0 && !seen[id] {
				seen[id] = true
				s.CharacterIDs = append(s.CharacterIDs, id)
			}
		}
		if err := e.Store.CreateScene(ctx, s); err != nil {
			return res, fmt.Errorf("create scene %q: %w", d.Name, err)
		}
		res.ScenesCreated++
		sink.Partial(res)
	}

	e.Log.Info("story extracted",
		zap.Int64("project_id", proj.ID),
		zap.Int("characters", res.CharactersCreated),
		zap.Int("scenes", res.ScenesCreated))
	return res, nil
}

func nameKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
