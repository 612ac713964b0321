package adapter

import (
	"context"
	"fmt"

	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/comfy"
)

// ─── Composite Step ─────────────────────────────────────────────────────────

// StepInput is one character insertion into the current scene image.
type StepInput struct {
	Index          int
	Scene          *domain.Scene
	Project        *domain.Project
	BackgroundPath string // stored path of the current scene image
	CharacterPath  string // stored path of the character reference
	PromptPos      string
	PromptNeg      string
	Seed           int64 // 0 = configured or random
	OnProgress     func(step, total int)
}

// RunCompositeStep runs the image-edit workflow once and returns the stored
// path of the merged image.
func (e *Env) RunCompositeStep(ctx context.Context, task *domain.Task, in StepInput) (string, error) {
	if err := domain.ContextError(ctx); err != nil {
		return "", err
	}
	b, err := e.load(WorkflowComposite)
	if err != nil {
		return "", err
	}
	scene, err := e.upload(ctx, in.BackgroundPath, "scene image")
	if err != nil {
		return "", err
	}
	char, err := e.upload(ctx, in.CharacterPath, "character image")
	if err != nil {
		return "", err
	}
	b.set(nodeMergeScene, "image", scene)
	b.set(nodeMergeCharacter, "image", char)
	b.set(nodeMergePos, "prompt", in.PromptPos)
	b.set(nodeMergeNeg, "prompt", in.PromptNeg)
	b.set(nodeMergeSeed, "seed", e.Seed(in.Seed))
	b.set(nodeMergeSave, "filename_prefix", fmt.Sprintf("scenemerge_%d_%d", task.ID, in.Index))

	h, err := e.execute(ctx, b, func(ev comfy.Event) error {
		if ev.Type == comfy.EventProgress && in.OnProgress != nil {
			in.OnProgress(ev.Step, ev.Total)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return e.collect(ctx, h, nodeMergeSave, e.sceneDir(in.Project, in.Scene, "merge"))
}
