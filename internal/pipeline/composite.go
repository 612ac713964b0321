// Package pipeline runs a scene composite as an ordered chain of backend
// jobs. Each step inserts one character into the current scene image and
// its output becomes the next step's background:
//
//	PLAN → (SUBMIT → WAIT → DOWNLOAD → COMMIT)* → FINALIZE
//
// A committed step is never lost: the scene's merged-image pointer moves
// only after the step's artifact is on disk, so a failure at step k leaves
// the scene at step k-1 with status merging.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/adapter"
	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/events"
	"github.com/ktstudio/ktstudio/internal/infra/metrics"
)

// StepRunner executes one composite step on the backend.
type StepRunner interface {
	RunCompositeStep(ctx context.Context, task *domain.Task, in adapter.StepInput) (string, error)
}

// Composite is the SCENE_COMPOSITE adapter.
type Composite struct {
	store   domain.EntityStore
	planner domain.Planner
	runner  StepRunner
	log     *zap.Logger
	now     func() time.Time

	// stepTimeout bounds each SUBMIT→COMMIT step. Zero means unbounded.
	stepTimeout time.Duration
}

var _ adapter.Adapter = (*Composite)(nil)

// New creates the composite pipeline.
func New(store domain.EntityStore, planner domain.Planner, runner StepRunner, log *zap.Logger) *Composite {
	if log == nil {
		log = zap.NewNop()
	}
	return &Composite{store: store, planner: planner, runner: runner, log: log, now: time.Now}
}

// WithStepTimeout bounds every step. A step that overruns fails the task
// with ErrTimeout and keeps the steps committed before it.
func (c *Composite) WithStepTimeout(d time.Duration) *Composite {
	c.stepTimeout = d
	return c
}

// run is the state of one composite execution.
type run struct {
	task     *domain.Task
	scene    *domain.Scene
	project  *domain.Project
	cast     map[int64]*domain.Character
	current  string
	steps    []domain.CompositeStep
	fallback bool
	sink     adapter.Sink
	log      *zap.Logger
}

func (r *run) result(final bool) domain.CompositeResult {
	return domain.CompositeResult{
		Steps:           append([]domain.CompositeStep(nil), r.steps...),
		MergedImagePath: r.current,
		Fallback:        r.fallback,
		Final:           final,
	}
}

// Run plans the composite and executes it step by step.
func (c *Composite) Run(ctx context.Context, task *domain.Task, sink adapter.Sink) (domain.Result, error) {
	p, _ := task.Payload.(domain.SceneCompositePayload)
	scene, err := c.store.GetScene(ctx, task.Owner.SceneID)
	if err != nil {
		return nil, err
	}
	if scene.BaseImagePath == "" {
		return nil, domain.Preconditionf("scene %d has no base image", scene.ID)
	}
	project, err := c.store.GetProject(ctx, scene.ProjectID)
	if err != nil {
		return nil, err
	}
	cast, err := c.store.SceneCharacters(ctx, scene.ID)
	if err != nil {
		return nil, fmt.Errorf("load scene characters: %w", err)
	}

	r := &run{
		task:    task,
		scene:   scene,
		project: project,
		cast:    make(map[int64]*domain.Character, len(cast)),
		current: scene.BaseImagePath,
		sink:    sink,
		log:     c.log.With(zap.Int64("task_id", task.ID), zap.Int64("scene_id", scene.ID)),
	}
	for i := range cast {
		r.cast[cast[i].ID] = &cast[i]
	}

	// A new composite starts again from the background.
	scene.MergedImagePath, scene.FinalImagePath = scene.BaseImagePath, ""
	scene.CompositeSteps, scene.VideoContext = nil, nil
	scene.Status = domain.SceneMerging
	if err := c.store.UpdateScene(ctx, scene); err != nil {
		return nil, fmt.Errorf("reset composite: %w", err)
	}

	if len(cast) == 0 {
		r.log.Info("scene has no characters, background is final")
		return c.finalize(ctx, r)
	}

	steps, err := c.plan(ctx, r, cast)
	if err != nil {
		return nil, err
	}
	sink.Progress(5, 0)

	tr := adapter.NewTracker(len(steps), c.now)
	for i, step := range steps {
		if err := domain.ContextError(ctx); err != nil {
			return r.result(false), err
		}
		if err := c.step(ctx, r, i, step, p.Seed, tr); err != nil {
			metrics.CompositeSteps.WithLabelValues("failed").Inc()
			return r.result(false), err
		}
		tr.BranchFinished()
		pct, eta := tr.Snapshot()
		sink.Progress(pct, eta)
	}
	return c.finalize(ctx, r)
}

// plan asks the planner for an ordered plan, falling back to one front-view
// step per character when the planner fails or names nobody we know.
func (c *Composite) plan(ctx context.Context, r *run, cast []domain.Character) ([]domain.PlanStep, error) {
	roster := Roster(cast)
	var style *domain.StylePreset
	if st, err := c.store.ProjectStyle(ctx, r.scene.ProjectID); err == nil {
		style = st
	}
	plan, err := c.planner.CompositePlan(ctx, domain.PlanRequest{
		SceneBaseDesc: r.scene.BaseDesc,
		SceneDesc:     r.scene.SceneDesc,
		SceneType:     r.scene.SceneType,
		Roster:        roster,
		Style:         style,
	})
	if cerr := domain.ContextError(ctx); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		r.log.Warn("composite planning failed, using fallback plan", zap.Error(err))
		r.fallback = true
		return FallbackPlan(roster), nil
	}
	steps := Normalize(plan, roster)
	if len(steps) == 0 {
		r.log.Warn("composite plan names no scene character, using fallback plan",
			zap.Int("planned_steps", len(plan.Steps)))
		r.fallback = true
		return FallbackPlan(roster), nil
	}
	r.log.Info("composite planned", zap.Int("steps", len(steps)), zap.Int("total_tokens", plan.Usage.TotalTokens))
	return steps, nil
}

// step runs and commits one insertion. A character without any image is
// skipped, not failed.
func (c *Composite) step(ctx context.Context, r *run, i int, step domain.PlanStep, seed int64, tr *adapter.Tracker) error {
	char := r.cast[step.CharacterID]
	image, view := ResolveImage(char, step.ViewKey)
	if image == "" {
		r.log.Warn("character has no image, skipping step",
			zap.Int("step", i), zap.Int64("character_id", char.ID))
		metrics.CompositeSteps.WithLabelValues("skipped").Inc()
		r.sink.Publish(events.CompositeStepSkipped, map[string]any{
			"index": i, "character_id": char.ID, "character_name": char.Name, "reason": "no image",
		})
		return nil
	}

	pos, neg := step.PromptPos, step.PromptNeg
	if len(r.steps) > 0 {
		pos, neg = withKeep(pos, neg)
	}
	stepCtx := ctx
	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeoutCause(ctx, c.stepTimeout, domain.ErrTimeout)
		defer cancel()
	}
	out, err := c.runner.RunCompositeStep(stepCtx, r.task, adapter.StepInput{
		Index:          i,
		Scene:          r.scene,
		Project:        r.project,
		BackgroundPath: r.current,
		CharacterPath:  image,
		PromptPos:      pos,
		PromptNeg:      neg,
		Seed:           seed,
		OnProgress: func(s, total int) {
			tr.Branch(s, total)
			pct, eta := tr.Snapshot()
			r.sink.Progress(pct, eta)
		},
	})
	if err != nil {
		return fmt.Errorf("composite step %d (%s): %w", i, char.Name, err)
	}

	rec := domain.CompositeStep{
		Index:         len(r.steps),
		CharacterID:   char.ID,
		CharacterName: char.Name,
		ViewKey:       view,
		PromptPos:     step.PromptPos,
		PromptNeg:     step.PromptNeg,
		ImagePath:     out,
	}
	if err := c.commit(ctx, r, rec); err != nil {
		return err
	}
	metrics.CompositeSteps.WithLabelValues("committed").Inc()
	r.sink.Publish(events.CompositeStepCommitted, map[string]any{
		"index": rec.Index, "character_id": rec.CharacterID, "character_name": rec.CharacterName,
		"view_key": rec.ViewKey, "image_path": rec.ImagePath,
	})
	r.sink.Partial(r.result(false))
	return nil
}

// commit moves the merged-image pointer and appends the step record in one
// scene update.
func (c *Composite) commit(ctx context.Context, r *run, rec domain.CompositeStep) error {
	scene, err := c.store.GetScene(ctx, r.scene.ID)
	if err != nil {
		return err
	}
	steps := append(append([]domain.CompositeStep(nil), r.steps...), rec)
	scene.MergedImagePath = rec.ImagePath
	scene.CompositeSteps = steps
	scene.Status = domain.SceneMerging
	if err := c.store.UpdateScene(ctx, scene); err != nil {
		return fmt.Errorf("commit composite step %d: %w", rec.Index, err)
	}
	r.scene, r.steps, r.current = scene, steps, rec.ImagePath
	return nil
}

// finalize marks the current image final and records the video context.
func (c *Composite) finalize(ctx context.Context, r *run) (domain.Result, error) {
	scene, err := c.store.GetScene(ctx, r.scene.ID)
	if err != nil {
		return r.result(false), err
	}
	vc := &domain.VideoContext{Scene: scene.SceneDesc}
	if vc.Scene == "" {
		vc.Scene = scene.BaseDesc
	}
	for _, s := range r.steps {
		vc.Characters = append(vc.Characters, domain.VideoContextCharacter{
			CharacterID: s.CharacterID, Name: s.CharacterName, ViewKey: s.ViewKey, Action: s.PromptPos,
		})
	}
	scene.MergedImagePath = r.current
	scene.FinalImagePath = r.current
	scene.CompositeSteps = r.steps
	scene.VideoContext = vc
	scene.Status = domain.SceneMerged
	if err := c.store.UpdateScene(ctx, scene); err != nil {
		return r.result(false), fmt.Errorf("finalize composite: %w", err)
	}
	r.log.Info("composite finished", zap.Int("steps", len(r.steps)), zap.String("image", r.current))
	return r.result(true), nil
}
