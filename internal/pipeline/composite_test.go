package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktstudio/ktstudio/internal/adapter"
	"github.com/ktstudio/ktstudio/internal/adapter/adaptertest"
	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/events"
	"github.com/ktstudio/ktstudio/internal/infra/sqlite"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeRunner struct {
	mu     sync.Mutex
	inputs []adapter.StepInput
	failAt int // step index that fails, -1 for none
	hangAt int // step index that blocks until its context ends, -1 for none
	before func(i int)
}

func (r *fakeRunner) RunCompositeStep(ctx context.Context, task *domain.Task, in adapter.StepInput) (string, error) {
	if r.before != nil {
		r.before(in.Index)
	}
	if in.Index == r.hangAt {
		<-ctx.Done()
	}
	if err := domain.ContextError(ctx); err != nil {
		return "", err
	}
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	if in.OnProgress != nil {
		in.OnProgress(10, 20)
	}
	if in.Index == r.failAt {
		return "", domain.Backendf(nil, "node 3: OutOfMemory")
	}
	return fmt.Sprintf("KT01/scenes/merge/step%d.png", in.Index), nil
}

type sink struct {
	mu       sync.Mutex
	partials []domain.Result
	events   []events.Type
}

func (s *sink) Progress(int, int) {}

func (s *sink) Partial(r domain.Result) {
	s.mu.Lock()
	s.partials = append(s.partials, r)
	s.mu.Unlock()
}

func (s *sink) Publish(typ events.Type, _ map[string]any) {
	s.mu.Lock()
	s.events = append(s.events, typ)
	s.mu.Unlock()
}

// ─── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	db      *sqlite.DB
	planner *adaptertest.Planner
	runner  *fakeRunner
	comp    *Composite
	project *domain.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	proj := &domain.Project{Code: "KT01", Name: "Pilot"}
	require.NoError(t, db.CreateProject(context.Background(), proj))

	planner := &adaptertest.Planner{}
	runner := &fakeRunner{failAt: -1, hangAt: -1}
	return &fixture{
		db:      db,
		planner: planner,
		runner:  runner,
		comp:    New(db, planner, runner, nil),
		project: proj,
	}
}

func (f *fixture) character(t *testing.T, name string, views map[string]string) *domain.Character {
	t.Helper()
	c := &domain.Character{ProjectID: f.project.ID, Name: name, Views: views}
	if views == nil {
		c.BaseImagePath = "KT01/players/" + name + "/base.png"
	}
	require.NoError(t, f.db.CreateCharacter(context.Background(), c))
	return c
}

func (f *fixture) scene(t *testing.T, cast ...*domain.Character) *domain.Scene {
	t.Helper()
	s := &domain.Scene{
		ProjectID:     f.project.ID,
		Name:          "Harbor",
		BaseDesc:      "a quiet harbor",
		SceneDesc:     "a quiet harbor at dawn, fog over the water",
		BaseImagePath: "KT01/scenes/harbor/base.png",
	}
	for _, c := range cast {
		s.CharacterIDs = append(s.CharacterIDs, c.ID)
	}
	require.NoError(t, f.db.CreateScene(context.Background(), s))
	return s
}

func (f *fixture) run(t *testing.T, ctx context.Context, s *domain.Scene, out adapter.Sink) (domain.Result, error) {
	t.Helper()
	task, err := domain.NewTask(domain.KindSceneComposite, domain.Owner{SceneID: s.ID}, domain.SceneCompositePayload{Seed: 7})
	require.NoError(t, err)
	task.ID = 9
	return f.comp.Run(ctx, task, out)
}

func (f *fixture) reload(t *testing.T, id int64) *domain.Scene {
	t.Helper()
	s, err := f.db.GetScene(context.Background(), id)
	require.NoError(t, err)
	return s
}

// ─── Run ────────────────────────────────────────────────────────────────────

func TestComposite_ChainsStepOutputs(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", nil)
	b := f.character(t, "Oren", nil)
	c := f.character(t, "Tess", nil)
	s := f.scene(t, a, b, c)
	out := &sink{}

	res, err := f.run(t, context.Background(), s, out)
	require.NoError(t, err)

	in := f.runner.inputs
	require.Len(t, in, 3)
	assert.Equal(t, s.BaseImagePath, in[0].BackgroundPath)
	assert.Equal(t, "KT01/scenes/merge/step0.png", in[1].BackgroundPath)
	assert.Equal(t, "KT01/scenes/merge/step1.png", in[2].BackgroundPath)
	assert.Equal(t, a.BaseImagePath, in[0].CharacterPath)
	assert.Equal(t, int64(7), in[0].Seed)
	assert.Equal(t, "insert Mira", in[0].PromptPos)
	assert.Contains(t, in[1].PromptPos, keepPos)
	assert.Contains(t, in[2].PromptNeg, keepNeg)

	cr := res.(domain.CompositeResult)
	assert.True(t, cr.Final)
	assert.False(t, cr.Fallback)
	assert.Len(t, cr.Steps, 3)
	assert.Equal(t, "KT01/scenes/merge/step2.png", cr.MergedImagePath)

	got := f.reload(t, s.ID)
	assert.Equal(t, domain.SceneMerged, got.Status)
	assert.Equal(t, "KT01/scenes/merge/step2.png", got.FinalImagePath)
	assert.Equal(t, got.FinalImagePath, got.MergedImagePath)
	require.Len(t, got.CompositeSteps, 3)
	assert.Equal(t, "Oren", got.CompositeSteps[1].CharacterName)
	require.NotNil(t, got.VideoContext)
	assert.Equal(t, s.SceneDesc, got.VideoContext.Scene)
	require.Len(t, got.VideoContext.Characters, 3)
	assert.Equal(t, "insert Tess", got.VideoContext.Characters[2].Action)

	assert.Len(t, out.partials, 3)
	assert.Len(t, out.events, 3)
}

func TestComposite_FailureKeepsCommittedSteps(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", nil)
	b := f.character(t, "Oren", nil)
	s := f.scene(t, a, b)
	f.runner.failAt = 1

	res, err := f.run(t, context.Background(), s, &sink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBackend))

	cr := res.(domain.CompositeResult)
	assert.False(t, cr.Final)
	require.Len(t, cr.Steps, 1)
	assert.Equal(t, "KT01/scenes/merge/step0.png", cr.MergedImagePath)

	got := f.reload(t, s.ID)
	assert.Equal(t, domain.SceneMerging, got.Status)
	assert.Equal(t, "KT01/scenes/merge/step0.png", got.MergedImagePath)
	assert.Empty(t, got.FinalImagePath)
	assert.Len(t, got.CompositeSteps, 1)
	assert.True(t, got.PartiallyMerged())
}

func TestComposite_FallbackOnPlannerError(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", nil)
	b := f.character(t, "Oren", nil)
	s := f.scene(t, b, a)
	f.planner.Err = domain.Planningf(nil, "planner down")

	res, err := f.run(t, context.Background(), s, &sink{})
	require.NoError(t, err)

	cr := res.(domain.CompositeResult)
	assert.True(t, cr.Fallback)
	require.Len(t, f.runner.inputs, 2)
	// Fallback order is the roster order, by character id.
	assert.Equal(t, a.BaseImagePath, f.runner.inputs[0].CharacterPath)
	assert.Contains(t, f.runner.inputs[0].PromptPos, "Insert Mira")
	assert.Contains(t, f.runner.inputs[0].PromptNeg, fallbackNeg)
}

func TestComposite_DropsUnknownAndRepeatedCharacters(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", nil)
	b := f.character(t, "Oren", nil)
	s := f.scene(t, a, b)
	f.planner.Plan = &domain.Plan{Steps: []domain.PlanStep{
		{CharacterName: "oren", PromptPos: "Oren walks in"},
		{CharacterID: 999, CharacterName: "Ghost"},
		{CharacterID: b.ID, PromptPos: "Oren again"},
		{CharacterID: a.ID, ViewKey: "FRONT"},
	}}

	res, err := f.run(t, context.Background(), s, &sink{})
	require.NoError(t, err)

	steps := res.(domain.CompositeResult).Steps
	require.Len(t, steps, 2)
	assert.Equal(t, b.ID, steps[0].CharacterID)
	assert.Equal(t, "Oren walks in", steps[0].PromptPos)
	assert.Equal(t, a.ID, steps[1].CharacterID)
	assert.Equal(t, domain.ViewFront, steps[1].ViewKey)
}

func TestComposite_EmptyPlanFallsBack(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", nil)
	s := f.scene(t, a)
	f.planner.Plan = &domain.Plan{Steps: []domain.PlanStep{{CharacterName: "Nobody"}}}

	res, err := f.run(t, context.Background(), s, &sink{})
	require.NoError(t, err)
	assert.True(t, res.(domain.CompositeResult).Fallback)
	assert.Len(t, f.runner.inputs, 1)
}

func TestComposite_NoCharactersFinalizesBackground(t *testing.T) {
	f := newFixture(t)
	s := f.scene(t)

	res, err := f.run(t, context.Background(), s, &sink{})
	require.NoError(t, err)

	assert.Zero(t, f.planner.CallCount())
	assert.Empty(t, f.runner.inputs)
	cr := res.(domain.CompositeResult)
	assert.True(t, cr.Final)
	assert.Equal(t, s.BaseImagePath, cr.MergedImagePath)

	got := f.reload(t, s.ID)
	assert.Equal(t, domain.SceneMerged, got.Status)
	assert.Equal(t, s.BaseImagePath, got.FinalImagePath)
}

func TestComposite_MissingBaseImage(t *testing.T) {
	f := newFixture(t)
	s := f.scene(t)
	s.BaseImagePath = ""
	require.NoError(t, f.db.UpdateScene(context.Background(), s))

	_, err := f.run(t, context.Background(), s, &sink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPrecondition))
	assert.Zero(t, f.planner.CallCount())
}

func TestComposite_SkipsCharacterWithoutImage(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", map[string]string{})
	b := f.character(t, "Oren", nil)
	s := f.scene(t, a, b)
	out := &sink{}

	res, err := f.run(t, context.Background(), s, out)
	require.NoError(t, err)

	cr := res.(domain.CompositeResult)
	require.Len(t, cr.Steps, 1)
	assert.Equal(t, b.ID, cr.Steps[0].CharacterID)
	assert.Equal(t, 0, cr.Steps[0].Index)
	// The first committed step gets no keep directive.
	assert.Equal(t, "insert Oren", f.runner.inputs[0].PromptPos)
	assert.Contains(t, out.events, events.CompositeStepSkipped)
}

func TestComposite_StopsBetweenSteps(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", nil)
	b := f.character(t, "Oren", nil)
	s := f.scene(t, a, b)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	out := &sink{}
	f.runner.before = func(i int) {
		if i == 1 {
			cancel(domain.ErrCancelled)
		}
	}

	res, err := f.run(t, ctx, s, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCancelled))
	assert.Len(t, res.(domain.CompositeResult).Steps, 1)
	assert.Equal(t, "KT01/scenes/merge/step0.png", f.reload(t, s.ID).MergedImagePath)
}

func TestComposite_StepTimeout(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", nil)
	b := f.character(t, "Oren", nil)
	s := f.scene(t, a, b)
	f.comp.WithStepTimeout(50 * time.Millisecond)
	f.runner.hangAt = 1

	res, err := f.run(t, context.Background(), s, &sink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.Equal(t, domain.ErrorKindTimeout, domain.ClassifyError(err))
	assert.Len(t, res.(domain.CompositeResult).Steps, 1)
	assert.Equal(t, domain.SceneMerging, f.reload(t, s.ID).Status)
}

func TestComposite_RestartClearsPreviousRun(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", nil)
	s := f.scene(t, a)
	s.MergedImagePath = "old.png"
	s.FinalImagePath = "old.png"
	s.Status = domain.SceneMerged
	require.NoError(t, f.db.UpdateScene(context.Background(), s))

	f.runner.failAt = 0
	_, err := f.run(t, context.Background(), s, &sink{})
	require.Error(t, err)

	got := f.reload(t, s.ID)
	assert.Equal(t, s.BaseImagePath, got.MergedImagePath)
	assert.Empty(t, got.FinalImagePath)
	assert.Empty(t, got.CompositeSteps)
	assert.Equal(t, domain.SceneMerging, got.Status)
	assert.False(t, got.PartiallyMerged())
}

func TestComposite_FirstStepFailureKeepsBackground(t *testing.T) {
	f := newFixture(t)
	a := f.character(t, "Mira", nil)
	s := f.scene(t, a)
	f.runner.failAt = 0

	res, err := f.run(t, context.Background(), s, &sink{})
	require.Error(t, err)

	cr := res.(domain.CompositeResult)
	assert.Empty(t, cr.Steps)
	assert.Equal(t, s.BaseImagePath, cr.MergedImagePath)
	assert.Equal(t, s.BaseImagePath, f.reload(t, s.ID).MergedImagePath)
}

// ─── Plans ──────────────────────────────────────────────────────────────────

func TestResolveImage(t *testing.T) {
	full := &domain.Character{
		BaseImagePath: "base.png",
		Views:         map[string]string{"left45": "l45.png", "aerial": "air.png"},
	}
	viewsOnly := &domain.Character{Views: map[string]string{"aerial": "air.png", "left90": "l90.png"}}
	baseOnly := &domain.Character{BaseImagePath: "base.png"}

	tests := []struct {
		name     string
		c        *domain.Character
		view     string
		wantPath string
		wantView string
	}{
		{"requested view", full, "left45", "l45.png", "left45"},
		{"front uses base", full, domain.ViewFront, "base.png", domain.ViewFront},
		{"empty view uses base", full, "", "base.png", domain.ViewFront},
		{"missing view falls back to another view", full, "low", "air.png", "aerial"},
		{"missing view with no views uses base", baseOnly, "close", "base.png", domain.ViewFront},
		{"no base uses first canonical view", viewsOnly, domain.ViewFront, "air.png", "aerial"},
		{"nothing", &domain.Character{}, "left45", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, view := ResolveImage(tt.c, tt.view)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantView, view)
		})
	}
}

func TestRoster_SortedWithViewKeys(t *testing.T) {
	roster := Roster([]domain.Character{
		{ID: 5, Name: "Oren", Mark: "scarred"},
		{ID: 2, Name: "Mira", Desc: "tall sailor", Views: map[string]string{"aerial": "a.png"}},
	})
	require.Len(t, roster, 2)
	assert.Equal(t, int64(2), roster[0].CharacterID)
	assert.Equal(t, "tall sailor", roster[0].Appearance)
	assert.Equal(t, []string{domain.ViewFront, "aerial"}, roster[0].ViewKeys)
	assert.Equal(t, "scarred", roster[1].Appearance)
}
