// Package adapter runs one task kind against the generation backend or the
// planner. Every adapter follows the same protocol: progress, partial
// results and observer events go to a Sink; cancellation arrives through
// the context and is checked before submission and on every stream event.
package adapter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/comfy"
	"github.com/ktstudio/ktstudio/internal/infra/events"
)

// ─── Contract ───────────────────────────────────────────────────────────────

// Sink receives everything an adapter reports while it runs.
type Sink interface {
	// Progress reports percent (0-99 while running) and an ETA in seconds.
	Progress(percent, etaSeconds int)
	// Partial persists an incomplete result so a failure keeps it.
	Partial(r domain.Result)
	// Publish notifies observers.
	Publish(typ events.Type, data map[string]any)
}

// Adapter executes one task kind.
type Adapter interface {
	Run(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error)
}

// Func adapts a plain function to Adapter.
type Func func(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
	return f(ctx, task, sink)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Progress(int, int)                    {}
func (NopSink) Partial(domain.Result)                {}
func (NopSink) Publish(events.Type, map[string]any) {}

// ─── Environment ────────────────────────────────────────────────────────────

// Defaults fill payload fields left at zero.
type Defaults struct {
	Seed        int64 // 0 = random per task
	Width       int
	Height      int
	VideoWidth  int
	VideoHeight int
	VideoLength int
	VideoFPS    int
}

// DefaultDefaults returns the stock render settings.
func DefaultDefaults() Defaults {
	return Defaults{
		Width:       512,
		Height:      768,
		VideoWidth:  640,
		VideoHeight: 640,
		VideoLength: 81,
		VideoFPS:    16,
	}
}

// Env is what every adapter needs: the backend, the entity store, the
// planner, workflow templates and the output tree.
type Env struct {
	Backend   *comfy.Client
	Store     domain.EntityStore
	Planner   domain.Planner
	Templates *comfy.Templates
	OutputDir string
	Defaults  Defaults
	Log       *zap.Logger
	Now       func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEnv wires an adapter environment.
func NewEnv(backend *comfy.Client, store domain.EntityStore, planner domain.Planner,
	templates *comfy.Templates, outputDir string, defaults Defaults, log *zap.Logger) *Env {
	if log == nil {
		log = zap.NewNop()
	}
	return &Env{
		Backend:   backend,
		Store:     store,
		Planner:   planner,
		Templates: templates,
		OutputDir: outputDir,
		Defaults:  defaults,
		Log:       log,
		Now:       time.Now,
		rnd:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6b74)),
	}
}

// Adapters returns the adapter for every kind except SCENE_COMPOSITE,
// which the composite pipeline provides on top of RunCompositeStep.
func (e *Env) Adapters() map[domain.TaskKind]Adapter {
	return map[domain.TaskKind]Adapter{
		domain.KindPromptGen:    e.WithEntityStatus(Func(e.PromptGen)),
		domain.KindBaseImage:    e.WithEntityStatus(Func(e.BaseImage)),
		domain.KindMultiView:    e.WithEntityStatus(Func(e.MultiView)),
		domain.KindScenePrompt:  e.WithEntityStatus(Func(e.ScenePrompt)),
		domain.KindSceneBase:    e.WithEntityStatus(Func(e.SceneBase)),
		domain.KindVideoPrompt:  e.WithEntityStatus(Func(e.VideoPrompt)),
		domain.KindVideoRender:  e.WithEntityStatus(Func(e.VideoRender)),
		domain.KindStoryExtract: Func(e.StoryExtract),
	}
}

// Seed resolves a payload seed: explicit, then configured, then random.
func (e *Env) Seed(payload int64) int64 {
	if payload > 0 {
		return payload
	}
	if e.Defaults.Seed > 0 {
		return e.Defaults.Seed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return 1 + e.rnd.Int64N(9_999_999_999)
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// suffix is the random part of a filename prefix, so re-runs of a task
// never collide with the backend's own counter.
func suffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ─── Output Tree ────────────────────────────────────────────────────────────
// Stored artifact paths are relative to OutputDir, slash-separated:
//   <project>/players/<id>_<name>/{base,views}/
//   <project>/scenes/<id>_<name>/{base,merge,video}/

// Abs resolves a stored artifact path.
func (e *Env) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.OutputDir, filepath.FromSlash(p))
}

// Rel converts an absolute path under OutputDir to its stored form.
func (e *Env) Rel(abs string) string {
	rel, err := filepath.Rel(e.OutputDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// Exists reports whether a stored artifact is on disk.
func (e *Env) Exists(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(e.Abs(p))
	return err == nil && !st.IsDir()
}

func (e *Env) characterDir(p *domain.Project, c *domain.Character, leaf string) string {
	return filepath.Join(e.OutputDir, projectFolder(p), "players", fmt.Sprintf("%d_%s", c.ID, safeName(c.Name)), leaf)
}

func (e *Env) sceneDir(p *domain.Project, s *domain.Scene, leaf string) string {
	return filepath.Join(e.OutputDir, projectFolder(p), "scenes", fmt.Sprintf("%d_%s", s.ID, safeName(s.Name)), leaf)
}

func projectFolder(p *domain.Project) string {
	if p.Code != "" {
		return safeName(p.Code)
	}
	return fmt.Sprintf("project_%d", p.ID)
}

// safeName drops characters that are not allowed in folder names.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(`\/*?:"<>|`, r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// style loads the project's style preset; a missing preset is not an error.
func (e *Env) style(ctx context.Context, projectID int64) (*domain.StylePreset, error) {
	st, err := e.Store.ProjectStyle(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load style: %w", err)
	}
	return st, nil
}

// joinPrompt prefixes a subject prompt with the style text.
func joinPrompt(style, subject string) string {
	switch {
	case style == "":
		return subject
	case subject == "":
		return style
	}
	return style + "\n" + subject
}
