// Package batch drives multi-stage generation over every character or scene
// of a project. Each stage is an ordinary task: the supervisor queues it,
// waits for it to finish and moves on. A global stop aborts the whole batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config bounds how long the supervisor waits for each stage.
type Config struct {
	PollInterval     time.Duration
	PromptTimeout    time.Duration
	ImageTimeout     time.Duration
	ViewsTimeout     time.Duration
	CompositeTimeout time.Duration

	// Payload defaults for image stages. Zero lets the adapter decide.
	Seed   int64
	Width  int
	Height int
}

// DefaultConfig returns production batch defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		PromptTimeout:    300 * time.Second,
		ImageTimeout:     600 * time.Second,
		ViewsTimeout:     900 * time.Second,
		CompositeTimeout: 1800 * time.Second,
		Width:            512,
		Height:           768,
	}
}

// Flow names a batch flow.
type Flow string

const (
	FlowBaseImages Flow = "base"
	FlowComplete   Flow = "complete"
	FlowScenes     Flow = "scenes"
)

// ParseFlow validates a flow name.
func ParseFlow(s string) (Flow, error) {
	switch f := Flow(s); f {
	case FlowBaseImages, FlowComplete, FlowScenes:
		return f, nil
	}
	return "", fmt.Errorf("unknown batch flow %q (want base, complete or scenes)", s)
}

func (f Flow) module() string {
	switch f {
	case FlowBaseImages:
		return "Batch Base"
	case FlowComplete:
		return "Batch Complete"
	default:
		return "Batch Scenes"
	}
}

// ─── Supervisor ─────────────────────────────────────────────────────────────

// Tasks is the slice of the task service the supervisor needs.
type Tasks interface {
	Create(ctx context.Context, kind domain.TaskKind, owner domain.Owner, payload domain.Payload) (*domain.Task, error)
	Get(ctx context.Context, id int64) (*domain.Task, error)
}

// Report summarizes one batch run.
type Report struct {
	Flow      Flow `json:"flow"`
	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	Stopped   bool `json:"stopped"`
}

// Supervisor runs batch flows.
type Supervisor struct {
	tasks    Tasks
	entities domain.EntityStore
	log      *zap.Logger
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a supervisor.
func New(tasks Tasks, entities domain.EntityStore, cfg Config, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Supervisor{tasks: tasks, entities: entities, log: log, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run dispatches a flow by name.
func (s *Supervisor) Run(ctx context.Context, flow Flow, projectID int64) (Report, error) {
	switch flow {
	case FlowBaseImages:
		return s.GenerateBaseImages(ctx, projectID)
	case FlowComplete:
		return s.GenerateComplete(ctx, projectID)
	case FlowScenes:
		return s.GenerateScenes(ctx, projectID)
	}
	return Report{}, fmt.Errorf("unknown batch flow %q", flow)
}

// ─── Waiting ────────────────────────────────────────────────────────────────

var errWaitTimeout = errors.New("timed out waiting for task")

// wait polls a task until it is terminal. A failure caused by a global stop
// becomes ErrBatchStopped. A timeout leaves the task running.
func (s *Supervisor) wait(ctx context.Context, id int64, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		t, err := s.tasks.Get(ctx, id)
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			return fmt.Errorf("task %d disappeared", id)
		case err != nil:
			return err
		case t.Status == domain.TaskDone:
			return nil
		case t.Stopped():
			return domain.ErrBatchStopped
		case t.Status == domain.TaskFailed:
			return fmt.Errorf("task %d failed (%s): %s", id, t.ErrorKind, t.Error)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return fmt.Errorf("%w %d after %s", errWaitTimeout, id, timeout)
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// ─── Run State ──────────────────────────────────────────────────────────────

type run struct {
	s      *Supervisor
	flow   Flow
	report Report
	index  int
	log    *zap.Logger
}

func (s *Supervisor) start(ctx context.Context, flow Flow, projectID int64, total int, name string) *run {
	r := &run{
		s:      s,
		flow:   flow,
		report: Report{Flow: flow, Total: total},
		log:    s.log.With(zap.String("flow", string(flow)), zap.Int64("project_id", projectID)),
	}
	r.logf(ctx, domain.LogInfo, "starting batch for project %s (%d items)", name, total)
	return r
}

func (r *run) progress() string {
	return fmt.Sprintf("[%d/%d]", r.index, r.report.Total)
}

// logf writes one line to the system log and to zap.
func (r *run) logf(ctx context.Context, level domain.LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	entry := domain.SystemLog{Module: r.flow.module(), Title: r.progress(), Content: msg, Level: level}
	if err := r.s.entities.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		r.log.Warn("write batch log entry", zap.Error(err))
	}
	fields := []zap.Field{zap.String("progress", r.progress())}
	switch level {
	case domain.LogError:
		r.log.Error(msg, fields...)
	case domain.LogWarning:
		r.log.Warn(msg, fields...)
	default:
		r.log.Info(msg, fields...)
	}
}

// stage queues one task and waits for it. The returned error is
// ErrBatchStopped, a context error, or a per-item failure.
func (r *run) stage(ctx context.Context, kind domain.TaskKind, owner domain.Owner, payload domain.Payload, timeout time.Duration) error {
	t, err := r.s.tasks.Create(ctx, kind, owner, payload)
	if err != nil {
		return fmt.Errorf("queue %s: %w", kind, err)
	}
	return r.s.wait(ctx, t.ID, timeout)
}

// fatal reports whether err ends the batch rather than the item.
func fatal(err error) bool {
	return errors.Is(err, domain.ErrBatchStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// abort records why the batch ended early.
func (r *run) abort(ctx context.Context, err error) (Report, error) {
	if errors.Is(err, domain.ErrBatchStopped) {
		r.report.Stopped = true
		r.logf(ctx, domain.LogWarning, "global stop received, batch aborted")
		metrics.BatchRuns.WithLabelValues(string(r.flow), "stopped").Inc()
		return r.report, domain.ErrBatchStopped
	}
	r.logf(ctx, domain.LogError, "batch interrupted: %v", err)
	metrics.BatchRuns.WithLabelValues(string(r.flow), "error").Inc()
	return r.report, err
}

func (r *run) finish(ctx context.Context) (Report, error) {
	r.index = r.report.Total
	r.logf(ctx, domain.LogInfo, "batch finished: %d succeeded, %d skipped, %d failed",
		r.report.Succeeded, r.report.Skipped, r.report.Failed)
	metrics.BatchRuns.WithLabelValues(string(r.flow), "completed").Inc()
	return r.report, nil
}

// itemFailed logs a per-item failure and counts it.
func (r *run) itemFailed(ctx context.Context, what string, err error) {
	r.report.Failed++
	r.logf(ctx, domain.LogError, "%s: %v", what, err)
}

func (s *Supervisor) imagePayload(kind domain.TaskKind) domain.Payload {
	if kind == domain.KindSceneBase {
		return domain.SceneBasePayload{Width: s.cfg.Width, Height: s.cfg.Height, Seed: s.cfg.Seed}
	}
	return domain.BaseImagePayload{Width: s.cfg.Width, Height: s.cfg.Height, Seed: s.cfg.Seed}
}

// ─── Flows ──────────────────────────────────────────────────────────────────

// GenerateBaseImages gives every unfinished character prompts and a base
// portrait.
func (s *Supervisor) GenerateBaseImages(ctx context.Context, projectID int64) (Report, error) {
	project, err := s.entities.GetProject(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	chars, err := s.entities.ListCharacters(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	r := s.start(ctx, FlowBaseImages, projectID, len(chars), project.Name)

	for i := range chars {
		c := &chars[i]
		r.index = i + 1
		owner := domain.Owner{ProjectID: projectID, CharacterID: c.ID}

		needPrompt := false
		switch {
		case c.Status == domain.CharacterDone,
			c.Status == domain.CharacterReady && c.BaseImagePath != "":
			r.report.Skipped++
			r.logf(ctx, domain.LogInfo, "character %s is %s, skipped", c.Name, c.Status)
			continue
		case c.Status == domain.CharacterReady:
		case c.Status == domain.CharacterGenerating:
			r.report.Skipped++
			r.logf(ctx, domain.LogWarning, "character %s is already generating, skipped", c.Name)
			continue
		default: // draft, failed
			needPrompt = true
		}

		if needPrompt {
			r.logf(ctx, domain.LogInfo, "generating prompts for %s", c.Name)
			if err := r.stage(ctx, domain.KindPromptGen, owner, nil, s.cfg.PromptTimeout); err != nil {
				if fatal(err) {
					return r.abort(ctx, err)
				}
				r.itemFailed(ctx, "prompt generation failed for "+c.Name, err)
				continue
			}
		}

		r.logf(ctx, domain.LogInfo, "generating base image for %s", c.Name)
		if err := r.stage(ctx, domain.KindBaseImage, owner, s.imagePayload(domain.KindBaseImage), s.cfg.ImageTimeout); err != nil {
			if fatal(err) {
				return r.abort(ctx, err)
			}
			r.itemFailed(ctx, "base image failed for "+c.Name, err)
			continue
		}
		r.report.Succeeded++
		r.logf(ctx, domain.LogInfo, "base image done for %s", c.Name)
	}
	return r.finish(ctx)
}

// GenerateComplete takes every character through prompts, base portrait
// and the eight reference views.
func (s *Supervisor) GenerateComplete(ctx context.Context, projectID int64) (Report, error) {
	project, err := s.entities.GetProject(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	chars, err := s.entities.ListCharacters(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	r := s.start(ctx, FlowComplete, projectID, len(chars), project.Name)

	for i := range chars {
		c := &chars[i]
		r.index = i + 1
		owner := domain.Owner{ProjectID: projectID, CharacterID: c.ID}

		if complete(c) {
			r.report.Skipped++
			r.logf(ctx, domain.LogInfo, "character %s is complete, skipped", c.Name)
			continue
		}

		if c.Status == domain.CharacterDraft || c.Status == domain.CharacterFailed {
			r.logf(ctx, domain.LogInfo, "generating prompts for %s", c.Name)
			if err := r.stage(ctx, domain.KindPromptGen, owner, nil, s.cfg.PromptTimeout); err != nil {
				if fatal(err) {
					return r.abort(ctx, err)
				}
				r.itemFailed(ctx, "prompt generation failed for "+c.Name, err)
				continue
			}
		}
		if c.BaseImagePath == "" {
			r.logf(ctx, domain.LogInfo, "prompts ready, generating base image for %s", c.Name)
			if err := r.stage(ctx, domain.KindBaseImage, owner, s.imagePayload(domain.KindBaseImage), s.cfg.ImageTimeout); err != nil {
				if fatal(err) {
					return r.abort(ctx, err)
				}
				r.itemFailed(ctx, "base image failed for "+c.Name, err)
				continue
			}
		}

		cur, err := s.entities.GetCharacter(ctx, c.ID)
		if err != nil {
			r.itemFailed(ctx, "reload "+c.Name, err)
			continue
		}
		if cur.Status != domain.CharacterReady && cur.BaseImagePath == "" {
			r.report.Failed++
			r.logf(ctx, domain.LogWarning, "character %s is %s without a base image, cannot continue", cur.Name, cur.Status)
			continue
		}

		r.logf(ctx, domain.LogInfo, "generating views for %s", c.Name)
		if err := r.stage(ctx, domain.KindMultiView, owner, nil, s.cfg.ViewsTimeout); err != nil {
			if fatal(err) {
				return r.abort(ctx, err)
			}
			r.itemFailed(ctx, "views failed for "+c.Name, err)
			continue
		}
		r.report.Succeeded++
		r.logf(ctx, domain.LogInfo, "views done for %s", c.Name)
	}
	return r.finish(ctx)
}

// complete reports a character with a base portrait and every view.
func complete(c *domain.Character) bool {
	return c.Status == domain.CharacterDone && c.BaseImagePath != "" && len(c.ViewKeys()) == len(domain.ViewNames)
}

// GenerateScenes takes every unmerged scene through prompts, background and
// composite.
func (s *Supervisor) GenerateScenes(ctx context.Context, projectID int64) (Report, error) {
	project, err := s.entities.GetProject(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	scenes, err := s.entities.ListScenes(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	r := s.start(ctx, FlowScenes, projectID, len(scenes), project.Name)

	for i := range scenes {
		sc := &scenes[i]
		r.index = i + 1
		owner := domain.Owner{ProjectID: projectID, SceneID: sc.ID}

		if sc.Status == domain.SceneMerged {
			r.report.Skipped++
			r.logf(ctx, domain.LogInfo, "scene %s is merged, skipped", sc.Name)
			continue
		}

		type stageSpec struct {
			kind    domain.TaskKind
			needed  bool
			payload domain.Payload
			timeout time.Duration
			label   string
		}
		stages := []stageSpec{
			{domain.KindScenePrompt, sc.PromptPos == "", nil, s.cfg.PromptTimeout, "prompts"},
			{domain.KindSceneBase, sc.BaseImagePath == "", s.imagePayload(domain.KindSceneBase), s.cfg.ImageTimeout, "background"},
			{domain.KindSceneComposite, true, domain.SceneCompositePayload{Seed: s.cfg.Seed}, s.cfg.CompositeTimeout, "composite"},
		}
		failed := false
		for _, st := range stages {
			if !st.needed {
				continue
			}
			r.logf(ctx, domain.LogInfo, "generating %s for scene %s", st.label, sc.Name)
			if err := r.stage(ctx, st.kind, owner, st.payload, st.timeout); err != nil {
				if fatal(err) {
					return r.abort(ctx, err)
				}
				r.itemFailed(ctx, st.label+" failed for scene "+sc.Name, err)
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		r.report.Succeeded++
		r.logf(ctx, domain.LogInfo, "scene %s merged", sc.Name)
	}
	return r.finish(ctx)
}
