package adapter

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/comfy"
	"github.com/ktstudio/ktstudio/internal/infra/events"
)

// ─── Multi-View ─────────────────────────────────────────────────────────────

// viewSet accumulates downloaded views while the job runs.
type viewSet struct {
	mu    sync.Mutex
	views map[string]string
}

func (v *viewSet) put(view, path string) domain.ViewsResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.views[view] = path
	return domain.ViewsResult{Views: maps.Clone(v.views), Expected: len(viewNodes)}
}

func (v *viewSet) has(view string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.views[view] != ""
}

func (v *viewSet) result() domain.ViewsResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	return domain.ViewsResult{Views: maps.Clone(v.views), Expected: len(viewNodes)}
}

// MultiView renders the eight reference views from a character's base
// portrait. Each view is downloaded and persisted as soon as its branch
// finishes, so a failed job keeps the views it already produced.
func (e *Env) MultiView(ctx context.Context, task *domain.Task, sink Sink) (domain.Result, error) {
	p, _ := task.Payload.(domain.MultiViewPayload)
	c, err := e.Store.GetCharacter(ctx, task.Owner.CharacterID)
	if err != nil {
		return nil, err
	}
	if !e.Exists(c.BaseImagePath) {
		return nil, domain.Preconditionf("character %d has no base image on disk", c.ID)
	}
	proj, err := e.Store.GetProject(ctx, c.ProjectID)
	if err != nil {
		return nil, err
	}
	b, err := e.load(WorkflowViews)
	if err != nil {
		return nil, err
	}
	if err := domain.ContextError(ctx); err != nil {
		return nil, err
	}
	if err := e.Store.SetCharacterStatus(ctx, c.ID, domain.CharacterGenerating); err != nil {
		return nil, err
	}
	uploaded, err := e.upload(ctx, c.BaseImagePath, "base image")
	if err != nil {
		return nil, err
	}

	seed := e.Seed(p.Seed)
	mp := math.Max(math.Round(float64(e.Defaults.Width*e.Defaults.Height)/1e6*100)/100, 0.1)
	b.set(nodeViewsInput, "image", uploaded)
	for _, id := range viewSamplers {
		b.tune(id, "seed", seed)
	}
	for _, id := range viewScalers {
		b.tune(id, "megapixels", mp)
	}
	tag := suffix()
	prefixes := make(map[string]string, len(viewNodes))
	for node, view := range viewNodes {
		prefixes[node] = fmt.Sprintf("%d_%s_%s", task.ID, tag, view)
		b.set(node, "filename_prefix", prefixes[node])
	}

	dir := e.characterDir(proj, c, "views")
	views := &viewSet{views: map[string]string{}}
	tr := NewTracker(len(viewNodes), e.now)
	log := e.Log.With(zap.Int64("task_id", task.ID), zap.Int64("character_id", c.ID))

	store := func(view, path string) {
		sink.Partial(views.put(view, path))
		if err := e.Store.SetCharacterView(ctx, c.ID, view, path); err != nil {
			log.Warn("persist view failed", zap.String("view", view), zap.Error(err))
		}
		sink.Publish(events.ViewGenerated, map[string]any{"view": view, "path": path})
	}

	h, err := e.execute(ctx, b, func(ev comfy.Event) error {
		switch ev.Type {
		case comfy.EventProgress:
			tr.Branch(ev.Step, ev.Total)
		case comfy.EventBranchFinished:
			view, ok := viewNodes[ev.Node]
			if !ok {
				log.Debug("ignoring finished node", zap.String("node", ev.Node))
				return nil
			}
			tr.BranchFinished()
			ref := comfy.ArtifactRef{Filename: prefixes[ev.Node] + "_00001_.png", Type: "output"}
			path, err := e.Backend.Download(ctx, ref, dir)
			if err != nil {
				// The final sweep retries from history.
				log.Warn("view download failed", zap.String("view", view), zap.Error(err))
				break
			}
			store(view, e.Rel(path))
		}
		tr.report(sink)
		return nil
	})
	if err != nil {
		return views.result(), err
	}

	// Branches missed in flight (e.g. during a reconnect) are picked up here.
	for node, view := range viewNodes {
		if views.has(view) {
			continue
		}
		path, err := e.collect(ctx, h, node, dir)
		if err != nil {
			log.Warn("view missing from history", zap.String("view", view), zap.Error(err))
			continue
		}
		store(view, path)
	}

	if err := e.Store.SetCharacterStatus(ctx, c.ID, domain.CharacterDone); err != nil {
		return views.result(), err
	}
	res := views.result()
	log.Info("views generated", zap.Int("views", len(res.Views)))
	return res, nil
}
