package adapter

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/comfy"
)

// execute submits wf and follows it until the backend reports the prompt
// finished, then returns its history. on sees every stream event; the
// context is checked before submission and before each event.
func (e *Env) execute(ctx context.Context, b *binder, on func(comfy.Event) error) (*comfy.History, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := domain.ContextError(ctx); err != nil {
		return nil, err
	}
	promptID, err := e.Backend.Submit(ctx, b.wf)
	if err != nil {
		return nil, err
	}
	e.Log.Debug("workflow running", zap.String("workflow", b.name), zap.String("prompt_id", promptID))

	err = e.Backend.Stream(ctx, promptID, func(ev comfy.Event) error {
		if err := domain.ContextError(ctx); err != nil {
			return err
		}
		if on == nil {
			return nil
		}
		return on(ev)
	})
	if err != nil {
		return nil, err
	}

	h, err := e.Backend.History(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, domain.Backendf(nil, "prompt %s finished without a history record", promptID)
	}
	if h.Failed() {
		return nil, domain.Backendf(nil, "prompt %s failed on the backend", promptID)
	}
	return h, nil
}

// singleProgress forwards sampler steps of a one-artifact job to the sink.
func singleProgress(tr *Tracker, sink Sink) func(comfy.Event) error {
	return func(ev comfy.Event) error {
		switch ev.Type {
		case comfy.EventProgress:
			tr.Single(ev.Step, ev.Total)
			tr.report(sink)
		case comfy.EventIdle:
			tr.report(sink)
		}
		return nil
	}
}

// collect downloads the first artifact of node into dir.
func (e *Env) collect(ctx context.Context, h *comfy.History, node, dir string) (string, error) {
	ref, ok := h.Outputs[node].First()
	if !ok {
		return "", domain.Backendf(nil, "no output from node %s", node)
	}
	path, err := e.Backend.Download(ctx, ref, dir)
	if err != nil {
		return "", err
	}
	return e.Rel(path), nil
}

// upload sends a stored artifact to the backend's input folder.
func (e *Env) upload(ctx context.Context, stored, what string) (string, error) {
	if !e.Exists(stored) {
		return "", domain.Preconditionf("%s not found on disk: %s", what, stored)
	}
	return e.Backend.Upload(ctx, filepath.Clean(e.Abs(stored)))
}
