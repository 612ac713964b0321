package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ─── Task Tests ─────────────────────────────────────────────────────────────

func TestTask_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskQueued, false},
		{TaskRunning, false},
		{TaskDone, true},
		{TaskFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			task := Task{Status: tt.status}
			if got := task.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestTask_Duration(t *testing.T) {
	start := time.Now()
	end := start.Add(5 * time.Second)

	task := Task{StartedAt: start, CompletedAt: end}
	if d := task.Duration(); d != 5*time.Second {
		t.Errorf("Duration() = %v, want 5s", d)
	}

	frozen := Task{StartedAt: start, CompletedAt: end, DurationMs: 1500}
	if d := frozen.Duration(); d != 1500*time.Millisecond {
		t.Errorf("Duration() = %v, want frozen 1.5s", d)
	}

	if d := (&Task{}).Duration(); d != 0 {
		t.Errorf("Duration() unstarted = %v, want 0", d)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds {
		got, err := ParseKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %q, %v", k, got, err)
		}
	}
	if _, err := ParseKind("GEN_8VIEWS"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseKind(unknown) error = %v, want ErrUnknownKind", err)
	}
}

func TestNewTask(t *testing.T) {
	tests := []struct {
		name    string
		kind    TaskKind
		owner   Owner
		payload Payload
		wantErr error
	}{
		{"base image", KindBaseImage, Owner{CharacterID: 1}, BaseImagePayload{Width: 512, Height: 768}, nil},
		{"nil payload defaults", KindMultiView, Owner{CharacterID: 1}, nil, nil},
		{"composite", KindSceneComposite, Owner{SceneID: 3}, SceneCompositePayload{Seed: 42}, nil},
		{"story", KindStoryExtract, Owner{ProjectID: 1}, StoryExtractPayload{Story: "once"}, nil},
		{"missing owner", KindBaseImage, Owner{SceneID: 1}, BaseImagePayload{}, ErrInvalidPayload},
		{"two owners", KindBaseImage, Owner{CharacterID: 1, SceneID: 2}, BaseImagePayload{}, ErrInvalidPayload},
		{"mismatched payload", KindSceneBase, Owner{SceneID: 1}, BaseImagePayload{}, ErrInvalidPayload},
		{"bad dims", KindSceneBase, Owner{SceneID: 1}, SceneBasePayload{Width: 100}, ErrInvalidPayload},
		{"negative seed", KindMultiView, Owner{CharacterID: 1}, MultiViewPayload{Seed: -1}, ErrInvalidPayload},
		{"empty story", KindStoryExtract, Owner{ProjectID: 1}, StoryExtractPayload{}, ErrInvalidPayload},
		{"unknown kind", TaskKind("NOPE"), Owner{}, nil, ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := NewTask(tt.kind, tt.owner, tt.payload)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewTask() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTask() error: %v", err)
			}
			if task.Status != TaskQueued {
				t.Errorf("Status = %q, want queued", task.Status)
			}
			if task.Payload.Kind() != tt.kind {
				t.Errorf("Payload.Kind() = %q, want %q", task.Payload.Kind(), tt.kind)
			}
		})
	}
}

func TestTask_JSONDecodesUnion(t *testing.T) {
	in := Task{
		ID:      7,
		Kind:    KindMultiView,
		Status:  TaskFailed,
		Owner:   Owner{CharacterID: 2},
		Payload: MultiViewPayload{Seed: 9},
		Result:  ViewsResult{Views: map[string]string{"close": "a.png"}, Expected: 8},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Task
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	p, ok := out.Payload.(MultiViewPayload)
	if !ok || p.Seed != 9 {
		t.Errorf("Payload = %#v, want MultiViewPayload{Seed: 9}", out.Payload)
	}
	r, ok := out.Result.(ViewsResult)
	if !ok || r.Views["close"] != "a.png" {
		t.Errorf("Result = %#v, want views with close", out.Result)
	}
}

func TestDecodeResult_SharedVariantsKeepKind(t *testing.T) {
	r, err := DecodeResult(KindSceneBase, []byte(`{"image_path":"x.png"}`))
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if r.Kind() != KindSceneBase {
		t.Errorf("Kind() = %q, want SCENE_BASE", r.Kind())
	}
	if r, _ := DecodeResult(KindSceneBase, nil); r != nil {
		t.Errorf("DecodeResult(nil) = %#v, want nil", r)
	}
}

// ─── Error Taxonomy ─────────────────────────────────────────────────────────

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ErrorKindNone},
		{StopError, ErrorKindOperatorStop},
		{fmt.Errorf("wrap: %w", StopError), ErrorKindOperatorStop},
		{ErrCancelled, ErrorKindCancelled},
		{context.Canceled, ErrorKindCancelled},
		{context.DeadlineExceeded, ErrorKindTimeout},
		{Preconditionf("no base image"), ErrorKindPrecondition},
		{Backendf(errors.New("EOF"), "submit"), ErrorKindBackend},
		{Planningf(nil, "bad json"), ErrorKindPlanning},
		{errors.New("boom"), ErrorKindInternal},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestContextError(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(StopError)
	if err := ContextError(ctx); !errors.Is(err, ErrOperatorStop) {
		t.Errorf("ContextError(stop) = %v, want ErrOperatorStop", err)
	}

	ctx, stop := context.WithTimeout(context.Background(), time.Nanosecond)
	defer stop()
	<-ctx.Done()
	if err := ContextError(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("ContextError(deadline) = %v, want ErrTimeout", err)
	}

	if err := ContextError(context.Background()); err != nil {
		t.Errorf("ContextError(live) = %v, want nil", err)
	}
}

func TestScene_PartiallyMerged(t *testing.T) {
	s := Scene{MergedImagePath: "bg.png", Status: SceneMerging}
	if s.PartiallyMerged() {
		t.Error("PartiallyMerged() = true for a scene still on its background")
	}
	s.MergedImagePath = "step0.png"
	s.CompositeSteps = []CompositeStep{{Index: 0, ImagePath: "step0.png"}}
	if !s.PartiallyMerged() {
		t.Error("PartiallyMerged() = false for merging scene with a committed step")
	}
	s.Status = SceneMerged
	if s.PartiallyMerged() {
		t.Error("PartiallyMerged() = true for merged scene")
	}
}

func TestCharacter_ViewKeysCanonicalOrder(t *testing.T) {
	c := Character{Views: map[string]string{"left90": "a", "close": "b", "aerial": ""}}
	got := c.ViewKeys()
	if len(got) != 2 || got[0] != "close" || got[1] != "left90" {
		t.Errorf("ViewKeys() = %v, want [close left90]", got)
	}
}
