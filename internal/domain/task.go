// Package domain holds the task and entity types shared by every layer.
// A Task is one unit of generation work:
// enqueue → claim → run adapter → done | failed.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed
}

// TaskKind selects the execution adapter.
type TaskKind string

const (
	KindPromptGen      TaskKind = "PROMPT_GEN"
	KindBaseImage      TaskKind = "BASE_IMAGE"
	KindMultiView      TaskKind = "MULTI_VIEW"
	KindScenePrompt    TaskKind = "SCENE_PROMPT"
	KindSceneBase      TaskKind = "SCENE_BASE"
	KindSceneComposite TaskKind = "SCENE_COMPOSITE"
	KindVideoPrompt    TaskKind = "VIDEO_PROMPT"
	KindVideoRender    TaskKind = "VIDEO_RENDER"
	KindStoryExtract   TaskKind = "STORY_EXTRACT"
)

// AllKinds lists every schedulable kind in declaration order.
var AllKinds = []TaskKind{
	KindPromptGen, KindBaseImage, KindMultiView,
	KindScenePrompt, KindSceneBase, KindSceneComposite,
	KindVideoPrompt, KindVideoRender, KindStoryExtract,
}

// ParseKind validates a kind string.
func ParseKind(s string) (TaskKind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ownerField names the entity reference a kind requires.
func (k TaskKind) ownerField() string {
	switch k {
	case KindPromptGen, KindBaseImage, KindMultiView:
		return "character"
	case KindScenePrompt, KindSceneBase, KindSceneComposite:
		return "scene"
	case KindVideoPrompt, KindVideoRender:
		return "video"
	case KindStoryExtract:
		return "project"
	default:
		return ""
	}
}

// Owner references the entity a task works on. At most one of
// CharacterID, SceneID, VideoID is set; ProjectID may accompany any of them.
type Owner struct {
	ProjectID   int64 `json:"project_id,omitempty"`
	CharacterID int64 `json:"character_id,omitempty"`
	SceneID     int64 `json:"scene_id,omitempty"`
	VideoID     int64 `json:"video_id,omitempty"`
}

// IsZero reports whether no entity is referenced.
func (o Owner) IsZero() bool {
	return o.ProjectID == 0 && o.CharacterID == 0 && o.SceneID == 0 && o.VideoID == 0
}

func (o Owner) refs() int {
	n := 0
	for _, id := range []int64{o.CharacterID, o.SceneID, o.VideoID} {
		if id != 0 {
			n++
		}
	}
	return n
}

// Task is a unit of generation work.
type Task struct {
	ID          int64         `json:"id"`
	Kind        TaskKind      `json:"kind"`
	Status      TaskStatus    `json:"status"`
	Progress    int           `json:"progress"`
	ETASeconds  int           `json:"eta_seconds"`
	Owner       Owner         `json:"owner"`
	Payload     Payload       `json:"payload"`
	Result      Result        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64         `json:"duration_ms"`
}

// NewTask builds a queued task after validating kind, owner and payload.
func NewTask(kind TaskKind, owner Owner, payload Payload) (*Task, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = EmptyPayload(kind)
	}
	if payload.Kind() != kind {
		return nil, fmt.Errorf("%w: %s payload for %s task", ErrInvalidPayload, payload.Kind(), kind)
	}
	if owner.refs() > 1 {
		return nil, fmt.Errorf("%w: task may reference at most one entity", ErrInvalidPayload)
	}
	switch field := kind.ownerField(); field {
	case "character":
		if owner.CharacterID == 0 {
			return nil, fmt.Errorf("%w: %s requires character_id", ErrInvalidPayload, kind)
		}
	case "scene":
		if owner.SceneID == 0 {
			return nil, fmt.Errorf("%w: %s requires scene_id", ErrInvalidPayload, kind)
		}
	case "video":
		if owner.VideoID == 0 {
			return nil, fmt.Errorf("%w: %s requires video_id", ErrInvalidPayload, kind)
		}
	case "project":
		if owner.ProjectID == 0 {
			return nil, fmt.Errorf("%w: %s requires project_id", ErrInvalidPayload, kind)
		}
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &Task{
		Kind:    kind,
		Status:  TaskQueued,
		Owner:   owner,
		Payload: payload,
	}, nil
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Duration returns how long the task ran (0 if not started/completed).
// Once the store freezes duration_ms it is returned as-is.
func (t *Task) Duration() time.Duration {
	if t.DurationMs > 0 {
		return time.Duration(t.DurationMs) * time.Millisecond
	}
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// Stopped reports whether the task was failed by a global stop.
func (t *Task) Stopped() bool {
	return t.Status == TaskFailed && t.ErrorKind == ErrorKindOperatorStop
}

// UnmarshalJSON decodes a task, using Kind to pick the payload and result variants.
func (t *Task) UnmarshalJSON(data []byte) error {
	type alias Task
	var raw struct {
		alias
		Payload json.RawMessage `json:"payload"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Task(raw.alias)
	p, err := DecodePayload(t.Kind, raw.Payload)
	if err != nil {
		return err
	}
	t.Payload = p
	r, err := DecodeResult(t.Kind, raw.Result)
	if err != nil {
		return err
	}
	t.Result = r
	return nil
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Owner  Owner
	Status TaskStatus
	Kind   TaskKind
	Limit  int
}
