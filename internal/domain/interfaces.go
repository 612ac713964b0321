package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TaskStore is the durable record of every task. Terminal transitions are
// single statements that also stamp completed_at and duration, and the
// guarded ones report whether they applied.
type TaskStore interface {
	// CreateTask inserts t as queued and fills its ID and CreatedAt.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask returns nil, nil when the task does not exist.
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)

	// ClaimNextQueued moves the oldest queued task to running, unless a task
	// is already running. Returns nil, nil when nothing was claimed.
	ClaimNextQueued(ctx context.Context, now time.Time) (*Task, error)

	// UpdateProgress never lowers progress and only touches running tasks.
	UpdateProgress(ctx context.Context, id int64, progress, etaSeconds int) error
	SaveResult(ctx context.Context, id int64, r Result) error

	// CompleteTask and FailTask only move running tasks; false means the
	// task was already terminal or deleted.
	CompleteTask(ctx context.Context, id int64, r Result, now time.Time) (bool, error)
	FailTask(ctx context.Context, id int64, msg string, kind ErrorKind, r Result, now time.Time) (bool, error)

	// ForceFail moves a queued or running task to failed.
	ForceFail(ctx context.Context, id int64, msg string, kind ErrorKind, now time.Time) (bool, error)
	ForceFailActive(ctx context.Context, msg string, kind ErrorKind, now time.Time) ([]int64, error)

	DeleteTasks(ctx context.Context, owner Owner, terminalOnly bool) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	RecoverInterrupted(ctx context.Context, now time.Time) ([]int64, error)
}

// EntityStore is the narrow read/write contract onto projects, characters,
// scenes and videos. Lookups of missing rows return ErrEntityNotFound.
type EntityStore interface {
	GetProject(ctx context.Context, id int64) (*Project, error)
	// ProjectStyle returns nil, nil when the project has no style preset.
	ProjectStyle(ctx context.Context, projectID int64) (*StylePreset, error)

	GetCharacter(ctx context.Context, id int64) (*Character, error)
	ListCharacters(ctx context.Context, projectID int64) ([]Character, error)
	CreateCharacter(ctx context.Context, c *Character) error
	UpdateCharacter(ctx context.Context, c *Character) error
	SetCharacterStatus(ctx context.Context, id int64, status CharacterStatus) error
	SetCharacterView(ctx context.Context, id int64, view, path string) error

	GetScene(ctx context.Context, id int64) (*Scene, error)
	ListScenes(ctx context.Context, projectID int64) ([]Scene, error)
	CreateScene(ctx context.Context, s *Scene) error
	UpdateScene(ctx context.Context, s *Scene) error
	SetSceneStatus(ctx context.Context, id int64, status SceneStatus) error
	SceneCharacters(ctx context.Context, sceneID int64) ([]Character, error)

	GetVideo(ctx context.Context, id int64) (*Video, error)
	UpdateVideo(ctx context.Context, v *Video) error
	SetVideoStatus(ctx context.Context, id int64, status VideoStatus) error

	AppendLog(ctx context.Context, entry SystemLog) error
	ListLogs(ctx context.Context, limit int) ([]SystemLog, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Planner is the prompt/plan generation service. Every method fails with an
// error wrapping ErrPlanning when the service is down or its answer is malformed.
type Planner interface {
	CharacterPrompts(ctx context.Context, brief CharacterBrief) (PromptSet, error)
	ScenePrompts(ctx context.Context, brief SceneBrief) (PromptSet, error)
	CompositePlan(ctx context.Context, req PlanRequest) (*Plan, error)
	VideoPrompts(ctx context.Context, brief VideoBrief) (PromptSet, error)
	StoryAssets(ctx context.Context, brief StoryBrief) (*StoryAssets, error)
}

// ─── Planner Types ──────────────────────────────────────────────────────────

// PromptSet is a generated positive/negative prompt pair.
type PromptSet struct {
	PromptPos string `json:"prompt_pos"`
	PromptNeg string `json:"prompt_neg"`
	Usage     Usage  `json:"usage"`
}

// CharacterBrief describes a character for prompt generation.
type CharacterBrief struct {
	Name  string
	Sex   string
	Mark  string
	Desc  string
	Style *StylePreset
}

// SceneBrief describes a scene for prompt generation.
type SceneBrief struct {
	Name       string
	SceneType  string
	BaseDesc   string
	Episode    int
	Shot       int
	Characters []string
	Style      *StylePreset
}

// RosterEntry is one character offered to the composite planner.
type RosterEntry struct {
	CharacterID int64    `json:"character_id"`
	Name        string   `json:"name"`
	Sex         string   `json:"sex"`
	Appearance  string   `json:"appearance"`
	ViewKeys    []string `json:"view_keys"`
}

// PlanRequest asks for an ordered composite plan.
type PlanRequest struct {
	SceneBaseDesc string
	SceneDesc     string
	SceneType     string
	Roster        []RosterEntry
	Style         *StylePreset
}

// PlanStep names which character to insert next, from which view, with what prompts.
type PlanStep struct {
	CharacterID   int64  `json:"character_id"`
	CharacterName string `json:"character_name"`
	ViewKey       string `json:"view_key"`
	PromptPos     string `json:"merge_pos"`
	PromptNeg     string `json:"merge_neg"`
}

// Plan is an ordered list of composite steps.
type Plan struct {
	Steps []PlanStep `json:"steps"`
	Usage Usage      `json:"usage"`
}

// VideoBrief describes a merged scene for video prompt generation.
type VideoBrief struct {
	SceneName string
	Context   VideoContext
	Style     *StylePreset
}

// StoryBrief asks the planner to extract assets from story text.
type StoryBrief struct {
	Story              string
	EpisodeStart       int
	EpisodeEnd         int
	ExistingCharacters []string
	Style              *StylePreset
}

// StoryCharacter is a character extracted from a story.
type StoryCharacter struct {
	Name string `json:"name"`
	Sex  string `json:"sex"`
	Mark string `json:"mark"`
	Desc string `json:"desc"`
}

// StoryScene is a scene extracted from a story.
type StoryScene struct {
	Name       string   `json:"name"`
	SceneType  string   `json:"scene_type"`
	BaseDesc   string   `json:"base_desc"`
	Episode    int      `json:"episode"`
	Shot       int      `json:"shot"`
	Characters []string `json:"characters"`
}

// StoryAssets is the planner's extraction result.
type StoryAssets struct {
	Characters []StoryCharacter `json:"characters"`
	Scenes     []StoryScene     `json:"scenes"`
	Usage      Usage            `json:"usage"`
}
