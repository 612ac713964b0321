package domain

import "time"

// ─── Entities ───────────────────────────────────────────────────────────────
// Projects, characters, scenes and videos belong to the storage layer. The
// execution core reads reference fields from them and writes generated
// artifacts, prompts and coarse status back.

// CharacterStatus is the coarse generation state of a character.
type CharacterStatus string

const (
	CharacterDraft      CharacterStatus = "draft"
	CharacterReady      CharacterStatus = "ready" // prompts generated
	CharacterGenerating CharacterStatus = "generating"
	CharacterDone       CharacterStatus = "done" // base image (and views) generated
	CharacterFailed     CharacterStatus = "failed"
)

// SceneStatus is the coarse generation state of a scene.
type SceneStatus string

const (
	SceneDraft            SceneStatus = "draft"
	SceneGeneratingPrompt SceneStatus = "generating_prompt"
	SceneGeneratedPrompt  SceneStatus = "generated_prompt"
	SceneGenerating       SceneStatus = "generating"
	SceneGenerated        SceneStatus = "generated"
	SceneMerging          SceneStatus = "merging"
	SceneMerged           SceneStatus = "merged"
	SceneFailed           SceneStatus = "failed"
)

// VideoStatus is the coarse generation state of a video.
type VideoStatus string

const (
	VideoDraft      VideoStatus = "draft"
	VideoQueued     VideoStatus = "queued"
	VideoGenerating VideoStatus = "generating"
	VideoCompleted  VideoStatus = "completed"
	VideoFailed     VideoStatus = "failed"
)

// Project groups characters, scenes and videos under one output folder.
type Project struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	StyleID   int64     `json:"style_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StylePreset holds the visual style constraints applied to every prompt.
type StylePreset struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	EngineHint    string `json:"engine_hint,omitempty"`
	StylePos      string `json:"style_pos"`
	StyleNeg      string `json:"style_neg"`
	LLMStyleGuard string `json:"llm_style_guard,omitempty"`
}

// Character is a recurring person or creature with a base portrait and views.
type Character struct {
	ID            int64             `json:"id"`
	ProjectID     int64             `json:"project_id"`
	Name          string            `json:"name"`
	Sex           string            `json:"sex"`
	Mark          string            `json:"mark"` // short appearance note
	Desc          string            `json:"desc"`
	PromptPos     string            `json:"prompt_pos"`
	PromptNeg     string            `json:"prompt_neg"`
	BaseImagePath string            `json:"base_image_path,omitempty"`
	Views         map[string]string `json:"views,omitempty"`
	Status        CharacterStatus   `json:"status"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Appearance returns the shortest useful appearance text.
func (c *Character) Appearance() string {
	if c.Mark != "" {
		return c.Mark
	}
	return c.Desc
}

// ViewKeys lists the character's available view identifiers in canonical order.
func (c *Character) ViewKeys() []string {
	keys := make([]string, 0, len(c.Views))
	for _, v := range ViewNames {
		if c.Views[v] != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

// Scene is one shot: a background plus the characters composited into it.
type Scene struct {
	ID              int64           `json:"id"`
	ProjectID       int64           `json:"project_id"`
	Name            string          `json:"name"`
	SceneType       string          `json:"scene_type"`
	Episode         int             `json:"episode"`
	Shot            int             `json:"shot"`
	BaseDesc        string          `json:"base_desc"`
	SceneDesc       string          `json:"scene_desc"` // detailed fingerprint
	PromptPos       string          `json:"prompt_pos"`
	PromptNeg       string          `json:"prompt_neg"`
	BaseImagePath   string          `json:"base_image_path,omitempty"`
	MergedImagePath string          `json:"merged_image_path,omitempty"` // background until a step commits
	FinalImagePath  string          `json:"final_image_path,omitempty"`  // set when merging completes
	CompositeSteps  []CompositeStep `json:"composite_steps,omitempty"`
	VideoContext    *VideoContext   `json:"video_context,omitempty"`
	CharacterIDs    []int64         `json:"character_ids"`
	Status          SceneStatus     `json:"status"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PartiallyMerged reports a composite that committed some steps but never finished.
func (s *Scene) PartiallyMerged() bool {
	return len(s.CompositeSteps) > 0 && s.Status != SceneMerged
}

// Video is an image-to-video render of a merged scene.
type Video struct {
	ID        int64       `json:"id"`
	ProjectID int64       `json:"project_id"`
	SceneID   int64       `json:"scene_id"`
	PromptPos string      `json:"prompt_pos"`
	PromptNeg string      `json:"prompt_neg"`
	VideoPath string      `json:"video_path,omitempty"`
	Status    VideoStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ─── Composite Records ──────────────────────────────────────────────────────

// CompositeStep records one character insertion in a scene composite.
type CompositeStep struct {
	Index         int    `json:"index"`
	CharacterID   int64  `json:"character_id"`
	CharacterName string `json:"character_name"`
	ViewKey       string `json:"view_key"`
	PromptPos     string `json:"prompt_pos"`
	PromptNeg     string `json:"prompt_neg"`
	ImagePath     string `json:"image_path"`
}

// VideoContext is the structured input for VIDEO_PROMPT generation.
type VideoContext struct {
	Scene      string                  `json:"scene"`
	Characters []VideoContextCharacter `json:"characters"`
}

// VideoContextCharacter describes one composited character.
type VideoContextCharacter struct {
	CharacterID int64  `json:"character_id"`
	Name        string `json:"name"`
	ViewKey     string `json:"view_key"`
	Action      string `json:"action"`
}

// ─── System Log ─────────────────────────────────────────────────────────────

// LogLevel grades system log entries.
type LogLevel string

const (
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// SystemLog is an operator-visible log line (batch progress, task control).
type SystemLog struct {
	ID        int64     `json:"id"`
	Module    string    `json:"module"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Level     LogLevel  `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// ─── Views ──────────────────────────────────────────────────────────────────

// ViewNames are the eight reference views, in canonical order.
var ViewNames = []string{"close", "wide", "right45", "right90", "aerial", "low", "left45", "left90"}

// ViewFront is the plan view key that resolves to the base portrait.
const ViewFront = "front"
