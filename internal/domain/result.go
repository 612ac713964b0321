package domain

import (
	"encoding/json"
	"fmt"
)

// ─── Results ────────────────────────────────────────────────────────────────
// One variant per TaskKind. Partial results are persisted while a task runs
// so a failed task still shows what it produced.

// Result is the structured output of a task.
type Result interface {
	Kind() TaskKind
}

// Usage reports text-generation token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// PromptResult is produced by PROMPT_GEN and SCENE_PROMPT.
type PromptResult struct {
	For       TaskKind `json:"-"`
	PromptPos string   `json:"prompt_pos"`
	PromptNeg string   `json:"prompt_neg"`
	Usage     Usage    `json:"usage"`
}

// ImageResult is produced by BASE_IMAGE and SCENE_BASE.
type ImageResult struct {
	For       TaskKind `json:"-"`
	ImagePath string   `json:"image_path"`
}

// ViewsResult is produced by MULTI_VIEW; Views grows as branches finish.
type ViewsResult struct {
	Views    map[string]string `json:"views"`
	Expected int               `json:"expected"`
}

// CompositeResult is produced by SCENE_COMPOSITE.
type CompositeResult struct {
	MergedImagePath string          `json:"merged_image_path"`
	Steps           []CompositeStep `json:"steps"`
	Fallback        bool            `json:"fallback_plan"`
	Final           bool            `json:"final"`
}

// VideoPromptResult is produced by VIDEO_PROMPT.
type VideoPromptResult struct {
	PromptPos string `json:"prompt_pos"`
	PromptNeg string `json:"prompt_neg"`
	Usage     Usage  `json:"usage"`
}

// VideoResult is produced by VIDEO_RENDER.
type VideoResult struct {
	VideoPath string `json:"video_path"`
}

// StoryResult is produced by STORY_EXTRACT.
type StoryResult struct {
	CharactersCreated int   `json:"characters_created"`
	ScenesCreated     int   `json:"scenes_created"`
	Usage             Usage `json:"usage"`
}

func (r PromptResult) Kind() TaskKind {
	if r.For == "" {
		return KindPromptGen
	}
	return r.For
}

func (r ImageResult) Kind() TaskKind {
	if r.For == "" {
		return KindBaseImage
	}
	return r.For
}

func (ViewsResult) Kind() TaskKind       { return KindMultiView }
func (CompositeResult) Kind() TaskKind   { return KindSceneComposite }
func (VideoPromptResult) Kind() TaskKind { return KindVideoPrompt }
func (VideoResult) Kind() TaskKind       { return KindVideoRender }
func (StoryResult) Kind() TaskKind       { return KindStoryExtract }

// DecodeResult decodes raw JSON into the variant for kind.
// Empty input yields a nil Result.
func DecodeResult(kind TaskKind, raw []byte) (Result, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case KindPromptGen, KindScenePrompt:
		var v PromptResult
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", kind, err)
		}
		v.For = kind
		return v, nil
	case KindBaseImage, KindSceneBase:
		var v ImageResult
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", kind, err)
		}
		v.For = kind
		return v, nil
	case KindMultiView:
		return decodeResult[ViewsResult](kind, raw)
	case KindSceneComposite:
		return decodeResult[CompositeResult](kind, raw)
	case KindVideoPrompt:
		return decodeResult[VideoPromptResult](kind, raw)
	case KindVideoRender:
		return decodeResult[VideoResult](kind, raw)
	case KindStoryExtract:
		return decodeResult[StoryResult](kind, raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodeResult[T Result](kind TaskKind, raw []byte) (Result, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", kind, err)
	}
	return v, nil
}
