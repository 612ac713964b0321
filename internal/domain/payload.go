package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ─── Payloads ───────────────────────────────────────────────────────────────
// One variant per TaskKind. The task row's kind column is the discriminator;
// the variant itself is stored as JSON.

// Payload is the per-kind parameter set handed to an execution adapter.
type Payload interface {
	Kind() TaskKind
	Validate() error
}

// PromptGenPayload generates character prompts from the character's description.
type PromptGenPayload struct{}

// BaseImagePayload renders a character's base portrait.
type BaseImagePayload struct {
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Seed   int64 `json:"seed"` // 0 = random
}

// MultiViewPayload renders the eight reference views from the base portrait.
type MultiViewPayload struct {
	Seed int64 `json:"seed"`
}

// ScenePromptPayload generates scene prompts.
type ScenePromptPayload struct{}

// SceneBasePayload renders a scene background.
type SceneBasePayload struct {
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Seed   int64 `json:"seed"`
}

// SceneCompositePayload composites the scene's characters into its background.
type SceneCompositePayload struct {
	Seed int64 `json:"seed"`
}

// VideoPromptPayload generates video prompts from the scene's video context.
type VideoPromptPayload struct{}

// VideoRenderPayload renders an image-to-video clip from the merged scene.
type VideoRenderPayload struct {
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Length int   `json:"length"` // frames
	FPS    int   `json:"fps"`
	Seed   int64 `json:"seed"`
}

// StoryExtractPayload turns story text into draft characters and scenes.
type StoryExtractPayload struct {
	Story        string `json:"story"`
	EpisodeStart int    `json:"episode_start,omitempty"`
	EpisodeEnd   int    `json:"episode_end,omitempty"`
}

func (PromptGenPayload) Kind() TaskKind      { return KindPromptGen }
func (BaseImagePayload) Kind() TaskKind      { return KindBaseImage }
func (MultiViewPayload) Kind() TaskKind      { return KindMultiView }
func (ScenePromptPayload) Kind() TaskKind    { return KindScenePrompt }
func (SceneBasePayload) Kind() TaskKind      { return KindSceneBase }
func (SceneCompositePayload) Kind() TaskKind { return KindSceneComposite }
func (VideoPromptPayload) Kind() TaskKind    { return KindVideoPrompt }
func (VideoRenderPayload) Kind() TaskKind    { return KindVideoRender }
func (StoryExtractPayload) Kind() TaskKind   { return KindStoryExtract }

func (PromptGenPayload) Validate() error      { return nil }
func (ScenePromptPayload) Validate() error    { return nil }
func (VideoPromptPayload) Validate() error    { return nil }

func (p MultiViewPayload) Validate() error      { return checkSeed(p.Seed) }
func (p SceneCompositePayload) Validate() error { return checkSeed(p.Seed) }

func (p BaseImagePayload) Validate() error { return checkDims(p.Width, p.Height, p.Seed) }
func (p SceneBasePayload) Validate() error { return checkDims(p.Width, p.Height, p.Seed) }

func (p VideoRenderPayload) Validate() error {
	if err := checkDims(p.Width, p.Height, p.Seed); err != nil {
		return err
	}
	if p.Length < 0 || p.FPS < 0 {
		return errors.New("length and fps must not be negative")
	}
	return nil
}

func (p StoryExtractPayload) Validate() error {
	if p.Story == "" {
		return errors.New("story text is required")
	}
	if p.EpisodeEnd != 0 && p.EpisodeEnd < p.EpisodeStart {
		return fmt.Errorf("episode range %d-%d is inverted", p.EpisodeStart, p.EpisodeEnd)
	}
	return nil
}

// checkDims accepts zero (use configured default) or a positive multiple of 8.
func checkDims(w, h int, seed int64) error {
	for _, v := range []int{w, h} {
		if v < 0 || v%8 != 0 {
			return fmt.Errorf("dimension %d must be a non-negative multiple of 8", v)
		}
	}
	return checkSeed(seed)
}

func checkSeed(seed int64) error {
	if seed < 0 {
		return fmt.Errorf("seed %d must not be negative", seed)
	}
	return nil
}

// EmptyPayload returns the zero-valued variant for kind.
func EmptyPayload(kind TaskKind) Payload {
	switch kind {
	case KindPromptGen:
		return PromptGenPayload{}
	case KindBaseImage:
		return BaseImagePayload{}
	case KindMultiView:
		return MultiViewPayload{}
	case KindScenePrompt:
		return ScenePromptPayload{}
	case KindSceneBase:
		return SceneBasePayload{}
	case KindSceneComposite:
		return SceneCompositePayload{}
	case KindVideoPrompt:
		return VideoPromptPayload{}
	case KindVideoRender:
		return VideoRenderPayload{}
	case KindStoryExtract:
		return StoryExtractPayload{}
	default:
		return nil
	}
}

// DecodePayload decodes raw JSON into the variant for kind.
// Empty input yields the zero variant.
func DecodePayload(kind TaskKind, raw []byte) (Payload, error) {
	p := EmptyPayload(kind)
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	switch kind {
	case KindBaseImage:
		return decodePayload[BaseImagePayload](raw)
	case KindMultiView:
		return decodePayload[MultiViewPayload](raw)
	case KindSceneBase:
		return decodePayload[SceneBasePayload](raw)
	case KindSceneComposite:
		return decodePayload[SceneCompositePayload](raw)
	case KindVideoRender:
		return decodePayload[VideoRenderPayload](raw)
	case KindStoryExtract:
		return decodePayload[StoryExtractPayload](raw)
	}
	// Parameterless kinds ignore whatever the caller sent.
	return p, nil
}

func decodePayload[T Payload](raw []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}
