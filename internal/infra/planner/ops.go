package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Character Prompts ──────────────────────────────────────────────────────

const characterSystem = `You write text-to-image prompts for character reference portraits.
Answer with one JSON object: {"prompt_pos": "...", "prompt_neg": "..."}.
prompt_pos describes one person standing, full body, facing the camera, on a
pure white background: appearance, body proportions, clothing, image quality.
Never include the character's name. prompt_neg lists what must not appear.`

type promptAnswer struct {
	PromptPos string `json:"prompt_pos"`
	PromptNeg string `json:"prompt_neg"`
}

// CharacterPrompts generates a character's portrait prompts.
func (c *Client) CharacterPrompts(ctx context.Context, b domain.CharacterBrief) (domain.PromptSet, error) {
	var sb strings.Builder
	writeStyle(&sb, b.Style)
	fmt.Fprintf(&sb, "Sex: %s\n", orDefault(b.Sex, "unspecified"))
	fmt.Fprintf(&sb, "Appearance: %s\n", orDefault(b.Mark, "-"))
	if b.Desc != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Desc)
	}

	var ans promptAnswer
	usage, err := c.complete(ctx, "character_prompts", characterSystem, sb.String(), &ans)
	if err != nil {
		return domain.PromptSet{}, err
	}
	if strings.TrimSpace(ans.PromptPos) == "" {
		return domain.PromptSet{}, domain.Planningf(nil, "character_prompts: empty prompt_pos")
	}
	return domain.PromptSet{
		PromptPos: NormalizeCharacterPositive(ans.PromptPos, styleName(b.Style)),
		PromptNeg: NormalizeCharacterNegative(ans.PromptNeg),
		Usage:     usage,
	}, nil
}

// ─── Scene Prompts ──────────────────────────────────────────────────────────

const sceneSystem = `You write text-to-image prompts for empty scene backgrounds
into which characters are composited later. Answer with one JSON object:
{"prompt_pos": "...", "prompt_neg": "..."}. Describe environment, lighting,
atmosphere and camera framing. The scene must contain no people.`

// ScenePrompts generates a scene background's prompts.
func (c *Client) ScenePrompts(ctx context.Context, b domain.SceneBrief) (domain.PromptSet, error) {
	var sb strings.Builder
	writeStyle(&sb, b.Style)
	fmt.Fprintf(&sb, "Scene: %s (%s)\n", b.Name, orDefault(b.SceneType, "Indoor"))
	if b.Episode > 0 {
		fmt.Fprintf(&sb, "Episode %d, shot %d\n", b.Episode, b.Shot)
	}
	fmt.Fprintf(&sb, "Description: %s\n", b.BaseDesc)
	if len(b.Characters) > 0 {
		fmt.Fprintf(&sb, "Leave room for %d character(s) to be added later.\n", len(b.Characters))
	}

	var ans promptAnswer
	usage, err := c.complete(ctx, "scene_prompts", sceneSystem, sb.String(), &ans)
	if err != nil {
		return domain.PromptSet{}, err
	}
	if strings.TrimSpace(ans.PromptPos) == "" {
		return domain.PromptSet{}, domain.Planningf(nil, "scene_prompts: empty prompt_pos")
	}
	pos := ans.PromptPos
	if b.Style != nil && b.Style.StylePos != "" && !strings.Contains(pos, b.Style.StylePos) {
		pos = b.Style.StylePos + "\n" + pos
	}
	var styleNeg string
	if b.Style != nil {
		styleNeg = b.Style.StyleNeg
	}
	return domain.PromptSet{
		PromptPos: pos,
		PromptNeg: NormalizeSceneNegative(ans.PromptNeg, styleNeg),
		Usage:     usage,
	}, nil
}

// ─── Composite Plan ─────────────────────────────────────────────────────────

const compositeSystem = `You plan how to composite characters into a scene
background one at a time. image1 is the current scene, image2 the character.
Answer with one JSON object:
{"steps": [{"character_id": 1, "character_name": "...", "view_key": "...",
"merge_pos": "...", "merge_neg": "..."}]}.
Use each character at most once. view_key must be one of the character's
view_keys, or "front" for a camera-facing shot. merge_pos says where the
person stands and what they do, without names. Characters must not overlap,
must not be cropped, and existing characters stay unchanged.`

type planAnswer struct {
	Steps []struct {
		CharacterID   int64  `json:"character_id"`
		PlayerID      int64  `json:"player_id"`
		CharacterName string `json:"character_name"`
		PlayerName    string `json:"player_name"`
		ViewKey       string `json:"view_key"`
		MergePos      string `json:"merge_pos"`
		MergeNeg      string `json:"merge_neg"`
	} `json:"steps"`
}

// CompositePlan asks for an ordered list of composite steps. Validation
// against the roster is left to the pipeline.
func (c *Client) CompositePlan(ctx context.Context, req domain.PlanRequest) (*domain.Plan, error) {
	roster, err := json.MarshalIndent(req.Roster, "", "  ")
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	writeStyle(&sb, req.Style)
	fmt.Fprintf(&sb, "Scene type: %s\n", orDefault(req.SceneType, "Indoor"))
	fmt.Fprintf(&sb, "Scene: %s\n", req.SceneBaseDesc)
	if req.SceneDesc != "" {
		fmt.Fprintf(&sb, "Scene fingerprint: %s\n", req.SceneDesc)
	}
	fmt.Fprintf(&sb, "Characters:\n%s\n", roster)

	var ans planAnswer
	usage, err := c.complete(ctx, "composite_plan", compositeSystem, sb.String(), &ans)
	if err != nil {
		return nil, err
	}
	plan := &domain.Plan{Usage: usage}
	for _, s := range ans.Steps {
		step := domain.PlanStep{
			CharacterID:   s.CharacterID,
			CharacterName: s.CharacterName,
			ViewKey:       strings.ToLower(strings.TrimSpace(s.ViewKey)),
			PromptPos:     s.MergePos,
			PromptNeg:     s.MergeNeg,
		}
		if step.CharacterID == 0 {
			step.CharacterID = s.PlayerID
		}
		if step.CharacterName == "" {
			step.CharacterName = s.PlayerName
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

// ─── Video Prompts ──────────────────────────────────────────────────────────

const videoSystem = `You write image-to-video prompts for a still frame that
shows a composited scene. Answer with one JSON object:
{"prompt_pos": "...", "prompt_neg": "..."}. Describe subtle, physically
plausible motion for each character and the camera. Keep identities,
clothing and the background unchanged.`

// VideoPrompts generates image-to-video prompts from a scene's video context.
func (c *Client) VideoPrompts(ctx context.Context, b domain.VideoBrief) (domain.PromptSet, error) {
	vc, err := json.MarshalIndent(b.Context, "", "  ")
	if err != nil {
		return domain.PromptSet{}, err
	}
	var sb strings.Builder
	writeStyle(&sb, b.Style)
	fmt.Fprintf(&sb, "Scene: %s\n", b.SceneName)
	fmt.Fprintf(&sb, "Frame context:\n%s\n", vc)

	var ans promptAnswer
	usage, err := c.complete(ctx, "video_prompts", videoSystem, sb.String(), &ans)
	if err != nil {
		return domain.PromptSet{}, err
	}
	if strings.TrimSpace(ans.PromptPos) == "" {
		return domain.PromptSet{}, domain.Planningf(nil, "video_prompts: empty prompt_pos")
	}
	return domain.PromptSet{PromptPos: ans.PromptPos, PromptNeg: ans.PromptNeg, Usage: usage}, nil
}

// ─── Story Assets ───────────────────────────────────────────────────────────

const storySystem = `You split a story into production assets. Answer with one
JSON object: {"characters": [{"name": "...", "sex": "male|female|other",
"mark": "appearance, body proportions and clothing"}], "scenes": [{"name": "...",
"scene_type": "Indoor|Outdoor|Special", "base_desc": "self-contained environment,
lighting and camera description", "episode": 1, "shot": 1,
"characters": ["exact character names"]}]}.
Scene character lists may only use names from the characters list or the
existing characters. Do not write prompts.`

type storyAnswer struct {
	Characters []struct {
		Name       string `json:"name"`
		PlayerName string `json:"player_name"`
		Sex        string `json:"sex"`
		PlayerSex  string `json:"player_sex"`
		Mark       string `json:"mark"`
		PlayerMark string `json:"player_mark"`
		Desc       string `json:"desc"`
	} `json:"characters"`
	Scenes []domain.StoryScene `json:"scenes"`
}

// StoryAssets extracts draft characters and scenes from story text.
func (c *Client) StoryAssets(ctx context.Context, b domain.StoryBrief) (*domain.StoryAssets, error) {
	start := b.EpisodeStart
	if start <= 0 {
		start = 1
	}
	var sb strings.Builder
	writeStyle(&sb, b.Style)
	if b.EpisodeEnd > start {
		fmt.Fprintf(&sb, "Episodes %d to %d.\n", start, b.EpisodeEnd)
	} else {
		fmt.Fprintf(&sb, "Every scene belongs to episode %d.\n", start)
	}
	if len(b.ExistingCharacters) > 0 {
		fmt.Fprintf(&sb, "Existing characters (reuse these names): %s\n", strings.Join(b.ExistingCharacters, ", "))
	}
	fmt.Fprintf(&sb, "Story:\n%s\n", b.Story)

	var ans storyAnswer
	usage, err := c.complete(ctx, "story_assets", storySystem, sb.String(), &ans)
	if err != nil {
		return nil, err
	}
	out := &domain.StoryAssets{Usage: usage}
	for _, ch := range ans.Characters {
		d := domain.StoryCharacter{
			Name: firstNonEmpty(ch.Name, ch.PlayerName),
			Sex:  firstNonEmpty(ch.Sex, ch.PlayerSex),
			Mark: firstNonEmpty(ch.Mark, ch.PlayerMark),
			Desc: ch.Desc,
		}
		if d.Name == "" {
			continue
		}
		out.Characters = append(out.Characters, d)
	}
	for _, s := range ans.Scenes {
		if s.Episode <= 0 {
			s.Episode = start
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("E%02d-S%02d", s.Episode, s.Shot)
		}
		out.Scenes = append(out.Scenes, s)
	}
	if len(out.Characters) == 0 && len(out.Scenes) == 0 {
		return nil, domain.Planningf(nil, "story_assets: nothing extracted")
	}
	return out, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func writeStyle(sb *strings.Builder, s *domain.StylePreset) {
	if s == nil {
		return
	}
	fmt.Fprintf(sb, "Style: %s\n", s.Name)
	if s.EngineHint != "" {
		fmt.Fprintf(sb, "Image model: %s\n", s.EngineHint)
	}
	if s.LLMStyleGuard != "" {
		fmt.Fprintf(sb, "Style rules: %s\n", s.LLMStyleGuard)
	}
}

func styleName(s *domain.StylePreset) string {
	if s == nil {
		return ""
	}
	return s.Name
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
