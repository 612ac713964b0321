// Package adaptertest provides workflow fixtures and a scripted planner for
// tests that run real adapters against comfytest.
package adaptertest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// templates holds the minimal node set each adapter binds.
var templates = map[string]map[string]map[string]any{
	"wf_base_character.json": {
		"91":    {"value": ""},
		"92:7":  {"text": ""},
		"92:58": {"width": 1024, "height": 768, "batch_size": 1},
		"92:3":  {"seed": 1},
		"90":    {"filename_prefix": "base"},
	},
	"wf_8views.json": {
		"25": {"image": ""},
		"31": {"filename_prefix": "v"}, "34": {"filename_prefix": "v"},
		"36": {"filename_prefix": "v"}, "38": {"filename_prefix": "v"},
		"41": {"filename_prefix": "v"}, "43": {"filename_prefix": "v"},
		"45": {"filename_prefix": "v"}, "47": {"filename_prefix": "v"},
		"65:33:21": {"seed": 1},
	},
	"qwen_Image_edit_subgraphed.json": {
		"78":      {"image": ""},
		"120":     {"image": ""},
		"115:111": {"prompt": ""},
		"115:110": {"prompt": ""},
		"115:3":   {"seed": 1},
		"60":      {"filename_prefix": "merge"},
	},
	"video_wan2_2_14B_i2v.json": {
		"97":  {"image": ""},
		"93":  {"text": ""},
		"89":  {"text": ""},
		"98":  {"width": 640, "height": 640, "length": 81},
		"94":  {"fps": 16},
		"86":  {"noise_seed": 1},
		"108": {"filename_prefix": "video"},
	},
}

// WriteTemplates writes every workflow fixture into dir.
func WriteTemplates(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for name, nodes := range templates {
		wf := map[string]any{}
		for id, inputs := range nodes {
			wf[id] = map[string]any{"class_type": "Fixture", "inputs": inputs}
		}
		data, err := json.MarshalIndent(wf, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Planner is a scripted domain.Planner. Zero fields produce canned answers.
type Planner struct {
	mu sync.Mutex

	Err   error // returned by every call when set
	Plan  *domain.Plan
	Story *domain.StoryAssets

	Calls      []string
	PlanReqs   []domain.PlanRequest
	SceneBrief domain.SceneBrief
}

var _ domain.Planner = (*Planner)(nil)

var usage = domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

func (p *Planner) record(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, op)
	return p.Err
}

func (p *Planner) CharacterPrompts(ctx context.Context, b domain.CharacterBrief) (domain.PromptSet, error) {
	if err := p.record("character"); err != nil {
		return domain.PromptSet{}, err
	}
	return domain.PromptSet{PromptPos: "portrait of " + b.Name, PromptNeg: "lowres", Usage: usage}, nil
}

func (p *Planner) ScenePrompts(ctx context.Context, b domain.SceneBrief) (domain.PromptSet, error) {
	if err := p.record("scene"); err != nil {
		return domain.PromptSet{}, err
	}
	p.mu.Lock()
	p.SceneBrief = b
	p.mu.Unlock()
	return domain.PromptSet{PromptPos: "background of " + b.Name, PromptNeg: "people", Usage: usage}, nil
}

func (p *Planner) CompositePlan(ctx context.Context, req domain.PlanRequest) (*domain.Plan, error) {
	if err := p.record("plan"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlanReqs = append(p.PlanReqs, req)
	if p.Plan != nil {
		return p.Plan, nil
	}
	plan := &domain.Plan{Usage: usage}
	for _, r := range req.Roster {
		plan.Steps = append(plan.Steps, domain.PlanStep{
			CharacterID: r.CharacterID, CharacterName: r.Name, ViewKey: domain.ViewFront,
			PromptPos: "insert " + r.Name, PromptNeg: "blurry",
		})
	}
	return plan, nil
}

func (p *Planner) VideoPrompts(ctx context.Context, b domain.VideoBrief) (domain.PromptSet, error) {
	if err := p.record("video"); err != nil {
		return domain.PromptSet{}, err
	}
	return domain.PromptSet{PromptPos: "camera pans across " + b.SceneName, PromptNeg: "static", Usage: usage}, nil
}

func (p *Planner) StoryAssets(ctx context.Context, b domain.StoryBrief) (*domain.StoryAssets, error) {
	if err := p.record("story"); err != nil {
		return nil, err
	}
	if p.Story != nil {
		return p.Story, nil
	}
	return &domain.StoryAssets{Usage: usage}, nil
}

// CallCount returns how many planner calls were made.
func (p *Planner) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
