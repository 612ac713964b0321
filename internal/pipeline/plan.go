package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Plans ──────────────────────────────────────────────────────────────────

const (
	fallbackNeg = "distorted anatomy, duplicate person, floating figure, mismatched lighting, blurry"

	keepPos = "Keep every character already in the image unchanged: same position, pose, clothing and face."
	keepNeg = "missing existing characters, altered existing characters"
)

// Roster builds planner entries for the scene's characters, ordered by id.
func Roster(cast []domain.Character) []domain.RosterEntry {
	sorted := append([]domain.Character(nil), cast...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	out := make([]domain.RosterEntry, 0, len(sorted))
	for i := range sorted {
		c := &sorted[i]
		out = append(out, domain.RosterEntry{
			CharacterID: c.ID,
			Name:        c.Name,
			Sex:         c.Sex,
			Appearance:  c.Appearance(),
			ViewKeys:    append([]string{domain.ViewFront}, c.ViewKeys()...),
		})
	}
	return out
}

// FallbackPlan inserts every roster character once, front view, in roster order.
func FallbackPlan(roster []domain.RosterEntry) []domain.PlanStep {
	steps := make([]domain.PlanStep, 0, len(roster))
	for _, r := range roster {
		pos := fmt.Sprintf("Insert %s into the scene, standing naturally, matching the scene's lighting, perspective and scale.", r.Name)
		if r.Appearance != "" {
			pos = fmt.Sprintf("Insert %s (%s) into the scene, standing naturally, matching the scene's lighting, perspective and scale.", r.Name, r.Appearance)
		}
		steps = append(steps, domain.PlanStep{
			CharacterID:   r.CharacterID,
			CharacterName: r.Name,
			ViewKey:       domain.ViewFront,
			PromptPos:     pos,
			PromptNeg:     fallbackNeg,
		})
	}
	return steps
}

// Normalize keeps the plan steps that name a roster character, resolving
// steps that carry only a name, and drops repeats of a character.
func Normalize(plan *domain.Plan, roster []domain.RosterEntry) []domain.PlanStep {
	if plan == nil {
		return nil
	}
	byID := make(map[int64]domain.RosterEntry, len(roster))
	byName := make(map[string]domain.RosterEntry, len(roster))
	for _, r := range roster {
		byID[r.CharacterID] = r
		byName[strings.ToLower(strings.TrimSpace(r.Name))] = r
	}

	seen := map[int64]bool{}
	var out []domain.PlanStep
	for _, s := range plan.Steps {
		r, ok := byID[s.CharacterID]
		if !ok {
			r, ok = byName[strings.ToLower(strings.TrimSpace(s.CharacterName))]
		}
		if !ok || seen[r.CharacterID] {
			continue
		}
		seen[r.CharacterID] = true
		s.CharacterID = r.CharacterID
		s.CharacterName = r.Name
		s.ViewKey = strings.ToLower(strings.TrimSpace(s.ViewKey))
		if s.ViewKey == "" {
			s.ViewKey = domain.ViewFront
		}
		out = append(out, s)
	}
	return out
}

// ResolveImage picks the stored image for a step. "front" (or no view) is
// the base portrait, falling back to the first available view. Any other
// view falls back to another available view, then to the base portrait.
// It returns the view actually used, or "" when the character has no image.
func ResolveImage(c *domain.Character, view string) (path, used string) {
	if view == "" || view == domain.ViewFront {
		if c.BaseImagePath != "" {
			return c.BaseImagePath, domain.ViewFront
		}
		return firstView(c)
	}
	if p := c.Views[view]; p != "" {
		return p, view
	}
	if p, v := firstView(c); p != "" {
		return p, v
	}
	if c.BaseImagePath != "" {
		return c.BaseImagePath, domain.ViewFront
	}
	return "", ""
}

// firstView returns the first stored view in canonical order.
func firstView(c *domain.Character) (path, view string) {
	for _, v := range domain.ViewNames {
		if p := c.Views[v]; p != "" {
			return p, v
		}
	}
	return "", ""
}

// withKeep adds the keep-previous-characters directive to later steps.
func withKeep(pos, neg string) (string, string) {
	return joinNonEmpty(pos, keepPos), joinNonEmpty(neg, keepNeg)
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n" + b
}
