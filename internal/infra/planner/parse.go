package planner

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	codeFence     = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	trailingComma = regexp.MustCompile(`,\s*([\]}])`)
	smartQuotes   = strings.NewReplacer("“", `"`, "”", `"`, "„", `"`, "＂", `"`)
)

// ParseJSON decodes a model answer leniently: it strips code fences,
// extracts the outermost object, normalizes smart quotes and drops
// trailing commas before giving up.
func ParseJSON(content string, out any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("empty answer")
	}
	if json.Unmarshal([]byte(content), out) == nil {
		return nil
	}

	if m := codeFence.FindStringSubmatch(content); m != nil {
		content = strings.TrimSpace(m[1])
		if json.Unmarshal([]byte(content), out) == nil {
			return nil
		}
	}

	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return errors.New("no JSON object found")
	}
	repaired := content[start : end+1]
	repaired = smartQuotes.Replace(repaired)
	repaired = trailingComma.ReplaceAllString(repaired, "$1")
	return json.Unmarshal([]byte(repaired), out)
}

// ─── Prompt Normalization ───────────────────────────────────────────────────

// characterNegatives are always present in a character negative prompt.
var characterNegatives = []string{
	"barefoot", "missing feet", "cropped lower body", "blurry legs", "occluded feet",
	"sitting", "squatting", "leaning", "props covering body", "multiple people",
}

// sceneNegatives keep people and overlays out of empty backgrounds.
var sceneNegatives = []string{
	"people", "character", "human body", "face", "hands", "silhouette",
	"animals", "text", "watermark", "logo", "subtitles",
	"lowres", "blurry", "noise", "deformed",
}

// characterCore pins the reference-portrait framing every view relies on.
var characterCore = []string{
	"single person", "standing", "front view", "full body", "centered",
	"pure white background", "feet visible, wearing shoes",
}

// splitTags splits on commas (ASCII and full width) and newlines.
func splitTags(s string) []string {
	s = strings.NewReplacer("，", ",", "\n", ",").Replace(s)
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ensureTags appends each required tag not already contained in base.
func ensureTags(base string, required []string) string {
	lower := strings.ToLower(base)
	parts := []string{}
	if b := strings.Trim(strings.TrimSpace(base), ","); b != "" {
		parts = append(parts, b)
	}
	for _, tag := range required {
		if !strings.Contains(lower, strings.ToLower(tag)) {
			parts = append(parts, tag)
		}
	}
	return strings.Join(parts, ", ")
}

// NormalizeCharacterNegative appends the mandatory character negatives.
func NormalizeCharacterNegative(neg string) string {
	return ensureTags(neg, characterNegatives)
}

// NormalizeSceneNegative prefixes the style negative and appends the
// mandatory scene negatives.
func NormalizeSceneNegative(neg, styleNeg string) string {
	if styleNeg != "" && !strings.Contains(neg, styleNeg) {
		neg = strings.TrimSpace(styleNeg + ", " + neg)
	}
	return ensureTags(neg, sceneNegatives)
}

// NormalizeCharacterPositive leads with the core framing constraints.
func NormalizeCharacterPositive(pos, styleName string) string {
	var lead []string
	lower := strings.ToLower(pos)
	if styleName != "" && !strings.Contains(lower, strings.ToLower("<"+styleName+">")) {
		lead = append(lead, "<"+styleName+">")
	}
	for _, c := range characterCore {
		if !strings.Contains(lower, strings.ToLower(c)) {
			lead = append(lead, c)
		}
	}
	body := strings.Join(splitTags(pos), ", ")
	if len(lead) == 0 {
		return body
	}
	if body == "" {
		return strings.Join(lead, ", ")
	}
	return strings.Join(lead, ", ") + ", " + body
}
