package comfy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Node is one node of an API-format workflow.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Workflow is an API-format workflow keyed by node id.
type Workflow map[string]*Node

// LoadWorkflow reads a workflow template from disk.
func LoadWorkflow(path string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", filepath.Base(path), err)
	}
	if len(wf) == 0 {
		return nil, fmt.Errorf("workflow %s has no nodes", filepath.Base(path))
	}
	return wf, nil
}

// Clone returns a deep copy, so a cached template is never mutated by a job.
func (w Workflow) Clone() Workflow {
	data, _ := json.Marshal(w)
	var out Workflow
	_ = json.Unmarshal(data, &out)
	return out
}

// Has reports whether the workflow contains node.
func (w Workflow) Has(node string) bool {
	_, ok := w[node]
	return ok
}

// Set writes one node input. Missing nodes are an error: a template that no
// longer matches its bindings would otherwise render with stale inputs.
func (w Workflow) Set(node, input string, value any) error {
	n, ok := w[node]
	if !ok || n == nil {
		return fmt.Errorf("workflow has no node %q", node)
	}
	if n.Inputs == nil {
		n.Inputs = map[string]any{}
	}
	n.Inputs[input] = value
	return nil
}

// Input reads one node input.
func (w Workflow) Input(node, input string) (any, bool) {
	n, ok := w[node]
	if !ok || n == nil {
		return nil, false
	}
	v, ok := n.Inputs[input]
	return v, ok
}

// NodeIDs returns the node ids in sorted order.
func (w Workflow) NodeIDs() []string {
	ids := make([]string, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ─── Templates ──────────────────────────────────────────────────────────────

// Templates loads workflow templates from a directory.
type Templates struct {
	dir string
}

// NewTemplates creates a loader rooted at dir.
func NewTemplates(dir string) *Templates {
	return &Templates{dir: dir}
}

// Dir returns the template directory.
func (t *Templates) Dir() string { return t.dir }

// Load reads the named template. Templates are re-read on every call so
// edits take effect without a restart.
func (t *Templates) Load(name string) (Workflow, error) {
	return LoadWorkflow(filepath.Join(t.dir, name))
}

// Missing lists the names that do not exist in the template directory.
func (t *Templates) Missing(names ...string) []string {
	var missing []string
	for _, n := range names {
		if _, err := os.Stat(filepath.Join(t.dir, n)); err != nil {
			missing = append(missing, n)
		}
	}
	return missing
}
