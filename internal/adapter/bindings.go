package adapter

import (
	"fmt"

	"github.com/ktstudio/ktstudio/internal/infra/comfy"
)

// ─── Workflow Bindings ──────────────────────────────────────────────────────
// Node ids of the API-format templates under the workflows directory.

// Template file names.
const (
	WorkflowBase      = "wf_base_character.json"
	WorkflowViews     = "wf_8views.json"
	WorkflowComposite = "qwen_Image_edit_subgraphed.json"
	WorkflowVideo     = "video_wan2_2_14B_i2v.json"
)

// Workflows lists every template the adapters load.
var Workflows = []string{WorkflowBase, WorkflowViews, WorkflowComposite, WorkflowVideo}

// Text-to-image (character portraits and scene backgrounds).
const (
	nodeBasePos  = "91"    // value
	nodeBaseNeg  = "92:7"  // text
	nodeBaseSize = "92:58" // width, height, batch_size
	nodeBaseSeed = "92:3"  // seed
	nodeBaseSave = "90"
)

// Multi-view edit.
const nodeViewsInput = "25" // image

// viewNodes maps each save node of the multi-view workflow to its view.
var viewNodes = map[string]string{
	"31": "close",
	"34": "wide",
	"36": "right45",
	"38": "right90",
	"41": "aerial",
	"43": "low",
	"45": "left45",
	"47": "left90",
}

// Per-view sampler and scaler nodes; tuned when present.
var (
	viewSamplers = []string{"65:33:21", "65:35:21", "65:37:21", "65:39:21", "65:42:21", "65:44:21", "65:46:21", "65:40:21"}
	viewScalers  = []string{"65:33:28", "65:35:28", "65:37:28", "65:39:28", "65:42:28", "65:44:28", "65:46:28", "65:40:28"}
)

// Composite (image edit with two reference images).
const (
	nodeMergeScene     = "78"  // image
	nodeMergeCharacter = "120" // image
	nodeMergePos       = "115:111"
	nodeMergeNeg       = "115:110"
	nodeMergeSeed      = "115:3"
	nodeMergeSave      = "60"
)

// Image-to-video.
const (
	nodeVideoImage  = "97"
	nodeVideoPos    = "93"
	nodeVideoNeg    = "89"
	nodeVideoParams = "98" // width, height, length
	nodeVideoFPS    = "94"
	nodeVideoSeed   = "86" // noise_seed
	nodeVideoSave   = "108"
)

// binder sets workflow inputs, keeping the first missing-node error.
type binder struct {
	name string
	wf   comfy.Workflow
	err  error
}

func (e *Env) load(name string) (*binder, error) {
	wf, err := e.Templates.Load(name)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	return &binder{name: name, wf: wf}, nil
}

// set writes a required input.
func (b *binder) set(node, input string, value any) {
	if b.err != nil {
		return
	}
	if err := b.wf.Set(node, input, value); err != nil {
		b.err = fmt.Errorf("workflow %s: %w", b.name, err)
	}
}

// tune writes an optional input when the node exists.
func (b *binder) tune(node, input string, value any) {
	if b.wf.Has(node) {
		b.wf.Set(node, input, value)
	}
}
