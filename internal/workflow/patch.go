// Package workflow manipulates ComfyUI workflow templates: JSON documents
// keyed by node id, each node holding a class_type and an inputs map.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Workflow is a parsed template. Values are kept loosely typed; only the
// inputs maps are ever rewritten.
type Workflow map[string]any

// Load reads and parses a workflow template file.
func Load(path string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow template: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow template: %w", err)
	}
	return wf, nil
}

// Clone deep-copies the workflow via a JSON round trip so a retried task
// never shares mutable state with the template.
func (wf Workflow) Clone() (Workflow, error) {
	buf, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("clone workflow: %w", err)
	}
	var out Workflow
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("clone workflow: %w", err)
	}
	return out, nil
}

// Node returns the node with the given id. Ids of the form "117:0" are
// normalized to their node part.
func (wf Workflow) Node(id string) (map[string]any, bool) {
	id, _, _ = strings.Cut(id, ":")
	node, ok := wf[id].(map[string]any)
	return node, ok
}

// SetInput sets one input key on a node, creating the inputs map if needed.
func SetInput(node map[string]any, key string, value any) {
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		inputs = map[string]any{}
		node["inputs"] = inputs
	}
	inputs[key] = value
}

// stringLikeKeys are the input names commonly used for free-text values,
// tried in order when the caller does not know the exact key.
var stringLikeKeys = []string{"value", "text", "string", "path", "input", "filename", "folder"}

// SetStringLike assigns value to the first recognized string-ish input key
// already present on the node, falling back to "value".
func SetStringLike(node map[string]any, value string) {
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		SetInput(node, "value", value)
		return
	}
	if len(inputs) == 0 {
		inputs["value"] = value
		return
	}
	for _, k := range stringLikeKeys {
		if _, present := inputs[k]; present {
			inputs[k] = value
			return
		}
	}
	inputs["value"] = value
}

// PatchByMap applies a node-id -> patch mapping. A map patch merges into the
// node's inputs; any other value is assigned string-like. Unknown node ids
// are an error: a template/mapping mismatch should fail the batch before
// anything is submitted.
func (wf Workflow) PatchByMap(mapping map[string]any) error {
	for id, patch := range mapping {
		node, ok := wf.Node(id)
		if !ok {
			return fmt.Errorf("workflow has no node %q", id)
		}
		switch p := patch.(type) {
		case map[string]any:
			for k, v := range p {
				SetInput(node, k, v)
			}
		default:
			SetStringLike(node, fmt.Sprint(p))
		}
	}
	return nil
}

// sinkClasses are node types that count as output sinks. A workflow without
// one never gets a history status from the backend.
var sinkClasses = []string{"SaveImage", "PreviewImage"}

// HasSink reports whether any node is an output sink.
func (wf Workflow) HasSink() bool {
	for _, v := range wf {
		node, ok := v.(map[string]any)
		if !ok {
			continue
		}
		class, _ := node["class_type"].(string)
		for _, sink := range sinkClasses {
			if strings.Contains(class, sink) {
				return true
			}
		}
	}
	return false
}

// EnsureSink appends a PreviewImage node consuming the first output of
// fromNode when the workflow has no sink, so the backend records a proper
// terminal status instead of leaving the task permanently unknown.
func (wf Workflow) EnsureSink(fromNode string) {
	if wf.HasSink() {
		return
	}
	if _, ok := wf.Node(fromNode); !ok {
		return
	}
	id := nextNodeID(wf)
	wf[id] = map[string]any{
		"class_type": "PreviewImage",
		"inputs": map[string]any{
			"images": []any{fromNode, float64(0)},
		},
	}
}

func nextNodeID(wf Workflow) string {
	max := 0
	for id := range wf {
		n := 0
		if _, err := fmt.Sscanf(id, "%d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%d", max+1)
}
