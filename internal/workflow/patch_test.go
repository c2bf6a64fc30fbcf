package workflow

import (
	"os"
	"path/filepath"
	"testing"
)

func sample() Workflow {
	return Workflow{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs":     map[string]any{"seed": float64(1), "steps": float64(20)},
		},
		"7": map[string]any{
			"class_type": "LoadImageBatch",
			"inputs":     map[string]any{"path": "/old", "mode": "incremental"},
		},
		"9": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"filename_prefix": "out"},
		},
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.json")
	if err := os.WriteFile(path, []byte(`{"1": {"class_type": "Note", "inputs": {}}}`), 0644); err != nil {
		t.Fatal(err)
	}
	wf, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := wf.Node("1"); !ok {
		t.Fatalf("node 1 missing after load")
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	wf := sample()
	cp, err := wf.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	node, _ := cp.Node("7")
	SetInput(node, "path", "/new")
	orig, _ := wf.Node("7")
	if orig["inputs"].(map[string]any)["path"] != "/old" {
		t.Fatalf("clone mutated the original")
	}
}

func TestNodeNormalizesPortSuffix(t *testing.T) {
	wf := sample()
	if _, ok := wf.Node("7:0"); !ok {
		t.Fatalf("expected 7:0 to resolve to node 7")
	}
	if _, ok := wf.Node("99"); ok {
		t.Fatalf("unexpected node 99")
	}
}

func TestSetStringLikePicksKnownKey(t *testing.T) {
	wf := sample()
	node, _ := wf.Node("7")
	SetStringLike(node, "/data/01")
	if node["inputs"].(map[string]any)["path"] != "/data/01" {
		t.Fatalf("expected path input updated")
	}
	// No recognized key present: falls back to "value".
	bare := map[string]any{"inputs": map[string]any{"mode": "x"}}
	SetStringLike(bare, "v")
	if bare["inputs"].(map[string]any)["value"] != "v" {
		t.Fatalf("expected value fallback")
	}
}

func TestPatchByMap(t *testing.T) {
	wf := sample()
	err := wf.PatchByMap(map[string]any{
		"3": map[string]any{"seed": float64(42)},
		"7": "/data/02",
	})
	if err != nil {
		t.Fatalf("PatchByMap failed: %v", err)
	}
	sampler, _ := wf.Node("3")
	if sampler["inputs"].(map[string]any)["seed"] != float64(42) {
		t.Errorf("seed not patched")
	}
	if sampler["inputs"].(map[string]any)["steps"] != float64(20) {
		t.Errorf("untouched input lost")
	}
	loader, _ := wf.Node("7")
	if loader["inputs"].(map[string]any)["path"] != "/data/02" {
		t.Errorf("string-like patch missed path input")
	}
}

func TestPatchByMapUnknownNode(t *testing.T) {
	wf := sample()
	if err := wf.PatchByMap(map[string]any{"404": "x"}); err == nil {
		t.Fatalf("expected error for unknown node id")
	}
}

func TestEnsureSink(t *testing.T) {
	wf := Workflow{
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{}},
	}
	if wf.HasSink() {
		t.Fatalf("no sink expected initially")
	}
	wf.EnsureSink("3")
	if !wf.HasSink() {
		t.Fatalf("sink not appended")
	}
	if len(wf) != 2 {
		t.Fatalf("expected one appended node, got %d total", len(wf))
	}
	// Already has a sink: nothing changes.
	before := len(wf)
	wf.EnsureSink("3")
	if len(wf) != before {
		t.Fatalf("EnsureSink must be idempotent")
	}
	// Unknown source node: nothing appended.
	bare := Workflow{"2": map[string]any{"class_type": "Note"}}
	bare.EnsureSink("404")
	if bare.HasSink() {
		t.Fatalf("sink must not be appended for unknown source")
	}
}
