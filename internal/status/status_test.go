package status

import (
	"encoding/json"
	"testing"

	"github.com/comfyq/comfyq/internal/comfy"
)

func rawEntries(entries ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, json.RawMessage(e))
	}
	return out
}

func record(body string) comfy.HistoryRecord {
	var rec comfy.HistoryRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		panic(err)
	}
	return rec
}

// TestFromSnapshots covers the normalization rules over queue and history
// shapes.
func TestFromSnapshots(t *testing.T) {
	cases := []struct {
		name   string
		queue  *comfy.QueueSnapshot
		rec    comfy.HistoryRecord
		expect Status
	}{
		{
			name:   "running entry as positional array",
			queue:  &comfy.QueueSnapshot{Running: rawEntries(`[0, "p1", {}]`)},
			expect: Running,
		},
		{
			name:   "pending entry as keyed record",
			queue:  &comfy.QueueSnapshot{Pending: rawEntries(`{"prompt_id": "p1"}`)},
			expect: Queued,
		},
		{
			name:   "pending entry as bare string",
			queue:  &comfy.QueueSnapshot{Pending: rawEntries(`"p1"`)},
			expect: Queued,
		},
		{
			name:   "running wins over pending",
			queue:  &comfy.QueueSnapshot{Running: rawEntries(`"p1"`), Pending: rawEntries(`"p1"`)},
			expect: Running,
		},
		{
			name:   "queue membership trumps done record",
			queue:  &comfy.QueueSnapshot{Running: rawEntries(`"p1"`)},
			rec:    record(`{"status": "completed"}`),
			expect: Running,
		},
		{
			name:   "absent everywhere is unknown",
			queue:  &comfy.QueueSnapshot{},
			expect: Unknown,
		},
		{
			name:   "string status token done",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"status": "success"}`),
			expect: Done,
		},
		{
			name:   "string status token failed",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"status": "interrupted"}`),
			expect: Failed,
		},
		{
			name:   "nested status completed flag",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"status": {"completed": true, "status_str": ""}}`),
			expect: Done,
		},
		{
			name:   "nested status error token",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"status": {"completed": false, "status_str": "error"}}`),
			expect: Failed,
		},
		{
			name:   "nested status execution time implies done",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"status": {"execution_time": 12.5}}`),
			expect: Done,
		},
		{
			name:   "state field token",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"state": "finished"}`),
			expect: Done,
		},
		{
			name:   "empty outputs map still means done",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"outputs": {}}`),
			expect: Done,
		},
		{
			name:   "populated outputs means done",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"outputs": {"9": {"images": []}}}`),
			expect: Done,
		},
		{
			name:   "populated node_errors off queue means failed",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"node_errors": {"3": {"message": "OOM"}}}`),
			expect: Failed,
		},
		{
			name:   "empty error markers stay unknown",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"error": "", "node_errors": {}}`),
			expect: Unknown,
		},
		{
			name:   "outputs win over populated error marker",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"outputs": {}, "node_errors": {"3": "bad"}}`),
			expect: Done,
		},
		{
			name:   "record with no recognized fields is unknown",
			queue:  &comfy.QueueSnapshot{},
			rec:    record(`{"prompt": [0, "p1"]}`),
			expect: Unknown,
		},
		{
			name:   "nil queue with done record",
			rec:    record(`{"status": "completed"}`),
			expect: Done,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FromSnapshots("p1", tc.queue, tc.rec)
			if got != tc.expect {
				t.Fatalf("expected %s, got %s", tc.expect, got)
			}
			// Same inputs must yield the same answer again.
			if again := FromSnapshots("p1", tc.queue, tc.rec); again != got {
				t.Fatalf("not idempotent: %s then %s", got, again)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	if !Done.Terminal() || !Failed.Terminal() {
		t.Fatalf("done and failed must be terminal")
	}
	for _, s := range []Status{Queued, Running, Unknown} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestEntriesContainIgnoresMalformed(t *testing.T) {
	entries := rawEntries(`not json`, `42`, `"p1"`)
	if !entriesContain(entries, "p1") {
		t.Fatalf("expected match despite malformed sibling entries")
	}
	if entriesContain(entries, "p2") {
		t.Fatalf("unexpected match")
	}
}
