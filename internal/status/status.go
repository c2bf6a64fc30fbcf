// Package status reduces the backend's two read surfaces (live queue and
// history store) to a single normalized task status. Every tolerance for
// the backend's loosely-typed response shapes lives in this package;
// scheduling code only ever sees the closed Status enum.
package status

import (
	"encoding/json"
	"strings"

	"github.com/comfyq/comfyq/internal/comfy"
)

// Status is the normalized five-value classification of a task's progress.
type Status string

const (
	Queued  Status = "queued"
	Running Status = "running"
	Done    Status = "done"
	Failed  Status = "failed"
	Unknown Status = "unknown"
)

// Terminal reports whether the status ends polling for a handle.
func (s Status) Terminal() bool { return s == Done || s == Failed }

// FromSnapshots derives the status of handle from one queue snapshot and one
// history record. It is a pure function: identical inputs yield identical
// output. Queue membership is authoritative over the history record, since a
// re-queued task can still carry a stale "done" record.
func FromSnapshots(handle string, q *comfy.QueueSnapshot, rec comfy.HistoryRecord) Status {
	if q != nil {
		if entriesContain(q.Running, handle) {
			return Running
		}
		if entriesContain(q.Pending, handle) {
			return Queued
		}
	}
	if rec == nil {
		return Unknown
	}
	if raw, ok := rec["status"]; ok {
		if s := classifyStatusField(raw); s != Unknown {
			return s
		}
	}
	for _, key := range []string{"state", "phase", "label"} {
		if raw, ok := rec[key]; ok {
			var str string
			if json.Unmarshal(raw, &str) == nil {
				if s := classifyToken(str); s != Unknown {
					return s
				}
			}
		}
	}
	// An outputs field, even an empty one, means the run produced its
	// terminal record. Backends omit any status for sink-less workflows.
	if _, ok := rec["outputs"]; ok {
		return Done
	}
	if _, ok := rec["result"]; ok {
		return Done
	}
	// At this point the handle is confirmed absent from the queue, so a
	// populated error marker is a real failure, not a transient state.
	for _, key := range []string{"error", "node_errors", "exception"} {
		if raw, ok := rec[key]; ok && markerPopulated(raw) {
			return Failed
		}
	}
	return Unknown
}

// classifyStatusField handles the two shapes the status field takes: a bare
// string token, or a nested object with completed/status_str/execution_time.
func classifyStatusField(raw json.RawMessage) Status {
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return classifyToken(str)
	}
	var obj struct {
		Completed     *bool           `json:"completed"`
		StatusStr     string          `json:"status_str"`
		ExecutionTime json.RawMessage `json:"execution_time"`
	}
	if json.Unmarshal(raw, &obj) != nil {
		return Unknown
	}
	if obj.Completed != nil && *obj.Completed {
		return Done
	}
	if s := classifyToken(obj.StatusStr); s != Unknown {
		return s
	}
	// A recorded execution time implies the run finished.
	if len(obj.ExecutionTime) > 0 && string(obj.ExecutionTime) != "null" {
		return Done
	}
	return Unknown
}

func classifyToken(token string) Status {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "error", "failed", "interrupted", "exception":
		return Failed
	case "completed", "success", "ok", "done", "finished":
		return Done
	}
	return Unknown
}

// markerPopulated reports whether an error marker carries actual content
// (non-empty string, array, or object).
func markerPopulated(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`, "[]", "{}", "false":
		return false
	}
	return true
}

// entriesContain matches handle against queue entries of any supported
// shape: bare identifier, positional array, or keyed record. Matching is by
// string equality only.
func entriesContain(entries []json.RawMessage, handle string) bool {
	for _, raw := range entries {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if valueMatches(v, handle) {
			return true
		}
	}
	return false
}

func valueMatches(v any, handle string) bool {
	switch t := v.(type) {
	case string:
		return t == handle
	case []any:
		for _, el := range t {
			if s, ok := el.(string); ok && s == handle {
				return true
			}
		}
	case map[string]any:
		for _, el := range t {
			if s, ok := el.(string); ok && s == handle {
				return true
			}
		}
	}
	return false
}
